package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/contributor-rewards/pkg/journal"
	"github.com/malbeclabs/contributor-rewards/pkg/ledger"
	"github.com/malbeclabs/contributor-rewards/pkg/metrics"
	"github.com/malbeclabs/contributor-rewards/pkg/notify"
	"github.com/malbeclabs/contributor-rewards/pkg/orchestrator"
	"github.com/malbeclabs/contributor-rewards/pkg/recorder"
	"github.com/malbeclabs/contributor-rewards/pkg/rewards"
	"github.com/malbeclabs/contributor-rewards/pkg/scheduler"
	"github.com/malbeclabs/contributor-rewards/pkg/shapley"
	"github.com/malbeclabs/contributor-rewards/utils/pkg/logger"
	"github.com/malbeclabs/doublezero/config"
	"github.com/malbeclabs/doublezero/tools/solana/pkg/rpc"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultInterval    = 10 * time.Minute
	defaultSamples     = 10_000
	defaultJournalPath = "rewards-journal.jsonl"
	defaultStatePath   = "scheduler-state.json"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Commands
	calculateFlag := flag.Bool("calculate", false, "Run the rewards pipeline once for --epoch")
	schedulerFlag := flag.Bool("scheduler", false, "Run the epoch-following scheduler loop")
	verifyManifestFlag := flag.Bool("verify-manifest", false, "Load the manifest for --epoch and verify every proof")
	inspectManifestFlag := flag.Bool("inspect-manifest", false, "Load the manifest for --epoch and print a summary")

	epochFlag := flag.Uint64("epoch", 0, "Epoch for --calculate, --verify-manifest, and --inspect-manifest")

	// Inputs
	dzEnvFlag := flag.String("dz-env", config.EnvMainnetBeta, "DZ ledger environment (devnet, testnet, mainnet-beta) (or set DZ_ENV env var)")
	ledgerSnapshotFlag := flag.String("ledger-snapshot", "", "Ledger snapshot JSON file: current position, per-epoch revenue and deny lists")
	telemetrySnapshotFlag := flag.String("telemetry-snapshot", "", "Telemetry snapshot JSON file: per-epoch raw contributor metrics")
	followChainFlag := flag.Bool("follow-chain", false, "Track the live chain's current epoch instead of the snapshot's")
	rpcURLFlag := flag.String("rpc-url", "", "DZ ledger RPC URL override for --follow-chain (defaults to the --dz-env public RPC)")

	// Valuation
	samplesFlag := flag.Int("samples", defaultSamples, "Monte Carlo permutation samples per category")
	workersFlag := flag.Int("workers", 0, "Estimator worker goroutines (0 = number of CPUs)")
	curveExponentFlag := flag.Float64("curve-exponent", 0.8, "Concave pooling exponent in (0, 1]")
	categoryFlags := flag.StringArray("category", nil, "Metric category as name:weight:metricA,metricB (repeatable; defaults to uptime:0.4:uptime, bandwidth:0.35:bandwidth, latency:0.25:latency)")

	// Outputs
	storageFlag := flag.String("storage", "local", "Manifest storage backend: local or s3")
	manifestDirFlag := flag.String("manifest-dir", "manifests", "Manifest directory for the local backend")
	s3BucketFlag := flag.String("s3-bucket", "", "S3 bucket for the s3 backend (or set S3_BUCKET env var)")
	s3PrefixFlag := flag.String("s3-prefix", "", "S3 key prefix for the s3 backend (or set S3_PREFIX env var)")
	s3RegionFlag := flag.String("s3-region", "", "S3 region for the s3 backend (or set AWS_REGION env var)")
	journalPathFlag := flag.String("journal-path", defaultJournalPath, "Epoch journal file")

	dryRunFlag := flag.Bool("dry-run", false, "Compute everything but write nothing")
	skipManifestFlag := flag.Bool("skip-manifest", false, "Skip the manifest write")
	skipJournalFlag := flag.Bool("skip-journal", false, "Skip the journal append")
	skipSubmitFlag := flag.Bool("skip-submit", false, "Skip the ledger submission")

	// Scheduler
	intervalFlag := flag.Duration("interval", defaultInterval, "Scheduler tick interval")
	statePathFlag := flag.String("state-path", defaultStatePath, "Scheduler state file")
	maxFailuresFlag := flag.Int("max-consecutive-failures", 5, "Stop the scheduler after this many consecutive failed ticks (0 = never)")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address for health, status, and prometheus metrics endpoints")

	// Notifications
	slackWebhookFlag := flag.String("slack-webhook-url", "", "Slack incoming-webhook URL for run notifications (or set SLACK_WEBHOOK_URL env var)")

	flag.Parse()

	// Optional .env for local development; missing file is fine.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if envDZEnv := os.Getenv("DZ_ENV"); envDZEnv != "" {
		*dzEnvFlag = envDZEnv
	}
	if envBucket := os.Getenv("S3_BUCKET"); envBucket != "" {
		*s3BucketFlag = envBucket
	}
	if envPrefix := os.Getenv("S3_PREFIX"); envPrefix != "" {
		*s3PrefixFlag = envPrefix
	}
	if envRegion := os.Getenv("AWS_REGION"); envRegion != "" {
		*s3RegionFlag = envRegion
	}
	if envWebhook := os.Getenv("SLACK_WEBHOOK_URL"); envWebhook != "" {
		*slackWebhookFlag = envWebhook
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: *dzEnvFlag,
			Release:     version,
		}); err != nil {
			log.Warn("sentry init failed, continuing without it", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	storage, err := recorder.NewStorage(ctx, recorder.StorageConfig{
		Logger:   log,
		Backend:  *storageFlag,
		LocalDir: *manifestDirFlag,
		S3Bucket: *s3BucketFlag,
		S3Prefix: *s3PrefixFlag,
		S3Region: *s3RegionFlag,
	})
	if err != nil {
		return fmt.Errorf("configuring manifest storage: %w", err)
	}
	rec, err := recorder.NewRecorder(recorder.Config{Logger: log, Storage: storage})
	if err != nil {
		return err
	}

	if *verifyManifestFlag || *inspectManifestFlag {
		if *epochFlag == 0 {
			return fmt.Errorf("--epoch is required for --verify-manifest and --inspect-manifest")
		}
		return manifestCommand(ctx, rec, *epochFlag, *verifyManifestFlag)
	}

	if !*calculateFlag && !*schedulerFlag {
		flag.Usage()
		return fmt.Errorf("one of --calculate, --scheduler, --verify-manifest, or --inspect-manifest is required")
	}

	if *ledgerSnapshotFlag == "" {
		return fmt.Errorf("--ledger-snapshot is required")
	}
	if *telemetrySnapshotFlag == "" {
		return fmt.Errorf("--telemetry-snapshot is required")
	}

	var epochRPC ledger.EpochRPC
	if *followChainFlag {
		rpcURL := *rpcURLFlag
		if rpcURL == "" {
			networkConfig, err := config.NetworkConfigForEnv(*dzEnvFlag)
			if err != nil {
				return fmt.Errorf("resolving network config for env %q: %w", *dzEnvFlag, err)
			}
			rpcURL = networkConfig.LedgerPublicRPCURL
		}
		rpcClient := rpc.NewWithRetries(rpcURL, nil)
		defer rpcClient.Close()
		epochRPC = rpcClient
		log.Info("following live chain epochs", "rpc_url", rpcURL)
	}

	ledgerClient, err := ledger.NewSnapshotClient(*ledgerSnapshotFlag, epochRPC)
	if err != nil {
		return err
	}
	telemetry := orchestrator.NewFileTelemetry(*telemetrySnapshotFlag)

	categories, err := parseCategories(*categoryFlags)
	if err != nil {
		return err
	}
	handler, err := rewards.NewHandler(rewards.Config{
		Logger:     log,
		Categories: categories,
		Samples:    *samplesFlag,
		Workers:    *workersFlag,
	})
	if err != nil {
		return err
	}
	valueFunc := &shapley.ConcaveCapacity{Exponent: *curveExponentFlag}
	if err := valueFunc.Validate(); err != nil {
		return err
	}

	journalLog, err := journal.NewFileLog(*journalPathFlag)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Logger:    log,
		Ledger:    ledgerClient,
		Telemetry: telemetry,
		Handler:   handler,
		ValueFunc: valueFunc,
		Recorder:  rec,
		Journal:   journalLog,
		Writes: recorder.WriteConfig{
			SkipManifest: *skipManifestFlag,
			SkipJournal:  *skipJournalFlag,
			SkipSubmit:   *skipSubmitFlag,
		},
		DryRun: *dryRunFlag,
	})
	if err != nil {
		return err
	}

	var notifier *notify.Notifier
	if *slackWebhookFlag != "" {
		notifier, err = notify.NewNotifier(notify.Config{
			Logger:      log,
			WebhookURL:  *slackWebhookFlag,
			Environment: *dzEnvFlag,
		})
		if err != nil {
			return err
		}
	}

	if *calculateFlag {
		if *epochFlag == 0 {
			return fmt.Errorf("--epoch is required for --calculate")
		}
		summary, err := orch.Run(ctx, *epochFlag)
		if notifier != nil && summary != nil {
			notifier.NotifyRun(ctx, summary)
		}
		if err != nil {
			return err
		}
		printSummary(summary)
		if !summary.AllSuccessful() {
			return fmt.Errorf("epoch %d finished with failed writes", summary.Epoch)
		}
		return nil
	}

	sched, err := scheduler.New(scheduler.Config{
		Logger:                 log,
		Ledger:                 ledgerClient,
		Orchestrator:           orch,
		Journal:                journalLog,
		Storage:                storage,
		Interval:               *intervalFlag,
		StatePath:              *statePathFlag,
		MaxConsecutiveFailures: *maxFailuresFlag,
		OnRunComplete: func(ctx context.Context, summary *orchestrator.Summary) {
			if notifier != nil {
				notifier.NotifyRun(ctx, summary)
			}
		},
	})
	if err != nil {
		return err
	}
	server, err := scheduler.NewServer(log, sched, *listenAddrFlag)
	if err != nil {
		return err
	}
	go func() {
		if err := server.Start(ctx); err != nil {
			log.Error("status server stopped", "error", err)
		}
	}()

	return sched.Run(ctx)
}

func manifestCommand(ctx context.Context, rec *recorder.Recorder, epoch uint64, verify bool) error {
	manifest, err := rec.LoadManifest(ctx, epoch)
	if err != nil {
		return err
	}
	if verify {
		if err := manifest.Verify(); err != nil {
			return fmt.Errorf("manifest for epoch %d failed verification: %w", epoch, err)
		}
		fmt.Printf("manifest for epoch %d verified: root %s, %d payees, %d units total\n",
			manifest.Epoch, manifest.Root, len(manifest.Entries), manifest.Total)
		return nil
	}
	fmt.Printf("epoch:        %d\n", manifest.Epoch)
	fmt.Printf("root:         %s\n", manifest.Root)
	fmt.Printf("total:        %d\n", manifest.Total)
	fmt.Printf("slot:         %d\n", manifest.Slot)
	fmt.Printf("generated at: %s\n", manifest.GeneratedAt.Format(time.RFC3339))
	fmt.Printf("payees:       %d\n", len(manifest.Entries))
	for _, entry := range manifest.Entries {
		fmt.Printf("  %s  %d\n", entry.Contributor, entry.Amount)
	}
	return nil
}

func printSummary(summary *orchestrator.Summary) {
	fmt.Printf("epoch %d: %d contributors, %d units, root %s (run %s, %s)\n",
		summary.Epoch, summary.Contributors, summary.Total, summary.Root, summary.RunID, summary.Duration.Round(time.Millisecond))
	for _, write := range summary.Writes {
		status := "ok"
		if write.Skipped {
			status = "skipped"
		} else if write.Err != nil {
			status = fmt.Sprintf("failed: %v", write.Err)
		}
		fmt.Printf("  %s: %s\n", write.Name, status)
	}
}

// parseCategories turns repeated name:weight:metricA,metricB flags into the
// handler's category config.
func parseCategories(specs []string) ([]rewards.Category, error) {
	if len(specs) == 0 {
		return []rewards.Category{
			{Name: "uptime", MetricNames: []string{"uptime"}, Weight: 0.4},
			{Name: "bandwidth", MetricNames: []string{"bandwidth"}, Weight: 0.35},
			{Name: "latency", MetricNames: []string{"latency"}, Weight: 0.25},
		}, nil
	}
	categories := make([]rewards.Category, 0, len(specs))
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("bad --category %q: want name:weight:metricA,metricB", spec)
		}
		weight, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad --category %q: weight: %w", spec, err)
		}
		var metricNames []string
		for _, name := range strings.Split(parts[2], ",") {
			if name = strings.TrimSpace(name); name != "" {
				metricNames = append(metricNames, name)
			}
		}
		categories = append(categories, rewards.Category{
			Name:        parts[0],
			MetricNames: metricNames,
			Weight:      weight,
		})
	}
	return categories, nil
}
