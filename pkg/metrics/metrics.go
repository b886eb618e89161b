package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "doublezero_contributor_rewards_build_info",
			Help: "Build information of the contributor rewards calculator",
		},
		[]string{"version", "commit", "date"},
	)

	CurrentEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "doublezero_contributor_rewards_current_epoch",
			Help: "Epoch currently being processed",
		},
	)

	LastSuccessfulEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "doublezero_contributor_rewards_last_successful_epoch",
			Help: "Last epoch that completed processing successfully",
		},
	)

	EpochsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "doublezero_contributor_rewards_epochs_processed_total",
			Help: "Total number of epochs processed",
		},
	)

	EpochProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "doublezero_contributor_rewards_epoch_processing_duration_seconds",
			Help:    "Duration of full epoch processing runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	ShapleyComputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "doublezero_contributor_rewards_shapley_total_duration_seconds",
			Help:    "Duration of Shapley value estimation",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	ShapleyContributorCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "doublezero_contributor_rewards_shapley_operator_count",
			Help: "Number of contributors in the latest Shapley estimation",
		},
	)

	ShapleyTotalValue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "doublezero_contributor_rewards_shapley_total_value",
			Help: "Sum of raw Shapley values in the latest estimation",
		},
	)

	WritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doublezero_contributor_rewards_writes_total",
			Help: "Total number of write operations by type and status",
		},
		[]string{"write_type", "status"},
	)

	WriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "doublezero_contributor_rewards_write_duration_seconds",
			Help:    "Duration of recorder and ledger write operations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"write_type"},
	)

	SchedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doublezero_contributor_rewards_scheduler_runs_total",
			Help: "Total number of scheduler ticks by outcome",
		},
		[]string{"status"},
	)
)
