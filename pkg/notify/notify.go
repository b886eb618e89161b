// Package notify posts run summaries to a Slack webhook. Notification is
// best effort: failures are logged and never fail the pipeline.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"github.com/malbeclabs/contributor-rewards/pkg/orchestrator"
	"github.com/malbeclabs/contributor-rewards/utils/pkg/retry"
)

// WebhookPoster posts one webhook message. Satisfied by a thin wrapper over
// slack.PostWebhookContext; injected in tests.
type WebhookPoster interface {
	PostWebhook(ctx context.Context, msg *slack.WebhookMessage) error
}

type slackWebhook struct {
	url string
}

func (w *slackWebhook) PostWebhook(ctx context.Context, msg *slack.WebhookMessage) error {
	return slack.PostWebhookContext(ctx, w.url, msg)
}

type Config struct {
	Logger *slog.Logger

	// WebhookURL is the Slack incoming-webhook endpoint.
	WebhookURL string

	// Environment tags messages (mainnet-beta, testnet, devnet).
	Environment string

	// Poster overrides the webhook transport, for tests.
	Poster WebhookPoster

	Retry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.WebhookURL == "" && cfg.Poster == nil {
		return errors.New("webhook url is required")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Notifier formats and posts per-run summaries.
type Notifier struct {
	log    *slog.Logger
	cfg    Config
	poster WebhookPoster
}

func NewNotifier(cfg Config) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	poster := cfg.Poster
	if poster == nil {
		poster = &slackWebhook{url: cfg.WebhookURL}
	}
	return &Notifier{
		log:    cfg.Logger,
		cfg:    cfg,
		poster: poster,
	}, nil
}

// NotifyRun posts a summary of one orchestrator run. Errors are logged and
// swallowed.
func (n *Notifier) NotifyRun(ctx context.Context, summary *orchestrator.Summary) {
	msg := FormatSummary(n.cfg.Environment, summary)
	err := retry.Do(ctx, n.cfg.Retry, func() error {
		return retry.Retryable(n.poster.PostWebhook(ctx, msg))
	})
	if err != nil {
		n.log.Error("notify: posting run summary failed", "epoch", summary.Epoch, "error", err)
		return
	}
	n.log.Debug("notify: run summary posted", "epoch", summary.Epoch)
}

// FormatSummary renders a run summary as a webhook message with one
// attachment, colored by outcome.
func FormatSummary(environment string, summary *orchestrator.Summary) *slack.WebhookMessage {
	color := "good"
	headline := fmt.Sprintf("Rewards epoch %d finalized", summary.Epoch)
	switch {
	case !summary.AllSuccessful():
		color = "danger"
		headline = fmt.Sprintf("Rewards epoch %d finished with failed writes", summary.Epoch)
	case summary.DryRun:
		color = "warning"
		headline = fmt.Sprintf("Rewards epoch %d dry run", summary.Epoch)
	case summary.ZeroRevenue:
		color = "warning"
		headline = fmt.Sprintf("Rewards epoch %d had zero revenue", summary.Epoch)
	}

	var writes []string
	for _, w := range summary.Writes {
		switch {
		case w.Skipped:
			writes = append(writes, w.Name+": skipped")
		case w.Err != nil:
			writes = append(writes, fmt.Sprintf("%s: FAILED (%v)", w.Name, w.Err))
		default:
			writes = append(writes, w.Name+": ok")
		}
	}

	fields := []slack.AttachmentField{
		{Title: "Environment", Value: environment, Short: true},
		{Title: "Run ID", Value: summary.RunID, Short: true},
		{Title: "Contributors", Value: fmt.Sprintf("%d", summary.Contributors), Short: true},
		{Title: "Total distributed", Value: fmt.Sprintf("%d", summary.Total), Short: true},
		{Title: "Root", Value: summary.Root, Short: false},
		{Title: "Writes", Value: strings.Join(writes, "\n"), Short: false},
	}

	return &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color:  color,
			Title:  headline,
			Fields: fields,
		}},
	}
}
