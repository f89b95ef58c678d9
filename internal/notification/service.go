package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/erfinfo/efc-backup/internal/repositories"
	"github.com/erfinfo/efc-backup/internal/scheduler"
)

// Service implements scheduler.Notifier: one batch-outcome notification is
// built and fanned out to every channel (email, webhook) that is configured.
// There is no in-app/WebSocket channel in this spec — unlike the teacher,
// which persists a db.Notification row and publishes to a Hub per admin
// user, this repository has no User entity or dashboard push surface, so
// email/webhook are the only two channels.
type Service struct {
	settings repositories.SettingsRepository
	email    *emailSender
	webhook  *webhookSender
	logger   *zap.Logger
}

// Config holds the dependencies required to build a Service.
type Config struct {
	Settings repositories.SettingsRepository
	Logger   *zap.Logger
}

// NewService constructs a Service; the email and webhook senders are wired
// internally against cfg.Settings.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	svc := &Service{
		settings: cfg.Settings,
		logger:   cfg.Logger.Named("notification"),
	}
	svc.email = newEmailSender(func(ctx context.Context) (*SMTPConfig, error) {
		return loadSMTPConfig(ctx, cfg.Settings)
	})
	svc.webhook = newWebhookSender(func(ctx context.Context) (*WebhookConfig, error) {
		return loadWebhookConfig(ctx, cfg.Settings)
	})
	return svc
}

// NotifyBatchOutcome builds a title/body from the batch summary and fans it
// out to every configured channel. Errors from individual channels are
// logged, not returned — a delivery failure must never be mistaken for the
// batch itself having failed.
func (s *Service) NotifyBatchOutcome(ctx context.Context, summary scheduler.BatchSummary) error {
	title, body := renderBatchSummary(summary)

	recipients, err := loadRecipients(ctx, s.settings)
	if err != nil {
		s.logger.Warn("failed to load notification recipients", zap.Error(err))
	}

	if err := s.email.Send(ctx, recipients, summary, title, body); err != nil {
		s.logger.Warn("email notification delivery failed", zap.Error(err))
	}

	if err := s.webhook.Send(ctx, summary, title, body); err != nil {
		s.logger.Warn("webhook notification delivery failed", zap.Error(err))
	}

	return nil
}

func renderBatchSummary(summary scheduler.BatchSummary) (title, body string) {
	now := time.Now().UTC().Format(time.RFC3339)
	if !summary.AnyFailed() {
		title = fmt.Sprintf("Backup batch succeeded (%s)", summary.Origin)
		body = fmt.Sprintf("%d client(s) completed a %s backup successfully at %s.",
			len(summary.Succeeded), summary.Kind, now)
		return title, body
	}

	title = fmt.Sprintf("Backup batch had failures (%s)", summary.Origin)
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d succeeded, %d failed in a %s backup batch at %s.\n\nFailures:\n",
		len(summary.Succeeded), len(summary.Failed), summary.Kind, now)
	for client, errMsg := range summary.Failed {
		fmt.Fprintf(&sb, "  - %s: %s\n", client, errMsg)
	}
	return title, sb.String()
}
