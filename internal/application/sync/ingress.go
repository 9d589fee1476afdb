package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/erp/synccore/internal/domain/shared"
	domain "github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/infrastructure/logger"
	"github.com/erp/synccore/internal/infrastructure/telemetry"
)

// WebhookOutcome describes how an inbound delivery was handled
type WebhookOutcome string

const (
	// WebhookOutcomeProcessed means the event triggered a status query
	WebhookOutcomeProcessed WebhookOutcome = "processed"
	// WebhookOutcomeDuplicate means the delivery was suppressed by the
	// deduplication window
	WebhookOutcomeDuplicate WebhookOutcome = "duplicate"
	// WebhookOutcomeUnmatched means no binding matched the reference
	WebhookOutcomeUnmatched WebhookOutcome = "unmatched"
)

// ErrWebhookUnauthorized is returned when a delivery fails authentication
var ErrWebhookUnauthorized = errors.New("sync: webhook authentication failed")

// Ingress handles inbound webhook notifications: authenticate, parse,
// deduplicate, then confirm the pushed state with an outbound query. The
// remote's claim is never trusted directly.
type Ingress struct {
	registry     *domain.Registry
	bindings     domain.BindingRepository
	dedup        shared.DedupStore
	orchestrator *Orchestrator
	window       time.Duration
	logger       *zap.Logger
	metrics      *telemetry.SyncMetrics
}

// NewIngress creates the webhook ingress
func NewIngress(registry *domain.Registry, bindings domain.BindingRepository, dedup shared.DedupStore, orchestrator *Orchestrator, window time.Duration, zapLogger *zap.Logger, metrics *telemetry.SyncMetrics) *Ingress {
	if window == 0 {
		window = shared.DefaultDedupConfig().Window
	}
	return &Ingress{
		registry:     registry,
		bindings:     bindings,
		dedup:        dedup,
		orchestrator: orchestrator,
		window:       window,
		logger:       zapLogger.Named("ingress"),
		metrics:      metrics,
	}
}

// Process handles one delivery. The returned outcome is reported to the
// sender; authentication failures surface as ErrWebhookUnauthorized and
// parse failures as ErrUnparseableResponse, everything else is accepted.
func (i *Ingress) Process(ctx context.Context, integration domain.IntegrationCode, headers map[string][]string, body []byte) (WebhookOutcome, error) {
	capability, err := i.registry.Get(integration)
	if err != nil {
		return "", err
	}
	log := logger.WithLogger(ctx, i.logger).With(zap.String("integration", integration.String()))

	if capability.Webhook == nil {
		i.metrics.RecordWebhook(ctx, integration, "unauthorized")
		return "", ErrWebhookUnauthorized
	}
	if err := capability.Webhook.Authenticate(headers, body); err != nil {
		log.Warn("webhook rejected", zap.Error(err))
		i.metrics.RecordWebhook(ctx, integration, "unauthorized")
		return "", fmt.Errorf("%w: %v", ErrWebhookUnauthorized, err)
	}

	event, err := capability.Codec.ParseWebhook(body)
	if err != nil {
		i.metrics.RecordWebhook(ctx, integration, "unparseable")
		return "", err
	}
	log = log.With(
		zap.String("reference", event.Reference),
		zap.String("upstream_event_id", event.UpstreamEventID),
	)

	key := dedupKey(integration, event.Reference, event.UpstreamEventID)
	fresh, err := i.dedup.MarkProcessed(ctx, key, i.window)
	if err != nil {
		return "", err
	}
	if !fresh {
		log.Debug("duplicate delivery suppressed")
		i.metrics.RecordWebhook(ctx, integration, "duplicate")
		return WebhookOutcomeDuplicate, nil
	}

	binding, err := i.bindings.FindByReference(ctx, integration, event.Reference)
	if err != nil {
		if errors.Is(err, domain.ErrBindingNotFound) {
			log.Info("webhook reference matches no binding")
			i.metrics.RecordWebhook(ctx, integration, "unmatched")
			return WebhookOutcomeUnmatched, nil
		}
		return "", err
	}

	if _, err := i.orchestrator.Query(ctx, binding.TenantID, integration, binding.LocalRef); err != nil {
		i.metrics.RecordWebhook(ctx, integration, "error")
		return "", err
	}

	log.Info("webhook processed")
	i.metrics.RecordWebhook(ctx, integration, "ok")
	return WebhookOutcomeProcessed, nil
}

func dedupKey(integration domain.IntegrationCode, reference, eventID string) string {
	return integration.String() + ":" + reference + ":" + eventID
}
