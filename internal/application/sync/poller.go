package sync

import (
	"context"
	"errors"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	domain "github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/infrastructure/logger"
	"github.com/erp/synccore/internal/infrastructure/scheduler"
	"github.com/erp/synccore/internal/infrastructure/telemetry"
)

// PollerConfig tunes the stale-document collection
type PollerConfig struct {
	// PendingRecoveryAge is the age after which a PENDING document is
	// considered orphaned by a crash
	PendingRecoveryAge time.Duration
	// DefaultBackoff is the base of the retry curve when the integration
	// configures none
	DefaultBackoff time.Duration
	// DefaultBackoffCap bounds the retry curve when the integration
	// configures no cap
	DefaultBackoffCap time.Duration
}

// retryStateRetention ages entries out of the in-memory retry table. A
// restart resets the table; affected documents restart their curve at
// the base interval.
const retryStateRetention = 24 * time.Hour

// retryState spaces repeated polls of one document
type retryState struct {
	attempts int
	nextDue  time.Time
}

// Poller feeds the status poll scheduler: it collects documents awaiting
// a remote verdict and executes the resulting jobs through the
// orchestrator. Each document's polls are spaced exponentially from the
// integration's backoff base up to its cap.
type Poller struct {
	registry     *domain.Registry
	documents    domain.DocumentRepository
	orchestrator *Orchestrator
	config       PollerConfig
	logger       *zap.Logger
	metrics      *telemetry.SyncMetrics

	mu       gosync.Mutex
	retries  map[uuid.UUID]*retryState
	lastScan map[domain.IntegrationCode]time.Time
}

// NewPoller creates the poller
func NewPoller(registry *domain.Registry, documents domain.DocumentRepository, orchestrator *Orchestrator, config PollerConfig, zapLogger *zap.Logger, metrics *telemetry.SyncMetrics) *Poller {
	if config.PendingRecoveryAge == 0 {
		config.PendingRecoveryAge = 10 * time.Minute
	}
	if config.DefaultBackoff == 0 {
		config.DefaultBackoff = 5 * time.Minute
	}
	if config.DefaultBackoffCap == 0 {
		config.DefaultBackoffCap = 30 * time.Minute
	}
	return &Poller{
		registry:     registry,
		documents:    documents,
		orchestrator: orchestrator,
		config:       config,
		logger:       zapLogger.Named("poller"),
		metrics:      metrics,
		retries:      make(map[uuid.UUID]*retryState),
		lastScan:     make(map[domain.IntegrationCode]time.Time),
	}
}

// awaitingVerdict are the statuses the poller revisits: documents whose
// remote outcome may still change, plus failed sends awaiting a retry
var awaitingVerdict = []domain.DocumentStatus{
	domain.DocumentStatusSent,
	domain.DocumentStatusRegisteredWithErrors,
	domain.DocumentStatusSendingFailed,
}

// CollectDue implements scheduler.Collector
func (p *Poller) CollectDue(ctx context.Context, limit int) ([]*scheduler.PollJob, error) {
	var jobs []*scheduler.PollJob
	now := time.Now()
	p.pruneRetries(now)

	for _, capability := range p.registry.List() {
		if len(jobs) >= limit {
			break
		}
		if !p.scanDue(capability, now) {
			continue
		}

		base, _ := p.backoffBounds(capability)

		// Crash recovery: PENDING documents older than the recovery age
		// never received their response write.
		pending, err := p.documents.FindStale(ctx, capability.Code,
			[]domain.DocumentStatus{domain.DocumentStatusPending},
			now.Add(-p.config.PendingRecoveryAge), limit-len(jobs))
		if err != nil {
			return nil, err
		}
		jobs = p.appendDue(jobs, pending, now, limit)

		if len(jobs) >= limit {
			break
		}

		stale, err := p.documents.FindStale(ctx, capability.Code,
			awaitingVerdict, now.Add(-base), limit-len(jobs))
		if err != nil {
			return nil, err
		}
		jobs = p.appendDue(jobs, stale, now, limit)
	}

	return jobs, nil
}

// appendDue turns stale documents into jobs, skipping documents still
// inside their backoff window and validation failures that a retry can
// never fix
func (p *Poller) appendDue(jobs []*scheduler.PollJob, stale []domain.StaleDocument, now time.Time, limit int) []*scheduler.PollJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range stale {
		if len(jobs) >= limit {
			break
		}
		if strings.HasPrefix(s.Document.FailReason, "payload-incomplete") {
			continue
		}
		attempts := 0
		if rs, ok := p.retries[s.Document.ID]; ok {
			if now.Before(rs.nextDue) {
				continue
			}
			attempts = rs.attempts
		}
		jobs = append(jobs, scheduler.NewPollJob(
			s.Document.TenantID,
			s.Document.Integration,
			s.Document.ID,
			s.Binding.LocalRef,
			attempts,
		))
	}
	return jobs
}

// scanDue applies the integration's poll cadence. A zero PollInterval
// defers to the scheduler's scan interval.
func (p *Poller) scanDue(capability *domain.Capability, now time.Time) bool {
	if capability.PollInterval <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastScan[capability.Code]; ok && now.Sub(last) < capability.PollInterval {
		return false
	}
	p.lastScan[capability.Code] = now
	return true
}

func (p *Poller) backoffBounds(capability *domain.Capability) (base, limit time.Duration) {
	base = capability.BackoffBase
	if base <= 0 {
		base = p.config.DefaultBackoff
	}
	limit = capability.BackoffCap
	if limit <= 0 {
		limit = p.config.DefaultBackoffCap
	}
	if limit < base {
		limit = base
	}
	return base, limit
}

// backoffFor doubles the wait per attempt up to the cap
func backoffFor(base, limit time.Duration, attempts int) time.Duration {
	d := base
	for i := 0; i < attempts && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

// bump schedules the document's next poll one step further out on the
// integration's curve
func (p *Poller) bump(id uuid.UUID, capability *domain.Capability) {
	base, limit := p.backoffBounds(capability)
	p.mu.Lock()
	defer p.mu.Unlock()
	rs := p.retries[id]
	if rs == nil {
		rs = &retryState{}
		p.retries[id] = rs
	}
	rs.attempts++
	rs.nextDue = time.Now().Add(backoffFor(base, limit, rs.attempts))
}

// park suppresses a document that resolved elsewhere or cannot be
// retried; the entry ages out of the table after the retention window
func (p *Poller) park(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs := p.retries[id]
	if rs == nil {
		rs = &retryState{}
		p.retries[id] = rs
	}
	rs.nextDue = time.Now().Add(retryStateRetention)
}

func (p *Poller) pruneRetries(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, rs := range p.retries {
		if now.Sub(rs.nextDue) > retryStateRetention {
			delete(p.retries, id)
		}
	}
}

// Execute implements scheduler.Executor: it settles orphaned PENDING
// documents, replays failed sends and runs status query round-trips.
func (p *Poller) Execute(ctx context.Context, job *scheduler.PollJob) error {
	capability, err := p.registry.Get(job.Integration)
	if err != nil {
		p.metrics.RecordPollJob(ctx, job.Integration, true)
		return err
	}

	log := logger.WithLogger(ctx, p.logger).With(
		zap.String("integration", job.Integration.String()),
		zap.String("document_id", job.DocumentID.String()),
	)

	doc, err := p.documents.FindByID(ctx, job.DocumentID)
	if err != nil {
		p.metrics.RecordPollJob(ctx, job.Integration, true)
		return err
	}

	if doc.Status == domain.DocumentStatusSendingFailed {
		return p.resend(ctx, job, doc, capability, log)
	}

	// A PENDING document this old crashed between creation and response
	// recording. Settle it, then learn the truth from the remote.
	if doc.Status == domain.DocumentStatusPending {
		if err := doc.FailSending("no response recorded, recovered by poll", nil); err == nil {
			if err := p.documents.RecordResponse(ctx, doc); err != nil {
				p.metrics.RecordPollJob(ctx, job.Integration, true)
				return err
			}
			log.Info("orphaned pending document settled")
		}
	}

	_, err = p.orchestrator.Query(ctx, job.TenantID, job.Integration, job.LocalRef)
	if err != nil {
		// an entity that never got bound has nothing to query
		if errors.Is(err, domain.ErrBindingNotFound) {
			log.Debug("document has no bound entity, skipping query")
			p.bump(job.DocumentID, capability)
			p.metrics.RecordPollJob(ctx, job.Integration, false)
			return nil
		}
		p.bump(job.DocumentID, capability)
		p.metrics.RecordPollJob(ctx, job.Integration, true)
		return err
	}

	p.bump(job.DocumentID, capability)
	p.metrics.RecordPollJob(ctx, job.Integration, false)
	return nil
}

// resend replays a transport-failed submission. A successful replay
// produces a new document with its own lifecycle, so the failed one is
// parked either way.
func (p *Poller) resend(ctx context.Context, job *scheduler.PollJob, doc *domain.SyncDocument, capability *domain.Capability, log *logger.ContextLogger) error {
	_, err := p.orchestrator.Resend(ctx, doc.ID)
	if errors.Is(err, domain.ErrNotRetryable) {
		log.Debug("failed document cannot be retried, parked")
		p.park(doc.ID)
		p.metrics.RecordPollJob(ctx, job.Integration, false)
		return nil
	}
	if err != nil {
		p.bump(doc.ID, capability)
		p.metrics.RecordPollJob(ctx, job.Integration, true)
		return err
	}
	log.Info("failed submission replayed")
	p.park(doc.ID)
	p.metrics.RecordPollJob(ctx, job.Integration, false)
	return nil
}

var _ scheduler.Collector = (*Poller)(nil)
var _ scheduler.Executor = (*Poller)(nil)
