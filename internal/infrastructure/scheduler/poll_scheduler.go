// Package scheduler runs the periodic status poll: a bounded worker pool
// that drains a job queue of status queries against remote services.
package scheduler

import (
	"context"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/synccore/internal/domain/sync"
)

// ---------------------------------------------------------------------------
// Poll Job Types
// ---------------------------------------------------------------------------

// PollJobStatus represents the status of a status poll job
type PollJobStatus string

const (
	PollJobStatusPending PollJobStatus = "PENDING"
	PollJobStatusRunning PollJobStatus = "RUNNING"
	PollJobStatusSuccess PollJobStatus = "SUCCESS"
	PollJobStatusFailed  PollJobStatus = "FAILED"
)

// PollJob is one status query against a remote service
type PollJob struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Integration sync.IntegrationCode
	DocumentID  uuid.UUID
	LocalRef    string
	// Attempt counts prior failed deliveries; the collector uses it to
	// space retries exponentially
	Attempt     int
	Status      PollJobStatus
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewPollJob creates a pending status poll job for a document
func NewPollJob(tenantID uuid.UUID, integration sync.IntegrationCode, documentID uuid.UUID, localRef string, attempt int) *PollJob {
	return &PollJob{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Integration: integration,
		DocumentID:  documentID,
		LocalRef:    localRef,
		Attempt:     attempt,
		Status:      PollJobStatusPending,
	}
}

// Start marks the job as running
func (j *PollJob) Start() {
	now := time.Now()
	j.Status = PollJobStatusRunning
	j.StartedAt = &now
	j.Error = ""
}

// Complete marks the job as successful
func (j *PollJob) Complete() {
	now := time.Now()
	j.Status = PollJobStatusSuccess
	j.CompletedAt = &now
}

// Fail marks the job as failed; the next scan re-collects the document
// once its backoff window elapses
func (j *PollJob) Fail(err string) {
	now := time.Now()
	j.Status = PollJobStatusFailed
	j.CompletedAt = &now
	j.Error = err
}

// ---------------------------------------------------------------------------
// Collector and Executor Interfaces
// ---------------------------------------------------------------------------

// Collector enumerates the documents due for a status query
type Collector interface {
	// CollectDue returns jobs for documents whose backoff window has
	// elapsed, bounded by limit
	CollectDue(ctx context.Context, limit int) ([]*PollJob, error)
}

// Executor runs one status query round-trip
type Executor interface {
	Execute(ctx context.Context, job *PollJob) error
}

// ---------------------------------------------------------------------------
// PollSchedulerConfig
// ---------------------------------------------------------------------------

// PollSchedulerConfig holds configuration for the status poll scheduler
type PollSchedulerConfig struct {
	// Enabled indicates if the scheduler is enabled
	Enabled bool
	// Interval is the scan cadence
	Interval time.Duration
	// BatchSize bounds the documents collected per scan
	BatchSize int
	// MaxConcurrentJobs is the worker pool size
	MaxConcurrentJobs int
	// JobTimeout bounds one status query round-trip
	JobTimeout time.Duration
}

// DefaultPollSchedulerConfig returns default configuration
func DefaultPollSchedulerConfig() PollSchedulerConfig {
	return PollSchedulerConfig{
		Enabled:           true,
		Interval:          5 * time.Minute,
		BatchSize:         100,
		MaxConcurrentJobs: 5,
		JobTimeout:        time.Minute,
	}
}

// Validate validates the configuration
func (c *PollSchedulerConfig) Validate() error {
	if c.Interval <= 0 {
		return ErrInvalidConfig
	}
	if c.BatchSize <= 0 {
		return ErrInvalidConfig
	}
	if c.MaxConcurrentJobs <= 0 {
		return ErrInvalidConfig
	}
	if c.JobTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ---------------------------------------------------------------------------
// PollScheduler
// ---------------------------------------------------------------------------

// PollScheduler scans for documents awaiting a remote verdict and runs
// their status queries through a bounded worker pool
type PollScheduler struct {
	config    PollSchedulerConfig
	collector Collector
	executor  Executor
	logger    *zap.Logger

	jobs      chan *PollJob
	cancel    context.CancelFunc
	wg        gosync.WaitGroup
	mu        gosync.Mutex
	isRunning bool

	// Job history for monitoring (in-memory, limited size)
	historyMu  gosync.RWMutex
	history    []*PollJob
	maxHistory int
}

// NewPollScheduler creates a new status poll scheduler
func NewPollScheduler(config PollSchedulerConfig, collector Collector, executor Executor, logger *zap.Logger) (*PollScheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &PollScheduler{
		config:     config,
		collector:  collector,
		executor:   executor,
		logger:     logger,
		jobs:       make(chan *PollJob, 100),
		history:    make([]*PollJob, 0, 100),
		maxHistory: 100,
	}, nil
}

// Start starts the scan loop and the worker pool
func (s *PollScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.config.MaxConcurrentJobs; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.wg.Add(1)
	go s.scanLoop(ctx)

	s.logger.Info("Status poll scheduler started",
		zap.Int("workers", s.config.MaxConcurrentJobs),
		zap.Duration("interval", s.config.Interval),
		zap.Duration("job_timeout", s.config.JobTimeout),
	)

	return nil
}

// Stop gracefully stops the scheduler
func (s *PollScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Status poll scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Status poll scheduler stop timed out")
		return ctx.Err()
	}
}

// SubmitJob submits a job for execution
func (s *PollScheduler) SubmitJob(job *PollJob) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.mu.Unlock()

	select {
	case s.jobs <- job:
		s.logger.Debug("Poll job submitted",
			zap.String("job_id", job.ID.String()),
			zap.String("document_id", job.DocumentID.String()),
			zap.String("integration", job.Integration.String()),
		)
		return nil
	default:
		return ErrJobQueueFull
	}
}

// scanLoop collects due documents on every tick
func (s *PollScheduler) scanLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// Scan runs one collection pass immediately; the loop calls this on
// every tick and tests call it directly
func (s *PollScheduler) Scan(ctx context.Context) {
	s.scan(ctx)
}

func (s *PollScheduler) scan(ctx context.Context) {
	jobs, err := s.collector.CollectDue(ctx, s.config.BatchSize)
	if err != nil {
		s.logger.Error("Poll collection failed", zap.Error(err))
		return
	}
	for _, job := range jobs {
		if err := s.SubmitJob(job); err != nil {
			s.logger.Warn("Poll job dropped",
				zap.String("document_id", job.DocumentID.String()),
				zap.Error(err),
			)
			return
		}
	}
	if len(jobs) > 0 {
		s.logger.Debug("Poll scan collected documents", zap.Int("count", len(jobs)))
	}
}

// worker processes jobs from the queue
func (s *PollScheduler) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	s.logger.Debug("Poll worker started", zap.Int("worker_id", workerID))

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Poll worker stopping", zap.Int("worker_id", workerID))
			return
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			s.processJob(ctx, job, workerID)
		}
	}
}

// processJob executes a single job
func (s *PollScheduler) processJob(ctx context.Context, job *PollJob, workerID int) {
	job.Start()

	jobCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	err := s.executor.Execute(jobCtx, job)
	if err != nil {
		job.Fail(err.Error())
		s.logger.Warn("Poll job failed",
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID.String()),
			zap.String("document_id", job.DocumentID.String()),
			zap.String("integration", job.Integration.String()),
			zap.Int("attempt", job.Attempt),
			zap.Error(err),
		)
		s.addToHistory(job)
		return
	}

	job.Complete()
	s.logger.Info("Poll job completed",
		zap.Int("worker_id", workerID),
		zap.String("job_id", job.ID.String()),
		zap.String("document_id", job.DocumentID.String()),
		zap.String("integration", job.Integration.String()),
	)
	s.addToHistory(job)
}

// addToHistory adds a completed job to history
func (s *PollScheduler) addToHistory(job *PollJob) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	s.history = append([]*PollJob{job}, s.history...)

	if len(s.history) > s.maxHistory {
		s.history = s.history[:s.maxHistory]
	}
}

// GetJobHistory returns recent job history
func (s *PollScheduler) GetJobHistory(limit int) []*PollJob {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}

	result := make([]*PollJob, limit)
	copy(result, s.history[:limit])
	return result
}
