package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JaysonBrenton/MRE-sub001/internal/ingest"
	"github.com/JaysonBrenton/MRE-sub001/internal/metrics"
)

// Config tunes the scheduler service.
type Config struct {
	Enabled           bool
	MaxConcurrentJobs int
	Workers           int
	RetentionTTL      time.Duration
}

// Scheduler owns the job store, the backlog, and the worker pool. It is a
// plain service value: construct it once, inject it, and call Start at
// process startup. Repeated Start calls are no-ops; Stop tears the workers
// down for tests.
type Scheduler struct {
	store    *JobStore
	queue    *queueOrder
	pipeline ingest.Pipeline
	clock    ingest.Clock
	idGen    ingest.IDGenerator
	logger   *zap.Logger
	cfg      Config
	sem      *semaphore.Weighted

	startMu sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Scheduler around the given pipeline collaborator.
func New(pipeline ingest.Pipeline, clock ingest.Clock, idGen ingest.IDGenerator, logger *zap.Logger, cfg Config) *Scheduler {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 2
	}
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.MaxConcurrentJobs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    NewJobStore(),
		queue:    newQueueOrder(),
		pipeline: pipeline,
		clock:    clock,
		idGen:    idGen,
		logger:   logger,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
	}
}

// EnqueueEvent queues ingestion of a locally known event and returns the job
// id immediately; no work happens synchronously.
func (s *Scheduler) EnqueueEvent(eventID string, depth ingest.Depth) (string, error) {
	if eventID == "" {
		return "", ingest.NewError(ingest.CodeValidation, "event_id is required")
	}
	if !ingest.ValidDepth(depth) {
		return "", ingest.NewError(ingest.CodeValidation, "unknown depth %q", depth)
	}
	return s.enqueue(ingest.ByEventID{EventID: eventID, Depth: depth})
}

// EnqueueSourceEvent queues ingestion of an event identified by the origin's
// own id, scoped to a track.
func (s *Scheduler) EnqueueSourceEvent(sourceEventID, trackID string, depth ingest.Depth) (string, error) {
	if sourceEventID == "" {
		return "", ingest.NewError(ingest.CodeValidation, "source_event_id is required")
	}
	if trackID == "" {
		return "", ingest.NewError(ingest.CodeValidation, "track_id is required")
	}
	if !ingest.ValidDepth(depth) {
		return "", ingest.NewError(ingest.CodeValidation, "unknown depth %q", depth)
	}
	return s.enqueue(ingest.BySourceID{SourceEventID: sourceEventID, TrackID: trackID, Depth: depth})
}

func (s *Scheduler) enqueue(request ingest.JobRequest) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := ingest.Job{
		ID:      jobID,
		Request: request,
		Status:  ingest.JobStatusQueued,
		Created: now,
		Updated: now,
	}
	if err := s.store.Create(job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	s.queue.Push(jobID)
	metrics.SetQueueDepth(s.queue.Len())
	s.logger.Debug("job enqueued", zap.String("job_id", jobID))
	return jobID, nil
}

// Job returns the stored record for jobID.
func (s *Scheduler) Job(jobID string) (ingest.Job, error) {
	job, ok := s.store.Get(jobID)
	if !ok {
		return ingest.Job{}, ingest.NewError(ingest.CodeNotFound, "job %s not found", jobID)
	}
	return job, nil
}

// QueuePosition returns the job's 1-based rank among still-queued jobs. The
// second return is false when the job is not queued. The rank is a
// best-effort snapshot: jobs may be dequeued between report and lookup.
func (s *Scheduler) QueuePosition(jobID string) (int, bool) {
	if !s.store.IsQueued(jobID) {
		return 0, false
	}
	return s.queue.Position(jobID, s.store.IsQueued)
}

// Start launches the worker pool. It is safe to call more than once; only
// the first call has any effect. With the queue disabled, Start logs and
// returns without launching workers.
func (s *Scheduler) Start(ctx context.Context) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	if !s.cfg.Enabled {
		s.logger.Warn("job queue disabled; workers not started")
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func(index int) {
			defer s.wg.Done()
			s.runWorker(runCtx, index)
		}(i)
	}
	s.logger.Info("scheduler started",
		zap.Int("workers", s.cfg.Workers),
		zap.Int("max_concurrent_jobs", s.cfg.MaxConcurrentJobs))
}

// Stop cancels the workers and waits for them to drain. After Stop the
// scheduler can be started again, which the tests rely on.
func (s *Scheduler) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.started = false
}

// runWorker serves jobs until the context finishes. A failing job never
// terminates the loop.
func (s *Scheduler) runWorker(ctx context.Context, index int) {
	logger := s.logger.With(zap.Int("worker", index))
	for {
		jobID, err := s.queue.Next(ctx)
		if err != nil {
			return
		}
		metrics.SetQueueDepth(s.queue.Len())

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		s.process(ctx, logger, jobID)
		s.sem.Release(1)

		swept := s.store.SweepTerminal(s.cfg.RetentionTTL, s.clock.Now())
		if swept > 0 {
			logger.Debug("retention sweep", zap.Int("removed", swept))
		}
	}
}

func (s *Scheduler) process(ctx context.Context, logger *zap.Logger, jobID string) {
	if !s.store.MarkRunning(jobID, s.clock.Now()) {
		// Stale backlog entry; the job was deleted or already handled.
		return
	}
	job, ok := s.store.Get(jobID)
	if !ok {
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	logger.Info("job started", zap.String("job_id", jobID))

	result, err := s.dispatch(ctx, job.Request)
	if err != nil {
		code := ingest.CodeOf(err)
		s.store.MarkFailed(jobID, code, ingest.MessageOf(err), s.clock.Now())
		metrics.ObserveJob(string(ingest.JobStatusFailed))
		logger.Warn("job failed",
			zap.String("job_id", jobID),
			zap.String("code", string(code)),
			zap.Error(err))
		return
	}

	s.store.MarkCompleted(jobID, result, s.clock.Now())
	metrics.ObserveJob(string(ingest.JobStatusCompleted))
	logger.Info("job completed",
		zap.String("job_id", jobID),
		zap.String("event_id", result.EventID),
		zap.Int("entries", result.EntriesSaved),
		zap.Int("laps", result.LapsSaved))
}

func (s *Scheduler) dispatch(ctx context.Context, request ingest.JobRequest) (ingest.Result, error) {
	switch req := request.(type) {
	case ingest.ByEventID:
		return s.pipeline.IngestEvent(ctx, req.EventID, req.Depth)
	case ingest.BySourceID:
		return s.pipeline.IngestEventBySourceID(ctx, req.SourceEventID, req.TrackID, req.Depth)
	default:
		return ingest.Result{}, ingest.NewError(ingest.CodeValidation, "unknown job request type %T", request)
	}
}
