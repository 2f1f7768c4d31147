// Package scheduler serializes and bounds ingestion work: an in-memory job
// registry, a FIFO backlog, a fixed worker pool under a global concurrency
// semaphore, and TTL-based retention of finished jobs.
package scheduler

import (
	"sync"
	"time"

	"github.com/JaysonBrenton/MRE-sub001/internal/ingest"
)

// JobStore is the authoritative in-memory registry of job records. Status
// transitions are monotonic: queued -> running -> {completed, failed}; a
// terminal job is never mutated again.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]ingest.Job
}

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]ingest.Job)}
}

// Create registers a new queued job.
func (s *JobStore) Create(job ingest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return ingest.NewError(ingest.CodeValidation, "job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(jobID string) (ingest.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

// MarkRunning transitions a queued job to running. It returns false when the
// job is unknown or no longer queued, which tells the worker to skip it.
func (s *JobStore) MarkRunning(jobID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != ingest.JobStatusQueued {
		return false
	}
	job.Status = ingest.JobStatusRunning
	job.Updated = now
	s.jobs[jobID] = job
	return true
}

// MarkCompleted records a successful result on a running job.
func (s *JobStore) MarkCompleted(jobID string, result ingest.Result, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != ingest.JobStatusRunning {
		return
	}
	job.Status = ingest.JobStatusCompleted
	job.Result = &result
	job.Updated = now
	s.jobs[jobID] = job
}

// MarkFailed records a failure code and message on a running job.
func (s *JobStore) MarkFailed(jobID string, code ingest.ErrorCode, message string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != ingest.JobStatusRunning {
		return
	}
	job.Status = ingest.JobStatusFailed
	job.ErrorCode = string(code)
	job.ErrorText = message
	job.Updated = now
	s.jobs[jobID] = job
}

// IsQueued reports whether the job exists and is still queued.
func (s *JobStore) IsQueued(jobID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	return ok && job.Status == ingest.JobStatusQueued
}

// SweepTerminal prunes finished jobs. With ttl <= 0 every terminal job is
// deleted immediately; otherwise a terminal job survives until ttl has
// passed since its last update. Queued and running jobs are never swept.
func (s *JobStore) SweepTerminal(ttl time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if !job.Status.Terminal() {
			continue
		}
		if ttl <= 0 || now.Sub(job.Updated) > ttl {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored jobs.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
