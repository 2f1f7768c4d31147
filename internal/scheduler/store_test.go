package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JaysonBrenton/MRE-sub001/internal/ingest"
)

func queuedJob(id string, at time.Time) ingest.Job {
	return ingest.Job{
		ID:      id,
		Request: ingest.ByEventID{EventID: "evt-" + id, Depth: ingest.DepthResultsOnly},
		Status:  ingest.JobStatusQueued,
		Created: at,
		Updated: at,
	}
}

func TestJobStore_CreateRejectsDuplicate(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	now := time.Now()
	require.NoError(t, store.Create(queuedJob("j1", now)))

	err := store.Create(queuedJob("j1", now))
	require.Error(t, err)
	require.Equal(t, ingest.CodeValidation, ingest.CodeOf(err))
}

func TestJobStore_Transitions(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	now := time.Now()
	require.NoError(t, store.Create(queuedJob("j1", now)))
	require.True(t, store.IsQueued("j1"))

	require.True(t, store.MarkRunning("j1", now))
	require.False(t, store.IsQueued("j1"))
	// Running jobs cannot be started again.
	require.False(t, store.MarkRunning("j1", now))

	store.MarkCompleted("j1", ingest.Result{EventID: "evt-j1", EntriesSaved: 4}, now)
	job, ok := store.Get("j1")
	require.True(t, ok)
	require.Equal(t, ingest.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Result)
	require.Equal(t, 4, job.Result.EntriesSaved)
}

func TestJobStore_TerminalJobsNeverMutate(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	now := time.Now()
	require.NoError(t, store.Create(queuedJob("j1", now)))
	require.True(t, store.MarkRunning("j1", now))
	store.MarkFailed("j1", ingest.CodeConnectorHTTP, "origin returned 503", now)

	// A late completion report must not overwrite the failure.
	store.MarkCompleted("j1", ingest.Result{EventID: "evt-j1"}, now)

	job, ok := store.Get("j1")
	require.True(t, ok)
	require.Equal(t, ingest.JobStatusFailed, job.Status)
	require.Equal(t, string(ingest.CodeConnectorHTTP), job.ErrorCode)
	require.Equal(t, "origin returned 503", job.ErrorText)
	require.Nil(t, job.Result)
}

func TestJobStore_MarkFailedRequiresRunning(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	now := time.Now()
	require.NoError(t, store.Create(queuedJob("j1", now)))

	store.MarkFailed("j1", ingest.CodeIngestion, "boom", now)
	job, _ := store.Get("j1")
	require.Equal(t, ingest.JobStatusQueued, job.Status)
}

func TestJobStore_SweepTerminal_ZeroTTLDeletesImmediately(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	now := time.Now()
	require.NoError(t, store.Create(queuedJob("done", now)))
	require.NoError(t, store.Create(queuedJob("pending", now)))
	require.True(t, store.MarkRunning("done", now))
	store.MarkCompleted("done", ingest.Result{}, now)

	removed := store.SweepTerminal(0, now)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, store.Len())
	require.True(t, store.IsQueued("pending"))
}

func TestJobStore_SweepTerminal_HonorsTTL(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	base := time.Unix(1000, 0)
	require.NoError(t, store.Create(queuedJob("j1", base)))
	require.True(t, store.MarkRunning("j1", base))
	store.MarkCompleted("j1", ingest.Result{}, base)

	ttl := time.Hour
	require.Equal(t, 0, store.SweepTerminal(ttl, base.Add(30*time.Minute)))
	require.Equal(t, 1, store.Len())

	require.Equal(t, 1, store.SweepTerminal(ttl, base.Add(2*time.Hour)))
	require.Equal(t, 0, store.Len())
}

func TestJobStore_SweepTerminal_NeverSweepsActiveJobs(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	base := time.Unix(1000, 0)
	require.NoError(t, store.Create(queuedJob("queued", base)))
	require.NoError(t, store.Create(queuedJob("running", base)))
	require.True(t, store.MarkRunning("running", base))

	require.Equal(t, 0, store.SweepTerminal(0, base.Add(24*time.Hour)))
	require.Equal(t, 2, store.Len())
}
