package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JaysonBrenton/MRE-sub001/internal/config"
	"github.com/JaysonBrenton/MRE-sub001/internal/ingest"
	"github.com/JaysonBrenton/MRE-sub001/internal/scheduler"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDGen struct{ n atomic.Int64 }

func (g *seqIDGen) NewID() (string, error) {
	return fmt.Sprintf("job-%d", g.n.Add(1)), nil
}

// blockingPipeline parks every job until release is closed; workers are only
// started in tests that need terminal states.
type blockingPipeline struct {
	mu      sync.Mutex
	results map[string]ingest.Result
	errs    map[string]error
	release chan struct{}
}

func newBlockingPipeline() *blockingPipeline {
	return &blockingPipeline{
		results: make(map[string]ingest.Result),
		errs:    make(map[string]error),
		release: make(chan struct{}),
	}
}

func (p *blockingPipeline) resolve(ctx context.Context, key string) (ingest.Result, error) {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ingest.Result{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.errs[key]; ok {
		return ingest.Result{}, err
	}
	return p.results[key], nil
}

func (p *blockingPipeline) IngestEvent(ctx context.Context, eventID string, _ ingest.Depth) (ingest.Result, error) {
	return p.resolve(ctx, eventID)
}

func (p *blockingPipeline) IngestEventBySourceID(ctx context.Context, sourceEventID, _ string, _ ingest.Depth) (ingest.Result, error) {
	return p.resolve(ctx, sourceEventID)
}

func newTestServer(pipe ingest.Pipeline, cfg config.Config) (*Server, *scheduler.Scheduler) {
	sched := scheduler.New(pipe, fixedClock{now: time.Unix(1000, 0)}, &seqIDGen{}, nil, scheduler.Config{
		Enabled:           true,
		MaxConcurrentJobs: 1,
		Workers:           1,
		RetentionTTL:      time.Hour,
	})
	return NewServer(sched, cfg, nil), sched
}

func TestServer_IngestEvent_Accepted(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(newBlockingPipeline(), config.Config{})

	body := bytes.NewBufferString(`{"depth":"laps_full"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/events/evt-1", body)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["job_id"])
}

func TestServer_IngestEvent_DefaultsDepth(t *testing.T) {
	t.Parallel()

	pipe := newBlockingPipeline()
	server, sched := newTestServer(pipe, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/events/evt-1", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	job, err := sched.Job(resp["job_id"])
	require.NoError(t, err)
	require.Equal(t, ingest.ByEventID{EventID: "evt-1", Depth: ingest.DepthResultsOnly}, job.Request)
}

func TestServer_IngestEvent_InvalidDepth(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(newBlockingPipeline(), config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/events/evt-1?depth=bogus", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "validation_error")
}

func TestServer_IngestSourceEvent_Accepted(t *testing.T) {
	t.Parallel()

	pipe := newBlockingPipeline()
	server, sched := newTestServer(pipe, config.Config{})

	body := bytes.NewBufferString(`{"source_event_id":"src-9","track_id":"track-2","depth":"laps_basic"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/source-events", body)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	job, err := sched.Job(resp["job_id"])
	require.NoError(t, err)
	require.Equal(t, ingest.BySourceID{SourceEventID: "src-9", TrackID: "track-2", Depth: ingest.DepthLapsBasic}, job.Request)
}

func TestServer_IngestSourceEvent_MissingFields(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(newBlockingPipeline(), config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/source-events", bytes.NewBufferString(`{"track_id":"track-2"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_IngestSourceEvent_InvalidJSON(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(newBlockingPipeline(), config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/source-events", bytes.NewBufferString("{broken"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetJob_QueuedIncludesPosition(t *testing.T) {
	t.Parallel()

	// Workers not started, so both jobs stay queued.
	server, sched := newTestServer(newBlockingPipeline(), config.Config{})
	firstID, err := sched.EnqueueEvent("evt-1", ingest.DepthResultsOnly)
	require.NoError(t, err)
	secondID, err := sched.EnqueueEvent("evt-2", ingest.DepthResultsOnly)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+secondID, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, secondID, resp.ID)
	require.Equal(t, ingest.JobStatusQueued, resp.Status)
	require.NotNil(t, resp.QueuePosition)
	require.Equal(t, 2, *resp.QueuePosition)
	require.Nil(t, resp.Result)
	require.Empty(t, resp.ErrorCode)

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/"+firstID, nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, *resp.QueuePosition)
}

func TestServer_GetJob_CompletedIncludesResult(t *testing.T) {
	t.Parallel()

	pipe := newBlockingPipeline()
	pipe.results["evt-1"] = ingest.Result{EventID: "evt-1", EntriesSaved: 7, LapsSaved: 120}
	server, sched := newTestServer(pipe, config.Config{})

	jobID, err := sched.EnqueueEvent("evt-1", ingest.DepthLapsFull)
	require.NoError(t, err)

	sched.Start(context.Background())
	defer sched.Stop()
	close(pipe.release)

	require.Eventually(t, func() bool {
		job, err := sched.Job(jobID)
		return err == nil && job.Status == ingest.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, ingest.JobStatusCompleted, resp.Status)
	require.Nil(t, resp.QueuePosition)
	require.NotNil(t, resp.Result)
	require.Equal(t, 7, resp.Result.EntriesSaved)
	require.Equal(t, 120, resp.Result.LapsSaved)
}

func TestServer_GetJob_FailedIncludesErrorCode(t *testing.T) {
	t.Parallel()

	pipe := newBlockingPipeline()
	pipe.errs["evt-1"] = ingest.NewError(ingest.CodeRobotsDisallowed, "robots.txt disallows /results")
	server, sched := newTestServer(pipe, config.Config{})

	jobID, err := sched.EnqueueEvent("evt-1", ingest.DepthResultsOnly)
	require.NoError(t, err)

	sched.Start(context.Background())
	defer sched.Stop()
	close(pipe.release)

	require.Eventually(t, func() bool {
		job, err := sched.Job(jobID)
		return err == nil && job.Status == ingest.JobStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, ingest.JobStatusFailed, resp.Status)
	require.Equal(t, string(ingest.CodeRobotsDisallowed), resp.ErrorCode)
	require.Equal(t, "robots.txt disallows /results", resp.Error)
	require.Nil(t, resp.Result)
}

func TestServer_GetJob_NotFound(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(newBlockingPipeline(), config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "not_found")
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(newBlockingPipeline(), config.Config{})

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestServer_RequestIDHeader(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(newBlockingPipeline(), config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_APIKeyGuardsV1Only(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "sekret"}}
	server, _ := newTestServer(newBlockingPipeline(), cfg)

	// Health endpoints stay open.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/ingest/events/evt-1", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/ingest/events/evt-1", nil)
	req.Header.Set("X-API-Key", "sekret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}
