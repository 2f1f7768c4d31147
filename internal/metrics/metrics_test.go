package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInit_Idempotent(t *testing.T) {
	// promauto panics on duplicate registration, so Init must guard
	// against repeated calls.
	Init()
	Init()

	require.NotNil(t, ingestPagesTotal)
	require.NotNil(t, ingestJobsTotal)
	require.NotNil(t, httpRequestsTotal)
}

func TestObservers_SafeAfterInit(t *testing.T) {
	Init()

	ObservePage("https://origin.example/path", 200)
	ObserveJob("completed")
	IncActiveWorkers()
	DecActiveWorkers()
	SetQueueDepth(3)
	ObserveThrottleDelay("origin.example", 250*time.Millisecond)
	ObserveCacheHit("origin.example")
	ObserveRobotsDenied("origin.example")
	ObserveHTTPRequest("GET", "/v1/jobs/{job_id}", 200, 10*time.Millisecond)
}

func TestSanitizeHost(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"full url", "https://Origin.Example/path?q=1", "origin.example"},
		{"bare host", "origin.example", "origin.example"},
		{"host with port", "origin.example:8443", "origin.example"},
		{"empty", "", "unknown"},
		{"garbage", "http://%zz", "unknown"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, SanitizeHost(tc.in))
		})
	}
}

func TestHandler_NotNil(t *testing.T) {
	t.Parallel()

	require.NotNil(t, Handler())
}
