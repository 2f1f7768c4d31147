package politeness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JaysonBrenton/MRE-sub001/internal/config"
	"github.com/JaysonBrenton/MRE-sub001/internal/ingest"
)

func newTestEngine(t *testing.T, hosts []config.HostRule, capacity int) *Engine {
	t.Helper()
	return NewEngine(Options{
		Matcher:       NewRuleMatcher(hosts),
		Oracle:        NewRobotsOracle("test-bot/1.0", zap.NewNop()),
		Cache:         NewConditionalCache(capacity),
		Gate:          NewThrottleGate(nil),
		KillSwitchEnv: "TEST_SCRAPE_ENABLED",
		UserAgent:     "test-bot/1.0",
	})
}

func TestEngine_EnsureEnabled_DefaultOn(t *testing.T) {
	engine := newTestEngine(t, nil, 0)

	// Unset means enabled; so does any value that is not an explicit off.
	require.NoError(t, engine.EnsureEnabled("a.example"))

	t.Setenv("TEST_SCRAPE_ENABLED", "1")
	require.NoError(t, engine.EnsureEnabled("a.example"))

	t.Setenv("TEST_SCRAPE_ENABLED", "banana")
	require.NoError(t, engine.EnsureEnabled("a.example"))
}

func TestEngine_EnsureEnabled_KillSwitchValues(t *testing.T) {
	engine := newTestEngine(t, nil, 0)

	for _, v := range []string{"0", "false", "off", "no", "FALSE", "Off"} {
		t.Setenv("TEST_SCRAPE_ENABLED", v)
		err := engine.EnsureEnabled("a.example")
		require.Error(t, err, "value %q must disable scraping", v)
		require.Equal(t, ingest.CodeScrapingDisabled, ingest.CodeOf(err))
	}
}

func TestEngine_EnsureEnabled_ReReadsPerCall(t *testing.T) {
	engine := newTestEngine(t, nil, 0)

	t.Setenv("TEST_SCRAPE_ENABLED", "0")
	require.Error(t, engine.EnsureEnabled("a.example"))

	t.Setenv("TEST_SCRAPE_ENABLED", "1")
	require.NoError(t, engine.EnsureEnabled("a.example"))
}

func TestEngine_EnsureAllowed_RespectsRobots(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	}))
	defer srv.Close()

	engine := newTestEngine(t, []config.HostRule{
		{Pattern: "*", MaxConcurrency: 1, RespectRobots: true},
	}, 0)

	ctx := context.Background()
	require.NoError(t, engine.EnsureAllowed(ctx, srv.URL+"/public/page"))

	err := engine.EnsureAllowed(ctx, srv.URL+"/private/page")
	require.Error(t, err)
	require.Equal(t, ingest.CodeRobotsDisallowed, ingest.CodeOf(err))
}

func TestEngine_EnsureAllowed_SkipsRobotsWhenRuleOptsOut(t *testing.T) {
	t.Parallel()

	var probed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		probed.Store(true)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
	}))
	defer srv.Close()

	engine := newTestEngine(t, []config.HostRule{
		{Pattern: "*", MaxConcurrency: 1, RespectRobots: false},
	}, 0)

	require.NoError(t, engine.EnsureAllowed(context.Background(), srv.URL+"/anything"))
	require.False(t, probed.Load(), "robots.txt must not be fetched for opted-out hosts")
}

func TestEngine_ConditionalHeaders_RoundTrip(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, []config.HostRule{
		{Pattern: "*", MaxConcurrency: 1, ConditionalRequest: true},
	}, 8)

	rawURL := "https://a.example/results"

	// Nothing cached yet.
	require.Empty(t, engine.ConditionalHeaders(rawURL))

	engine.RecordSuccess(rawURL, &Response{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Etag":          []string{`"v1"`},
			"Last-Modified": []string{"Mon, 02 Jan 2006 15:04:05 GMT"},
		},
		Body:        []byte("<html>results</html>"),
		ContentType: "text/html",
	})

	headers := engine.ConditionalHeaders(rawURL)
	require.Equal(t, `"v1"`, headers.Get("If-None-Match"))
	require.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", headers.Get("If-Modified-Since"))
}

func TestEngine_ConditionalHeaders_EmptyWhenRuleDisables(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, []config.HostRule{
		{Pattern: "*", MaxConcurrency: 1, ConditionalRequest: false},
	}, 8)

	rawURL := "https://a.example/results"
	engine.RecordSuccess(rawURL, &Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Etag": []string{`"v1"`}},
		Body:       []byte("body"),
	})
	require.Empty(t, engine.ConditionalHeaders(rawURL))
}

func TestEngine_RecordSuccess_RequiresValidator(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, []config.HostRule{
		{Pattern: "*", MaxConcurrency: 1, ConditionalRequest: true},
	}, 8)

	rawURL := "https://a.example/results"
	engine.RecordSuccess(rawURL, &Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       []byte("no validators"),
	})
	require.Empty(t, engine.ConditionalHeaders(rawURL))
}

func TestEngine_MaybeUseCached_ReconstructsOn304(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, []config.HostRule{
		{Pattern: "*", MaxConcurrency: 1, ConditionalRequest: true},
	}, 8)

	rawURL := "https://a.example/results"
	engine.RecordSuccess(rawURL, &Response{
		StatusCode:  http.StatusOK,
		Header:      http.Header{"Etag": []string{`"v1"`}},
		Body:        []byte("<html>cached</html>"),
		ContentType: "text/html",
	})

	resp := engine.MaybeUseCached(rawURL, &Response{
		StatusCode: http.StatusNotModified,
		Header:     http.Header{},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []byte("<html>cached</html>"), resp.Body)
	require.Equal(t, "text/html", resp.ContentType)
}

func TestEngine_MaybeUseCached_PassesThroughNon304(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, nil, 8)
	orig := &Response{StatusCode: http.StatusOK, Body: []byte("fresh")}
	require.Same(t, orig, engine.MaybeUseCached("https://a.example/x", orig))
}

func TestEngine_MaybeUseCached_304WithoutEntryPassesThrough(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, nil, 8)
	orig := &Response{StatusCode: http.StatusNotModified, Header: http.Header{}}
	require.Same(t, orig, engine.MaybeUseCached("https://a.example/x", orig))
}

func TestEngine_Throttle_UsesRobotsDelayWhenLarger(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nCrawl-delay: 0.12\n"))
	}))
	defer srv.Close()

	engine := newTestEngine(t, []config.HostRule{
		{Pattern: "*", CrawlDelaySeconds: 0.02, MaxConcurrency: 1, RespectRobots: true},
	}, 0)

	ctx := context.Background()
	rawURL := srv.URL + "/results"

	// Prime the oracle so the advertised crawl delay is known, as the
	// connector does before throttling.
	require.NoError(t, engine.EnsureAllowed(ctx, rawURL))

	noop := func(context.Context) error { return nil }
	start := time.Now()
	require.NoError(t, engine.Throttle(ctx, rawURL, noop))
	require.NoError(t, engine.Throttle(ctx, rawURL, noop))
	elapsed := time.Since(start)

	// The 120ms robots delay must win over the 20ms configured delay.
	require.GreaterOrEqual(t, elapsed, 120*time.Millisecond,
		"completions must be spaced by the robots-advertised delay")
}

func TestEngine_Throttle_UsesRuleDelayWhenLarger(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nCrawl-delay: 0.02\n"))
	}))
	defer srv.Close()

	engine := newTestEngine(t, []config.HostRule{
		{Pattern: "*", CrawlDelaySeconds: 0.12, MaxConcurrency: 1, RespectRobots: true},
	}, 0)

	ctx := context.Background()
	rawURL := srv.URL + "/results"
	require.NoError(t, engine.EnsureAllowed(ctx, rawURL))

	noop := func(context.Context) error { return nil }
	start := time.Now()
	require.NoError(t, engine.Throttle(ctx, rawURL, noop))
	require.NoError(t, engine.Throttle(ctx, rawURL, noop))
	elapsed := time.Since(start)

	// A robots crawl delay smaller than the configured one must not
	// shorten the spacing.
	require.GreaterOrEqual(t, elapsed, 120*time.Millisecond,
		"completions must be spaced by the configured delay")
}

func TestEngine_Throttle_RejectsInvalidURL(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, nil, 0)
	err := engine.Throttle(context.Background(), "http://bad url/x", func(context.Context) error { return nil })
	require.Error(t, err)
	require.Equal(t, ingest.CodeValidation, ingest.CodeOf(err))
}

func TestEngine_RetryAfter(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, nil, 0)

	d, ok := engine.RetryAfter(&Response{Header: http.Header{"Retry-After": []string{"5"}}})
	require.True(t, ok)
	require.Equal(t, 5*time.Second, d)

	// Clamped to one minute.
	d, ok = engine.RetryAfter(&Response{Header: http.Header{"Retry-After": []string{"3600"}}})
	require.True(t, ok)
	require.Equal(t, time.Minute, d)

	_, ok = engine.RetryAfter(&Response{Header: http.Header{}})
	require.False(t, ok)

	// HTTP-date form is not supported; treat as absent.
	_, ok = engine.RetryAfter(&Response{Header: http.Header{"Retry-After": []string{"Wed, 21 Oct 2015 07:28:00 GMT"}}})
	require.False(t, ok)

	_, ok = engine.RetryAfter(&Response{Header: http.Header{"Retry-After": []string{"-3"}}})
	require.False(t, ok)
}
