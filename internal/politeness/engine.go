package politeness

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JaysonBrenton/MRE-sub001/internal/ingest"
	"github.com/JaysonBrenton/MRE-sub001/internal/metrics"
)

// maxRetryAfter caps how long a Retry-After header may make us wait.
const maxRetryAfter = 60 * time.Second

// Response is the engine's view of an origin response; the connector
// converts to and from its own transport types.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	ContentType string
}

// Engine is the single facade every outbound fetch goes through: kill-switch
// check, robots check, conditional headers, scoped throttle, and response
// post-processing. Construct one at startup and inject it; there is no
// package-level instance.
type Engine struct {
	matcher   *RuleMatcher
	oracle    *RobotsOracle
	cache     *ConditionalCache
	gate      *ThrottleGate
	killEnv   string
	userAgent string
	logger    *zap.Logger
}

// Options configures an Engine.
type Options struct {
	Matcher       *RuleMatcher
	Oracle        *RobotsOracle
	Cache         *ConditionalCache
	Gate          *ThrottleGate
	KillSwitchEnv string
	UserAgent     string
	Logger        *zap.Logger
}

// NewEngine wires the politeness components into a facade.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gate := opts.Gate
	if gate == nil {
		gate = NewThrottleGate(nil)
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewConditionalCache(0)
	}
	return &Engine{
		matcher:   opts.Matcher,
		oracle:    opts.Oracle,
		cache:     cache,
		gate:      gate,
		killEnv:   opts.KillSwitchEnv,
		userAgent: opts.UserAgent,
		logger:    logger,
	}
}

// UserAgent returns the bot identity used for robots evaluation and fetches.
func (e *Engine) UserAgent() string {
	return e.userAgent
}

// EnsureEnabled checks the global kill switch. Scraping is enabled unless
// the configured environment variable is explicitly turned off. The variable
// is re-read on every call so the switch can be flipped at runtime.
func (e *Engine) EnsureEnabled(source string) error {
	if e.killEnv == "" {
		return nil
	}
	switch strings.ToLower(os.Getenv(e.killEnv)) {
	case "0", "false", "off", "no":
		e.logger.Warn("scraping disabled by kill switch",
			zap.String("env", e.killEnv), zap.String("source", source))
		return ingest.NewError(ingest.CodeScrapingDisabled, "scraping %s is disabled via %s", source, e.killEnv)
	default:
		return nil
	}
}

// EnsureAllowed verifies robots.txt permits fetching rawURL. Hosts whose
// rule opts out of robots checks are always allowed; robots infrastructure
// failures fail open inside the oracle.
func (e *Engine) EnsureAllowed(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ingest.WrapError(ingest.CodeValidation, err, "invalid url %q", rawURL)
	}
	rule := e.matcher.Match(parsed.Hostname())
	if !rule.RespectRobots {
		return nil
	}
	if e.oracle.Allowed(ctx, parsed) {
		return nil
	}
	metrics.ObserveRobotsDenied(parsed.Hostname())
	return ingest.NewError(ingest.CodeRobotsDisallowed, "robots.txt disallows %s for %s", parsed.Path, e.userAgent)
}

// ConditionalHeaders returns If-None-Match/If-Modified-Since headers when
// the host's rule enables conditional requests and a cached validator
// exists. Otherwise the returned header set is empty.
func (e *Engine) ConditionalHeaders(rawURL string) http.Header {
	headers := http.Header{}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return headers
	}
	rule := e.matcher.Match(parsed.Hostname())
	if !rule.ConditionalRequest || !e.cache.Enabled() {
		return headers
	}
	entry, ok := e.cache.Get(rawURL)
	if !ok {
		return headers
	}
	if entry.ETag != "" {
		headers.Set("If-None-Match", entry.ETag)
	}
	if entry.LastModified != "" {
		headers.Set("If-Modified-Since", entry.LastModified)
	}
	return headers
}

// Throttle runs fn under the URL host's politeness budget: at most the
// rule's concurrency in flight, and completions spaced by the larger of the
// configured and robots-advertised crawl delay.
func (e *Engine) Throttle(ctx context.Context, rawURL string, fn func(context.Context) error) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ingest.WrapError(ingest.CodeValidation, err, "invalid url %q", rawURL)
	}
	host := parsed.Hostname()
	rule := e.matcher.Match(host)

	delay := rule.CrawlDelay
	if robotsDelay := e.oracle.CrawlDelay(parsed.Host); robotsDelay > delay {
		delay = robotsDelay
	}
	return e.gate.Run(ctx, host, rule.MaxConcurrency, delay, fn)
}

// RecordSuccess caches the response body for future conditional requests
// when the host's rule enables them and the response carries a validator.
func (e *Engine) RecordSuccess(rawURL string, resp *Response) {
	if resp == nil {
		return
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	rule := e.matcher.Match(parsed.Hostname())
	if !rule.ConditionalRequest || !e.cache.Enabled() {
		return
	}
	etag := resp.Header.Get("ETag")
	lastModified := resp.Header.Get("Last-Modified")
	if etag == "" && lastModified == "" {
		return
	}
	e.cache.Put(rawURL, CacheEntry{
		ETag:         etag,
		LastModified: lastModified,
		Body:         resp.Body,
		ContentType:  resp.ContentType,
		Header:       resp.Header.Clone(),
	})
}

// MaybeUseCached reconstructs a full response from the conditional cache
// when the origin answered 304. Any other response passes through unchanged.
func (e *Engine) MaybeUseCached(rawURL string, resp *Response) *Response {
	if resp == nil || resp.StatusCode != http.StatusNotModified {
		return resp
	}
	entry, ok := e.cache.Get(rawURL)
	if !ok || len(entry.Body) == 0 {
		return resp
	}
	metrics.ObserveCacheHit(rawURL)
	e.logger.Debug("serving revalidated response from cache", zap.String("url", rawURL))
	return &Response{
		StatusCode:  http.StatusOK,
		Header:      entry.Header.Clone(),
		Body:        entry.Body,
		ContentType: entry.ContentType,
	}
}

// RetryAfter parses a Retry-After header as whole seconds, clamped to 60s.
// The second return is false when the header is absent or unparsable.
func (e *Engine) RetryAfter(resp *Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs < 0 {
		return 0, false
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d, true
}
