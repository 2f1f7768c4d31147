// Package connector fetches origin pages through the site policy engine.
package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JaysonBrenton/MRE-sub001/internal/ingest"
	"github.com/JaysonBrenton/MRE-sub001/internal/metrics"
	"github.com/JaysonBrenton/MRE-sub001/internal/politeness"
)

// Response is the result of a policy-governed fetch.
type Response struct {
	URL         string
	StatusCode  int
	Header      http.Header
	Body        []byte
	ContentType string
	Duration    time.Duration
	FromCache   bool
}

// Config controls connector behavior.
type Config struct {
	Timeout time.Duration
	// GlobalRPS caps request starts across all hosts; 0 means no ceiling.
	GlobalRPS float64
}

// Connector executes single-page fetches with Colly, wrapped in the full
// politeness pipeline: kill switch, robots, conditional headers, throttle,
// cache reconstruction, Retry-After.
type Connector struct {
	engine  *politeness.Engine
	limiter *rate.Limiter
	timeout time.Duration
	base    *colly.Collector
	logger  *zap.Logger
}

// New builds a Connector around the policy engine.
func New(engine *politeness.Engine, cfg Config, logger *zap.Logger) *Connector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Limit(cfg.GlobalRPS)
	if cfg.GlobalRPS <= 0 {
		limit = rate.Inf
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Robots handling lives in the policy engine; Colly must not probe
	// robots.txt a second time on its own.
	base := colly.NewCollector(colly.Async(false))
	base.IgnoreRobotsTxt = true
	base.UserAgent = engine.UserAgent()
	// Conditional revalidation refetches the same URL; Colly's visited-URL
	// dedup would reject that (clones share the visit store).
	base.AllowURLRevisit = true

	return &Connector{
		engine:  engine,
		limiter: rate.NewLimiter(limit, 1),
		timeout: cfg.Timeout,
		base:    base,
		logger:  logger,
	}
}

// Fetch retrieves rawURL under the full politeness pipeline. Non-2xx
// responses (after 304 cache reconstruction) surface as typed
// connector_http_error failures. A 429/503 carrying Retry-After is retried
// once after the advertised pause.
func (c *Connector) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, ingest.WrapError(ingest.CodeValidation, err, "invalid url %q", rawURL)
	}

	if err := c.engine.EnsureEnabled(parsed.Hostname()); err != nil {
		return nil, err
	}
	if err := c.engine.EnsureAllowed(ctx, rawURL); err != nil {
		return nil, err
	}

	resp, err := c.fetchOnce(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if pause, ok := c.engine.RetryAfter(toEngineResponse(resp)); ok {
			c.logger.Info("origin asked to back off",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
				zap.Duration("retry_after", pause))
			if err := sleepCtx(ctx, pause); err != nil {
				return nil, err
			}
			resp, err = c.fetchOnce(ctx, rawURL)
			if err != nil {
				return nil, err
			}
		}
	}

	metrics.ObservePage(rawURL, resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ingest.NewError(ingest.CodeConnectorHTTP, "origin returned %d for %s", resp.StatusCode, rawURL)
	}
	if !resp.FromCache {
		c.engine.RecordSuccess(rawURL, toEngineResponse(resp))
	}
	return resp, nil
}

// fetchOnce performs one guarded request and routes 304s through the cache.
func (c *Connector) fetchOnce(ctx context.Context, rawURL string) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("global rate limit wait: %w", err)
	}

	conditional := c.engine.ConditionalHeaders(rawURL)

	var resp *Response
	err := c.engine.Throttle(ctx, rawURL, func(ctx context.Context) error {
		var visitErr error
		resp, visitErr = c.visit(ctx, rawURL, conditional)
		return visitErr
	})
	if err != nil {
		return nil, err
	}

	if reconstructed := c.engine.MaybeUseCached(rawURL, toEngineResponse(resp)); reconstructed.StatusCode != resp.StatusCode {
		resp = &Response{
			URL:         resp.URL,
			StatusCode:  reconstructed.StatusCode,
			Header:      reconstructed.Header,
			Body:        reconstructed.Body,
			ContentType: reconstructed.ContentType,
			Duration:    resp.Duration,
			FromCache:   true,
		}
	}
	return resp, nil
}

// visit executes a single HTTP GET using a cloned Colly collector.
func (c *Connector) visit(ctx context.Context, rawURL string, extraHeaders http.Header) (*Response, error) {
	collector := c.base.Clone()
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	collector.SetRequestTimeout(timeout)
	collector.UserAgent = c.base.UserAgent
	collector.IgnoreRobotsTxt = true

	start := time.Now()
	var (
		result   *Response
		fetchErr error
	)

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range extraHeaders {
			for _, v := range values {
				r.Headers.Set(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = responseFromColly(r, start)
	})
	collector.OnError(func(r *colly.Response, err error) {
		// Colly reports every non-2xx through here; a response with a
		// status code is still a usable answer (304, 429, 5xx).
		if r != nil && r.StatusCode != 0 {
			result = responseFromColly(r, start)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		// Colly cannot abort an in-flight request; wait for it to finish
		// (bounded by the request timeout) so the caller's politeness slot
		// stays held while the connection is live.
		<-done
		return nil, ingest.WrapError(ingest.CodeConnectorHTTP, ctx.Err(), "fetch canceled for %s", rawURL)
	case visitErr := <-done:
		if result != nil {
			return result, nil
		}
		if fetchErr != nil {
			return nil, ingest.WrapError(ingest.CodeConnectorHTTP, fetchErr, "fetch failed for %s", rawURL)
		}
		if visitErr != nil {
			return nil, ingest.WrapError(ingest.CodeConnectorHTTP, visitErr, "fetch failed for %s", rawURL)
		}
		return nil, ingest.NewError(ingest.CodeConnectorHTTP, "no response received for %s", rawURL)
	}
}

func responseFromColly(r *colly.Response, start time.Time) *Response {
	header := http.Header{}
	if r.Headers != nil {
		header = r.Headers.Clone()
	}
	return &Response{
		URL:         r.Request.URL.String(),
		StatusCode:  r.StatusCode,
		Header:      header,
		Body:        append([]byte(nil), r.Body...),
		ContentType: header.Get("Content-Type"),
		Duration:    time.Since(start),
	}
}

func toEngineResponse(r *Response) *politeness.Response {
	return &politeness.Response{
		StatusCode:  r.StatusCode,
		Header:      r.Header,
		Body:        r.Body,
		ContentType: r.ContentType,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
