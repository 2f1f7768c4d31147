package politeness

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// robotsRecord is the cached verdict for one host. A nil data means the host
// has no robots.txt (404) and everything is allowed.
type robotsRecord struct {
	data  *robotstxt.RobotsData
	delay time.Duration
}

// RobotsOracle fetches, parses, and caches robots.txt per host. Fetch
// infrastructure failures (network, timeout, non-404 HTTP errors) fail open:
// the request is allowed and no verdict is cached, so the next request
// re-probes the host. A 404 is a permanent allow-all verdict for the
// process lifetime.
type RobotsOracle struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	mu      sync.Mutex
	records map[string]*robotsRecord
}

// NewRobotsOracle builds an oracle identifying itself as userAgent.
func NewRobotsOracle(userAgent string, logger *zap.Logger) *RobotsOracle {
	return &RobotsOracle{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		userAgent: userAgent,
		logger:    logger,
		records:   make(map[string]*robotsRecord),
	}
}

// Allowed reports whether the bot may fetch parsed.Path on parsed.Host.
func (o *RobotsOracle) Allowed(ctx context.Context, parsed *url.URL) bool {
	rec := o.load(ctx, parsed)
	if rec == nil || rec.data == nil {
		return true
	}
	group := rec.data.FindGroup(o.userAgent)
	if group == nil {
		return true
	}
	return group.Test(parsed.Path)
}

// CrawlDelay returns the robots-advertised delay for host, or zero when the
// host has not advertised one (or has not been probed yet).
func (o *RobotsOracle) CrawlDelay(host string) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok := o.records[strings.ToLower(host)]; ok {
		return rec.delay
	}
	return 0
}

// load returns the cached record for the URL's host, fetching robots.txt on
// first use. A nil return means "allow, nothing cached" (fail open).
func (o *RobotsOracle) load(ctx context.Context, parsed *url.URL) *robotsRecord {
	hostKey := strings.ToLower(parsed.Host)

	o.mu.Lock()
	if rec, ok := o.records[hostKey]; ok {
		o.mu.Unlock()
		return rec
	}
	o.mu.Unlock()

	rec, cacheable := o.fetch(ctx, parsed)
	if !cacheable {
		return rec
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if prior, ok := o.records[hostKey]; ok {
		return prior
	}
	o.records[hostKey] = rec
	return rec
}

// fetch retrieves and parses robots.txt. The second return reports whether
// the verdict is permanent: 2xx and 404 are cacheable, everything else is a
// transient infrastructure failure and fails open uncached.
func (o *RobotsOracle) fetch(ctx context.Context, parsed *url.URL) (*robotsRecord, bool) {
	robotsURL := *parsed
	robotsURL.Path = path.Join("/", "robots.txt")
	robotsURL.RawQuery = ""
	robotsURL.Fragment = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		o.logger.Warn("robots request build failed; allowing access",
			zap.String("host", parsed.Host), zap.Error(err))
		return nil, false
	}
	req.Header.Set("User-Agent", o.userAgent)

	resp, err := o.client.Do(req)
	if err != nil {
		o.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", parsed.Host), zap.Error(err))
		return nil, false
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			o.logger.Debug("close robots body failed", zap.Error(cerr))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		o.logger.Debug("no robots.txt for host", zap.String("host", parsed.Host))
		return &robotsRecord{}, true
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		o.logger.Warn("robots fetch returned non-2xx; allowing access",
			zap.String("host", parsed.Host), zap.Int("status", resp.StatusCode))
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		o.logger.Warn("robots body read failed; allowing access",
			zap.String("host", parsed.Host), zap.Error(err))
		return nil, false
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		o.logger.Warn("robots parse failed; allowing access",
			zap.String("host", parsed.Host), zap.Error(err))
		return nil, false
	}

	rec := &robotsRecord{data: data}
	if group := data.FindGroup(o.userAgent); group != nil {
		rec.delay = group.CrawlDelay
	}
	return rec, true
}
