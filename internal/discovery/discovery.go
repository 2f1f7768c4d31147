// Package discovery periodically sweeps origin track index pages and
// enqueues ingestion jobs for events it has not seen before.
package discovery

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JaysonBrenton/MRE-sub001/internal/ingest"
	"github.com/JaysonBrenton/MRE-sub001/internal/pipeline"
)

// Enqueuer is the slice of the scheduler discovery needs.
type Enqueuer interface {
	EnqueueSourceEvent(sourceEventID, trackID string, depth ingest.Depth) (string, error)
}

// Track names one origin index page to sweep.
type Track struct {
	TrackID  string
	IndexURL string
}

// Config controls the discovery sweep.
type Config struct {
	Schedule     string
	FetchTimeout time.Duration
	Depth        ingest.Depth
	Tracks       []Track
}

// Service runs the scheduled sweep. Per-fetch timeouts and continue-on-error
// behavior live here, not in the scheduler: a slow track must not starve the
// others, and a failed index fetch only skips that track until next tick.
type Service struct {
	fetcher  pipeline.Fetcher
	enqueuer Enqueuer
	cfg      Config
	logger   *zap.Logger
	cron     *cron.Cron

	mu   sync.Mutex
	seen map[string]struct{}
}

// New constructs a discovery Service.
func New(fetcher pipeline.Fetcher, enqueuer Enqueuer, cfg Config, logger *zap.Logger) *Service {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Depth == "" {
		cfg.Depth = ingest.DepthResultsOnly
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		fetcher:  fetcher,
		enqueuer: enqueuer,
		cfg:      cfg,
		logger:   logger,
		cron:     cron.New(),
		seen:     make(map[string]struct{}),
	}
}

// Start registers the cron entry and begins sweeping.
func (s *Service) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("discovery started",
		zap.String("schedule", s.cfg.Schedule),
		zap.Int("tracks", len(s.cfg.Tracks)))
	return nil
}

// Stop halts the cron scheduler, waiting for a running sweep to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep fetches every configured track index once and enqueues jobs for new
// events. Individual failures are logged and skipped.
func (s *Service) Sweep(ctx context.Context) {
	for _, track := range s.cfg.Tracks {
		if err := s.sweepTrack(ctx, track); err != nil {
			s.logger.Warn("track sweep failed",
				zap.String("track_id", track.TrackID),
				zap.Error(err))
		}
	}
}

func (s *Service) sweepTrack(ctx context.Context, track Track) error {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	resp, err := s.fetcher.Fetch(fetchCtx, track.IndexURL)
	if err != nil {
		return err
	}

	ids, err := extractEventIDs(resp.Body)
	if err != nil {
		return err
	}
	for _, sourceEventID := range ids {
		key := track.TrackID + "/" + sourceEventID
		s.mu.Lock()
		_, dup := s.seen[key]
		if !dup {
			s.seen[key] = struct{}{}
		}
		s.mu.Unlock()
		if dup {
			continue
		}
		jobID, err := s.enqueuer.EnqueueSourceEvent(sourceEventID, track.TrackID, s.cfg.Depth)
		if err != nil {
			s.logger.Warn("discovery enqueue failed",
				zap.String("track_id", track.TrackID),
				zap.String("source_event_id", sourceEventID),
				zap.Error(err))
			continue
		}
		s.logger.Info("event discovered",
			zap.String("track_id", track.TrackID),
			zap.String("source_event_id", sourceEventID),
			zap.String("job_id", jobID))
	}
	return nil
}

// extractEventIDs pulls event identifiers from an index page's event links.
func extractEventIDs(html []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, ingest.WrapError(ingest.CodePageFormat, err, "parse track index page")
	}
	var ids []string
	doc.Find("a.event-link[data-event-id]").Each(func(_ int, sel *goquery.Selection) {
		if id := strings.TrimSpace(sel.AttrOr("data-event-id", "")); id != "" {
			ids = append(ids, id)
		}
	})
	return ids, nil
}
