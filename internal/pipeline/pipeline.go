// Package pipeline turns one ingestion job into persisted race data: fetch
// the event page through the policy engine, parse it, store the results,
// archive the raw page, and announce completion.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JaysonBrenton/MRE-sub001/internal/connector"
	"github.com/JaysonBrenton/MRE-sub001/internal/ingest"
	"github.com/JaysonBrenton/MRE-sub001/internal/parser"
)

// Fetcher retrieves one origin page under the site politeness policy.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*connector.Response, error)
}

// Hasher computes content digests for snapshot addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Config controls pipeline behavior.
type Config struct {
	// BaseURL is the scraped origin's root, e.g. "https://results.liverc.example".
	BaseURL string
	// SnapshotPrefix prefixes archived page paths.
	SnapshotPrefix string
	// Topic receives completion events; empty disables publishing.
	Topic string
}

// Pipeline implements ingest.Pipeline against a live origin.
type Pipeline struct {
	fetcher   Fetcher
	events    ingest.EventStore
	blobs     ingest.BlobStore
	publisher ingest.Publisher
	hasher    Hasher
	clock     ingest.Clock
	idGen     ingest.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Pipeline.
func New(
	fetcher Fetcher,
	events ingest.EventStore,
	blobs ingest.BlobStore,
	publisher ingest.Publisher,
	hasher Hasher,
	clock ingest.Clock,
	idGen ingest.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "snapshots"
	}
	return &Pipeline{
		fetcher:   fetcher,
		events:    events,
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		idGen:     idGen,
		cfg:       cfg,
		logger:    logger,
	}
}

// IngestEventBySourceID ingests an event identified by the origin's own id.
func (p *Pipeline) IngestEventBySourceID(ctx context.Context, sourceEventID, trackID string, depth ingest.Depth) (ingest.Result, error) {
	if sourceEventID == "" || trackID == "" {
		return ingest.Result{}, ingest.NewError(ingest.CodeValidation, "source_event_id and track_id are required")
	}
	sourceURL := p.eventURL(trackID, sourceEventID)

	eventID := ""
	if existing, err := p.events.FindEventBySourceID(ctx, sourceEventID, trackID); err == nil {
		eventID = existing.ID
	}
	if eventID == "" {
		id, err := p.idGen.NewID()
		if err != nil {
			return ingest.Result{}, fmt.Errorf("generate event id: %w", err)
		}
		eventID = id
	}

	return p.ingest(ctx, eventID, sourceEventID, trackID, sourceURL, depth)
}

// IngestEvent re-ingests an event already known locally.
func (p *Pipeline) IngestEvent(ctx context.Context, eventID string, depth ingest.Depth) (ingest.Result, error) {
	if eventID == "" {
		return ingest.Result{}, ingest.NewError(ingest.CodeValidation, "event_id is required")
	}
	event, err := p.events.GetEvent(ctx, eventID)
	if err != nil {
		return ingest.Result{}, err
	}
	if event.SourceURL == "" {
		return ingest.Result{}, ingest.NewError(ingest.CodeValidation, "event %s has no source url", eventID)
	}
	return p.ingest(ctx, event.ID, event.SourceEventID, event.TrackID, event.SourceURL, depth)
}

func (p *Pipeline) ingest(ctx context.Context, eventID, sourceEventID, trackID, sourceURL string, depth ingest.Depth) (ingest.Result, error) {
	resp, err := p.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return ingest.Result{}, err
	}

	withLaps := depth != ingest.DepthResultsOnly
	page, err := parser.ParseEventPage(resp.Body, withLaps)
	if err != nil {
		return ingest.Result{}, err
	}
	if page.SourceEventID != "" {
		sourceEventID = page.SourceEventID
	}

	now := p.clock.Now()
	event := ingest.Event{
		ID:            eventID,
		SourceEventID: sourceEventID,
		TrackID:       trackID,
		Name:          page.Name,
		SourceURL:     sourceURL,
		StartedAt:     page.StartedAt,
		IngestedAt:    now,
	}
	if err := p.events.UpsertEvent(ctx, event); err != nil {
		return ingest.Result{}, ingest.WrapError(ingest.CodeIngestion, err, "persist event %s", eventID)
	}

	entries, laps := flatten(page, eventID, depth)
	if err := p.events.ReplaceEntries(ctx, eventID, entries); err != nil {
		return ingest.Result{}, ingest.WrapError(ingest.CodeIngestion, err, "persist entries for %s", eventID)
	}
	if withLaps {
		if err := p.events.ReplaceLaps(ctx, eventID, laps); err != nil {
			return ingest.Result{}, ingest.WrapError(ingest.CodeIngestion, err, "persist laps for %s", eventID)
		}
	}

	result := ingest.Result{
		EventID:      eventID,
		EventName:    page.Name,
		EntriesSaved: len(entries),
		LapsSaved:    len(laps),
		PagesFetched: 1,
	}
	if resp.FromCache {
		result.CacheHits = 1
	}

	if uri, aerr := p.archive(ctx, trackID, eventID, resp.Body); aerr != nil {
		// Snapshots are forensics, not source of truth; losing one is
		// not worth failing the job.
		p.logger.Warn("snapshot archive failed", zap.String("event_id", eventID), zap.Error(aerr))
	} else {
		result.SnapshotURI = uri
	}

	p.announce(ctx, result)
	return result, nil
}

func flatten(page *parser.EventPage, eventID string, depth ingest.Depth) ([]ingest.Entry, []ingest.Lap) {
	var (
		entries []ingest.Entry
		laps    []ingest.Lap
	)
	for _, race := range page.Races {
		for _, entry := range race.Entries {
			entry.EventID = eventID
			entries = append(entries, entry)
		}
		for _, lap := range race.Laps {
			lap.EventID = eventID
			if depth == ingest.DepthLapsBasic {
				lap.Position = 0
			}
			laps = append(laps, lap)
		}
	}
	return entries, laps
}

func (p *Pipeline) archive(ctx context.Context, trackID, eventID string, body []byte) (string, error) {
	if p.blobs == nil {
		return "", nil
	}
	hash, err := p.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash page: %w", err)
	}
	path := fmt.Sprintf("%s/%s/%s/%s.html", strings.Trim(p.cfg.SnapshotPrefix, "/"), trackID, eventID, hash)
	uri, err := p.blobs.PutObject(ctx, path, "text/html; charset=utf-8", body)
	if err != nil {
		return "", fmt.Errorf("put snapshot: %w", err)
	}
	return uri, nil
}

func (p *Pipeline) announce(ctx context.Context, result ingest.Result) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"event_id":   result.EventID,
		"event_name": result.EventName,
		"entries":    result.EntriesSaved,
		"laps":       result.LapsSaved,
		"timestamp":  p.clock.Now().Format(time.RFC3339),
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, payload); err != nil {
		p.logger.Warn("completion publish failed", zap.String("event_id", result.EventID), zap.Error(err))
	}
}

// eventURL builds the origin results page URL for a track-scoped event id.
func (p *Pipeline) eventURL(trackID, sourceEventID string) string {
	return fmt.Sprintf("%s/tracks/%s/events/%s/results",
		strings.TrimRight(p.cfg.BaseURL, "/"), trackID, sourceEventID)
}
