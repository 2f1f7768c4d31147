// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JaysonBrenton/MRE-sub001/internal/ingest"
)

// EventStoreConfig controls the Postgres connection pool for race data.
type EventStoreConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// EventStore persists events, entries, and laps into Postgres.
type EventStore struct {
	pool querier
}

// NewEventStore connects a Postgres-backed EventStore using the config.
func NewEventStore(ctx context.Context, cfg EventStoreConfig) (*EventStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &EventStore{pool: pool}, nil
}

// NewEventStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewEventStoreWithPool(pool querier) (*EventStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &EventStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *EventStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertEvent inserts or refreshes an event row.
func (s *EventStore) UpsertEvent(ctx context.Context, event ingest.Event) error {
	if event.ID == "" {
		return fmt.Errorf("event id is required")
	}
	query := `
INSERT INTO events (id, source_event_id, track_id, name, source_url, started_at, ingested_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	source_url = EXCLUDED.source_url,
	started_at = EXCLUDED.started_at,
	ingested_at = EXCLUDED.ingested_at`
	args := []any{
		event.ID,
		event.SourceEventID,
		event.TrackID,
		event.Name,
		event.SourceURL,
		event.StartedAt,
		event.IngestedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

// GetEvent fetches one event by its local id.
func (s *EventStore) GetEvent(ctx context.Context, eventID string) (ingest.Event, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, source_event_id, track_id, name, source_url, started_at, ingested_at
FROM events WHERE id = $1`, eventID)
	var event ingest.Event
	err := row.Scan(
		&event.ID,
		&event.SourceEventID,
		&event.TrackID,
		&event.Name,
		&event.SourceURL,
		&event.StartedAt,
		&event.IngestedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Event{}, ingest.NewError(ingest.CodeNotFound, "event %s not found", eventID)
	}
	if err != nil {
		return ingest.Event{}, fmt.Errorf("select event: %w", err)
	}
	return event, nil
}

// FindEventBySourceID fetches an event by the origin's identifier and track.
func (s *EventStore) FindEventBySourceID(ctx context.Context, sourceEventID, trackID string) (ingest.Event, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, source_event_id, track_id, name, source_url, started_at, ingested_at
FROM events WHERE source_event_id = $1 AND track_id = $2`, sourceEventID, trackID)
	var event ingest.Event
	err := row.Scan(
		&event.ID,
		&event.SourceEventID,
		&event.TrackID,
		&event.Name,
		&event.SourceURL,
		&event.StartedAt,
		&event.IngestedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Event{}, ingest.NewError(ingest.CodeNotFound, "source event %s not found for track %s", sourceEventID, trackID)
	}
	if err != nil {
		return ingest.Event{}, fmt.Errorf("select event by source id: %w", err)
	}
	return event, nil
}

// ReplaceEntries swaps all classified entries for an event.
func (s *EventStore) ReplaceEntries(ctx context.Context, eventID string, entries []ingest.Entry) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM entries WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	for _, entry := range entries {
		_, err := s.pool.Exec(ctx, `
INSERT INTO entries (event_id, race_name, position, car_number, driver_name, laps_done, total_time_ms, best_lap_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			eventID,
			entry.RaceName,
			entry.Position,
			entry.CarNumber,
			entry.DriverName,
			entry.LapsDone,
			entry.TotalTime.Milliseconds(),
			entry.BestLap.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("insert entry %s/%s: %w", entry.RaceName, entry.DriverName, err)
		}
	}
	return nil
}

// ReplaceLaps swaps all lap rows for an event.
func (s *EventStore) ReplaceLaps(ctx context.Context, eventID string, laps []ingest.Lap) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM laps WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("delete laps: %w", err)
	}
	for _, lap := range laps {
		_, err := s.pool.Exec(ctx, `
INSERT INTO laps (event_id, race_name, driver_name, lap_number, lap_time_ms, position)
VALUES ($1,$2,$3,$4,$5,$6)`,
			eventID,
			lap.RaceName,
			lap.DriverName,
			lap.Number,
			lap.Time.Milliseconds(),
			lap.Position,
		)
		if err != nil {
			return fmt.Errorf("insert lap %s/%s/%d: %w", lap.RaceName, lap.DriverName, lap.Number, err)
		}
	}
	return nil
}
