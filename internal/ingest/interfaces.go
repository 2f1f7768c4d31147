package ingest

import (
	"context"
	"time"
)

// Pipeline performs the actual ingestion work for one job. Implementations
// fetch origin pages through the site policy engine, parse them, and persist
// the results. Failures should carry a typed *Error where the cause is known.
type Pipeline interface {
	IngestEventBySourceID(ctx context.Context, sourceEventID, trackID string, depth Depth) (Result, error)
	IngestEvent(ctx context.Context, eventID string, depth Depth) (Result, error)
}

// EventStore persists parsed race data.
type EventStore interface {
	UpsertEvent(ctx context.Context, event Event) error
	GetEvent(ctx context.Context, eventID string) (Event, error)
	FindEventBySourceID(ctx context.Context, sourceEventID, trackID string) (Event, error)
	ReplaceEntries(ctx context.Context, eventID string, entries []Entry) error
	ReplaceLaps(ctx context.Context, eventID string, laps []Lap) error
	Close()
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes job-completion events downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Close() error
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
