// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JaysonBrenton/MRE-sub001/internal/ingest"
)

// EventStore keeps race data in process memory.
type EventStore struct {
	mu      sync.RWMutex
	events  map[string]ingest.Event
	entries map[string][]ingest.Entry
	laps    map[string][]ingest.Lap
}

// NewEventStore constructs an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{
		events:  make(map[string]ingest.Event),
		entries: make(map[string][]ingest.Entry),
		laps:    make(map[string][]ingest.Lap),
	}
}

// UpsertEvent inserts or refreshes an event.
func (s *EventStore) UpsertEvent(_ context.Context, event ingest.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ID] = event
	return nil
}

// GetEvent fetches one event by its local id.
func (s *EventStore) GetEvent(_ context.Context, eventID string) (ingest.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[eventID]
	if !ok {
		return ingest.Event{}, ingest.NewError(ingest.CodeNotFound, "event %s not found", eventID)
	}
	return event, nil
}

// FindEventBySourceID fetches an event by the origin's identifier and track.
func (s *EventStore) FindEventBySourceID(_ context.Context, sourceEventID, trackID string) (ingest.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, event := range s.events {
		if event.SourceEventID == sourceEventID && event.TrackID == trackID {
			return event, nil
		}
	}
	return ingest.Event{}, ingest.NewError(ingest.CodeNotFound, "source event %s not found for track %s", sourceEventID, trackID)
}

// ReplaceEntries swaps all classified entries for an event.
func (s *EventStore) ReplaceEntries(_ context.Context, eventID string, entries []ingest.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[eventID] = append([]ingest.Entry(nil), entries...)
	return nil
}

// ReplaceLaps swaps all lap rows for an event.
func (s *EventStore) ReplaceLaps(_ context.Context, eventID string, laps []ingest.Lap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.laps[eventID] = append([]ingest.Lap(nil), laps...)
	return nil
}

// Entries returns the stored entries for an event (test helper).
func (s *EventStore) Entries(eventID string) []ingest.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Entry, len(s.entries[eventID]))
	copy(out, s.entries[eventID])
	return out
}

// Laps returns the stored laps for an event (test helper).
func (s *EventStore) Laps(eventID string) []ingest.Lap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Lap, len(s.laps[eventID]))
	copy(out, s.laps[eventID])
	return out
}

// Close is a no-op for the in-memory store.
func (s *EventStore) Close() {}
