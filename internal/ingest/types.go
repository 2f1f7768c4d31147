// Package ingest defines core types shared across subsystems.
package ingest

import (
	"time"
)

// JobStatus represents the lifecycle state of an ingestion job.
type JobStatus string

// Job status values held in the job store. Transitions are one-directional:
// queued -> running -> {completed, failed}.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status can never change again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Depth selects how much of an event is ingested.
type Depth string

// Ingestion depths, shallowest first.
const (
	DepthResultsOnly Depth = "results_only"
	DepthLapsBasic   Depth = "laps_basic"
	DepthLapsFull    Depth = "laps_full"
)

// ValidDepth reports whether d is a known ingestion depth.
func ValidDepth(d Depth) bool {
	switch d {
	case DepthResultsOnly, DepthLapsBasic, DepthLapsFull:
		return true
	default:
		return false
	}
}

// JobRequest is the sealed set of job kinds. Each kind carries its own
// payload; there is no shared struct with optional fields.
type JobRequest interface {
	isJobRequest()
}

// ByEventID requests ingestion of an event already known locally.
type ByEventID struct {
	EventID string `json:"event_id"`
	Depth   Depth  `json:"depth"`
}

func (ByEventID) isJobRequest() {}

// BySourceID requests ingestion of an event identified by the scraped
// origin's own identifier, scoped to a track.
type BySourceID struct {
	SourceEventID string `json:"source_event_id"`
	TrackID       string `json:"track_id"`
	Depth         Depth  `json:"depth"`
}

func (BySourceID) isJobRequest() {}

// Result is the payload recorded on a completed job.
type Result struct {
	EventID      string `json:"event_id"`
	EventName    string `json:"event_name,omitempty"`
	EntriesSaved int    `json:"entries_saved"`
	LapsSaved    int    `json:"laps_saved"`
	PagesFetched int    `json:"pages_fetched"`
	CacheHits    int    `json:"cache_hits"`
	SnapshotURI  string `json:"snapshot_uri,omitempty"`
}

// Job is the record kept by the scheduler for each submitted request.
type Job struct {
	ID        string     `json:"id"`
	Request   JobRequest `json:"request"`
	Status    JobStatus  `json:"status"`
	Created   time.Time  `json:"created_at"`
	Updated   time.Time  `json:"updated_at"`
	Result    *Result    `json:"result,omitempty"`
	ErrorCode string     `json:"error_code,omitempty"`
	ErrorText string     `json:"error,omitempty"`
}

// Event is a race event persisted by the pipeline.
type Event struct {
	ID            string    `json:"id"`
	SourceEventID string    `json:"source_event_id"`
	TrackID       string    `json:"track_id"`
	Name          string    `json:"name"`
	SourceURL     string    `json:"source_url"`
	StartedAt     time.Time `json:"started_at"`
	IngestedAt    time.Time `json:"ingested_at"`
}

// Entry is one driver's classified result within an event race.
type Entry struct {
	EventID    string        `json:"event_id"`
	RaceName   string        `json:"race_name"`
	Position   int           `json:"position"`
	CarNumber  string        `json:"car_number"`
	DriverName string        `json:"driver_name"`
	LapsDone   int           `json:"laps_done"`
	TotalTime  time.Duration `json:"total_time"`
	BestLap    time.Duration `json:"best_lap"`
}

// Lap is a single timed lap for an entry.
type Lap struct {
	EventID    string        `json:"event_id"`
	RaceName   string        `json:"race_name"`
	DriverName string        `json:"driver_name"`
	Number     int           `json:"number"`
	Time       time.Duration `json:"lap_time"`
	Position   int           `json:"position,omitempty"`
}

// Snapshot is a raw fetched page archived for parse forensics.
type Snapshot struct {
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	ContentHash string    `json:"content_hash"`
	FetchedAt   time.Time `json:"fetched_at"`
	URI         string    `json:"uri"`
}
