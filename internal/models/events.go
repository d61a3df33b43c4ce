package models

import "time"

// EventType identifies a lifecycle event on the bus.
type EventType string

// Event taxonomy for the engine core.
const (
	EventJobCreated   EventType = "job:created"
	EventJobStarted   EventType = "job:started"
	EventJobCompleted EventType = "job:completed"
	EventJobFailed    EventType = "job:failed"
	EventJobCancelled EventType = "job:cancelled"
	EventJobPaused    EventType = "job:paused"
	EventJobResumed   EventType = "job:resumed"

	EventRetryScheduled EventType = "retry:scheduled"
	EventRetryExhausted EventType = "retry:exhausted"
	EventCircuitOpened  EventType = "circuit:opened"
	EventCircuitClosed  EventType = "circuit:closed"

	EventScanStarted   EventType = "scan:started"
	EventScanProgress  EventType = "scan:progress"
	EventScanCompleted EventType = "scan:completed"
	EventScanFailed    EventType = "scan:failed"

	EventCacheHit         EventType = "cache:hit"
	EventCacheMiss        EventType = "cache:miss"
	EventCacheInvalidated EventType = "cache:invalidated"
)

// Severity levels on activity records.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Event is the typed record published on the bus and mirrored into the
// activity log and broadcast fabric.
type Event struct {
	Type      EventType   `json:"type"`
	JobID     string      `json:"job_id,omitempty"`
	JobType   string      `json:"job_type,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Severity  string      `json:"severity"`
	Payload   interface{} `json:"payload,omitempty"`
}

// NewEvent stamps timestamp and severity for the given type.
func NewEvent(t EventType, jobID, jobType string, payload interface{}) Event {
	return Event{
		Type:      t,
		JobID:     jobID,
		JobType:   jobType,
		Timestamp: time.Now(),
		Severity:  SeverityFor(t),
		Payload:   payload,
	}
}

// SeverityFor maps an event type to its display severity.
func SeverityFor(t EventType) string {
	switch t {
	case EventJobFailed, EventRetryExhausted, EventCircuitOpened, EventScanFailed:
		return SeverityError
	case EventRetryScheduled, EventJobCancelled, EventCacheInvalidated:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// JobPayload accompanies job:* events.
type JobPayload struct {
	Job       Job `json:"job"`
	QueueSize int `json:"queue_size"`
}

// RetryScheduledPayload accompanies retry:scheduled.
type RetryScheduledPayload struct {
	Attempt        int                 `json:"attempt"`
	DelayMS        int64               `json:"delay_ms"`
	Classification ErrorClassification `json:"classification"`
	NextJobID      string              `json:"next_job_id"`
}

// RetryExhaustedPayload accompanies retry:exhausted.
type RetryExhaustedPayload struct {
	Attempts int `json:"attempts"`
}

// CircuitPayload accompanies circuit:opened and circuit:closed.
type CircuitPayload struct {
	Fingerprint string `json:"fingerprint"`
}

// CachePayload accompanies cache:* events.
type CachePayload struct {
	Fingerprint    string `json:"fingerprint"`
	RepositoryPath string `json:"repository_path,omitempty"`
}

// ScanProgressPayload accompanies scan:progress.
type ScanProgressPayload struct {
	Stage          string  `json:"stage"`
	Percent        float64 `json:"percent"`
	FilesScanned   int     `json:"files_scanned"`
	RepositoryPath string  `json:"repository_path,omitempty"`
}

// Activity is the user-visible, normalized feed record.
type Activity struct {
	Event
	Message string `json:"message"`
}

// Broadcast channel names.
const (
	ChannelScans    = "scans"
	ChannelAlerts   = "alerts"
	ChannelCache    = "cache"
	ChannelStats    = "stats"
	ChannelActivity = "activity"
)

// BroadcastMessage is the channel-tagged envelope sent to WebSocket clients.
type BroadcastMessage struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}
