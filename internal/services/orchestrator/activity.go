package orchestrator

import (
	"fmt"
	"sync"

	"github.com/bobmcallan/sweep/internal/events"
	"github.com/bobmcallan/sweep/internal/models"
)

// ActivityLog keeps a bounded in-memory tail of the event stream so late
// subscribers (dashboard feeds, status tools) can catch up. It is a plain
// bus subscriber; nothing in the engine depends on it.
type ActivityLog struct {
	mu   sync.Mutex
	ring []models.Activity
	size int

	bus    *events.Bus
	cancel func()
	done   chan struct{}
}

// NewActivityLog subscribes to the bus and starts collecting.
func NewActivityLog(bus *events.Bus, ringSize int) *ActivityLog {
	if ringSize <= 0 {
		ringSize = 200
	}
	a := &ActivityLog{
		ring: make([]models.Activity, 0, ringSize),
		size: ringSize,
		bus:  bus,
		done: make(chan struct{}),
	}

	ch, cancel := bus.Subscribe(nil)
	a.cancel = cancel
	go func() {
		defer close(a.done)
		for evt := range ch {
			a.record(evt)
		}
	}()
	return a
}

func (a *ActivityLog) record(evt models.Event) {
	act := models.Activity{
		Event:   evt,
		Message: ActivityMessage(evt),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.ring = append(a.ring, act)
	if len(a.ring) > a.size {
		a.ring = a.ring[1:]
	}
}

// Recent returns the newest n records, newest first. n <= 0 returns all.
func (a *ActivityLog) Recent(n int) []models.Activity {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n <= 0 || n > len(a.ring) {
		n = len(a.ring)
	}
	out := make([]models.Activity, n)
	for i := 0; i < n; i++ {
		out[i] = a.ring[len(a.ring)-1-i]
	}
	return out
}

// Dropped surfaces the bus overflow counter alongside the feed.
func (a *ActivityLog) Dropped() int64 {
	return a.bus.Dropped()
}

// SubscribeWorker attaches a live stream filtered to one job type, the
// hook per-worker observers use.
func (a *ActivityLog) SubscribeWorker(jobType string) (<-chan models.Event, func()) {
	return a.bus.Subscribe(func(e models.Event) bool {
		return e.JobType == jobType
	})
}

// Close detaches from the bus and waits for the collector to drain.
func (a *ActivityLog) Close() {
	a.cancel()
	<-a.done
}

// ActivityMessage renders the human-readable feed line for an event.
// Failure payloads may carry no error detail; those render "Unknown error".
func ActivityMessage(evt models.Event) string {
	job, hasJob := jobFromPayload(evt.Payload)

	switch evt.Type {
	case models.EventJobCreated:
		return fmt.Sprintf("Job %s queued (%s)", evt.JobID, evt.JobType)
	case models.EventJobStarted:
		if hasJob && job.Attempts > 1 {
			return fmt.Sprintf("Job %s started (attempt %d)", evt.JobID, job.Attempts)
		}
		return fmt.Sprintf("Job %s started", evt.JobID)
	case models.EventJobCompleted:
		if hasJob {
			return fmt.Sprintf("Job %s completed in %dms", evt.JobID, job.DurationMS())
		}
		return fmt.Sprintf("Job %s completed", evt.JobID)
	case models.EventJobFailed:
		if hasJob {
			return fmt.Sprintf("Job %s failed: %s", evt.JobID, job.Error.Error())
		}
		return fmt.Sprintf("Job %s failed: Unknown error", evt.JobID)
	case models.EventJobCancelled:
		return fmt.Sprintf("Job %s cancelled", evt.JobID)
	case models.EventJobPaused:
		return fmt.Sprintf("Job %s paused", evt.JobID)
	case models.EventJobResumed:
		return fmt.Sprintf("Job %s resumed", evt.JobID)
	case models.EventRetryScheduled:
		if p, ok := evt.Payload.(models.RetryScheduledPayload); ok {
			return fmt.Sprintf("Job %s retry %d scheduled in %dms (%s)", evt.JobID, p.Attempt, p.DelayMS, p.Classification)
		}
		return fmt.Sprintf("Job %s retry scheduled", evt.JobID)
	case models.EventRetryExhausted:
		if p, ok := evt.Payload.(models.RetryExhaustedPayload); ok {
			return fmt.Sprintf("Job %s retries exhausted after %d attempts", evt.JobID, p.Attempts)
		}
		return fmt.Sprintf("Job %s retries exhausted", evt.JobID)
	case models.EventCircuitOpened:
		return fmt.Sprintf("Circuit opened for %s", fingerprintFromPayload(evt.Payload))
	case models.EventCircuitClosed:
		return fmt.Sprintf("Circuit closed for %s", fingerprintFromPayload(evt.Payload))
	case models.EventScanStarted:
		return fmt.Sprintf("Scan started for job %s", evt.JobID)
	case models.EventScanProgress:
		if p, ok := evt.Payload.(models.ScanProgressPayload); ok {
			return fmt.Sprintf("Scan %s: %s %.0f%%", evt.JobID, p.Stage, p.Percent)
		}
		return fmt.Sprintf("Scan %s in progress", evt.JobID)
	case models.EventScanCompleted:
		return fmt.Sprintf("Scan completed for job %s", evt.JobID)
	case models.EventScanFailed:
		return fmt.Sprintf("Scan failed for job %s", evt.JobID)
	case models.EventCacheHit:
		return fmt.Sprintf("Cache hit for %s", fingerprintFromPayload(evt.Payload))
	case models.EventCacheMiss:
		return fmt.Sprintf("Cache miss for %s", fingerprintFromPayload(evt.Payload))
	case models.EventCacheInvalidated:
		return fmt.Sprintf("Cache invalidated for %s", fingerprintFromPayload(evt.Payload))
	default:
		return string(evt.Type)
	}
}

func jobFromPayload(payload interface{}) (models.Job, bool) {
	if p, ok := payload.(models.JobPayload); ok {
		return p.Job, true
	}
	return models.Job{}, false
}

func fingerprintFromPayload(payload interface{}) string {
	switch p := payload.(type) {
	case models.CircuitPayload:
		return p.Fingerprint
	case models.CachePayload:
		if p.Fingerprint != "" {
			return p.Fingerprint
		}
		return p.RepositoryPath
	}
	return "unknown"
}
