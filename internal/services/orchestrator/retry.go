package orchestrator

import (
	"math"
	"math/rand"
	"time"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/models"
)

// ledgerEntry tracks retry accounting for one fingerprint. Attempts counts
// retries scheduled for the chain, not runs; the circuit opens when it
// reaches the absolute ceiling.
type ledgerEntry struct {
	fingerprint    string
	attempts       int
	timeoutFails   int
	firstSeenAt    time.Time
	lastActivity   time.Time
	nextEligibleAt time.Time
	circuitOpen    bool

	// Armed delayed re-enqueue, nil when nothing is pending.
	timer        *time.Timer
	pendingJobID string
}

// retryDecision is the controller's verdict on one failure.
type retryDecision struct {
	retry       bool
	delay       time.Duration
	retryNumber int
	attempts    int
	// circuitOpen means the failure surfaces with circuit_open
	// classification; circuitOpened means this failure tripped it.
	circuitOpen   bool
	circuitOpened bool
}

// retryController owns the per-fingerprint ledger and backoff policy.
// Serialized by the orchestrator's critical section; timer callbacks
// re-enter through the orchestrator, never directly here.
type retryController struct {
	cfg     common.RetryConfig
	entries map[string]*ledgerEntry
	rng     *rand.Rand

	// onCircuitClosed fires when an open circuit is cleared by
	// cancellation or ledger TTL expiry.
	onCircuitClosed func(fingerprint string)
}

func newRetryController(cfg common.RetryConfig, onCircuitClosed func(string)) *retryController {
	return &retryController{
		cfg:             cfg,
		entries:         make(map[string]*ledgerEntry),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		onCircuitClosed: onCircuitClosed,
	}
}

// keyFor returns the ledger key: the job fingerprint when the worker set
// one, otherwise the root id with all -retryN suffixes stripped so every
// record of a chain lands on the same entry.
func (rc *retryController) keyFor(j *models.Job) string {
	if j.Fingerprint != "" {
		return j.Fingerprint
	}
	return models.RootJobID(j.ID)
}

// lookup returns the live entry for key, lazily expiring it past the
// ledger TTL.
func (rc *retryController) lookup(key string, now time.Time) *ledgerEntry {
	e, ok := rc.entries[key]
	if !ok {
		return nil
	}
	if now.Sub(e.lastActivity) > rc.cfg.GetLedgerTTL() {
		rc.expire(e)
		return nil
	}
	return e
}

// decide records the failure and returns retry-with-delay or give-up.
func (rc *retryController) decide(j *models.Job, jerr *models.JobError, now time.Time) retryDecision {
	key := rc.keyFor(j)
	e := rc.lookup(key, now)
	if e == nil {
		e = &ledgerEntry{fingerprint: key, firstSeenAt: now}
		rc.entries[key] = e
	}
	e.lastActivity = now

	if e.circuitOpen {
		return retryDecision{attempts: e.attempts, circuitOpen: true}
	}

	if jerr == nil || !jerr.Classification.Retryable() {
		delete(rc.entries, key)
		return retryDecision{attempts: e.attempts}
	}

	// Timeouts get a lower sub-cap than other retryable failures.
	if jerr.Classification == models.ClassTimeout {
		e.timeoutFails++
		if e.timeoutFails > rc.cfg.TimeoutMax {
			delete(rc.entries, key)
			return retryDecision{attempts: e.attempts}
		}
	}

	if e.attempts >= rc.cfg.AbsoluteMax {
		e.circuitOpen = true
		return retryDecision{attempts: e.attempts, circuitOpen: true, circuitOpened: true}
	}

	n := e.attempts + 1
	delay := rc.backoff(n, jerr)
	e.attempts = n
	e.nextEligibleAt = now.Add(delay)
	return retryDecision{retry: true, delay: delay, retryNumber: n, attempts: n}
}

// backoff computes the delay before retry n (1-based): exponential from the
// base delay, capped, with symmetric jitter. A rate-limit retry-after hint
// takes precedence, clamped to the cap.
func (rc *retryController) backoff(n int, jerr *models.JobError) time.Duration {
	capDelay := rc.cfg.GetMaxDelay()

	if jerr.Classification == models.ClassRateLimited && jerr.RetryAfterMS > 0 {
		d := time.Duration(jerr.RetryAfterMS) * time.Millisecond
		if d > capDelay {
			d = capDelay
		}
		return d
	}

	d := time.Duration(float64(rc.cfg.GetBaseDelay()) * math.Pow(2, float64(n-1)))
	if d <= 0 || d > capDelay {
		d = capDelay
	}
	if rc.cfg.Jitter > 0 {
		d = time.Duration(float64(d) * (1 + (rc.rng.Float64()*2-1)*rc.cfg.Jitter))
		if d < 0 {
			d = 0
		}
	}
	return d
}

// arm attaches the delayed re-enqueue timer to the chain's ledger entry.
func (rc *retryController) arm(key, jobID string, t *time.Timer) {
	if e, ok := rc.entries[key]; ok {
		e.timer = t
		e.pendingJobID = jobID
	}
}

// fired clears the timer slot once the delayed re-enqueue has run.
func (rc *retryController) fired(key string) {
	if e, ok := rc.entries[key]; ok {
		e.timer = nil
		e.pendingJobID = ""
	}
}

// succeed prunes the chain after a terminal success.
func (rc *retryController) succeed(j *models.Job) {
	key := rc.keyFor(j)
	if e, ok := rc.entries[key]; ok {
		rc.stopEntry(e)
		delete(rc.entries, key)
		if e.circuitOpen && rc.onCircuitClosed != nil {
			rc.onCircuitClosed(key)
		}
	}
}

// cancelChain closes the circuit and prunes the entry when any job in a
// retry chain is cancelled. Returns the id of a pending retry record whose
// timer was stopped, if one was waiting.
func (rc *retryController) cancelChain(j *models.Job) (pendingJobID string) {
	key := rc.keyFor(j)
	e, ok := rc.entries[key]
	if !ok {
		return ""
	}
	pendingJobID = e.pendingJobID
	rc.stopEntry(e)
	delete(rc.entries, key)
	if e.circuitOpen && rc.onCircuitClosed != nil {
		rc.onCircuitClosed(key)
	}
	return pendingJobID
}

// sweep evicts entries whose TTL elapsed. Entries with an armed timer are
// left alone; their chain is still active. Called from the janitor.
func (rc *retryController) sweep(now time.Time) {
	ttl := rc.cfg.GetLedgerTTL()
	for _, e := range rc.entries {
		if now.Sub(e.lastActivity) > ttl && e.timer == nil {
			rc.expire(e)
		}
	}
}

// expire removes an entry on TTL, closing its circuit if open.
func (rc *retryController) expire(e *ledgerEntry) {
	rc.stopEntry(e)
	delete(rc.entries, e.fingerprint)
	if e.circuitOpen && rc.onCircuitClosed != nil {
		rc.onCircuitClosed(e.fingerprint)
	}
}

// stopAll halts every armed timer. Used on shutdown.
func (rc *retryController) stopAll() {
	for _, e := range rc.entries {
		rc.stopEntry(e)
	}
}

func (rc *retryController) stopEntry(e *ledgerEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		e.pendingJobID = ""
	}
}
