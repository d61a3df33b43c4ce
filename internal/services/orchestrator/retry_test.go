package orchestrator

import (
	"testing"
	"time"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/models"
)

func retryTestConfig() common.RetryConfig {
	return common.RetryConfig{
		BaseDelay:   "1s",
		MaxDelay:    "8s",
		Jitter:      0,
		AbsoluteMax: 3,
		TimeoutMax:  2,
		LedgerTTL:   "1h",
	}
}

func transient() *models.JobError {
	return &models.JobError{Message: "blip", Classification: models.ClassTransient}
}

func TestBackoff_ExponentialWithCap(t *testing.T) {
	rc := newRetryController(retryTestConfig(), nil)

	cases := []struct {
		n    int
		want time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 8 * time.Second},  // clamped
		{20, 8 * time.Second}, // clamped
		{80, 8 * time.Second}, // overflow guard
	}
	for _, tc := range cases {
		if got := rc.backoff(tc.n, transient()); got != tc.want {
			t.Errorf("backoff(%d): expected %v, got %v", tc.n, tc.want, got)
		}
	}
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	cfg := retryTestConfig()
	cfg.Jitter = 0.2
	rc := newRetryController(cfg, nil)

	for i := 0; i < 200; i++ {
		d := rc.backoff(1, transient())
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay %v outside [0.8s, 1.2s]", d)
		}
	}
}

func TestBackoff_RateLimitHintWins(t *testing.T) {
	rc := newRetryController(retryTestConfig(), nil)

	jerr := &models.JobError{
		Classification: models.ClassRateLimited,
		RetryAfterMS:   3500,
	}
	if got := rc.backoff(1, jerr); got != 3500*time.Millisecond {
		t.Errorf("expected retry-after hint 3.5s, got %v", got)
	}

	jerr.RetryAfterMS = 60000 // above the cap
	if got := rc.backoff(1, jerr); got != 8*time.Second {
		t.Errorf("expected hint clamped to cap 8s, got %v", got)
	}

	// Without a hint, rate-limited failures use ordinary backoff.
	jerr.RetryAfterMS = 0
	if got := rc.backoff(2, jerr); got != 2*time.Second {
		t.Errorf("expected exponential fallback 2s, got %v", got)
	}
}

func TestDecide_TransientRetriesUntilAbsoluteMax(t *testing.T) {
	rc := newRetryController(retryTestConfig(), nil)
	now := time.Now()
	j := &models.Job{ID: "scan-aaaa1111", Type: "duplicate-detection"}

	for want := 1; want <= 3; want++ {
		dec := rc.decide(j, transient(), now)
		if !dec.retry {
			t.Fatalf("attempt %d: expected retry", want)
		}
		if dec.retryNumber != want {
			t.Errorf("expected retry number %d, got %d", want, dec.retryNumber)
		}
		j = &models.Job{ID: models.RetryJobID("scan-aaaa1111", want), Type: j.Type}
	}

	dec := rc.decide(j, transient(), now)
	if dec.retry {
		t.Fatal("expected give-up past absolute max")
	}
	if !dec.circuitOpen || !dec.circuitOpened {
		t.Errorf("expected circuit to open, got %+v", dec)
	}

	// A later failure on the same chain sees the open circuit without
	// re-tripping it.
	dec = rc.decide(j, transient(), now)
	if dec.retry || !dec.circuitOpen || dec.circuitOpened {
		t.Errorf("expected open-circuit refusal without re-open, got %+v", dec)
	}
}

func TestDecide_PermanentPrunesEntry(t *testing.T) {
	rc := newRetryController(retryTestConfig(), nil)
	now := time.Now()
	j := &models.Job{ID: "scan-bbbb2222"}

	if dec := rc.decide(j, transient(), now); !dec.retry {
		t.Fatal("expected first transient failure to retry")
	}

	perm := &models.JobError{Message: "no such repo", Classification: models.ClassPermanent}
	if dec := rc.decide(j, perm, now); dec.retry || dec.circuitOpen {
		t.Errorf("expected plain give-up for permanent error, got %+v", dec)
	}
	if _, ok := rc.entries[models.RootJobID(j.ID)]; ok {
		t.Error("expected ledger entry pruned after permanent failure")
	}
}

func TestDecide_TimeoutSubCap(t *testing.T) {
	rc := newRetryController(retryTestConfig(), nil)
	now := time.Now()
	j := &models.Job{ID: "scan-cccc3333"}
	timeout := &models.JobError{Message: "deadline", Classification: models.ClassTimeout}

	if dec := rc.decide(j, timeout, now); !dec.retry {
		t.Fatal("first timeout should retry")
	}
	if dec := rc.decide(j, timeout, now); !dec.retry {
		t.Fatal("second timeout should retry")
	}
	dec := rc.decide(j, timeout, now)
	if dec.retry {
		t.Fatal("third timeout exceeds the sub-cap")
	}
	if dec.circuitOpen {
		t.Error("timeout sub-cap give-up must not open the circuit")
	}
}

func TestDecide_FingerprintSharedAcrossJobIDs(t *testing.T) {
	rc := newRetryController(retryTestConfig(), nil)
	now := time.Now()

	// Two distinct jobs carrying the same fingerprint share one ledger entry.
	a := &models.Job{ID: "scan-dddd4444", Fingerprint: "sha:abc"}
	b := &models.Job{ID: "scan-eeee5555", Fingerprint: "sha:abc"}

	rc.decide(a, transient(), now)
	rc.decide(b, transient(), now)

	e, ok := rc.entries["sha:abc"]
	if !ok {
		t.Fatal("expected fingerprint-keyed entry")
	}
	if e.attempts != 2 {
		t.Errorf("expected shared attempts=2, got %d", e.attempts)
	}
}

func TestLedger_TTLExpiryResetsChainAndClosesCircuit(t *testing.T) {
	cfg := retryTestConfig()
	cfg.LedgerTTL = "10ms"
	cfg.AbsoluteMax = 1

	var closed []string
	rc := newRetryController(cfg, func(fp string) { closed = append(closed, fp) })
	now := time.Now()
	j := &models.Job{ID: "scan-ffff6666"}

	rc.decide(j, transient(), now)
	dec := rc.decide(j, transient(), now)
	if !dec.circuitOpened {
		t.Fatal("expected circuit to open at absolute max 1")
	}

	// Past the TTL the next lookup expires the entry and closes the circuit.
	later := now.Add(50 * time.Millisecond)
	dec = rc.decide(j, transient(), later)
	if !dec.retry || dec.retryNumber != 1 {
		t.Errorf("expected fresh chain after TTL expiry, got %+v", dec)
	}
	if len(closed) != 1 || closed[0] != models.RootJobID(j.ID) {
		t.Errorf("expected circuit-closed callback for %s, got %v", models.RootJobID(j.ID), closed)
	}
}

func TestLedger_SweepSkipsArmedTimers(t *testing.T) {
	cfg := retryTestConfig()
	cfg.LedgerTTL = "10ms"
	rc := newRetryController(cfg, nil)
	now := time.Now()

	armed := &models.Job{ID: "scan-aaaa7777"}
	idle := &models.Job{ID: "scan-bbbb8888"}
	rc.decide(armed, transient(), now)
	rc.decide(idle, transient(), now)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	rc.arm(rc.keyFor(armed), models.RetryJobID(armed.ID, 1), timer)

	rc.sweep(now.Add(time.Second))

	if _, ok := rc.entries[rc.keyFor(armed)]; !ok {
		t.Error("expected armed entry to survive the sweep")
	}
	if _, ok := rc.entries[rc.keyFor(idle)]; ok {
		t.Error("expected idle entry evicted by the sweep")
	}
}

func TestCancelChain_StopsPendingRetry(t *testing.T) {
	var closed int
	rc := newRetryController(retryTestConfig(), func(string) { closed++ })
	now := time.Now()
	j := &models.Job{ID: "scan-cccc9999"}

	rc.decide(j, transient(), now)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	pendingID := models.RetryJobID(j.ID, 1)
	rc.arm(rc.keyFor(j), pendingID, timer)

	got := rc.cancelChain(j)
	if got != pendingID {
		t.Errorf("expected pending id %s, got %s", pendingID, got)
	}
	if _, ok := rc.entries[rc.keyFor(j)]; ok {
		t.Error("expected entry pruned after cancel")
	}
	if closed != 0 {
		t.Error("cancel of a closed circuit must not emit circuit:closed")
	}
}

func TestSucceed_ClosesOpenCircuit(t *testing.T) {
	cfg := retryTestConfig()
	cfg.AbsoluteMax = 1

	var closed int
	rc := newRetryController(cfg, func(string) { closed++ })
	now := time.Now()
	j := &models.Job{ID: "scan-dddd0000"}

	rc.decide(j, transient(), now)
	rc.decide(j, transient(), now) // opens

	rc.succeed(j)
	if closed != 1 {
		t.Errorf("expected one circuit-closed callback, got %d", closed)
	}
	rc.succeed(j) // entry gone, no double emit
	if closed != 1 {
		t.Errorf("expected no duplicate callback, got %d", closed)
	}
}
