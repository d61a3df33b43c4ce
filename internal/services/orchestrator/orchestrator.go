// Package orchestrator implements the job engine core: canonical job state,
// a bounded-concurrency dispatcher, retry with a per-fingerprint circuit
// breaker, and the runner that drives handlers and their Git side-effects.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/events"
	"github.com/bobmcallan/sweep/internal/interfaces"
	"github.com/bobmcallan/sweep/internal/models"
)

// queueEntry is one slot in the FIFO ready queue.
type queueEntry struct {
	id         string
	enqueuedAt time.Time
}

// Orchestrator owns every job state transition. All shared state lives
// behind one mutex; handlers run outside it on their own goroutines and
// re-enter only through settle.
type Orchestrator struct {
	logger     *common.Logger
	cfg        *common.Config
	bus        *events.Bus
	classifier interfaces.ErrorClassifier
	git        interfaces.GitService
	history    interfaces.HistoryWriter

	mu           sync.Mutex
	store        *jobStore
	retry        *retryController
	workers      map[string]*registeredWorker
	queue        []queueEntry
	pending      map[string]struct{}
	cancels      map[string]context.CancelFunc
	activeCount  int
	activeByType map[string]int
	paused       bool
	started      bool

	stop context.CancelFunc
	kick chan struct{}
	wg   sync.WaitGroup
}

var _ interfaces.Orchestrator = (*Orchestrator)(nil)

// New creates an orchestrator. git and history may be nil; the Git protocol
// and the NDJSON sink are simply skipped.
func New(
	cfg *common.Config,
	logger *common.Logger,
	bus *events.Bus,
	git interfaces.GitService,
	history interfaces.HistoryWriter,
) *Orchestrator {
	o := &Orchestrator{
		logger:       logger,
		cfg:          cfg,
		bus:          bus,
		classifier:   DefaultClassifier{},
		git:          git,
		history:      history,
		store:        newJobStore(cfg.Engine.HistoryRingSize),
		workers:      make(map[string]*registeredWorker),
		pending:      make(map[string]struct{}),
		cancels:      make(map[string]context.CancelFunc),
		activeByType: make(map[string]int),
		kick:         make(chan struct{}, 1),
	}
	o.retry = newRetryController(cfg.Retry, func(fingerprint string) {
		bus.Publish(models.NewEvent(models.EventCircuitClosed, "", "", models.CircuitPayload{Fingerprint: fingerprint}))
	})
	return o
}

// SetClassifier replaces the error classifier. Must be called before Start.
func (o *Orchestrator) SetClassifier(c interfaces.ErrorClassifier) {
	if c != nil {
		o.classifier = c
	}
}

// safeGo launches a goroutine with panic recovery and logging.
func (o *Orchestrator) safeGo(name string, fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in orchestrator goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the dispatcher and the ledger janitor.
// Safe to call multiple times; stops any existing loops before starting.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		o.Stop()
		o.mu.Lock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.stop = cancel
	o.started = true
	workerCount := len(o.workers)
	o.mu.Unlock()

	o.safeGo("dispatcher", func() { o.dispatchLoop(ctx) })
	o.safeGo("ledger-janitor", func() { o.janitorLoop(ctx) })

	o.logger.Info().
		Int("max_concurrent", o.maxConcurrent()).
		Int("worker_types", workerCount).
		Msg("Orchestrator started")
}

// Stop cancels running jobs, stops retry timers, and waits for the
// runners to settle. In-flight work ends cancelled; nothing is retried.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.retry.stopAll()
	stop := o.stop
	o.mu.Unlock()

	stop()
	o.wg.Wait()
	o.logger.Info().Msg("Orchestrator stopped")
}

// CreateJob validates the type, inserts the record, and enqueues it.
func (o *Orchestrator) CreateJob(ctx context.Context, jobType string, data interface{}) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.workers[jobType]; !ok {
		return "", fmt.Errorf("unknown job type: %s", jobType)
	}

	now := time.Now()
	id := fmt.Sprintf("%s-%s", jobType, uuid.New().String()[:8])
	j := &models.Job{
		ID:        id,
		Type:      jobType,
		Status:    models.JobStatusQueued,
		Data:      data,
		CreatedAt: now,
	}
	o.store.insert(j)
	o.queue = append(o.queue, queueEntry{id: id, enqueuedAt: now})
	o.pending[id] = struct{}{}
	o.publish(models.EventJobCreated, j)
	o.kickDispatch()

	o.logger.Info().
		Str("job_id", id).
		Str("job_type", jobType).
		Int("queue_size", len(o.queue)).
		Msg("Job created")
	return id, nil
}

// GetJob returns a snapshot of a live or archived job.
func (o *Orchestrator) GetJob(id string) (models.Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	j, ok := o.store.get(id)
	if !ok {
		return models.Job{}, false
	}
	return j.Clone(), true
}

// ListJobs returns snapshots newest-first, narrowed by filter.
func (o *Orchestrator) ListJobs(filter models.JobFilter) []models.Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store.list(filter)
}

// GetStats returns the engine counter snapshot.
func (o *Orchestrator) GetStats() models.Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store.stats()
}

// HasQueued reports whether any job of the type is queued or running,
// the check behind skip-if-queued cron admission.
func (o *Orchestrator) HasQueued(jobType string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, j := range o.store.live {
		if j.Type != jobType {
			continue
		}
		if j.Status == models.JobStatusQueued || j.Status == models.JobStatusRunning {
			return true
		}
	}
	return false
}

// CancelJob cancels a queued or paused job immediately, or signals a
// running one. Cancelling any job of a retry chain closes its circuit.
func (o *Orchestrator) CancelJob(id string) models.ControlResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	j, ok := o.store.get(id)
	if !ok {
		return models.ControlResult{OK: false, Reason: "not found"}
	}
	if j.Status.Terminal() {
		return models.ControlResult{OK: false, Reason: models.ReasonAlreadyTerminal}
	}

	switch j.Status {
	case models.JobStatusQueued, models.JobStatusPaused:
		o.removeFromQueue(id)
		pending := o.retry.cancelChain(j)
		j.Status = models.JobStatusCancelled
		j.CompletedAt = time.Now()
		o.publish(models.EventJobCancelled, j)
		o.store.archive(id)
		o.appendHistory(j)
		if pending != "" && pending != id {
			o.cancelPendingRetry(pending)
		}
		o.kickDispatch()
		o.logger.Info().Str("job_id", id).Msg("Job cancelled")
		return models.ControlResult{OK: true}

	default: // running
		j.CancelRequested = true
		if cancel, ok := o.cancels[id]; ok {
			cancel()
		}
		o.logger.Info().Str("job_id", id).Msg("Job cancellation signalled")
		return models.ControlResult{OK: true}
	}
}

// PauseJob holds a queued job back from dispatch. On a running job the
// signal is advisory and takes effect when the next retry is scheduled.
func (o *Orchestrator) PauseJob(id string) models.ControlResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	j, ok := o.store.get(id)
	if !ok {
		return models.ControlResult{OK: false, Reason: "not found"}
	}
	if j.Status.Terminal() {
		return models.ControlResult{OK: false, Reason: models.ReasonAlreadyTerminal}
	}

	switch j.Status {
	case models.JobStatusQueued:
		o.removeFromQueue(id)
		j.Status = models.JobStatusPaused
		o.publish(models.EventJobPaused, j)
		o.logger.Info().Str("job_id", id).Msg("Job paused")
		return models.ControlResult{OK: true}

	case models.JobStatusPaused:
		return models.ControlResult{OK: false, Reason: "already paused"}

	default: // running
		j.PauseRequested = true
		return models.ControlResult{OK: true, Reason: "pause takes effect at next retry"}
	}
}

// ResumeJob returns a paused job to the tail of the ready queue.
func (o *Orchestrator) ResumeJob(id string) models.ControlResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	j, ok := o.store.get(id)
	if !ok {
		return models.ControlResult{OK: false, Reason: "not found"}
	}
	if j.Status.Terminal() {
		return models.ControlResult{OK: false, Reason: models.ReasonAlreadyTerminal}
	}

	switch j.Status {
	case models.JobStatusPaused:
		j.Status = models.JobStatusQueued
		j.PauseRequested = false
		o.queue = append(o.queue, queueEntry{id: id, enqueuedAt: time.Now()})
		o.pending[id] = struct{}{}
		o.publish(models.EventJobResumed, j)
		o.kickDispatch()
		o.logger.Info().Str("job_id", id).Msg("Job resumed")
		return models.ControlResult{OK: true}

	default:
		if j.PauseRequested {
			j.PauseRequested = false
			return models.ControlResult{OK: true}
		}
		return models.ControlResult{OK: false, Reason: "not paused"}
	}
}

// Pause halts dispatch process-wide. Running jobs finish; nothing new is
// admitted, including fired retries.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.paused {
		o.paused = true
		o.logger.Info().Msg("Orchestrator paused")
	}
}

// Resume restarts dispatch.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.paused {
		o.paused = false
		o.kickDispatch()
		o.logger.Info().Msg("Orchestrator resumed")
	}
}

// IsPaused reports the process-wide pause flag.
func (o *Orchestrator) IsPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// ActiveCount returns the number of running jobs.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeCount
}

// QueueSize returns the number of jobs waiting in the ready queue.
func (o *Orchestrator) QueueSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// dispatchLoop admits ready jobs whenever something kicks it: a new job,
// a finished job, a resume, or a fired retry timer.
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.kick:
			o.dispatch(ctx)
		}
	}
}

// dispatch pops eligible queue entries while capacity allows. Strictly
// FIFO, except that entries whose job type is at its per-type cap are
// passed over without losing their place.
func (o *Orchestrator) dispatch(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.compactQueue()

	for o.started && !o.paused && o.activeCount < o.maxConcurrent() {
		idx := -1
		for i, entry := range o.queue {
			j, ok := o.store.get(entry.id)
			if !ok {
				continue
			}
			rw := o.workers[j.Type]
			if rw != nil && rw.maxConcurrent > 0 && o.activeByType[j.Type] >= rw.maxConcurrent {
				continue
			}
			idx = i
			break
		}
		if idx < 0 {
			return
		}

		entry := o.queue[idx]
		o.queue = append(o.queue[:idx], o.queue[idx+1:]...)
		delete(o.pending, entry.id)

		j, ok := o.store.get(entry.id)
		if !ok {
			continue
		}
		j.Status = models.JobStatusRunning
		j.StartedAt = time.Now()
		j.Attempts++
		o.activeCount++
		o.activeByType[j.Type]++

		jobCtx, cancel := context.WithCancel(ctx)
		o.cancels[j.ID] = cancel
		o.publish(models.EventJobStarted, j)

		id := j.ID
		o.safeGo("runner-"+id, func() { o.runJob(jobCtx, id) })
	}
}

// compactQueue drops entries whose record is gone or no longer queued.
func (o *Orchestrator) compactQueue() {
	valid := o.queue[:0]
	for _, e := range o.queue {
		if j, ok := o.store.get(e.id); ok && j.Status == models.JobStatusQueued {
			valid = append(valid, e)
		} else {
			delete(o.pending, e.id)
		}
	}
	o.queue = valid
}

// admitRetry runs when a retry timer fires: the delayed record joins the
// ready queue unless it was cancelled, paused, or resumed early meanwhile.
func (o *Orchestrator) admitRetry(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return
	}
	j, ok := o.store.get(id)
	if !ok {
		return
	}
	o.retry.fired(o.retry.keyFor(j))

	if j.Status != models.JobStatusQueued {
		return
	}
	if _, already := o.pending[id]; already {
		return
	}
	o.queue = append(o.queue, queueEntry{id: id, enqueuedAt: time.Now()})
	o.pending[id] = struct{}{}
	o.kickDispatch()
}

// janitorLoop periodically expires idle retry ledger entries.
func (o *Orchestrator) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			o.retry.sweep(time.Now())
			o.mu.Unlock()
		}
	}
}

// kickDispatch wakes the dispatcher without blocking. Callers hold the lock.
func (o *Orchestrator) kickDispatch() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// publish emits a job event with a snapshot payload. Callers hold the lock.
func (o *Orchestrator) publish(t models.EventType, j *models.Job) {
	o.bus.Publish(models.NewEvent(t, j.ID, j.Type, models.JobPayload{
		Job:       j.Clone(),
		QueueSize: len(o.queue),
	}))
}

// appendHistory writes the terminal record to the NDJSON sink, if any.
// The writer buffers internally so this never blocks the critical section.
func (o *Orchestrator) appendHistory(j *models.Job) {
	if o.history == nil {
		return
	}
	if err := o.history.Append(models.NewHistoryRecord(j.Clone())); err != nil {
		o.logger.Warn().Str("job_id", j.ID).Err(err).Msg("Failed to append job history")
	}
}

// cancelPendingRetry finalizes a delayed retry record whose timer was
// stopped because another job in its chain was cancelled. The record never
// reached the ready queue, so it would otherwise sit queued forever.
// Callers hold the lock.
func (o *Orchestrator) cancelPendingRetry(id string) {
	j, ok := o.store.get(id)
	if !ok || j.Status.Terminal() {
		return
	}
	j.Status = models.JobStatusCancelled
	j.CompletedAt = time.Now()
	o.publish(models.EventJobCancelled, j)
	o.store.archive(id)
	o.appendHistory(j)
	o.logger.Info().Str("job_id", id).Msg("Pending retry cancelled with chain")
}

// removeFromQueue drops one id from the ready queue. Callers hold the lock.
func (o *Orchestrator) removeFromQueue(id string) {
	if _, ok := o.pending[id]; !ok {
		return
	}
	delete(o.pending, id)
	for i, e := range o.queue {
		if e.id == id {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return
		}
	}
}

func (o *Orchestrator) maxConcurrent() int {
	if o.cfg.Engine.MaxConcurrent <= 0 {
		return 3
	}
	return o.cfg.Engine.MaxConcurrent
}
