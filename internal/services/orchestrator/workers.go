package orchestrator

import (
	"fmt"

	"github.com/bobmcallan/sweep/internal/interfaces"
)

// registeredWorker pairs a worker with the capabilities detected at
// registration so the runner never type-asserts on the hot path.
type registeredWorker struct {
	worker        interfaces.Worker
	maxConcurrent int

	gitWorker     interfaces.GitWorker
	fingerprinter interfaces.Fingerprinter
	messager      interfaces.CommitMessager
	prContexter   interfaces.PRContexter
}

func newRegisteredWorker(w interfaces.Worker) *registeredWorker {
	rw := &registeredWorker{worker: w}
	if l, ok := w.(interfaces.ConcurrencyLimiter); ok {
		rw.maxConcurrent = l.MaxConcurrent()
	}
	if gw, ok := w.(interfaces.GitWorker); ok {
		rw.gitWorker = gw
	}
	if fp, ok := w.(interfaces.Fingerprinter); ok {
		rw.fingerprinter = fp
	}
	if m, ok := w.(interfaces.CommitMessager); ok {
		rw.messager = m
	}
	if p, ok := w.(interfaces.PRContexter); ok {
		rw.prContexter = p
	}
	return rw
}

// Register adds a worker for its job type. Must be called before Start.
func (o *Orchestrator) Register(w interfaces.Worker) error {
	jobType := w.JobType()
	if jobType == "" {
		return fmt.Errorf("worker has empty job type")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.workers[jobType]; exists {
		return fmt.Errorf("worker already registered for job type: %s", jobType)
	}
	o.workers[jobType] = newRegisteredWorker(w)

	o.logger.Debug().
		Str("job_type", jobType).
		Bool("git", o.workers[jobType].gitWorker != nil).
		Msg("Worker registered")
	return nil
}

// WorkerTypes returns the registered job types.
func (o *Orchestrator) WorkerTypes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	types := make([]string, 0, len(o.workers))
	for t := range o.workers {
		types = append(types, t)
	}
	return types
}
