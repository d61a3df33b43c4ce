package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bobmcallan/sweep/internal/models"
)

// runOutcome carries everything execute learned back into settle.
type runOutcome struct {
	result      interface{}
	err         error
	fingerprint string
	git         *models.GitResult
	timedOut    bool
}

// runJob executes one dispatched job end to end and settles the record.
// The record is already marked running and job:started has been published.
func (o *Orchestrator) runJob(ctx context.Context, id string) {
	o.mu.Lock()
	rec, ok := o.store.get(id)
	if !ok {
		o.mu.Unlock()
		return
	}
	snapshot := rec.Clone()
	rw := o.workers[rec.Type]
	o.mu.Unlock()

	if rw == nil {
		o.settle(id, runOutcome{err: &models.ClassifiedError{
			Err:            fmt.Errorf("no worker registered for job type: %s", snapshot.Type),
			Classification: models.ClassInternal,
		}})
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Handler.GetTimeoutFor(snapshot.Type))
	defer cancel()

	o.settle(id, o.execute(runCtx, rw, snapshot))
}

// execute runs the fingerprint step, the Git protocol bracket, and the
// handler itself under the attempt deadline.
func (o *Orchestrator) execute(ctx context.Context, rw *registeredWorker, job models.Job) runOutcome {
	var out runOutcome

	// Resolve the fingerprint first so the retry ledger and cache key the
	// chain correctly even when later steps fail. Retry records inherit it.
	if rw.fingerprinter != nil && job.Fingerprint == "" {
		fp, err := rw.fingerprinter.Fingerprint(ctx, job)
		if err != nil {
			out.err = err
			return out
		}
		out.fingerprint = fp
		job.Fingerprint = fp
	}

	var repoPath string
	if rw.gitWorker != nil && o.git != nil {
		repoPath = rw.gitWorker.RepositoryPath(job)
	}
	gitActive := repoPath != ""

	if gitActive {
		branch := fmt.Sprintf("%s/%s/%s", o.cfg.Git.BranchPrefix, job.Type, job.ID)
		out.git = &models.GitResult{
			BranchName: branch,
			BaseBranch: o.cfg.Git.BaseBranch,
			DryRun:     o.git.DryRun(),
		}
		restore, err := o.git.PrepareBranch(ctx, repoPath, branch)
		if err != nil {
			out.err = err
			return out
		}
		// The original branch comes back on every exit path, including
		// panic and orphaned-handler timeouts.
		defer func() {
			if rerr := restore(); rerr != nil {
				o.logger.Warn().
					Str("job_id", job.ID).
					Str("repo", repoPath).
					Err(rerr).
					Msg("Failed to restore original branch")
			}
		}()
	}

	hr := o.invokeHandler(ctx, rw, job)

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		// Late output is orphaned; the deadline is the contract.
		out.timedOut = true
		out.err = ctx.Err()
		if hr.err != nil {
			out.err = hr.err
		}
	case ctx.Err() != nil:
		// Cancelled, by the user or by shutdown. The result, if any,
		// is discarded: cancelled wins.
		out.err = ctx.Err()
		if hr.err != nil {
			out.err = hr.err
		}
	case hr.err != nil:
		out.err = hr.err
	default:
		out.result = hr.result
		if gitActive {
			if err := o.finishGit(ctx, rw, job, repoPath, out.git); err != nil {
				out.result = nil
				out.err = err
			}
		}
	}
	return out
}

type handlerReturn struct {
	result interface{}
	err    error
}

// invokeHandler runs the worker off the runner goroutine so an unresponsive
// handler can be abandoned after the cancel grace window.
func (o *Orchestrator) invokeHandler(ctx context.Context, rw *registeredWorker, job models.Job) handlerReturn {
	done := make(chan handlerReturn, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().
					Str("job_id", job.ID).
					Str("job_type", job.Type).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Handler panicked")
				done <- handlerReturn{err: &models.ClassifiedError{
					Err:            fmt.Errorf("handler panic: %v", r),
					Classification: models.ClassInternal,
					Code:           "panic",
				}}
			}
		}()
		result, err := rw.worker.Run(ctx, job)
		done <- handlerReturn{result: result, err: err}
	}()

	select {
	case hr := <-done:
		return hr
	case <-ctx.Done():
	}

	// Deadline or cancellation fired. Give the handler the grace window
	// to reach a checkpoint before orphaning it.
	grace := o.cfg.Handler.GetCancelGrace()
	select {
	case hr := <-done:
		return hr
	case <-time.After(grace):
		o.logger.Warn().
			Str("job_id", job.ID).
			Str("job_type", job.Type).
			Dur("grace", grace).
			Msg("Handler ignored cancellation, orphaning")
		return handlerReturn{err: ctx.Err()}
	}
}

// finishGit runs the post-success side of the Git protocol: detect
// mutations, commit, push, and open the pull request.
func (o *Orchestrator) finishGit(ctx context.Context, rw *registeredWorker, job models.Job, repoPath string, res *models.GitResult) error {
	changed, err := o.git.ChangedFiles(ctx, repoPath)
	if err != nil {
		return err
	}
	res.ChangedFiles = changed
	if len(changed) == 0 {
		return nil
	}

	message := fmt.Sprintf("%s: automated changes from job %s", job.Type, job.ID)
	if rw.messager != nil {
		message = rw.messager.GenerateCommitMessage(job)
	}
	sha, err := o.git.CommitAndPush(ctx, repoPath, res.BranchName, message)
	if err != nil {
		return err
	}
	res.CommitSHA = sha

	pr := models.PRContext{
		Title: message,
		Body:  fmt.Sprintf("Automated changes produced by job `%s`.", job.ID),
	}
	if rw.prContexter != nil {
		pr = rw.prContexter.GeneratePRContext(job)
	}
	url, err := o.git.CreatePullRequest(ctx, repoPath, res.BranchName, pr)
	if err != nil {
		return err
	}
	res.PRURL = url
	return nil
}

// settle applies the outcome to the record under the critical section:
// exactly one terminal transition, its event, and any retry scheduling.
func (o *Orchestrator) settle(id string, out runOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	j, ok := o.store.get(id)
	if !ok {
		return
	}

	o.activeCount--
	o.activeByType[j.Type]--
	delete(o.cancels, id)
	defer o.kickDispatch()

	if out.fingerprint != "" {
		j.Fingerprint = out.fingerprint
	}
	if out.git != nil {
		j.Git = out.git
	}

	now := time.Now()
	j.CompletedAt = now

	var jerr *models.JobError
	if out.err != nil {
		jerr = o.classifier.Classify(out.err)
		if out.timedOut {
			jerr.Classification = models.ClassTimeout
			if jerr.Code == "" {
				jerr.Code = "deadline_exceeded"
			}
		}
	}

	// Cancellation wins over whatever the handler returned.
	if j.CancelRequested || (jerr != nil && jerr.Classification == models.ClassCancelled) {
		j.Status = models.JobStatusCancelled
		j.Result = nil
		j.Error = nil
		pending := o.retry.cancelChain(j)
		o.publish(models.EventJobCancelled, j)
		o.store.archive(id)
		o.appendHistory(j)
		if pending != "" && pending != id {
			o.cancelPendingRetry(pending)
		}
		o.logger.Info().
			Str("job_id", id).
			Int64("duration_ms", j.DurationMS()).
			Msg("Job cancelled")
		return
	}

	if jerr == nil {
		j.Status = models.JobStatusCompleted
		j.Result = out.result
		o.retry.succeed(j)
		o.publish(models.EventJobCompleted, j)
		o.store.archive(id)
		o.appendHistory(j)
		o.logger.Debug().
			Str("job_id", id).
			Str("job_type", j.Type).
			Int64("duration_ms", j.DurationMS()).
			Msg("Job completed")
		return
	}

	if o.started {
		if dec := o.retry.decide(j, jerr, now); dec.retry {
			o.scheduleRetry(j, jerr, dec, now)
			return
		} else if dec.circuitOpen {
			jerr.Classification = models.ClassCircuitOpen
			if jerr.Code == "" {
				jerr.Code = "circuit_open"
			}
			if dec.circuitOpened {
				key := o.retry.keyFor(j)
				o.bus.Publish(models.NewEvent(models.EventCircuitOpened, j.ID, j.Type, models.CircuitPayload{Fingerprint: key}))
				o.bus.Publish(models.NewEvent(models.EventRetryExhausted, j.ID, j.Type, models.RetryExhaustedPayload{Attempts: dec.attempts}))
			}
		}
	}

	j.Status = models.JobStatusFailed
	j.Error = jerr
	o.publish(models.EventJobFailed, j)
	o.store.archive(id)
	o.appendHistory(j)
	o.logger.Warn().
		Str("job_id", id).
		Str("job_type", j.Type).
		Str("classification", string(jerr.Classification)).
		Int64("duration_ms", j.DurationMS()).
		Str("error", jerr.Message).
		Msg("Job failed")
}

// scheduleRetry supersedes the failed record and arms the delayed
// re-enqueue. The superseded record archives as failed without a
// job:failed event; retry:scheduled replaces it for the logical job.
func (o *Orchestrator) scheduleRetry(j *models.Job, jerr *models.JobError, dec retryDecision, now time.Time) {
	j.Status = models.JobStatusFailed
	j.Error = jerr
	o.store.archive(j.ID)
	o.appendHistory(j)

	nextID := models.RetryJobID(j.ID, dec.retryNumber)
	o.bus.Publish(models.NewEvent(models.EventRetryScheduled, j.ID, j.Type, models.RetryScheduledPayload{
		Attempt:        dec.retryNumber,
		DelayMS:        dec.delay.Milliseconds(),
		Classification: jerr.Classification,
		NextJobID:      nextID,
	}))

	next := &models.Job{
		ID:          nextID,
		Type:        j.Type,
		Status:      models.JobStatusQueued,
		Data:        j.Data,
		CreatedAt:   now,
		Attempts:    j.Attempts,
		Fingerprint: j.Fingerprint,
	}
	if j.PauseRequested {
		next.Status = models.JobStatusPaused
	}
	o.store.insert(next)
	o.publish(models.EventJobCreated, next)

	if next.Status == models.JobStatusPaused {
		o.publish(models.EventJobPaused, next)
		o.logger.Info().
			Str("job_id", j.ID).
			Str("next_job_id", nextID).
			Msg("Retry created paused")
		return
	}

	timer := time.AfterFunc(dec.delay, func() { o.admitRetry(nextID) })
	o.retry.arm(o.retry.keyFor(next), nextID, timer)

	o.logger.Info().
		Str("job_id", j.ID).
		Str("next_job_id", nextID).
		Int("attempt", dec.retryNumber).
		Int64("delay_ms", dec.delay.Milliseconds()).
		Str("classification", string(jerr.Classification)).
		Msg("Retry scheduled")
}
