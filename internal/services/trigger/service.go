// Package trigger runs the cron-driven job producers declared in config.
// Each entry submits jobs through the engine's public control surface; the
// trigger layer holds no job state of its own.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/interfaces"
	"github.com/bobmcallan/sweep/internal/models"
)

// Service owns the cron runner and the config-declared schedule entries.
type Service struct {
	cfg    *common.Config
	logger *common.Logger
	engine interfaces.Orchestrator
	cron   *cron.Cron

	mu         sync.Mutex
	lastRun    map[string]time.Time
	skipped    map[string]int
	started    bool
	registered int
}

func NewService(cfg *common.Config, logger *common.Logger, engine interfaces.Orchestrator) *Service {
	return &Service{
		cfg:     cfg,
		logger:  logger,
		engine:  engine,
		cron:    cron.New(),
		lastRun: make(map[string]time.Time),
		skipped: make(map[string]int),
	}
}

// Start registers every valid cron entry and starts the runner. Entries with
// run_on_startup fire once immediately. Invalid entries are skipped with a
// warning so one bad schedule cannot take the process down.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	for i := range s.cfg.Cron {
		entry := s.normalize(s.cfg.Cron[i], i)
		if err := s.validate(entry); err != nil {
			s.logger.Warn().
				Str("entry", entry.Name).
				Str("schedule", entry.Schedule).
				Err(err).
				Msg("Skipping invalid cron entry")
			continue
		}
		e := entry
		if _, err := s.cron.AddFunc(e.Schedule, func() { s.fire(e) }); err != nil {
			s.logger.Warn().
				Str("entry", e.Name).
				Str("schedule", e.Schedule).
				Err(err).
				Msg("Skipping unregistrable cron entry")
			continue
		}
		s.mu.Lock()
		s.registered++
		s.mu.Unlock()
		s.logger.Info().
			Str("entry", e.Name).
			Str("schedule", e.Schedule).
			Str("job_type", e.JobType).
			Msg("Cron entry registered")

		if e.RunOnStartup {
			s.fire(e)
		}
	}

	s.cron.Start()
	s.logger.Info().Int("entries", s.Registered()).Msg("Cron trigger started")
	return nil
}

// Stop halts the runner and waits for in-flight submissions to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// Registered reports how many entries made it into the runner.
func (s *Service) Registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// LastRun returns when the named entry last submitted a job.
func (s *Service) LastRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastRun[name]
	return at, ok
}

// Skipped returns how many fires the named entry dropped via skip_if_queued.
func (s *Service) Skipped(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped[name]
}

// normalize fills entry defaults: a stable name and the scan job type.
func (s *Service) normalize(entry common.CronEntryConfig, index int) common.CronEntryConfig {
	if entry.Name == "" {
		entry.Name = fmt.Sprintf("cron-%d", index+1)
	}
	if entry.JobType == "" {
		entry.JobType = models.JobTypeDuplicateScan
	}
	return entry
}

func (s *Service) validate(entry common.CronEntryConfig) error {
	if entry.Schedule == "" {
		return fmt.Errorf("schedule is required")
	}
	if _, err := cron.ParseStandard(entry.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", entry.Schedule, err)
	}
	if entry.RepositoryPath == "" && len(entry.RepositoryPaths) == 0 {
		return fmt.Errorf("entry names no repositories")
	}
	switch entry.JobType {
	case models.JobTypeDuplicateScan, models.JobTypeRepoCleanup:
		return nil
	default:
		return fmt.Errorf("unknown job type %q", entry.JobType)
	}
}

// fire submits one job for the entry, honoring skip_if_queued admission.
func (s *Service) fire(entry common.CronEntryConfig) {
	if entry.SkipIfQueued && s.engine.HasQueued(entry.JobType) {
		s.mu.Lock()
		s.skipped[entry.Name]++
		s.mu.Unlock()
		s.logger.Debug().
			Str("entry", entry.Name).
			Str("job_type", entry.JobType).
			Msg("Cron fire skipped, job of this type already queued or running")
		return
	}

	id, err := s.engine.CreateJob(context.Background(), entry.JobType, s.payload(entry))
	if err != nil {
		s.logger.Warn().
			Str("entry", entry.Name).
			Str("job_type", entry.JobType).
			Err(err).
			Msg("Cron job submission failed")
		return
	}

	s.mu.Lock()
	s.lastRun[entry.Name] = time.Now()
	s.mu.Unlock()
	s.logger.Info().
		Str("entry", entry.Name).
		Str("job_id", id).
		Str("job_type", entry.JobType).
		Msg("Cron job submitted")
}

// payload builds the job request for the entry's job type.
func (s *Service) payload(entry common.CronEntryConfig) interface{} {
	if entry.JobType == models.JobTypeRepoCleanup {
		path := entry.RepositoryPath
		if path == "" && len(entry.RepositoryPaths) > 0 {
			path = entry.RepositoryPaths[0]
		}
		return models.CleanupRequest{RepositoryPath: path}
	}

	opts := models.DefaultScanOptions()
	opts.ForceRefresh = entry.ForceRefresh
	opts.IncludeTests = entry.IncludeTests
	return models.ScanRequest{
		RepositoryPath:  entry.RepositoryPath,
		RepositoryPaths: entry.RepositoryPaths,
		GroupName:       entry.GroupName,
		Options:         opts,
	}
}
