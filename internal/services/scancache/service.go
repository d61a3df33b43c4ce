// Package scancache provides the content-addressed scan result cache with
// single-flight builds.
package scancache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/events"
	"github.com/bobmcallan/sweep/internal/interfaces"
	"github.com/bobmcallan/sweep/internal/models"
)

// entry is one cached artifact keyed by fingerprint.
type entry struct {
	artifact       interface{}
	repositoryPath string
	createdAt      time.Time
	expiresAt      time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// flight is one in-progress build. Waiters block on done and then read
// artifact/err; the leader closes done exactly once.
type flight struct {
	done     chan struct{}
	artifact interface{}
	err      error
}

// Service implements interfaces.ScanCache. Entries are evicted lazily on
// access; expiry never runs a background goroutine.
type Service struct {
	mu      sync.Mutex
	entries map[string]*entry
	byRepo  map[string]map[string]struct{}
	flights map[string]*flight

	hits          int64
	misses        int64
	invalidations int64

	defaultTTL time.Duration
	bus        *events.Bus
	logger     *common.Logger
}

var _ interfaces.ScanCache = (*Service)(nil)

// NewService creates a new scan cache service
func NewService(cfg *common.Config, logger *common.Logger, bus *events.Bus) *Service {
	return &Service{
		entries:    make(map[string]*entry),
		byRepo:     make(map[string]map[string]struct{}),
		flights:    make(map[string]*flight),
		defaultTTL: cfg.Cache.GetTTL(),
		bus:        bus,
		logger:     logger,
	}
}

// Get returns the artifact for a fingerprint when present and unexpired.
func (s *Service) Get(fingerprint string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(fingerprint, time.Now())
	if e == nil {
		s.misses++
		s.publish(models.EventCacheMiss, fingerprint, "")
		return nil, false
	}
	s.hits++
	s.publish(models.EventCacheHit, fingerprint, e.repositoryPath)
	return e.artifact, true
}

// Do returns the cached artifact for fingerprint, or builds it under
// single-flight. Concurrent callers for the same fingerprint share one
// builder run and its result or error. fromCache is true when this caller
// did not run the builder itself.
func (s *Service) Do(ctx context.Context, fingerprint, repositoryPath string, ttl time.Duration,
	builder func(ctx context.Context) (interface{}, error)) (interface{}, bool, error) {

	s.mu.Lock()
	now := time.Now()

	if e := s.lookup(fingerprint, now); e != nil {
		s.hits++
		s.publish(models.EventCacheHit, fingerprint, e.repositoryPath)
		s.mu.Unlock()
		return e.artifact, true, nil
	}

	if f, ok := s.flights[fingerprint]; ok {
		s.mu.Unlock()
		select {
		case <-f.done:
			return f.artifact, true, f.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	s.flights[fingerprint] = f
	s.misses++
	s.publish(models.EventCacheMiss, fingerprint, repositoryPath)
	s.mu.Unlock()

	artifact, err := builder(ctx)

	s.mu.Lock()
	if err == nil {
		s.store(fingerprint, repositoryPath, artifact, ttl, time.Now())
	}
	delete(s.flights, fingerprint)
	f.artifact = artifact
	f.err = err
	close(f.done)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().
			Str("fingerprint", fingerprint).
			Err(err).
			Msg("Cache build failed")
		return nil, false, err
	}
	return artifact, false, nil
}

// Put stores an artifact with a TTL, replacing any existing entry.
func (s *Service) Put(fingerprint, repositoryPath string, artifact interface{}, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(fingerprint, repositoryPath, artifact, ttl, time.Now())
}

// Invalidate removes one fingerprint. Returns the number of entries removed.
func (s *Service) Invalidate(fingerprint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fingerprint]
	if !ok {
		return 0
	}
	s.remove(fingerprint, e)
	s.invalidations++
	s.publish(models.EventCacheInvalidated, fingerprint, e.repositoryPath)
	s.logger.Debug().Str("fingerprint", fingerprint).Msg("Cache entry invalidated")
	return 1
}

// InvalidateRepository removes every entry for a repository path.
func (s *Service) InvalidateRepository(repositoryPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	fps, ok := s.byRepo[repositoryPath]
	if !ok || len(fps) == 0 {
		return 0
	}
	removed := 0
	for fp := range fps {
		if e, ok := s.entries[fp]; ok {
			s.remove(fp, e)
			removed++
		}
	}
	s.invalidations += int64(removed)
	s.publish(models.EventCacheInvalidated, "", repositoryPath)
	s.logger.Debug().
		Str("repository", repositoryPath).
		Int("removed", removed).
		Msg("Repository cache entries invalidated")
	return removed
}

// Stats returns the counter snapshot. Entries counts unexpired records only.
func (s *Service) Stats() models.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	live := 0
	for fp, e := range s.entries {
		if e.expired(now) {
			s.remove(fp, e)
			continue
		}
		live++
	}
	return models.CacheStats{
		Entries:       live,
		Hits:          s.hits,
		Misses:        s.misses,
		Invalidations: s.invalidations,
		InFlight:      len(s.flights),
	}
}

// Entries lists unexpired entries newest-first for status surfaces.
func (s *Service) Entries() []models.CacheEntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]models.CacheEntryInfo, 0, len(s.entries))
	for fp, e := range s.entries {
		if e.expired(now) {
			s.remove(fp, e)
			continue
		}
		out = append(out, models.CacheEntryInfo{
			Fingerprint:    fp,
			RepositoryPath: e.repositoryPath,
			CreatedAt:      e.createdAt,
			ExpiresAt:      e.expiresAt,
		})
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

// lookup returns the live entry for fingerprint, lazily evicting it when
// expired. Caller holds the lock.
func (s *Service) lookup(fingerprint string, now time.Time) *entry {
	e, ok := s.entries[fingerprint]
	if !ok {
		return nil
	}
	if e.expired(now) {
		s.remove(fingerprint, e)
		return nil
	}
	return e
}

func (s *Service) store(fingerprint, repositoryPath string, artifact interface{}, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if old, ok := s.entries[fingerprint]; ok {
		s.remove(fingerprint, old)
	}
	s.entries[fingerprint] = &entry{
		artifact:       artifact,
		repositoryPath: repositoryPath,
		createdAt:      now,
		expiresAt:      now.Add(ttl),
	}
	if repositoryPath != "" {
		fps, ok := s.byRepo[repositoryPath]
		if !ok {
			fps = make(map[string]struct{})
			s.byRepo[repositoryPath] = fps
		}
		fps[fingerprint] = struct{}{}
	}
}

func (s *Service) remove(fingerprint string, e *entry) {
	delete(s.entries, fingerprint)
	if e.repositoryPath != "" {
		if fps, ok := s.byRepo[e.repositoryPath]; ok {
			delete(fps, fingerprint)
			if len(fps) == 0 {
				delete(s.byRepo, e.repositoryPath)
			}
		}
	}
}

func (s *Service) publish(t models.EventType, fingerprint, repositoryPath string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(models.NewEvent(t, "", "", models.CachePayload{
		Fingerprint:    fingerprint,
		RepositoryPath: repositoryPath,
	}))
}
