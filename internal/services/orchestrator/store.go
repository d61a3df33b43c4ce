package orchestrator

import (
	"sort"

	"github.com/bobmcallan/sweep/internal/models"
)

// jobStore holds the live job map plus a bounded ring of terminal jobs.
// Not safe for concurrent use on its own; every access goes through the
// orchestrator's critical section.
type jobStore struct {
	live     map[string]*models.Job
	ring     []*models.Job
	ringSize int

	created   int
	completed int
	failed    int
	cancelled int
}

func newJobStore(ringSize int) *jobStore {
	if ringSize <= 0 {
		ringSize = 500
	}
	return &jobStore{
		live:     make(map[string]*models.Job),
		ringSize: ringSize,
	}
}

// insert registers a new record under its id.
func (s *jobStore) insert(j *models.Job) {
	s.live[j.ID] = j
	s.created++
}

// get returns the live record or its archived copy. Callers outside the
// critical section must Clone before handing the record onward.
func (s *jobStore) get(id string) (*models.Job, bool) {
	if j, ok := s.live[id]; ok {
		return j, true
	}
	for i := len(s.ring) - 1; i >= 0; i-- {
		if s.ring[i].ID == id {
			return s.ring[i], true
		}
	}
	return nil, false
}

// archive moves a terminal record out of the live map into the ring,
// evicting the oldest entry past capacity and bumping the terminal counter.
func (s *jobStore) archive(id string) {
	j, ok := s.live[id]
	if !ok {
		return
	}
	delete(s.live, id)

	switch j.Status {
	case models.JobStatusCompleted:
		s.completed++
	case models.JobStatusFailed:
		s.failed++
	case models.JobStatusCancelled:
		s.cancelled++
	}

	s.ring = append(s.ring, j)
	if len(s.ring) > s.ringSize {
		s.ring = s.ring[1:]
	}
}

// list returns snapshots of live and archived jobs newest-first.
func (s *jobStore) list(filter models.JobFilter) []models.Job {
	out := make([]models.Job, 0, len(s.live)+len(s.ring))
	for _, j := range s.live {
		if filter.Matches(j) {
			out = append(out, j.Clone())
		}
	}
	for _, j := range s.ring {
		if filter.Matches(j) {
			out = append(out, j.Clone())
		}
	}

	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// stats derives counter totals. Completed and failed are cumulative across
// the process lifetime; queued and running reflect the live map.
func (s *jobStore) stats() models.Stats {
	st := models.Stats{
		Total:     s.created,
		Completed: s.completed,
		Failed:    s.failed,
	}
	for _, j := range s.live {
		switch j.Status {
		case models.JobStatusQueued:
			st.Queued++
		case models.JobStatusRunning:
			st.Running++
		}
	}
	return st
}
