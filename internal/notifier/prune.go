package notifier

import (
	"sort"
	"time"
)

func (s *Service) newStatus(id string, entryID int64, total int) {
	s.statusMu.Lock()
	s.status[id] = &PassStatus{
		ID:        id,
		EntryID:   entryID,
		Total:     total,
		CreatedAt: time.Now(),
	}
	s.statusMu.Unlock()
}

func (s *Service) setRunning(id string, v bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil && v {
		st.StartedAt = time.Now()
		st.Running = true
	}
}

func (s *Service) applyCount(id string, out deliverOutcome) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st := s.status[id]
	if st == nil {
		return
	}
	switch out {
	case deliverOK:
		st.Result.Delivered++
	case deliverRateLimited:
		st.Result.RateLimited++
	case deliverResolutionFailed:
		st.Result.ResolutionFailed++
	case deliverSendFailed:
		st.Result.SendFailed++
	}
}

func (s *Service) finish(id string, res DeliveryResult) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Result = res
		st.DoneAt = time.Now()
		st.Running = false
	}
}

// Status returns a copy of one pass's status record.
func (s *Service) Status(id string) (PassStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return PassStatus{}, false
	}
	return *st, true
}

// PruneStatuses evicts old/completed pass statuses so memory stays bounded.
// Call with no locks; it takes statusMu internally.
func (s *Service) PruneStatuses(now time.Time) {
	s.mu.Lock()
	max := s.cfg.StatusMax
	ttl := s.cfg.StatusTTL
	s.mu.Unlock()
	if max <= 0 {
		max = 200
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	// 1) Remove nil entries and TTL-expired completed passes.
	for id, st := range s.status {
		if st == nil {
			delete(s.status, id)
			continue
		}
		if !st.DoneAt.IsZero() {
			if now.Sub(st.DoneAt) > ttl {
				delete(s.status, id)
			}
			continue
		}
		// A pass that never started (or is stuck) and isn't running is
		// evicted after TTL too.
		if !st.Running && !st.CreatedAt.IsZero() && now.Sub(st.CreatedAt) > ttl {
			delete(s.status, id)
		}
	}

	// 2) Enforce max size: remove oldest non-running passes.
	over := len(s.status) - max
	if over <= 0 {
		return
	}

	type cand struct {
		id string
		t  time.Time
	}
	cands := make([]cand, 0, len(s.status))
	for id, st := range s.status {
		if st == nil || st.Running {
			continue
		}
		key := st.DoneAt
		if key.IsZero() {
			key = st.CreatedAt
		}
		cands = append(cands, cand{id: id, t: key})
	}
	if len(cands) == 0 {
		return
	}

	sort.Slice(cands, func(i, j int) bool {
		// zero time sorts first
		if cands[i].t.IsZero() && !cands[j].t.IsZero() {
			return true
		}
		if !cands[i].t.IsZero() && cands[j].t.IsZero() {
			return false
		}
		return cands[i].t.Before(cands[j].t)
	})

	for i := 0; i < len(cands) && over > 0; i++ {
		delete(s.status, cands[i].id)
		over--
	}
}
