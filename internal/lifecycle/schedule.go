package lifecycle

import (
	"sync"
	"time"
)

// taskKind names one of the delayed tasks an instance can have pending.
type taskKind string

const (
	taskReconnect     taskKind = "reconnect"
	taskRecreate      taskKind = "recreate"
	taskPairingExpiry taskKind = "pairing_expiry"
)

// scheduler owns the delayed tasks of all instances. Scheduling a kind that
// is already pending replaces it; destroy cancels every pending task for an
// id deterministically instead of relying on closures seeing stale state.
type scheduler struct {
	mu     sync.Mutex
	timers map[string]map[taskKind]*time.Timer
}

func newScheduler() *scheduler {
	return &scheduler{
		timers: make(map[string]map[taskKind]*time.Timer),
	}
}

// schedule runs fn after delay unless the task is cancelled first.
func (s *scheduler) schedule(id string, kind taskKind, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKind, ok := s.timers[id]
	if !ok {
		byKind = make(map[taskKind]*time.Timer)
		s.timers[id] = byKind
	}
	if prev, ok := byKind[kind]; ok {
		prev.Stop()
	}

	byKind[kind] = time.AfterFunc(delay, func() {
		s.clear(id, kind)
		fn()
	})
}

// cancel stops one pending task for an id.
func (s *scheduler) cancel(id string, kind taskKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byKind, ok := s.timers[id]; ok {
		if timer, ok := byKind[kind]; ok {
			timer.Stop()
			delete(byKind, kind)
		}
		if len(byKind) == 0 {
			delete(s.timers, id)
		}
	}
}

// cancelAll stops every pending task for an id.
func (s *scheduler) cancelAll(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byKind, ok := s.timers[id]; ok {
		for _, timer := range byKind {
			timer.Stop()
		}
		delete(s.timers, id)
	}
}

// pending reports whether a task of the given kind is scheduled for the id.
func (s *scheduler) pending(id string, kind taskKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKind, ok := s.timers[id]
	if !ok {
		return false
	}
	_, ok = byKind[kind]
	return ok
}

func (s *scheduler) clear(id string, kind taskKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byKind, ok := s.timers[id]; ok {
		delete(byKind, kind)
		if len(byKind) == 0 {
			delete(s.timers, id)
		}
	}
}
