package reliability

import (
	"sync"
	"time"
)

// Scheduler runs tasks once after a delay. Pending tasks can be cancelled as
// a group; a task that already started is not interrupted, so tasks must
// check their own state when they fire.
type Scheduler struct {
	mu      sync.Mutex
	pending map[*time.Timer]struct{}
}

// NewScheduler creates a new scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{
		pending: make(map[*time.Timer]struct{}),
	}
}

// Schedule runs task after delay on its own goroutine
func (s *Scheduler) Schedule(delay time.Duration, task func()) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, ok := s.pending[timer]
		delete(s.pending, timer)
		s.mu.Unlock()

		if ok {
			task()
		}
	})
	s.pending[timer] = struct{}{}
}

// Cancel drops every task that has not fired yet
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for timer := range s.pending {
		timer.Stop()
		delete(s.pending, timer)
	}
}

// Pending returns the number of tasks waiting to fire
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
