// Package scheduler owns the delayed work of one game session so it can be
// cancelled as a unit.
package scheduler

import (
	"slices"
	"sync"
	"time"
)

type entry struct {
	timer Timer
}

type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	timers  map[string]*entry
	stopped bool
}

func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{clock: clock, timers: make(map[string]*entry)}
}

func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Schedule runs fn after d. A pending timer with the same name is replaced,
// never stacked. Returns false once the scheduler is stopped.
func (s *Scheduler) Schedule(name string, d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if old := s.timers[name]; old != nil {
		old.timer.Stop()
	}

	e := &entry{}
	s.timers[name] = e
	e.timer = s.clock.AfterFunc(d, func() { s.fire(name, e, fn) })
	return true
}

func (s *Scheduler) fire(name string, e *entry, fn func()) {
	s.mu.Lock()
	// A timer that lost a race with Cancel, Stop or a replacement stays quiet.
	if s.stopped || s.timers[name] != e {
		s.mu.Unlock()
		return
	}
	delete(s.timers, name)
	s.mu.Unlock()

	fn()
}

func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.timers[name]
	if e == nil {
		return false
	}
	e.timer.Stop()
	delete(s.timers, name)
	return true
}

// Stop cancels everything pending. Later Schedule calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for name, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, name)
	}
}

func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.timers))
	for name := range s.timers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
