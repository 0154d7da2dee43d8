package mafia

import (
	"sync"
	"time"
)

// Scheduler keeps at most one timer per slot. A cleared timer never fires.
type Scheduler struct {
	mu    sync.Mutex
	seq   uint64
	slots map[string]*scheduled
}

type scheduled struct {
	id   uint64
	main *time.Timer
	warn *time.Timer
}

type timerOptions struct {
	warnBefore time.Duration
	onWarn     func()
}

type TimerOption func(*timerOptions)

// WithWarning fires fn `before` ahead of expiry, unless the slot is cleared
// first. It is skipped when the timer is shorter than the offset.
func WithWarning(before time.Duration, fn func()) TimerOption {
	return func(o *timerOptions) {
		o.warnBefore = before
		o.onWarn = fn
	}
}

func NewScheduler() *Scheduler {
	return &Scheduler{slots: make(map[string]*scheduled)}
}

// Set arms fn under slot after d, replacing whatever was armed there.
func (s *Scheduler) Set(slot string, d time.Duration, fn func(), opts ...TimerOption) {
	var o timerOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked(slot)
	s.seq++
	entry := &scheduled{id: s.seq}
	id := entry.id

	entry.main = time.AfterFunc(d, func() {
		s.mu.Lock()
		cur, ok := s.slots[slot]
		if !ok || cur.id != id {
			s.mu.Unlock()
			return
		}
		delete(s.slots, slot)
		s.mu.Unlock()
		fn()
	})

	if o.onWarn != nil && o.warnBefore > 0 && o.warnBefore < d {
		warn := o.onWarn
		entry.warn = time.AfterFunc(d-o.warnBefore, func() {
			s.mu.Lock()
			cur, ok := s.slots[slot]
			live := ok && cur.id == id
			s.mu.Unlock()
			if live {
				warn()
			}
		})
	}

	s.slots[slot] = entry
}

// Clear cancels slot without firing. It reports whether a timer was armed.
func (s *Scheduler) Clear(slot string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(slot)
}

func (s *Scheduler) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for slot := range s.slots {
		s.stopLocked(slot)
	}
}

func (s *Scheduler) Armed(slot string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slots[slot]
	return ok
}

func (s *Scheduler) stopLocked(slot string) bool {
	cur, ok := s.slots[slot]
	if !ok {
		return false
	}
	cur.main.Stop()
	if cur.warn != nil {
		cur.warn.Stop()
	}
	delete(s.slots, slot)
	return true
}
