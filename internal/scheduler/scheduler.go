// Package scheduler runs cheap periodic housekeeping from a single tick.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type item struct {
	name     string
	interval time.Duration
	last     time.Time
	fn       func()
}

// Scheduler holds timer items. It is not a worker pool: callbacks run
// synchronously on the goroutine calling Tick, one after another.
type Scheduler struct {
	mu     sync.Mutex
	items  []*item
	now    func() time.Time
	logger *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{now: time.Now, logger: logger.With("component", "scheduler")}
}

// AddTimeItem registers fn to fire once interval has elapsed since it last
// fired. The first fire happens one interval after registration.
func (s *Scheduler) AddTimeItem(name string, interval time.Duration, fn func()) {
	if interval <= 0 || fn == nil {
		return
	}
	s.mu.Lock()
	s.items = append(s.items, &item{name: name, interval: interval, last: s.now(), fn: fn})
	s.mu.Unlock()
}

// Tick fires every due item in registration order. A panicking callback is
// logged and does not stop the remaining items.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	now := s.now()
	var due []*item
	for _, it := range s.items {
		if now.Sub(it.last) >= it.interval {
			it.last = now
			due = append(due, it)
		}
	}
	s.mu.Unlock()

	for _, it := range due {
		s.fire(it)
	}
}

func (s *Scheduler) fire(it *item) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("timer item panicked", "item", it.name, "panic", r)
		}
	}()
	it.fn()
}

// Run drives Tick every period until ctx is done.
func (s *Scheduler) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = time.Second
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Tick()
		}
	}
}
