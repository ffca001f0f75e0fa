package mapview

import (
	"sync"
	"time"

	"github.com/smukkama/devicemap/internal/timer"
)

// Throttle limits how often an action runs. The first call in a quiet period
// runs immediately; calls arriving within the interval after it are
// coalesced, and only the latest one runs on the trailing edge.
type Throttle struct {
	interval time.Duration
	sched    *timer.Scheduler
	key      string
	now      func() time.Time

	mu      sync.Mutex
	last    time.Time
	pending func()
}

// NewThrottle creates a throttle whose trailing calls run under key on sched
func NewThrottle(sched *timer.Scheduler, key string, interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		sched:    sched,
		key:      key,
		now:      time.Now,
	}
}

// Do runs fn now or defers it to the trailing edge. It reports whether fn
// ran before Do returned.
func (t *Throttle) Do(fn func()) bool {
	t.mu.Lock()

	now := t.now()
	wait := t.interval - now.Sub(t.last)
	if t.pending == nil && wait <= 0 {
		t.last = now
		t.mu.Unlock()
		fn()
		return true
	}

	scheduled := t.pending != nil
	t.pending = fn
	t.mu.Unlock()

	if !scheduled {
		if err := t.sched.After(t.key, wait, t.flush); err != nil {
			// scheduler is gone, run inline rather than drop the update
			t.flush()
		}
	}
	return false
}

func (t *Throttle) flush() {
	t.mu.Lock()
	fn := t.pending
	t.pending = nil
	t.last = t.now()
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Stop drops a pending trailing call
func (t *Throttle) Stop() {
	t.mu.Lock()
	t.pending = nil
	t.mu.Unlock()
	t.sched.Cancel(t.key)
}
