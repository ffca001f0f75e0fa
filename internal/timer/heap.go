// Package timer runs keyed deferred callbacks. Scheduling a key that is
// already pending replaces it, which is what session expiry and trailing
// viewport updates both need.
package timer

import (
	"container/heap"
	"sync"
	"time"
)

type task struct {
	key   string
	due   time.Time
	fn    func()
	index int
}

// taskHeap is a min-heap ordered by due time
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].due.Before(h[j].due)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler fires callbacks on their own goroutine once they come due
type Scheduler struct {
	mu      sync.Mutex
	heap    taskHeap
	byKey   map[string]*task
	wakeup  chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	stopped bool
	fired   uint64
	started bool
}

// NewScheduler creates a scheduler. Call Start before scheduling.
func NewScheduler() *Scheduler {
	return &Scheduler{
		byKey:  make(map[string]*task),
		wakeup: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the dispatch loop. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
}

// Stop drops every pending callback and waits for the loop to exit
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.heap = nil
	s.byKey = make(map[string]*task)
	close(s.stopCh)
	s.mu.Unlock()

	if started {
		<-s.done
	}
}

// After schedules fn to run d from now under key, replacing any pending
// callback with the same key.
func (s *Scheduler) After(key string, d time.Duration, fn func()) error {
	return s.At(key, time.Now().Add(d), fn)
}

// At schedules fn for a wall clock time
func (s *Scheduler) At(key string, due time.Time, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}

	if existing, ok := s.byKey[key]; ok {
		heap.Remove(&s.heap, existing.index)
	}

	t := &task{key: key, due: due, fn: fn}
	heap.Push(&s.heap, t)
	s.byKey[key] = t

	if s.heap[0] == t {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// Cancel removes a pending callback. It reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, t.index)
	delete(s.byKey, key)
	return true
}

func (s *Scheduler) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}

		wait := time.Hour
		if s.heap.Len() > 0 {
			next := s.heap[0]
			wait = time.Until(next.due)
			if wait <= 0 {
				t := heap.Pop(&s.heap).(*task)
				delete(s.byKey, t.key)
				s.fired++
				s.mu.Unlock()

				go t.fn()
				continue
			}
		}
		s.mu.Unlock()

		tm := time.NewTimer(wait)
		select {
		case <-tm.C:
		case <-s.wakeup:
			tm.Stop()
		case <-s.stopCh:
			tm.Stop()
			return
		}
	}
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Pending: len(s.byKey),
		Fired:   s.fired,
	}
}

// Stats is a point in time view of the scheduler
type Stats struct {
	Pending int    `json:"pending"`
	Fired   uint64 `json:"fired"`
}

var (
	ErrSchedulerStopped = &TimerError{"scheduler is stopped"}
)

type TimerError struct {
	msg string
}

func (e *TimerError) Error() string {
	return e.msg
}
