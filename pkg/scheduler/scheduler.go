// Package scheduler decides when to run the reconciler's refresh,
// batching nearby requests into one network round trip.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// RefreshFunc performs one refresh round trip.
type RefreshFunc func(ctx context.Context) error

// SweepFunc consumes due housekeeping tasks; run on every check tick.
type SweepFunc func(ctx context.Context) error

const (
	// DefaultCheckInterval is how often pending entries are examined.
	DefaultCheckInterval = 5 * time.Second

	// DefaultLeeway is the fraction of an entry's delay it may
	// additionally wait so it can be batched with nearby entries: an
	// entry requested in one hour may fire anywhere within ninety
	// minutes.
	DefaultLeeway = 0.5
)

type entry struct {
	notBefore time.Time
	notAfter  time.Time
	callback  func(error)
}

// entryHeap is a min-heap ordered by notBefore.
type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].notBefore.Before(h[j].notBefore) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler runs at most one refresh at a time. Requests that arrive
// while a refresh is in flight fan in to it: their callbacks fire when
// that refresh resolves.
type Scheduler struct {
	refresh       RefreshFunc
	sweep         SweepFunc
	log           *slog.Logger
	checkInterval time.Duration
	leeway        float64
	now           func() time.Time

	mu         sync.Mutex
	pending    entryHeap
	ready      []*entry
	refreshing bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCheckInterval overrides the periodic check interval.
func WithCheckInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.checkInterval = d }
}

// WithLeeway overrides the leeway fraction.
func WithLeeway(k float64) Option {
	return func(s *Scheduler) { s.leeway = k }
}

// WithClock overrides the scheduler's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSweep attaches a housekeeping sweep run on every check tick.
func WithSweep(sweep SweepFunc) Option {
	return func(s *Scheduler) { s.sweep = sweep }
}

// New creates a Scheduler around the given refresh call.
func New(refresh RefreshFunc, log *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		refresh:       refresh,
		log:           log,
		checkInterval: DefaultCheckInterval,
		leeway:        DefaultLeeway,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the periodic check loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.check(ctx)
				if s.sweep != nil {
					if err := s.sweep(ctx); err != nil {
						s.log.Error("housekeeping sweep failed", "error", err)
					}
				}
			}
		}
	}()
}

// Stop terminates the check loop and waits for it to exit. A refresh
// already in flight still runs to completion.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Schedule requests a refresh after the given delay. The callback, if
// any, fires after the refresh that served this request resolves,
// success or failure alike. Schedule never blocks and is valid in any
// state.
func (s *Scheduler) Schedule(delay time.Duration, callback func(error)) {
	if delay < 0 {
		delay = 0
	}
	now := s.now()
	notBefore := now.Add(delay)
	notAfter := notBefore.Add(time.Duration(s.leeway * float64(delay)))

	s.mu.Lock()
	heap.Push(&s.pending, &entry{notBefore: notBefore, notAfter: notAfter, callback: callback})
	s.mu.Unlock()
}

// ScheduleAt requests a refresh at a point in time.
func (s *Scheduler) ScheduleAt(at time.Time, callback func(error)) {
	s.Schedule(at.Sub(s.now()), callback)
}

// check moves elapsed entries into the ready set and starts one refresh
// once the earliest ready entry has exhausted its leeway.
func (s *Scheduler) check(ctx context.Context) {
	s.mu.Lock()
	now := s.now()
	s.drainElapsedLocked(now)

	if s.refreshing || len(s.ready) == 0 {
		s.mu.Unlock()
		return
	}

	deadline := s.ready[0].notAfter
	for _, e := range s.ready[1:] {
		if e.notAfter.Before(deadline) {
			deadline = e.notAfter
		}
	}
	if now.Before(deadline) {
		s.mu.Unlock()
		return
	}

	s.refreshing = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runRefresh(ctx)
	}()
}

func (s *Scheduler) drainElapsedLocked(now time.Time) {
	for len(s.pending) > 0 && !s.pending[0].notBefore.After(now) {
		s.ready = append(s.ready, heap.Pop(&s.pending).(*entry))
	}
}

// runRefresh performs the single in-flight refresh, then invokes every
// ready callback, including those whose entries became ready while the
// refresh was running.
func (s *Scheduler) runRefresh(ctx context.Context) {
	err := s.refresh(ctx)
	if err != nil {
		s.log.Error("refresh failed", "error", err)
	}

	s.mu.Lock()
	s.drainElapsedLocked(s.now())
	ready := s.ready
	s.ready = nil
	s.refreshing = false
	s.mu.Unlock()

	for _, e := range ready {
		if e.callback != nil {
			e.callback(err)
		}
	}
}
