// Package sim implements the discrete-event scheduler that drives the
// simulation. Time is simulated and starts at zero; nothing here touches the
// wall clock.
package sim

import (
	"container/heap"
	"context"
	"time"
)

// Timer is a handle to a scheduled event. A stopped or fired timer is inert.
type Timer struct {
	s     *Scheduler
	when  time.Duration
	seq   uint64
	name  string
	fn    func()
	index int // heap index, -1 when not queued
}

// Stop cancels the event. It reports whether the event was still pending.
func (t *Timer) Stop() bool {
	if t == nil || t.index < 0 {
		return false
	}
	heap.Remove(&t.s.queue, t.index)
	t.fn = nil
	return true
}

// Pending reports whether the event has neither fired nor been stopped.
func (t *Timer) Pending() bool {
	return t != nil && t.index >= 0
}

// When returns the simulated time at which the event fires.
func (t *Timer) When() time.Duration { return t.when }

// Name returns the label given at scheduling time.
func (t *Timer) Name() string { return t.name }

// Scheduler is a single-threaded event queue. Events fire in non-decreasing
// time order; events scheduled for the same instant fire in the order they
// were scheduled.
type Scheduler struct {
	now    time.Duration
	seq    uint64
	queue  eventQueue
	fired  uint64
	tracer func(now time.Duration, name string)
}

// New returns an empty scheduler at time zero.
func New() *Scheduler {
	return &Scheduler{}
}

// Now returns the current simulated time.
func (s *Scheduler) Now() time.Duration { return s.now }

// Len returns the number of pending events.
func (s *Scheduler) Len() int { return len(s.queue) }

// Fired returns the number of events executed so far.
func (s *Scheduler) Fired() uint64 { return s.fired }

// SetTracer installs a hook called before each event fires.
func (s *Scheduler) SetTracer(fn func(now time.Duration, name string)) {
	s.tracer = fn
}

// Schedule queues fn to run after delay. Negative delays are treated as zero.
func (s *Scheduler) Schedule(delay time.Duration, name string, fn func()) *Timer {
	if delay < 0 {
		delay = 0
	}
	s.seq++
	t := &Timer{
		s:    s,
		when: s.now + delay,
		seq:  s.seq,
		name: name,
		fn:   fn,
	}
	heap.Push(&s.queue, t)
	return t
}

// Step fires the next event. It returns false when the queue is empty.
func (s *Scheduler) Step() bool {
	if len(s.queue) == 0 {
		return false
	}
	t := heap.Pop(&s.queue).(*Timer)
	s.now = t.when
	fn := t.fn
	t.fn = nil
	s.fired++
	if s.tracer != nil {
		s.tracer(s.now, t.name)
	}
	if fn != nil {
		fn()
	}
	return true
}

// RunUntil fires every event due at or before end, then advances the clock
// to end. It returns the number of events fired.
func (s *Scheduler) RunUntil(end time.Duration) int {
	n := 0
	for len(s.queue) > 0 && s.queue[0].when <= end {
		s.Step()
		n++
	}
	if end > s.now {
		s.now = end
	}
	return n
}

// RunFor is RunUntil(Now()+d).
func (s *Scheduler) RunFor(d time.Duration) int {
	return s.RunUntil(s.now + d)
}

// Run fires events until end, checking ctx between events.
func (s *Scheduler) Run(ctx context.Context, end time.Duration) error {
	for len(s.queue) > 0 && s.queue[0].when <= end {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Step()
	}
	if end > s.now {
		s.now = end
	}
	return nil
}

type eventQueue []*Timer

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].when != q[j].when {
		return q[i].when < q[j].when
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
