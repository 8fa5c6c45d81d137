package coap

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler is the timed-task abstraction the protocol core runs on: a
// single logical execution context per EndpointManager that all
// protocol state transitions, timer firings, and callbacks go through.
// Swapping a FakeScheduler in for tests lets retransmit/timeout logic
// be driven deterministically instead of via time.Sleep.
type Scheduler interface {
	// Now returns the scheduler's notion of the current time.
	Now() time.Time
	// Schedule runs task once after delay, on the scheduler's logical
	// thread.
	Schedule(delay time.Duration, task func()) TaskHandle
	// ScheduleAtFixedRate runs task every interval, starting after the
	// first interval elapses, until the handle is cancelled.
	ScheduleAtFixedRate(interval time.Duration, task func()) TaskHandle
	// Shutdown cancels all pending tasks and releases scheduler
	// resources. Idempotent.
	Shutdown()
}

// TaskHandle references a scheduled task so it can be cancelled.
type TaskHandle interface {
	Cancel()
	// ID is an opaque, process-local identifier — useful for logging,
	// never sent on the wire.
	ID() string
}

type taskHandle struct {
	id        string
	cancelled bool
	mu        *sync.Mutex
}

func (h *taskHandle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
}

func (h *taskHandle) ID() string { return h.id }

func (h *taskHandle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// realScheduler backs Scheduler with real wall-clock timers, but
// executes every task on a single dedicated goroutine so the
// single-logical-thread guarantee holds even though timers themselves
// fire on their own goroutines.
type realScheduler struct {
	workCh chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRealScheduler returns a Scheduler backed by a single worker
// goroutine draining a queue fed by time.AfterFunc/time.Ticker.
func NewRealScheduler() Scheduler {
	s := &realScheduler{
		workCh: make(chan func(), 256),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *realScheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.workCh:
			fn()
		case <-s.done:
			return
		}
	}
}

func (s *realScheduler) Now() time.Time { return time.Now() }

func (s *realScheduler) Schedule(delay time.Duration, task func()) TaskHandle {
	h := &taskHandle{id: uuid.NewString(), mu: &sync.Mutex{}}
	timer := time.AfterFunc(delay, func() {
		if h.isCancelled() {
			return
		}
		select {
		case s.workCh <- task:
		case <-s.done:
		}
	})
	return &timerHandle{taskHandle: h, timer: timer}
}

type timerHandle struct {
	*taskHandle
	timer *time.Timer
}

func (h *timerHandle) Cancel() {
	h.timer.Stop()
	h.taskHandle.Cancel()
}

func (s *realScheduler) ScheduleAtFixedRate(interval time.Duration, task func()) TaskHandle {
	h := &taskHandle{id: uuid.NewString(), mu: &sync.Mutex{}}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				if h.isCancelled() {
					ticker.Stop()
					return
				}
				select {
				case s.workCh <- task:
				case <-s.done:
					ticker.Stop()
					return
				}
			case <-s.done:
				ticker.Stop()
				return
			}
		}
	}()
	return &tickerHandle{taskHandle: h, ticker: ticker}
}

type tickerHandle struct {
	*taskHandle
	ticker *time.Ticker
}

func (h *tickerHandle) Cancel() {
	h.ticker.Stop()
	h.taskHandle.Cancel()
}

func (s *realScheduler) Shutdown() {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// fakeTask is a node in the FakeScheduler's priority queue.
type fakeTask struct {
	id       string
	deadline time.Time
	interval time.Duration // 0 for one-shot
	fn       func()
	index    int
	handle   *taskHandle
}

type taskQueue []*fakeTask

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	return q[i].deadline.Before(q[j].deadline)
}
func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *taskQueue) Push(x interface{}) {
	t := x.(*fakeTask)
	t.index = len(*q)
	*q = append(*q, t)
}
func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// FakeScheduler is a virtual-clock Scheduler: a priority queue over a
// clock that only advances when told to. Advance(d) drains every task
// whose deadline has passed, re-entering until the queue is idle at
// the new time.
type FakeScheduler struct {
	mu    sync.Mutex
	now   time.Time
	queue taskQueue
}

// NewFakeScheduler returns a FakeScheduler whose clock starts at t0.
func NewFakeScheduler(t0 time.Time) *FakeScheduler {
	return &FakeScheduler{now: t0}
}

func (s *FakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *FakeScheduler) Schedule(delay time.Duration, task func()) TaskHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &taskHandle{id: uuid.NewString(), mu: &sync.Mutex{}}
	t := &fakeTask{id: h.id, deadline: s.now.Add(delay), fn: task, handle: h}
	heap.Push(&s.queue, t)
	return h
}

func (s *FakeScheduler) ScheduleAtFixedRate(interval time.Duration, task func()) TaskHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &taskHandle{id: uuid.NewString(), mu: &sync.Mutex{}}
	t := &fakeTask{id: h.id, deadline: s.now.Add(interval), interval: interval, fn: task, handle: h}
	heap.Push(&s.queue, t)
	return h
}

func (s *FakeScheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
}

// Advance moves the virtual clock forward by d, running every task
// whose deadline falls at or before the new time, in deadline order.
// Tasks that reschedule themselves (fixed-rate) or schedule new tasks
// within the window are picked up in the same call.
func (s *FakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].deadline.After(target) {
			s.now = target
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.queue).(*fakeTask)
		s.now = t.deadline
		cancelled := t.handle.isCancelled()
		if !cancelled && t.interval > 0 {
			t.deadline = t.deadline.Add(t.interval)
			heap.Push(&s.queue, t)
		}
		s.mu.Unlock()

		if !cancelled {
			t.fn()
		}
	}
}

// Pending returns the number of tasks still queued, useful for
// assertions like "no further notifications are scheduled".
func (s *FakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
