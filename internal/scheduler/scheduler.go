// Package scheduler implements the bounded-concurrency, bounded-queue
// task scheduler fronting the diarization pipeline: FIFO admission,
// per-task cancellation and timeout, and a background reaper for
// stale queued tasks.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aiwisper/internal/apierr"
)

// Config enumerates the scheduler's tunables. Config is captured at
// construction (see Global) and ignored thereafter.
type Config struct {
	MaxConcurrent int
	MaxQueueSize  int
	TaskTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 10
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 300 * time.Second
	}
	return c
}

// Status is the side-effect-free snapshot returned by Status(), used
// by the health endpoint.
type Status struct {
	Active        int
	Pending       int
	MaxConcurrent int
	MaxQueueSize  int
}

// EventKind identifies a scheduler lifecycle event. Events are
// advisory: no scheduler invariant depends on an observer being
// attached or on it acting on what it receives.
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventRemoved   EventKind = "removed"
	EventExpired   EventKind = "expired"
)

// Event is posted to the attached Observer on every lifecycle
// transition; unused fields are zero for event kinds they don't apply to.
type Event struct {
	Kind      EventKind
	ID        string
	Position  int
	Active    int
	Pending   int
	ErrorKind apierr.Kind
}

// Observer receives scheduler lifecycle events.
type Observer func(Event)

type taskResult struct {
	value any
	err   error
}

type task struct {
	id         string
	work       func(context.Context) (any, error)
	enqueuedAt time.Time
	resultCh   chan taskResult
	resolveOne sync.Once

	// runCancel is set exactly once, under the scheduler mutex, at the
	// moment the task transitions from queued to running. Seeing it
	// non-nil is how a concurrent cancel request distinguishes
	// "still queued" (remove outright) from "already running"
	// (signal and let it unwind).
	runCancel context.CancelFunc
}

func (t *task) resolve(v any, err error) {
	t.resolveOne.Do(func() {
		t.resultCh <- taskResult{value: v, err: err}
	})
}

// Scheduler is the bounded-concurrency, bounded-queue admission
// controller fronting the diarization pipeline. The zero value is not
// usable; construct with New or retrieve the process-wide instance
// with Global.
type Scheduler struct {
	cfg Config

	mu       sync.Mutex
	queue    []*task
	active   int
	observer Observer
	closed   bool

	wake       chan struct{}
	stopReaper chan struct{}
	closeOnce  sync.Once
}

// New constructs a standalone scheduler. Most callers should use
// Global instead, since the scheduler is meant to be a process-wide
// singleton.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		cfg:        cfg.withDefaults(),
		wake:       make(chan struct{}, 1),
		stopReaper: make(chan struct{}),
	}
	go s.admitLoop()
	go s.reapLoop()
	return s
}

var (
	globalOnce sync.Once
	global     *Scheduler
)

// Global returns the process-wide scheduler, constructing it with cfg
// on the first call. Later calls ignore cfg and return the same
// instance — configuration is captured once, never re-applied.
func Global(cfg Config) *Scheduler {
	globalOnce.Do(func() {
		global = New(cfg)
	})
	return global
}

// SetObserver attaches (or replaces) the lifecycle event observer.
func (s *Scheduler) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

func (s *Scheduler) emit(e Event) {
	s.mu.Lock()
	o := s.observer
	s.mu.Unlock()
	if o != nil {
		o(e)
	}
}

func (s *Scheduler) poke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Status returns a point-in-time snapshot of the scheduler's load.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Active:        s.active,
		Pending:       len(s.queue),
		MaxConcurrent: s.cfg.MaxConcurrent,
		MaxQueueSize:  s.cfg.MaxQueueSize,
	}
}

// Enqueue submits work for execution, blocking until it completes,
// fails, is cancelled, or expires. ctx is the task's cancellation
// signal: if it is already done, Enqueue fails fast with Cancelled
// without ever running work; if it fires while the task is queued,
// the task is removed and fails with Cancelled; if it fires while
// running, work's context is cancelled and the task fails with
// Cancelled once work unwinds (or immediately, without waiting for
// work to actually return — subprocess-level cancellation is work's
// responsibility).
func (s *Scheduler) Enqueue(ctx context.Context, id string, work func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, apierr.New(apierr.Cancelled, "cancel signal already fired at enqueue")
	}

	t := &task{
		id:         id,
		work:       work,
		enqueuedAt: time.Now(),
		resultCh:   make(chan taskResult, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apierr.New(apierr.InternalError, "scheduler is shutting down")
	}
	if len(s.queue) >= s.cfg.MaxQueueSize {
		s.mu.Unlock()
		return nil, apierr.New(apierr.QueueFull, "queue is full")
	}
	s.queue = append(s.queue, t)
	position := len(s.queue)
	s.mu.Unlock()

	s.emit(Event{Kind: EventQueued, ID: id, Position: position})
	s.poke()

	select {
	case <-ctx.Done():
		s.handleExternalCancel(t)
		res := <-t.resultCh
		return res.value, res.err
	case res := <-t.resultCh:
		return res.value, res.err
	}
}

// handleExternalCancel removes t from the queue if it hasn't started
// yet, or signals its run context if it has. The scheduler mutex
// serializes this against admitLoop's pop-and-start so there is no
// window where t is neither in the queue nor has runCancel set.
func (s *Scheduler) handleExternalCancel(t *task) {
	s.mu.Lock()
	for i, qt := range s.queue {
		if qt == t {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.mu.Unlock()
			s.emit(Event{Kind: EventRemoved, ID: t.id})
			t.resolve(nil, apierr.New(apierr.Cancelled, "cancelled while queued"))
			s.poke()
			return
		}
	}
	cancel := t.runCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Scheduler) admitLoop() {
	for range s.wake {
		s.tryAdmit()
	}
}

func (s *Scheduler) tryAdmit() {
	for {
		s.mu.Lock()
		if s.closed || s.active >= s.cfg.MaxConcurrent || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue = s.queue[1:]

		runCtx, runCancel := context.WithCancel(context.Background())
		t.runCancel = runCancel
		s.active++
		active, pending := s.active, len(s.queue)
		s.mu.Unlock()

		s.emit(Event{Kind: EventStarted, ID: t.id, Active: active, Pending: pending})
		go s.runTask(t, runCtx)
	}
}

func (s *Scheduler) runTask(t *task, runCtx context.Context) {
	deadline := t.enqueuedAt.Add(s.cfg.TaskTimeout)
	timeoutCtx, cancelTimeout := context.WithDeadline(context.Background(), deadline)
	defer cancelTimeout()

	// workCtx is what work actually observes: it is cancelled the
	// moment either the caller's signal (via runCtx, see
	// handleExternalCancel) or our own timeout fires.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	go func() {
		select {
		case <-runCtx.Done():
			cancelWork()
		case <-timeoutCtx.Done():
			cancelWork()
		case <-workCtx.Done():
		}
	}()

	done := make(chan taskResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- taskResult{nil, apierr.New(apierr.InternalError, fmt.Sprintf("panic: %v", r))}
			}
		}()
		v, err := t.work(workCtx)
		done <- taskResult{v, err}
	}()

	var result taskResult
	select {
	case result = <-done:
		if result.err != nil && runCtx.Err() != nil {
			result = taskResult{nil, apierr.New(apierr.Cancelled, "cancelled while running")}
		} else if result.err != nil && timeoutCtx.Err() != nil {
			result = taskResult{nil, apierr.New(apierr.Timeout, "task exceeded timeout")}
		}
	case <-runCtx.Done():
		result = taskResult{nil, apierr.New(apierr.Cancelled, "cancelled while running")}
	case <-timeoutCtx.Done():
		result = taskResult{nil, apierr.New(apierr.Timeout, "task exceeded timeout")}
	}

	s.mu.Lock()
	s.active--
	s.mu.Unlock()

	t.resolve(result.value, result.err)

	if result.err == nil {
		s.emit(Event{Kind: EventCompleted, ID: t.id})
	} else {
		s.emit(Event{Kind: EventFailed, ID: t.id, ErrorKind: apierr.KindOf(result.err)})
	}
	s.poke()
}

// reapInterval is the coarse interval at which queued (not running)
// tasks are checked for staleness. Running tasks are unaffected; they
// carry their own per-task timeout (see runTask).
const reapInterval = 60 * time.Second

func (s *Scheduler) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reapOnce()
		case <-s.stopReaper:
			return
		}
	}
}

func (s *Scheduler) reapOnce() {
	now := time.Now()

	s.mu.Lock()
	remaining := s.queue[:0:0]
	var expired []*task
	for _, t := range s.queue {
		if now.Sub(t.enqueuedAt) > s.cfg.TaskTimeout {
			expired = append(expired, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	s.queue = remaining
	s.mu.Unlock()

	for _, t := range expired {
		t.resolve(nil, apierr.New(apierr.Expired, "task exceeded timeout while queued"))
		s.emit(Event{Kind: EventExpired, ID: t.id})
	}
	if len(expired) > 0 {
		s.poke()
	}
}

// Shutdown stops the reaper and admission loops. It does not cancel
// running tasks; callers that need that should cancel the contexts
// passed to Enqueue themselves before calling Shutdown.
func (s *Scheduler) Shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stopReaper)
		close(s.wake)
	})
}
