// Package dispatch provides the bounded executor behind the gateway's
// message path. Work enqueued under one session key runs strictly in
// submission order with no overlap, while distinct sessions run in
// parallel up to a global concurrency cap.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Task is a unit of agent or channel work.
type Task func(ctx context.Context) (any, error)

// ErrQueueClosed is returned by Enqueue once Close has been called.
var ErrQueueClosed = errors.New("dispatch: queue closed")

// CapacityError reports a session whose pending backlog hit the
// configured bound.
type CapacityError struct {
	SessionKey string
	Depth      int
	Limit      int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("dispatch: session %q at capacity (%d pending, limit %d)",
		e.SessionKey, e.Depth, e.Limit)
}

// TaskError wraps a task failure with the session it ran under. It is
// delivered only to the handle of the task that failed; the rest of the
// session's backlog proceeds.
type TaskError struct {
	SessionKey string
	Err        error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("dispatch: session %q: %v", e.SessionKey, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// DefaultMaxConcurrency caps concurrent tasks when no option overrides it.
const DefaultMaxConcurrency = 4

// Handle resolves with the outcome of one enqueued task.
type Handle struct {
	done  chan struct{}
	value any
	err   error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Done returns a channel that is closed when the task has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the task's error, or nil while it is still running.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Value returns the task's result, or nil while it is still running.
func (h *Handle) Value() any {
	select {
	case <-h.done:
		return h.value
	default:
		return nil
	}
}

func (h *Handle) resolve(value any, err error) {
	h.value = value
	h.err = err
	close(h.done)
}

type item struct {
	task   Task
	handle *Handle
}

// session is one serialization unit: a FIFO backlog drained by a single
// goroutine, so its items never overlap. All fields are guarded by the
// queue mutex.
type session struct {
	key   string
	items []item
}

// Queue admits tasks through a counting semaphore while keeping
// per-session FIFO order. A session occupies at most one slot at a
// time, and drainers blocked on the semaphore are served in wait order,
// so a session with a deep backlog cannot starve the others.
type Queue struct {
	mu         sync.Mutex
	sessions   map[string]*session
	sem        chan struct{}
	maxPending int
	pending    int
	inFlight   int
	closed     bool
	wg         sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxConcurrency caps how many tasks may execute at once across all
// sessions. Non-positive values keep the default.
func WithMaxConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.sem = make(chan struct{}, n)
		}
	}
}

// WithMaxPending bounds how many tasks may wait per session. Zero keeps
// the backlog unbounded.
func WithMaxPending(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxPending = n
		}
	}
}

// NewQueue returns a started queue ready for Enqueue.
func NewQueue(opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sessions: make(map[string]*session),
		sem:      make(chan struct{}, DefaultMaxConcurrency),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue submits task under sessionKey and returns a handle that
// resolves with its outcome. It fails fast with ErrQueueClosed after
// Close, or with a *CapacityError when the session's pending bound is
// reached. Task failures are never returned here; they surface on the
// handle as *TaskError.
func (q *Queue) Enqueue(sessionKey string, task Task) (*Handle, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	s, ok := q.sessions[sessionKey]
	if ok && q.maxPending > 0 && len(s.items) >= q.maxPending {
		depth := len(s.items)
		q.mu.Unlock()
		return nil, &CapacityError{SessionKey: sessionKey, Depth: depth, Limit: q.maxPending}
	}
	h := newHandle()
	if !ok {
		s = &session{key: sessionKey}
		q.sessions[sessionKey] = s
		q.wg.Add(1)
		go q.drain(s)
	}
	s.items = append(s.items, item{task: task, handle: h})
	q.pending++
	q.mu.Unlock()
	return h, nil
}

// drain runs one session's backlog in order. It exits, removing the
// session, the moment the backlog is empty; the next Enqueue for the
// key starts a fresh drainer.
func (q *Queue) drain(s *session) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(s.items) == 0 {
			delete(q.sessions, s.key)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		select {
		case q.sem <- struct{}{}:
		case <-q.baseCtx.Done():
			q.failBacklog(s)
			return
		}

		q.mu.Lock()
		it := s.items[0]
		s.items = s.items[1:]
		q.pending--
		q.inFlight++
		q.mu.Unlock()

		value, err := q.runTask(it.task)
		if err != nil {
			err = &TaskError{SessionKey: s.key, Err: err}
		}
		it.handle.resolve(value, err)

		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()
		<-q.sem
	}
}

// runTask executes one task under the queue's base context, converting
// a panic into an error so a bad task cannot take the drainer down.
func (q *Queue) runTask(task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task(q.baseCtx)
}

// failBacklog resolves every still-queued item of s once the queue's
// context is cancelled, so no submitter blocks on a handle forever.
func (q *Queue) failBacklog(s *session) {
	q.mu.Lock()
	items := s.items
	s.items = nil
	q.pending -= len(items)
	delete(q.sessions, s.key)
	q.mu.Unlock()

	for _, it := range items {
		it.handle.resolve(nil, &TaskError{SessionKey: s.key, Err: q.baseCtx.Err()})
	}
}

// Close stops intake and waits for the backlog to drain. If ctx expires
// first, the queue's base context is cancelled so in-flight tasks can
// observe it, and Close keeps waiting for the drainers to wind down.
// Close is idempotent.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

// Pending returns how many tasks are queued and not yet running.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// InFlight returns how many tasks are executing right now.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// SessionDepth returns the pending backlog depth for one session key.
func (q *Queue) SessionDepth(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.sessions[key]; ok {
		return len(s.items)
	}
	return 0
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	Pending        int            `json:"pending"`
	InFlight       int            `json:"in_flight"`
	Sessions       int            `json:"sessions"`
	Depths         map[string]int `json:"depths,omitempty"`
	MaxConcurrency int            `json:"max_concurrency"`
	MaxPending     int            `json:"max_pending"`
}

// GetStats snapshots current occupancy for the ops surface.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{
		Pending:        q.pending,
		InFlight:       q.inFlight,
		Sessions:       len(q.sessions),
		MaxConcurrency: cap(q.sem),
		MaxPending:     q.maxPending,
	}
	if len(q.sessions) > 0 {
		st.Depths = make(map[string]int, len(q.sessions))
		for key, s := range q.sessions {
			st.Depths[key] = len(s.items)
		}
	}
	return st
}
