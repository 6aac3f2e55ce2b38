package tasks

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultRetention is how long finished tasks stay queryable.
const DefaultRetention = time.Hour

type task struct {
	status Status
	prio   Priority
	seq    uint64
	args   json.RawMessage
	result json.RawMessage
}

// taskHeap orders by priority desc, then enqueue order.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio > h[j].prio
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// LocalQueue runs tasks on an in-process worker pool.
type LocalQueue struct {
	handlers  *Handlers
	workers   int
	retention time.Duration

	mu      sync.Mutex
	pending taskHeap
	tasks   map[string]*task
	seq     uint64

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nowFunc func() time.Time
	log     *zap.Logger
}

// LocalOption configures a LocalQueue.
type LocalOption func(*LocalQueue)

// WithRetention sets how long finished tasks are kept.
func WithRetention(d time.Duration) LocalOption {
	return func(q *LocalQueue) { q.retention = d }
}

// NewLocalQueue creates a queue with the given number of workers (at least 1).
func NewLocalQueue(handlers *Handlers, workers int, opts ...LocalOption) *LocalQueue {
	if workers < 1 {
		workers = 1
	}
	q := &LocalQueue{
		handlers:  handlers,
		workers:   workers,
		retention: DefaultRetention,
		tasks:     make(map[string]*task),
		wake:      make(chan struct{}, workers),
		nowFunc:   time.Now,
		log:       zap.L().With(zap.String("component", "tasks")),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Start launches the workers. They stop when ctx is cancelled or Stop is called.
func (q *LocalQueue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
	q.log.Info("task workers started", zap.Int("workers", q.workers))
}

// Stop cancels running tasks and waits for workers until ctx is done.
func (q *LocalQueue) Stop(ctx context.Context) {
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.log.Warn("task workers did not stop in time")
	}
}

// Enqueue records a pending task and returns its ID.
func (q *LocalQueue) Enqueue(_ context.Context, function string, args any, priority Priority) (string, error) {
	if _, ok := q.handlers.Lookup(function); !ok {
		return "", eris.Wrapf(ErrUnknownFunction, "%s", function)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", eris.Wrap(err, "tasks: encode args")
	}

	q.mu.Lock()
	now := q.nowFunc()
	q.prune(now)
	q.seq++
	t := &task{
		status: Status{
			ID:         uuid.New().String(),
			Function:   function,
			State:      StatePending,
			Priority:   priority.String(),
			EnqueuedAt: now,
		},
		prio: priority,
		seq:  q.seq,
		args: raw,
	}
	q.tasks[t.status.ID] = t
	heap.Push(&q.pending, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return t.status.ID, nil
}

// Status returns a snapshot of the task.
func (q *LocalQueue) Status(_ context.Context, id string) (*Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, eris.Wrapf(ErrTaskNotFound, "%s", id)
	}
	st := t.status
	return &st, nil
}

// Result returns the JSON result of a succeeded task.
func (q *LocalQueue) Result(_ context.Context, id string) (json.RawMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, eris.Wrapf(ErrTaskNotFound, "%s", id)
	}
	switch t.status.State {
	case StateSucceeded:
		return t.result, nil
	case StateFailed:
		return nil, eris.Wrapf(ErrTaskFailed, "%s", t.status.Error)
	default:
		return nil, eris.Wrapf(ErrNotFinished, "%s is %s", id, t.status.State)
	}
}

func (q *LocalQueue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		for {
			t := q.next()
			if t == nil {
				break
			}
			q.execute(ctx, t)
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}

func (q *LocalQueue) next() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return nil
	}
	t := heap.Pop(&q.pending).(*task)
	now := q.nowFunc()
	t.status.State = StateRunning
	t.status.StartedAt = &now
	return t
}

func (q *LocalQueue) execute(ctx context.Context, t *task) {
	fn, _ := q.handlers.Lookup(t.status.Function)
	start := time.Now()

	result, err := func() (out json.RawMessage, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return run(ctx, fn, t.args)
	}()

	q.mu.Lock()
	now := q.nowFunc()
	t.status.FinishedAt = &now
	if err != nil {
		t.status.State = StateFailed
		t.status.Error = err.Error()
	} else {
		t.status.State = StateSucceeded
		t.result = result
	}
	t.args = nil
	q.mu.Unlock()

	fields := []zap.Field{
		zap.String("task_id", t.status.ID),
		zap.String("function", t.status.Function),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if err != nil {
		q.log.Warn("task failed", append(fields, zap.Error(err))...)
		return
	}
	q.log.Debug("task succeeded", fields...)
}

// prune drops finished tasks past retention. Caller holds q.mu.
func (q *LocalQueue) prune(now time.Time) {
	if q.retention <= 0 {
		return
	}
	for id, t := range q.tasks {
		if t.status.FinishedAt != nil && now.Sub(*t.status.FinishedAt) > q.retention {
			delete(q.tasks, id)
		}
	}
}
