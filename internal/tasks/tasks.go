// Package tasks submits work to run in the background and reports on it.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

var (
	// ErrTaskNotFound is returned for an unknown task ID.
	ErrTaskNotFound = eris.New("tasks: task not found")
	// ErrNotFinished is returned by Result while a task is still pending or running.
	ErrNotFinished = eris.New("tasks: task not finished")
	// ErrUnknownFunction is returned when enqueueing a function nobody registered.
	ErrUnknownFunction = eris.New("tasks: unknown function")
	// ErrTaskFailed wraps the error message of a failed task.
	ErrTaskFailed = eris.New("tasks: task failed")
)

// Priority orders pending work. Higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the lower-case name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority maps a name to a Priority. Unknown names are normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// State is a task's lifecycle position.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Finished reports whether the state is terminal.
func (s State) Finished() bool {
	return s == StateSucceeded || s == StateFailed
}

// Status describes one task.
type Status struct {
	ID         string     `json:"id"`
	Function   string     `json:"function"`
	State      State      `json:"state"`
	Priority   string     `json:"priority"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Handler executes one task. args is the JSON encoding of what was enqueued;
// the returned value is JSON-encoded as the task result.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Queue is the async work submission interface.
type Queue interface {
	Enqueue(ctx context.Context, function string, args any, priority Priority) (string, error)
	Status(ctx context.Context, id string) (*Status, error)
	Result(ctx context.Context, id string) (json.RawMessage, error)
}

// Handlers is a name -> Handler table shared by queues and workers.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]Handler
}

// NewHandlers creates an empty table.
func NewHandlers() *Handlers {
	return &Handlers{m: make(map[string]Handler)}
}

// Register binds name to fn, replacing any previous binding.
func (h *Handlers) Register(name string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[name] = fn
}

// Lookup returns the handler for name.
func (h *Handlers) Lookup(name string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.m[name]
	return fn, ok
}

// Names returns registered function names in sorted order.
func (h *Handlers) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.m))
	for n := range h.m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// run invokes a handler and encodes its result.
func run(ctx context.Context, fn Handler, args json.RawMessage) (json.RawMessage, error) {
	v, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "tasks: encode result")
	}
	return out, nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
