package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

// TemporalConfig addresses the Temporal cluster.
type TemporalConfig struct {
	HostPort        string        `mapstructure:"host_port"`
	Namespace       string        `mapstructure:"namespace"`
	TaskQueue       string        `mapstructure:"task_queue"`
	ActivityTimeout time.Duration `mapstructure:"activity_timeout"`
	MaxAttempts     int32         `mapstructure:"max_attempts"`
}

func (c TemporalConfig) withDefaults() TemporalConfig {
	if c.HostPort == "" {
		c.HostPort = client.DefaultHostPort
	}
	if c.Namespace == "" {
		c.Namespace = client.DefaultNamespace
	}
	if c.TaskQueue == "" {
		c.TaskQueue = "enrich"
	}
	if c.ActivityTimeout <= 0 {
		c.ActivityTimeout = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// TaskInput is the workflow argument. Args is the JSON-encoded payload.
type TaskInput struct {
	Function        string        `json:"function"`
	Args            string        `json:"args"`
	ActivityTimeout time.Duration `json:"activity_timeout"`
	MaxAttempts     int32         `json:"max_attempts"`
}

const (
	memoFunction = "function"
	memoPriority = "priority"
)

// TaskWorkflow runs one registered function as an activity with retries.
func TaskWorkflow(ctx workflow.Context, in TaskInput) (string, error) {
	timeout := in.ActivityTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    in.MaxAttempts,
		},
	})

	var out string
	if err := workflow.ExecuteActivity(ctx, in.Function, in.Args).Get(ctx, &out); err != nil {
		return "", err
	}
	return out, nil
}

// activityFor adapts a Handler to a Temporal activity.
func activityFor(fn Handler) func(ctx context.Context, args string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		out, err := run(ctx, fn, json.RawMessage(args))
		if err != nil {
			if IsPermanent(err) {
				return "", temporal.NewNonRetryableApplicationError(err.Error(), "permanent", err)
			}
			return "", err
		}
		return string(out), nil
	}
}

// Registrar is the subset of worker.Worker used for registration; the SDK
// test environment satisfies it too.
type Registrar interface {
	RegisterWorkflow(w interface{})
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// RegisterHandlers registers TaskWorkflow and every handler as a named
// activity on r.
func RegisterHandlers(r Registrar, handlers *Handlers) {
	r.RegisterWorkflow(TaskWorkflow)
	for _, name := range handlers.Names() {
		fn, _ := handlers.Lookup(name)
		r.RegisterActivityWithOptions(activityFor(fn), activity.RegisterOptions{Name: name})
	}
}

// DialTemporal connects to the cluster with zap-backed SDK logging.
func DialTemporal(cfg TemporalConfig) (client.Client, error) {
	cfg = cfg.withDefaults()
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    zapAdapter{s: zap.L().With(zap.String("component", "temporal")).Sugar()},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "tasks: dial temporal %s", cfg.HostPort)
	}
	return c, nil
}

// NewWorker creates a worker polling cfg.TaskQueue for every handler.
func NewWorker(c client.Client, cfg TemporalConfig, handlers *Handlers) worker.Worker {
	cfg = cfg.withDefaults()
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	RegisterHandlers(w, handlers)
	return w
}

// TemporalQueue submits tasks as Temporal workflows.
type TemporalQueue struct {
	client   client.Client
	cfg      TemporalConfig
	handlers *Handlers
}

// NewTemporalQueue creates a queue on c. handlers is consulted only to reject
// unknown functions at submission time.
func NewTemporalQueue(c client.Client, cfg TemporalConfig, handlers *Handlers) *TemporalQueue {
	return &TemporalQueue{client: c, cfg: cfg.withDefaults(), handlers: handlers}
}

// Enqueue starts a TaskWorkflow and returns its workflow ID.
func (q *TemporalQueue) Enqueue(ctx context.Context, function string, args any, priority Priority) (string, error) {
	if _, ok := q.handlers.Lookup(function); !ok {
		return "", eris.Wrapf(ErrUnknownFunction, "%s", function)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", eris.Wrap(err, "tasks: encode args")
	}

	id := "task-" + uuid.New().String()
	_, err = q.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: q.cfg.TaskQueue,
		Memo: map[string]interface{}{
			memoFunction: function,
			memoPriority: priority.String(),
		},
		Priority: temporal.Priority{PriorityKey: priorityKey(priority)},
	}, TaskWorkflow, TaskInput{
		Function:        function,
		Args:            string(raw),
		ActivityTimeout: q.cfg.ActivityTimeout,
		MaxAttempts:     q.cfg.MaxAttempts,
	})
	if err != nil {
		return "", eris.Wrapf(err, "tasks: start workflow %s", function)
	}
	return id, nil
}

// Status describes the workflow behind id.
func (q *TemporalQueue) Status(ctx context.Context, id string) (*Status, error) {
	resp, err := q.client.DescribeWorkflowExecution(ctx, id, "")
	if err != nil {
		var nf *serviceerror.NotFound
		if errors.As(err, &nf) {
			return nil, eris.Wrapf(ErrTaskNotFound, "%s", id)
		}
		return nil, eris.Wrapf(err, "tasks: describe %s", id)
	}
	info := resp.GetWorkflowExecutionInfo()
	st := &Status{
		ID:    id,
		State: stateFromTemporal(info.GetStatus()),
	}
	dc := converter.GetDefaultDataConverter()
	if p, ok := info.GetMemo().GetFields()[memoFunction]; ok {
		_ = dc.FromPayload(p, &st.Function)
	}
	if p, ok := info.GetMemo().GetFields()[memoPriority]; ok {
		_ = dc.FromPayload(p, &st.Priority)
	}
	if ts := info.GetStartTime(); ts != nil {
		st.EnqueuedAt = ts.AsTime()
		started := st.EnqueuedAt
		st.StartedAt = &started
	}
	if ts := info.GetCloseTime(); ts != nil && st.State.Finished() {
		closed := ts.AsTime()
		st.FinishedAt = &closed
	}
	return st, nil
}

// Result returns the JSON result of a completed workflow.
func (q *TemporalQueue) Result(ctx context.Context, id string) (json.RawMessage, error) {
	st, err := q.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.State.Finished() {
		return nil, eris.Wrapf(ErrNotFinished, "%s is %s", id, st.State)
	}
	var out string
	if err := q.client.GetWorkflow(ctx, id, "").Get(ctx, &out); err != nil {
		return nil, eris.Wrapf(ErrTaskFailed, "%v", err)
	}
	return json.RawMessage(out), nil
}

func stateFromTemporal(s enumspb.WorkflowExecutionStatus) State {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return StateRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return StateSucceeded
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED,
		enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return StateFailed
	default:
		return StatePending
	}
}

// priorityKey maps to Temporal's scale where 1 is most urgent.
func priorityKey(p Priority) int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 5
	default:
		return 3
	}
}

// zapAdapter satisfies the SDK's key/value logger interface.
type zapAdapter struct {
	s *zap.SugaredLogger
}

func (z zapAdapter) Debug(msg string, keyvals ...interface{}) { z.s.Debugw(msg, keyvals...) }
func (z zapAdapter) Info(msg string, keyvals ...interface{})  { z.s.Infow(msg, keyvals...) }
func (z zapAdapter) Warn(msg string, keyvals ...interface{})  { z.s.Warnw(msg, keyvals...) }
func (z zapAdapter) Error(msg string, keyvals ...interface{}) { z.s.Errorw(msg, keyvals...) }
