// Package temporal implements dispatcher.Dispatcher on top of
// go.temporal.io/sdk, adapted from the teacher's own
// runtime/agent/engine/temporal adapter down to this package's narrower
// need: run one reflex action as a single-activity workflow so its history
// survives a process restart, instead of reflex.Engine's default
// best-effort in-process execution. Not wired into cmd/bridged by default
// (see DESIGN.md) — kept as a tested, swappable alternate.
package temporal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/fieldmesh/reflexbridge/internal/reflex/dispatcher"
)

const (
	workflowName           = "ReflexActionWorkflow"
	activityName           = "RunReflexAction"
	defaultActivityTimeout = 30 * time.Second
)

func newTaskID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("temporal dispatcher: generate task id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Options configures the Temporal-backed dispatcher.
type Options struct {
	// Client is a pre-configured Temporal client. Required.
	Client client.Client
	// TaskQueue is the worker's task queue name. Required.
	TaskQueue string
}

// Dispatcher runs reflex action tasks as Temporal workflows. Because a
// dispatcher.Task carries an in-process closure rather than a serializable
// payload, the registered activity resolves the closure from a local
// registry keyed by a generated task id — durability here covers workflow
// history and retry, not cross-process task portability.
type Dispatcher struct {
	client    client.Client
	taskQueue string
	worker    worker.Worker

	mu      sync.Mutex
	pending map[string]func(context.Context) error
}

// New builds a Dispatcher, registers its workflow and activity, and starts
// the worker on opts.TaskQueue.
func New(opts Options) (*Dispatcher, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("temporal dispatcher: client is required")
	}
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal dispatcher: task queue is required")
	}

	d := &Dispatcher{
		client:    opts.Client,
		taskQueue: opts.TaskQueue,
		pending:   make(map[string]func(context.Context) error),
	}

	w := worker.New(opts.Client, opts.TaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(d.workflow, workflow.RegisterOptions{Name: workflowName})
	w.RegisterActivityWithOptions(d.runActivity, activity.RegisterOptions{Name: activityName})
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("temporal dispatcher: start worker: %w", err)
	}
	d.worker = w
	return d, nil
}

// Close stops the worker and closes the client.
func (d *Dispatcher) Close() {
	if d.worker != nil {
		d.worker.Stop()
	}
	d.client.Close()
}

// workflow runs one reflex action as a single activity invocation.
func (d *Dispatcher) workflow(ctx workflow.Context, taskID string) error {
	ao := workflow.ActivityOptions{StartToCloseTimeout: defaultActivityTimeout}
	ctx = workflow.WithActivityOptions(ctx, ao)
	return workflow.ExecuteActivity(ctx, activityName, taskID).Get(ctx, nil)
}

// runActivity resolves taskID to its closure and invokes it. Activities run
// outside workflow determinism constraints, so calling arbitrary code here
// is safe.
func (d *Dispatcher) runActivity(ctx context.Context, taskID string) error {
	d.mu.Lock()
	run, ok := d.pending[taskID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("temporal dispatcher: no pending task %q", taskID)
	}
	return run(ctx)
}

// Dispatch implements dispatcher.Dispatcher by starting a workflow execution
// and blocking for its result.
func (d *Dispatcher) Dispatch(ctx context.Context, task dispatcher.Task) error {
	taskID, err := newTaskID()
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.pending[taskID] = task.Run
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, taskID)
		d.mu.Unlock()
	}()

	opts := client.StartWorkflowOptions{ID: "reflex-" + taskID, TaskQueue: d.taskQueue}
	run, err := d.client.ExecuteWorkflow(ctx, opts, workflowName, taskID)
	if err != nil {
		return classifyStartError(err)
	}
	return run.Get(ctx, nil)
}

// classifyStartError maps the Temporal service errors this adapter's
// callers care about distinguishing into plain errors, mirroring the
// teacher's own mapSignalError.
func classifyStartError(err error) error {
	if err == nil {
		return nil
	}
	var already *serviceerror.WorkflowExecutionAlreadyStarted
	if ok := asServiceError(err, &already); ok {
		return fmt.Errorf("temporal dispatcher: workflow already started: %w", err)
	}
	return err
}

func asServiceError(err error, target **serviceerror.WorkflowExecutionAlreadyStarted) bool {
	se, ok := err.(*serviceerror.WorkflowExecutionAlreadyStarted)
	if !ok {
		return false
	}
	*target = se
	return true
}

var _ dispatcher.Dispatcher = (*Dispatcher)(nil)
