// Package dispatcher defines the pluggable backend the reflex engine's
// execution step runs through. The in-process implementation
// (internal/reflex/dispatcher/inmem) is the only one wired into cmd/bridged
// by default; internal/reflex/dispatcher/temporal is kept as a documented,
// tested, swappable alternate for deployments that want durable workflow
// history instead of best-effort in-memory execution. See DESIGN.md.
package dispatcher

import "context"

// Task is one reflex execution handed to a Dispatcher.
type Task struct {
	// ReflexID identifies the reflex this task belongs to, for the
	// dispatcher's own logging/tracing — it plays no role in execution.
	ReflexID string
	// Run performs the actual action call. Its error is returned verbatim
	// from Dispatch.
	Run func(context.Context) error
}

// Dispatcher executes reflex action tasks. Dispatch blocks until the task
// completes or ctx is cancelled.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}
