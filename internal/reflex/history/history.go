// Package history declares the reflex engine's dependency on an
// execution-history sink without binding it to a concrete storage
// implementation; internal/runlog satisfies Recorder.
package history

import (
	"context"

	"github.com/fieldmesh/reflexbridge/internal/model"
)

// Recorder persists one ExecutionRecord per reflex run, append-only.
type Recorder interface {
	Append(ctx context.Context, rec model.ExecutionRecord) error
}
