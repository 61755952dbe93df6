package task

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Execution is what a Processor receives for one delivery of a job.
type Execution struct {
	TaskID  uuid.UUID
	UserID  uuid.UUID
	Type    Type
	Payload json.RawMessage
	Attempt int
}

// Outcome is a processor's successful result. Result is stored as the task's
// JSON result; Performance is stored when non-nil.
type Outcome struct {
	Result      any
	Performance *Performance
}

// Processor executes one task type.
type Processor interface {
	Process(ctx context.Context, exec Execution) (Outcome, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, exec Execution) (Outcome, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, exec Execution) (Outcome, error) {
	return f(ctx, exec)
}

// CancelSignals is where cancel requests for running tasks are recorded.
type CancelSignals interface {
	// Request records a cancel request for taskID.
	Request(ctx context.Context, taskID uuid.UUID) error
	// Requested reports whether a cancel was requested for taskID.
	Requested(ctx context.Context, taskID uuid.UUID) (bool, error)
	// Clear removes any cancel request for taskID.
	Clear(ctx context.Context, taskID uuid.UUID) error
}
