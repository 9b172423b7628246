package training

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/modelops/lifecycle/internal/models"
)

// RemoteState is the externally reported state of a training run.
type RemoteState string

const (
	RemoteRunning   RemoteState = "running"
	RemoteSucceeded RemoteState = "succeeded"
	RemoteFailed    RemoteState = "failed"
)

// Status is one poll result from the external training operation.
type Status struct {
	State       RemoteState
	ArtifactRef string
	Score       decimal.Decimal
	SampleCount int
	Reason      string
	Retryable   bool
}

// DataWindow bounds the training data range handed to the trainer.
type DataWindow struct {
	From time.Time
	To   time.Time
}

// Trainer is the boundary to the external, long-running training operation.
// The orchestrator treats training as opaque: submit returns a handle,
// status is polled, and cancellation is best-effort.
type Trainer interface {
	SubmitTraining(ctx context.Context, family models.ModelFamily, cause models.TriggerCause, window DataWindow) (string, error)
	PollStatus(ctx context.Context, handle string) (Status, error)
	Cancel(ctx context.Context, handle string) error
}
