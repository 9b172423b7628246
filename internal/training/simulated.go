package training

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/modelops/lifecycle/internal/models"
)

// SimulatedTrainer is an in-process Trainer for local development and
// demos: each run "trains" for a fixed duration and reports a score near a
// configurable center. It is not used in production wiring.
type SimulatedTrainer struct {
	Duration time.Duration
	Center   float64
	Jitter   float64

	mu   sync.Mutex
	runs map[string]simulatedRun
}

type simulatedRun struct {
	family   string
	deadline time.Time
	score    decimal.Decimal
}

// NewSimulatedTrainer creates a simulated trainer.
func NewSimulatedTrainer(duration time.Duration, center, jitter float64) *SimulatedTrainer {
	if duration <= 0 {
		duration = 30 * time.Second
	}
	return &SimulatedTrainer{
		Duration: duration,
		Center:   center,
		Jitter:   jitter,
		runs:     make(map[string]simulatedRun),
	}
}

// SubmitTraining implements Trainer.
func (t *SimulatedTrainer) SubmitTraining(_ context.Context, family models.ModelFamily, _ models.TriggerCause, _ DataWindow) (string, error) {
	handle := uuid.NewString()
	score := t.Center + (rand.Float64()*2-1)*t.Jitter
	t.mu.Lock()
	t.runs[handle] = simulatedRun{
		family:   family.Name,
		deadline: time.Now().Add(t.Duration),
		score:    decimal.NewFromFloat(score).Round(8),
	}
	t.mu.Unlock()
	return handle, nil
}

// PollStatus implements Trainer.
func (t *SimulatedTrainer) PollStatus(_ context.Context, handle string) (Status, error) {
	t.mu.Lock()
	run, ok := t.runs[handle]
	t.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("simulated trainer: unknown handle %q", handle)
	}
	if time.Now().Before(run.deadline) {
		return Status{State: RemoteRunning}, nil
	}
	return Status{
		State:       RemoteSucceeded,
		ArtifactRef: fmt.Sprintf("sim://artifacts/%s/%s", run.family, handle),
		Score:       run.score,
		SampleCount: 1000,
	}, nil
}

// Cancel implements Trainer.
func (t *SimulatedTrainer) Cancel(_ context.Context, handle string) error {
	t.mu.Lock()
	delete(t.runs, handle)
	t.mu.Unlock()
	return nil
}
