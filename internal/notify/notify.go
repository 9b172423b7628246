// Package notify delivers lifecycle events to an external sink. Delivery is
// fire-and-forget: a failing sink is logged and never blocks or fails an
// orchestrator state transition.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType classifies a lifecycle notification.
type EventType string

const (
	EventTrainingFailed    EventType = "training_failed"
	EventCandidateRejected EventType = "candidate_rejected"
	EventHoldForApproval   EventType = "hold_for_approval"
	EventChampionDeployed  EventType = "champion_deployed"
	EventJobCancelled      EventType = "job_cancelled"
)

// Event is a single lifecycle notification.
type Event struct {
	Type     EventType `json:"type"`
	FamilyID uuid.UUID `json:"family_id"`
	Family   string    `json:"family"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier is the outbound notification boundary.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier writes events to the structured log. It is the default sink
// when no broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed sink.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, event Event) {
	n.logger.Info("lifecycle notification",
		zap.String("type", string(event.Type)),
		zap.String("family", event.Family),
		zap.String("family_id", event.FamilyID.String()),
		zap.String("detail", event.Detail),
		zap.Time("at", event.At))
}
