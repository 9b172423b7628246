// Package trigger merges manual, performance-based and schedule-based
// retrain requests into at most one accepted trigger per model family. The
// mutual-exclusion invariant is enforced by the store's compare-and-set
// claim, so a race between concurrent submissions resolves to exactly one
// acceptance regardless of how many orchestrator instances run.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelops/lifecycle/internal/audit"
	"github.com/modelops/lifecycle/internal/drift"
	"github.com/modelops/lifecycle/internal/models"
	"github.com/modelops/lifecycle/internal/store"
	"github.com/modelops/lifecycle/pkg/metrics"
)

// RejectReason enumerates why a submission was not accepted.
type RejectReason string

const (
	RejectAlreadyActive   RejectReason = "already_active"
	RejectApprovalPending RejectReason = "approval_pending"
	RejectInvalidCause    RejectReason = "invalid_cause"
)

// Request is a retrain submission.
type Request struct {
	Cause       models.TriggerCause
	ScopeTypes  []string
	RequestedBy string
	Detail      string
	// Force submits even when a validated candidate is still awaiting
	// manual approval. It never overrides the mutual-exclusion invariant.
	Force bool
}

// SubmitResult is the immediate accept/reject answer to a submission.
type SubmitResult struct {
	Accepted  bool
	TriggerID uuid.UUID
	JobID     uuid.UUID
	Reason    RejectReason
}

// Coordinator owns trigger decisions for all families.
type Coordinator struct {
	store    *store.Store
	drift    *drift.Evaluator
	schedule *drift.ScheduleEvaluator
	audit    *audit.Service
	logger   *zap.Logger
}

// NewCoordinator creates a trigger coordinator.
func NewCoordinator(st *store.Store, driftEval *drift.Evaluator, scheduleEval *drift.ScheduleEvaluator, auditSvc *audit.Service, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:    st,
		drift:    driftEval,
		schedule: scheduleEval,
		audit:    auditSvc,
		logger:   logger,
	}
}

// Submit attempts to claim the family's trigger slot and create the pending
// training job. Rejection is an answer, not an error: the caller always gets
// an immediate accepted/rejected result unless the store itself fails.
func (c *Coordinator) Submit(ctx context.Context, family *models.ModelFamily, req Request) (SubmitResult, error) {
	if !req.Cause.Valid() {
		return SubmitResult{Reason: RejectInvalidCause}, fmt.Errorf("invalid trigger cause %q", req.Cause)
	}

	// A validated candidate waiting for manual approval usually means a
	// retrain request is a mistake; force overrides this guard only.
	if !req.Force {
		held, err := c.store.HeldCandidate(ctx, family.ID)
		if err != nil {
			return SubmitResult{}, err
		}
		if held != nil {
			c.recordRejection(ctx, family, req, RejectApprovalPending,
				fmt.Sprintf("candidate %s awaiting approval", held.ID))
			return SubmitResult{Reason: RejectApprovalPending}, nil
		}
	}

	now := time.Now().UTC()
	trig := &models.RetrainTrigger{
		ID:          uuid.New(),
		FamilyID:    family.ID,
		Cause:       req.Cause,
		ScopeTypes:  models.ScopeList(req.ScopeTypes),
		RequestedBy: req.RequestedBy,
		Detail:      req.Detail,
		CreatedAt:   now,
	}
	job := &models.TrainingJob{
		ID:         uuid.New(),
		FamilyID:   family.ID,
		TriggerID:  trig.ID,
		Cause:      req.Cause,
		State:      models.JobStatePending,
		MaxRetries: family.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := c.store.ClaimActiveTrigger(ctx, trig, job)
	if errors.Is(err, store.ErrAlreadyInProgress) {
		c.recordRejection(ctx, family, req, RejectAlreadyActive, "retraining already in progress")
		return SubmitResult{Reason: RejectAlreadyActive}, nil
	}
	if err != nil {
		return SubmitResult{}, err
	}

	metrics.TriggersTotal.WithLabelValues(string(req.Cause), "accepted").Inc()
	c.audit.MustRecord(ctx, audit.Entry{
		FamilyID: family.ID,
		JobID:    &job.ID,
		Actor:    models.ActorTriggerCoordinator,
		Action:   models.AuditTriggerAccepted,
		Outcome:  models.OutcomeOK,
		Detail:   fmt.Sprintf("cause %s: %s", req.Cause, req.Detail),
	})
	c.audit.MustRecord(ctx, audit.Entry{
		FamilyID: family.ID,
		JobID:    &job.ID,
		Actor:    models.ActorTriggerCoordinator,
		Action:   models.AuditJobPending,
		Outcome:  models.OutcomeOK,
		Detail:   fmt.Sprintf("job %s created for trigger %s", job.ID, trig.ID),
	})
	c.logger.Info("trigger accepted",
		zap.String("family", family.Name),
		zap.String("cause", string(req.Cause)),
		zap.String("job_id", job.ID.String()))

	return SubmitResult{Accepted: true, TriggerID: trig.ID, JobID: job.ID}, nil
}

// EvaluateFamily runs one periodic evaluation: drift first, then schedule.
// When both fire in the same cycle a single trigger is submitted with cause
// performance_drift; one job runs no matter how many causes concur. The
// verdict is always returned, even when nothing fires.
func (c *Coordinator) EvaluateFamily(ctx context.Context, family *models.ModelFamily, now time.Time) (*SubmitResult, drift.Verdict, error) {
	verdict, err := c.drift.Evaluate(ctx, family, family.LookbackWindow, now)
	if err != nil {
		return nil, verdict, err
	}
	metrics.DriftEvaluationsTotal.WithLabelValues(string(verdict.Reason)).Inc()
	c.audit.MustRecord(ctx, audit.Entry{
		FamilyID: family.ID,
		Actor:    models.ActorDriftEvaluator,
		Action:   models.AuditDriftVerdict,
		Outcome:  models.OutcomeOK,
		Detail: fmt.Sprintf("retrain=%t reason=%s current=%s baseline=%s delta=%s samples=%d",
			verdict.Retrain, verdict.Reason, verdict.CurrentScore, verdict.BaselineScore, verdict.Delta, verdict.SampleCount),
	})

	scheduleDue := c.schedule.DueForForcedRetrain(family, now)

	var cause models.TriggerCause
	var detail string
	switch {
	case verdict.Retrain:
		cause = models.TriggerCausePerformanceDrift
		detail = verdict.Detail
	case scheduleDue:
		cause = models.TriggerCauseSchedule
		detail = fmt.Sprintf("forced retrain: last deployment older than %s", family.ScheduleInterval)
	default:
		return nil, verdict, nil
	}

	res, err := c.Submit(ctx, family, Request{
		Cause:       cause,
		RequestedBy: "evaluation_cycle",
		Detail:      detail,
	})
	if err != nil {
		return nil, verdict, err
	}
	return &res, verdict, nil
}

func (c *Coordinator) recordRejection(ctx context.Context, family *models.ModelFamily, req Request, reason RejectReason, detail string) {
	metrics.TriggersTotal.WithLabelValues(string(req.Cause), "rejected").Inc()
	c.audit.MustRecord(ctx, audit.Entry{
		FamilyID: family.ID,
		Actor:    models.ActorTriggerCoordinator,
		Action:   models.AuditTriggerRejected,
		Outcome:  models.OutcomeRejected,
		Detail:   fmt.Sprintf("cause %s rejected (%s): %s", req.Cause, reason, detail),
	})
	c.logger.Info("trigger rejected",
		zap.String("family", family.Name),
		zap.String("cause", string(req.Cause)),
		zap.String("reason", string(reason)))
}
