// Package orchestrator wires the lifecycle pipeline (evaluate, trigger,
// train, validate, decide) and exposes the operations the outer CLI/API
// layer calls into. Families retrain fully in parallel; within a family the
// store's trigger claim serializes the pipeline end to end, and the claim is
// released only once the resulting version is deployed, held or rejected.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/modelops/lifecycle/internal/audit"
	"github.com/modelops/lifecycle/internal/deploy"
	"github.com/modelops/lifecycle/internal/drift"
	"github.com/modelops/lifecycle/internal/models"
	"github.com/modelops/lifecycle/internal/observations"
	"github.com/modelops/lifecycle/internal/store"
	"github.com/modelops/lifecycle/internal/training"
	"github.com/modelops/lifecycle/internal/trigger"
	"github.com/modelops/lifecycle/internal/validation"
)

// Config tunes the orchestrator facade.
type Config struct {
	// EvalWorkers bounds how many families one evaluation cycle touches
	// concurrently.
	EvalWorkers int
}

func (c Config) withDefaults() Config {
	if c.EvalWorkers <= 0 {
		c.EvalWorkers = 4
	}
	return c
}

// Service is the lifecycle orchestrator facade.
type Service struct {
	store       *store.Store
	gateway     *observations.Gateway
	coordinator *trigger.Coordinator
	driftEval   *drift.Evaluator
	manager     *training.Manager
	gate        *validation.Gate
	decider     *deploy.Decider
	auditSvc    *audit.Service
	logger      *zap.Logger
	tracer      trace.Tracer
	cfg         Config

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewService assembles the orchestrator.
func NewService(
	st *store.Store,
	gateway *observations.Gateway,
	coordinator *trigger.Coordinator,
	driftEval *drift.Evaluator,
	manager *training.Manager,
	gate *validation.Gate,
	decider *deploy.Decider,
	auditSvc *audit.Service,
	logger *zap.Logger,
	cfg Config,
) *Service {
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Service{
		store:       st,
		gateway:     gateway,
		coordinator: coordinator,
		driftEval:   driftEval,
		manager:     manager,
		gate:        gate,
		decider:     decider,
		auditSvc:    auditSvc,
		logger:      logger,
		tracer:      otel.Tracer("lifecycle/orchestrator"),
		cfg:         cfg.withDefaults(),
		runCtx:      runCtx,
		runCancel:   runCancel,
	}
}

// TriggerOutcome is the per-family answer to TriggerRetraining.
type TriggerOutcome struct {
	FamilyID uuid.UUID            `json:"family_id"`
	Accepted bool                 `json:"accepted"`
	JobID    uuid.UUID            `json:"job_id,omitempty"`
	Reason   trigger.RejectReason `json:"reason,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// TriggerRetraining submits a manual retrain for each family and starts the
// pipeline for every accepted trigger. Each family gets an immediate
// accept/reject answer; training progress is observable via GetStatus and
// ListHistory only.
func (s *Service) TriggerRetraining(ctx context.Context, familyIDs []uuid.UUID, req trigger.Request) []TriggerOutcome {
	if req.Cause == "" {
		req.Cause = models.TriggerCauseManual
	}
	outcomes := make([]TriggerOutcome, 0, len(familyIDs))
	for _, id := range familyIDs {
		outcome := TriggerOutcome{FamilyID: id}
		family, err := s.store.FamilyByID(ctx, id)
		if err != nil {
			outcome.Error = err.Error()
			outcomes = append(outcomes, outcome)
			continue
		}
		res, err := s.coordinator.Submit(ctx, family, req)
		if err != nil {
			outcome.Error = err.Error()
			outcomes = append(outcomes, outcome)
			continue
		}
		outcome.Accepted = res.Accepted
		outcome.Reason = res.Reason
		if res.Accepted {
			outcome.JobID = res.JobID
			s.launchPipeline(family, res.TriggerID, res.JobID)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// CheckOverrides optionally replaces the configured threshold/window for a
// read-only performance check.
type CheckOverrides struct {
	DriftThreshold *decimal.Decimal
	Window         *time.Duration
}

// FamilyVerdict pairs a drift verdict with the family it was computed for.
type FamilyVerdict struct {
	FamilyID uuid.UUID     `json:"family_id"`
	Family   string        `json:"family"`
	Verdict  drift.Verdict `json:"verdict"`
	Error    string        `json:"error,omitempty"`
}

// CheckPerformance evaluates drift per family without submitting triggers.
func (s *Service) CheckPerformance(ctx context.Context, familyIDs []uuid.UUID, overrides *CheckOverrides) []FamilyVerdict {
	now := time.Now().UTC()
	results := make([]FamilyVerdict, 0, len(familyIDs))
	for _, id := range familyIDs {
		fv := FamilyVerdict{FamilyID: id}
		family, err := s.store.FamilyByID(ctx, id)
		if err != nil {
			fv.Error = err.Error()
			results = append(results, fv)
			continue
		}
		fv.Family = family.Name
		window := family.LookbackWindow
		if overrides != nil {
			if overrides.DriftThreshold != nil {
				family.DriftThreshold = *overrides.DriftThreshold
			}
			if overrides.Window != nil {
				window = *overrides.Window
			}
		}
		verdict, err := s.driftEval.Evaluate(ctx, family, window, now)
		if err != nil {
			fv.Error = err.Error()
		}
		fv.Verdict = verdict
		results = append(results, fv)
	}
	return results
}

// Status is the point-in-time view of a family returned by GetStatus.
type Status struct {
	FamilyID      uuid.UUID            `json:"family_id"`
	Family        string               `json:"family"`
	ActiveJob     *models.TrainingJob  `json:"active_job,omitempty"`
	Champion      *models.ModelVersion `json:"champion,omitempty"`
	HeldCandidate *models.ModelVersion `json:"held_candidate,omitempty"`
	LastDecision  *models.AuditEntry   `json:"last_decision,omitempty"`
}

// GetStatus assembles the family's active job, champion, held candidate and
// most recent audit decision.
func (s *Service) GetStatus(ctx context.Context, familyID uuid.UUID) (*Status, error) {
	family, err := s.store.FamilyByID(ctx, familyID)
	if err != nil {
		return nil, err
	}
	status := &Status{FamilyID: family.ID, Family: family.Name}

	if status.ActiveJob, err = s.store.ActiveJob(ctx, familyID); err != nil {
		return nil, err
	}
	if family.ChampionVersionID != nil {
		if status.Champion, err = s.store.VersionByID(ctx, *family.ChampionVersionID); err != nil {
			return nil, err
		}
	}
	if status.HeldCandidate, err = s.store.HeldCandidate(ctx, familyID); err != nil {
		return nil, err
	}
	if status.LastDecision, err = s.auditSvc.LastDecision(ctx, familyID); err != nil {
		return nil, err
	}
	return status, nil
}

// ListHistory pages through a family's audit trail, oldest first.
func (s *Service) ListHistory(ctx context.Context, familyID uuid.UUID, limit int, cursor uint64) ([]models.AuditEntry, uint64, error) {
	return s.auditSvc.History(ctx, familyID, limit, cursor)
}

// CancelJob requests cancellation of a running job.
func (s *Service) CancelJob(jobID uuid.UUID) error {
	return s.manager.Cancel(jobID)
}

// PromoteHeld manually deploys a validated candidate that was held for
// approval.
func (s *Service) PromoteHeld(ctx context.Context, familyID, versionID uuid.UUID, requestedBy string) error {
	return s.decider.Promote(ctx, familyID, versionID, requestedBy)
}

// RejectHeld manually rejects a held candidate.
func (s *Service) RejectHeld(ctx context.Context, familyID, versionID uuid.UUID, requestedBy string) error {
	return s.decider.Reject(ctx, familyID, versionID, requestedBy)
}

// EvaluationCycle runs one drift/schedule pass over every family. It is
// invoked by the external scheduler, bounds its own concurrency, and is safe
// to run while pipelines for other families are active. Families with an
// active trigger are skipped cheaply; the store claim remains the authority.
func (s *Service) EvaluationCycle(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "evaluation_cycle")
	defer span.End()

	families, err := s.store.Families(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	sem := make(chan struct{}, s.cfg.EvalWorkers)
	var wg sync.WaitGroup
	for i := range families {
		family := families[i]
		if family.ActiveTriggerID != nil {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			res, _, err := s.coordinator.EvaluateFamily(ctx, &family, now)
			if err != nil {
				s.logger.Error("family evaluation failed",
					zap.String("family", family.Name),
					zap.Error(err))
				return
			}
			if res != nil && res.Accepted {
				s.launchPipeline(&family, res.TriggerID, res.JobID)
			}
		}()
	}
	wg.Wait()
	return nil
}

// launchPipeline runs the train→validate→decide pipeline for an accepted
// trigger in its own goroutine, detached from the submitting request.
func (s *Service) launchPipeline(family *models.ModelFamily, triggerID, jobID uuid.UUID) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runPipeline(family, triggerID, jobID)
	}()
}

func (s *Service) runPipeline(family *models.ModelFamily, triggerID, jobID uuid.UUID) {
	ctx, span := s.tracer.Start(s.runCtx, "pipeline",
		trace.WithAttributes(
			attribute.String("family", family.Name),
			attribute.String("job_id", jobID.String()),
		))
	defer span.End()

	// The claim is held for the whole pipeline and released no matter how
	// it ends; release uses a fresh context so shutdown cannot strand the
	// family's trigger slot.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.ReleaseActiveTrigger(releaseCtx, family.ID, triggerID); err != nil {
			s.logger.Error("release trigger failed",
				zap.String("family", family.Name),
				zap.String("trigger_id", triggerID.String()),
				zap.Error(err))
		}
	}()

	job, err := s.store.JobByID(ctx, jobID)
	if err != nil {
		s.logger.Error("pipeline job load failed", zap.String("job_id", jobID.String()), zap.Error(err))
		return
	}

	job, err = s.manager.Run(ctx, family, job)
	if err != nil {
		s.logger.Error("training run failed",
			zap.String("family", family.Name),
			zap.String("job_id", jobID.String()),
			zap.Error(err))
		return
	}
	if job.State != models.JobStateSucceeded || job.CandidateVersionID == nil {
		return
	}

	// re-fetch: the champion may have moved while training ran
	family, err = s.store.FamilyByID(ctx, family.ID)
	if err != nil {
		s.logger.Error("pipeline family reload failed", zap.Error(err))
		return
	}

	candidate, err := s.store.VersionByID(ctx, *job.CandidateVersionID)
	if err != nil {
		s.logger.Error("candidate load failed", zap.Error(err))
		return
	}
	result, err := s.gate.Validate(ctx, family, candidate)
	if err != nil {
		s.logger.Error("validation failed",
			zap.String("family", family.Name),
			zap.String("candidate_id", candidate.ID.String()),
			zap.Error(err))
		return
	}
	if !result.Passed {
		return
	}

	if _, err := s.decider.Decide(ctx, family, result); err != nil {
		s.logger.Error("deployment decision failed",
			zap.String("family", family.Name),
			zap.String("candidate_id", candidate.ID.String()),
			zap.Error(err))
	}
}

// Wait blocks until all in-flight pipelines finish; for tests and orderly
// shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Stop cancels in-flight pipelines and waits for them to wind down or for
// ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	s.runCancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator stop: %w", ctx.Err())
	}
}
