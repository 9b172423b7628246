// Package validation implements the champion/challenger gate: a completed
// candidate is admitted to deployment consideration only if it clears the
// absolute quality floor and does not regress beyond tolerance against the
// current champion.
package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelops/lifecycle/internal/audit"
	"github.com/modelops/lifecycle/internal/models"
	"github.com/modelops/lifecycle/internal/notify"
	"github.com/modelops/lifecycle/internal/store"
	"github.com/modelops/lifecycle/pkg/metrics"
)

// Enumerated fail reasons recorded on a validation result.
const (
	ReasonBelowQualityFloor  = "below_quality_floor"
	ReasonRegressionExceeded = "regression_beyond_tolerance"
)

// Gate validates candidates against the champion.
type Gate struct {
	store    *store.Store
	audit    *audit.Service
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewGate creates a validation gate.
func NewGate(st *store.Store, auditSvc *audit.Service, notifier notify.Notifier, logger *zap.Logger) *Gate {
	return &Gate{store: st, audit: auditSvc, notifier: notifier, logger: logger}
}

// Validate compares the candidate against the family's champion and
// persists an immutable ValidationResult. On pass the candidate moves to
// validated; on fail it moves to rejected, a notification is emitted, and
// the champion is untouched. All failed conditions are enumerated, not just
// the first.
func (g *Gate) Validate(ctx context.Context, family *models.ModelFamily, candidate *models.ModelVersion) (*models.ValidationResult, error) {
	if candidate.Status != models.VersionStatusCandidate {
		return nil, fmt.Errorf("version %s is %s, not a candidate: %w", candidate.ID, candidate.Status, store.ErrInvalidTransition)
	}

	var champion *models.ModelVersion
	var championID *uuid.UUID
	if family.ChampionVersionID != nil {
		var err error
		champion, err = g.store.VersionByID(ctx, *family.ChampionVersionID)
		if err != nil {
			return nil, fmt.Errorf("load champion: %w", err)
		}
		championID = &champion.ID
	}

	result := &models.ValidationResult{
		ID:                 uuid.New(),
		FamilyID:           family.ID,
		CandidateVersionID: candidate.ID,
		ChampionVersionID:  championID,
		CandidateScore:     candidate.Score,
		CreatedAt:          time.Now().UTC(),
	}
	if champion != nil {
		result.ChampionScore = champion.Score
	}
	// With no champion the delta is the candidate's full score: the first
	// deployment is compared against nothing.
	result.Delta = result.CandidateScore.Sub(result.ChampionScore)

	var reasons []string
	if candidate.Score.LessThan(family.MinQualityFloor) {
		reasons = append(reasons, ReasonBelowQualityFloor)
	}
	if champion != nil && result.Delta.LessThanOrEqual(family.RegressionTolerance.Neg()) {
		reasons = append(reasons, ReasonRegressionExceeded)
	}
	result.Passed = len(reasons) == 0
	result.Reasons = models.ScopeList(reasons)

	if err := g.store.CreateValidationResult(ctx, result); err != nil {
		return nil, err
	}

	if result.Passed {
		if err := g.store.UpdateVersionStatus(ctx, candidate.ID, models.VersionStatusCandidate, models.VersionStatusValidated); err != nil {
			return nil, err
		}
		candidate.Status = models.VersionStatusValidated
		metrics.ValidationsTotal.WithLabelValues("pass").Inc()
		g.audit.MustRecord(ctx, audit.Entry{
			FamilyID:  family.ID,
			JobID:     candidate.JobID,
			VersionID: &candidate.ID,
			Actor:     models.ActorValidationGate,
			Action:    models.AuditValidationPassed,
			Outcome:   models.OutcomeOK,
			Detail:    fmt.Sprintf("candidate %s vs champion %s, delta %s", result.CandidateScore, result.ChampionScore, result.Delta),
		})
		g.logger.Info("validation passed",
			zap.String("family", family.Name),
			zap.String("candidate_id", candidate.ID.String()),
			zap.String("delta", result.Delta.String()))
		return result, nil
	}

	if err := g.store.UpdateVersionStatus(ctx, candidate.ID, models.VersionStatusCandidate, models.VersionStatusRejected); err != nil {
		return nil, err
	}
	candidate.Status = models.VersionStatusRejected
	metrics.ValidationsTotal.WithLabelValues("fail").Inc()
	g.audit.MustRecord(ctx, audit.Entry{
		FamilyID:  family.ID,
		JobID:     candidate.JobID,
		VersionID: &candidate.ID,
		Actor:     models.ActorValidationGate,
		Action:    models.AuditValidationRejected,
		Outcome:   models.OutcomeRejected,
		Detail:    fmt.Sprintf("reasons %v, candidate %s vs champion %s", reasons, result.CandidateScore, result.ChampionScore),
	})
	g.notifier.Notify(ctx, notify.Event{
		Type:     notify.EventCandidateRejected,
		FamilyID: family.ID,
		Family:   family.Name,
		Detail:   fmt.Sprintf("candidate %s rejected: %v", candidate.ID, reasons),
		At:       time.Now().UTC(),
	})
	g.logger.Warn("validation rejected",
		zap.String("family", family.Name),
		zap.String("candidate_id", candidate.ID.String()),
		zap.Strings("reasons", reasons))
	return result, nil
}
