// Package deploy implements the deployment decision: auto-promote a
// validated candidate when its improvement clears the auto-deploy
// threshold, otherwise hold it for manual approval. Promotion swaps the
// family's champion pointer with compare-and-set semantics so two
// orchestrator instances can never install two champions.
package deploy

import (
	"context"
	"errors"
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

// Action is the deployment decision branch.
type Action string

const (
	ActionDeploy          Action = "deploy"
	ActionHoldForApproval Action = "hold_for_approval"
)

// Decision is the outcome of a deployment decision, carrying the inputs the
// decision was made on so the audit trail can reconstruct it.
type Decision struct {
	Action    Action
	FamilyID  uuid.UUID
	VersionID uuid.UUID
}

// Decider makes and executes deployment decisions.
type Decider struct {
	store    *store.Store
	audit    *audit.Service
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewDecider creates a deployment decider.
func NewDecider(st *store.Store, auditSvc *audit.Service, notifier notify.Notifier, logger *zap.Logger) *Decider {
	return &Decider{store: st, audit: auditSvc, notifier: notifier, logger: logger}
}

// Decide takes a passed validation result and either promotes the candidate
// or holds it for approval. The boundary is inclusive: delta equal to the
// auto-deploy threshold deploys. A held candidate stays validated until an
// explicit Promote or Reject.
func (d *Decider) Decide(ctx context.Context, family *models.ModelFamily, result *models.ValidationResult) (Decision, error) {
	if !result.Passed {
		return Decision{}, fmt.Errorf("candidate %s did not pass validation: %w", result.CandidateVersionID, store.ErrInvalidTransition)
	}

	decision := Decision{FamilyID: family.ID, VersionID: result.CandidateVersionID}

	// First deployment: nothing to improve on, promote directly.
	autoDeploy := family.ChampionVersionID == nil ||
		result.Delta.GreaterThanOrEqual(family.AutoDeployThreshold)

	if !autoDeploy {
		decision.Action = ActionHoldForApproval
		metrics.DeployDecisionsTotal.WithLabelValues(string(ActionHoldForApproval)).Inc()
		d.audit.MustRecord(ctx, audit.Entry{
			FamilyID:  family.ID,
			VersionID: &result.CandidateVersionID,
			Actor:     models.ActorDeploymentDecider,
			Action:    models.AuditDeployHeld,
			Outcome:   models.OutcomeOK,
			Detail: fmt.Sprintf("delta %s below auto-deploy threshold %s; champion %s unchanged at score %s",
				result.Delta, family.AutoDeployThreshold, championRef(family), result.ChampionScore),
		})
		d.notifier.Notify(ctx, notify.Event{
			Type:     notify.EventHoldForApproval,
			FamilyID: family.ID,
			Family:   family.Name,
			Detail:   fmt.Sprintf("candidate %s held: delta %s < threshold %s", result.CandidateVersionID, result.Delta, family.AutoDeployThreshold),
			At:       time.Now().UTC(),
		})
		d.logger.Info("deployment held for approval",
			zap.String("family", family.Name),
			zap.String("candidate_id", result.CandidateVersionID.String()),
			zap.String("delta", result.Delta.String()))
		return decision, nil
	}

	if err := d.promote(ctx, family, result.CandidateVersionID, models.ActorDeploymentDecider, models.AuditDeployPromoted,
		fmt.Sprintf("auto-deploy: delta %s >= threshold %s, champion score %s -> %s",
			result.Delta, family.AutoDeployThreshold, result.ChampionScore, result.CandidateScore)); err != nil {
		return Decision{}, err
	}
	decision.Action = ActionDeploy
	metrics.DeployDecisionsTotal.WithLabelValues(string(ActionDeploy)).Inc()
	return decision, nil
}

// Promote manually deploys a held (validated) candidate.
func (d *Decider) Promote(ctx context.Context, familyID, versionID uuid.UUID, requestedBy string) error {
	family, err := d.store.FamilyByID(ctx, familyID)
	if err != nil {
		return err
	}
	version, err := d.store.VersionByID(ctx, versionID)
	if err != nil {
		return err
	}
	if version.Status != models.VersionStatusValidated {
		return fmt.Errorf("version %s is %s, not validated: %w", versionID, version.Status, store.ErrInvalidTransition)
	}
	if err := d.promote(ctx, family, versionID, models.ActorOperator, models.AuditDeployManualPromote,
		fmt.Sprintf("manual promote by %s", requestedBy)); err != nil {
		return err
	}
	metrics.DeployDecisionsTotal.WithLabelValues(string(ActionDeploy)).Inc()
	return nil
}

// Reject manually rejects a held (validated) candidate; the champion is
// untouched.
func (d *Decider) Reject(ctx context.Context, familyID, versionID uuid.UUID, requestedBy string) error {
	if err := d.store.UpdateVersionStatus(ctx, versionID, models.VersionStatusValidated, models.VersionStatusRejected); err != nil {
		return err
	}
	d.audit.MustRecord(ctx, audit.Entry{
		FamilyID:  familyID,
		VersionID: &versionID,
		Actor:     models.ActorOperator,
		Action:    models.AuditDeployManualReject,
		Outcome:   models.OutcomeRejected,
		Detail:    fmt.Sprintf("manual reject by %s", requestedBy),
	})
	return nil
}

// promote executes the champion swap with one conflict retry: on a
// concurrent champion change the family is re-fetched and the
// compare-and-set attempted once more before surfacing the conflict.
func (d *Decider) promote(ctx context.Context, family *models.ModelFamily, versionID uuid.UUID, actor models.AuditActor, action models.AuditAction, detail string) error {
	oldChampion := family.ChampionVersionID
	err := d.store.SwapChampion(ctx, family.ID, versionID, oldChampion)
	if errors.Is(err, store.ErrDeploymentConflict) {
		fresh, ferr := d.store.FamilyByID(ctx, family.ID)
		if ferr != nil {
			return ferr
		}
		oldChampion = fresh.ChampionVersionID
		err = d.store.SwapChampion(ctx, family.ID, versionID, oldChampion)
	}
	if err != nil {
		return fmt.Errorf("deploy version %s for family %s: %w", versionID, family.Name, err)
	}

	now := time.Now().UTC()
	family.ChampionVersionID = &versionID
	family.LastDeployedAt = &now

	d.audit.MustRecord(ctx, audit.Entry{
		FamilyID:  family.ID,
		VersionID: &versionID,
		Actor:     actor,
		Action:    action,
		Outcome:   models.OutcomeOK,
		Detail:    detail + retiredRef(oldChampion),
	})
	d.notifier.Notify(ctx, notify.Event{
		Type:     notify.EventChampionDeployed,
		FamilyID: family.ID,
		Family:   family.Name,
		Detail:   fmt.Sprintf("version %s deployed", versionID),
		At:       now,
	})
	d.logger.Info("champion deployed",
		zap.String("family", family.Name),
		zap.String("version_id", versionID.String()))
	return nil
}

func championRef(family *models.ModelFamily) string {
	if family.ChampionVersionID == nil {
		return "none"
	}
	return family.ChampionVersionID.String()
}

func retiredRef(old *uuid.UUID) string {
	if old == nil {
		return "; no prior champion"
	}
	return fmt.Sprintf("; retired %s", old)
}
