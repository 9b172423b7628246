package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/modelops/lifecycle/internal/audit"
	"github.com/modelops/lifecycle/internal/models"
	"github.com/modelops/lifecycle/internal/store"
)

// FamilySpec is the configuration shape of a model family used at startup.
type FamilySpec struct {
	Name                string
	DriftThreshold      decimal.Decimal
	AutoDeployThreshold decimal.Decimal
	RegressionTolerance decimal.Decimal
	MinQualityFloor     decimal.Decimal
	MinTrainingSamples  int
	MaxRetries          int
	ScheduleInterval    time.Duration
	LookbackWindow      time.Duration
}

// SyncFamilies creates configured families that do not exist yet and updates
// thresholds on those that do. Families are long-lived and configuration is
// their source, so this runs once at startup.
func (s *Service) SyncFamilies(ctx context.Context, specs []FamilySpec) error {
	for _, spec := range specs {
		existing, err := s.store.FamilyByName(ctx, spec.Name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			now := time.Now().UTC()
			family := &models.ModelFamily{
				Name:                spec.Name,
				DriftThreshold:      spec.DriftThreshold,
				AutoDeployThreshold: spec.AutoDeployThreshold,
				RegressionTolerance: spec.RegressionTolerance,
				MinQualityFloor:     spec.MinQualityFloor,
				MinTrainingSamples:  spec.MinTrainingSamples,
				MaxRetries:          spec.MaxRetries,
				ScheduleInterval:    spec.ScheduleInterval,
				LookbackWindow:      spec.LookbackWindow,
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			if err := s.store.CreateFamily(ctx, family); err != nil {
				return err
			}
			s.logger.Info("family registered", zap.String("family", spec.Name))
		case err != nil:
			return err
		default:
			existing.DriftThreshold = spec.DriftThreshold
			existing.AutoDeployThreshold = spec.AutoDeployThreshold
			existing.RegressionTolerance = spec.RegressionTolerance
			existing.MinQualityFloor = spec.MinQualityFloor
			existing.MinTrainingSamples = spec.MinTrainingSamples
			existing.MaxRetries = spec.MaxRetries
			existing.ScheduleInterval = spec.ScheduleInterval
			existing.LookbackWindow = spec.LookbackWindow
			if err := s.store.SaveFamily(ctx, existing); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecoverStrandedTriggers releases trigger slots left claimed by a previous
// process that died mid-pipeline. Pipelines do not survive a restart, so any
// slot held at startup is stranded: its non-terminal job is failed and the
// slot is cleared so the family can retrain again. Runs once at startup,
// before the scheduler starts.
func (s *Service) RecoverStrandedTriggers(ctx context.Context) error {
	families, err := s.store.Families(ctx)
	if err != nil {
		return err
	}
	for i := range families {
		family := families[i]
		if family.ActiveTriggerID == nil {
			continue
		}
		job, err := s.store.ActiveJob(ctx, family.ID)
		if err != nil {
			return err
		}
		if job != nil {
			now := time.Now().UTC()
			job.State = models.JobStateFailed
			job.FailureReason = "orphaned by process restart"
			job.CompletedAt = &now
			if err := s.store.UpdateJob(ctx, job); err != nil {
				return err
			}
			if _, err := s.auditSvc.Record(ctx, audit.Entry{
				FamilyID: family.ID,
				JobID:    &job.ID,
				Actor:    models.ActorTrainingManager,
				Action:   models.AuditJobFailed,
				Outcome:  models.OutcomeFailed,
				Detail:   job.FailureReason,
			}); err != nil {
				return err
			}
		}
		if err := s.store.ReleaseActiveTrigger(ctx, family.ID, *family.ActiveTriggerID); err != nil {
			return err
		}
		s.logger.Warn("released stranded trigger",
			zap.String("family", family.Name),
			zap.String("trigger_id", family.ActiveTriggerID.String()))
	}
	return nil
}

// RecordObservation ingests one performance sample through the metrics
// gateway; the write half of the external metrics source interface.
func (s *Service) RecordObservation(ctx context.Context, familyName string, score decimal.Decimal, observedAt time.Time) error {
	family, err := s.store.FamilyByName(ctx, familyName)
	if err != nil {
		return err
	}
	if family.ChampionVersionID == nil {
		return errors.New("orchestrator: family has no deployed version to observe")
	}
	return s.gateway.Record(ctx, family.ID, *family.ChampionVersionID, score, observedAt)
}
