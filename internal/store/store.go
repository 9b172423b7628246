// Package store implements the durable store API of the lifecycle
// orchestrator on top of gorm. All multi-row state changes run inside a
// single transaction, and the two per-family serialization points, the
// active trigger and the champion pointer, are guarded by compare-and-set
// updates so concurrent orchestrator instances cannot lose updates.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/modelops/lifecycle/internal/models"
)

// Store provides persistence for lifecycle entities.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore creates a store over an established gorm connection.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying connection for components that share it.
func (s *Store) DB() *gorm.DB { return s.db }

// --- Model families ---

// CreateFamily inserts a new family.
func (s *Store) CreateFamily(ctx context.Context, family *models.ModelFamily) error {
	if family.ID == uuid.Nil {
		family.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(family).Error; err != nil {
		return fmt.Errorf("create family %q: %w", family.Name, err)
	}
	return nil
}

// SaveFamily persists threshold/schedule changes on an existing family. The
// CAS cells (active trigger, champion pointer) are deliberately excluded;
// those move only through ClaimActiveTrigger/ReleaseActiveTrigger and
// SwapChampion.
func (s *Store) SaveFamily(ctx context.Context, family *models.ModelFamily) error {
	err := s.db.WithContext(ctx).Model(&models.ModelFamily{}).
		Where("id = ?", family.ID).
		Updates(map[string]interface{}{
			"drift_threshold":       family.DriftThreshold,
			"auto_deploy_threshold": family.AutoDeployThreshold,
			"regression_tolerance":  family.RegressionTolerance,
			"min_quality_floor":     family.MinQualityFloor,
			"min_training_samples":  family.MinTrainingSamples,
			"max_retries":           family.MaxRetries,
			"schedule_interval":     family.ScheduleInterval,
			"lookback_window":       family.LookbackWindow,
			"updated_at":            time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("save family %s: %w", family.ID, err)
	}
	return nil
}

// FamilyByID fetches a family by identifier.
func (s *Store) FamilyByID(ctx context.Context, id uuid.UUID) (*models.ModelFamily, error) {
	var family models.ModelFamily
	if err := s.db.WithContext(ctx).First(&family, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("family %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("family %s: %w", id, err)
	}
	return &family, nil
}

// FamilyByName fetches a family by its unique name.
func (s *Store) FamilyByName(ctx context.Context, name string) (*models.ModelFamily, error) {
	var family models.ModelFamily
	if err := s.db.WithContext(ctx).First(&family, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("family %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("family %q: %w", name, err)
	}
	return &family, nil
}

// Families lists all configured families.
func (s *Store) Families(ctx context.Context) ([]models.ModelFamily, error) {
	var families []models.ModelFamily
	if err := s.db.WithContext(ctx).Order("name").Find(&families).Error; err != nil {
		return nil, fmt.Errorf("list families: %w", err)
	}
	return families, nil
}

// --- Trigger claim / release (mutual exclusion) ---

// ClaimActiveTrigger atomically claims the family's active-trigger slot and,
// on success, persists the trigger and its pending training job in the same
// transaction. A concurrent claim loses the compare-and-set and gets
// ErrAlreadyInProgress; nothing is written in that case.
func (s *Store) ClaimActiveTrigger(ctx context.Context, trigger *models.RetrainTrigger, job *models.TrainingJob) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ModelFamily{}).
			Where("id = ? AND active_trigger_id IS NULL", trigger.FamilyID).
			Updates(map[string]interface{}{
				"active_trigger_id": trigger.ID,
				"updated_at":        time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("claim trigger slot for family %s: %w", trigger.FamilyID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyInProgress
		}
		if err := tx.Create(trigger).Error; err != nil {
			return fmt.Errorf("persist trigger %s: %w", trigger.ID, err)
		}
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("persist job %s: %w", job.ID, err)
		}
		return nil
	})
}

// ReleaseActiveTrigger resolves the trigger and clears the family's slot.
// The slot is cleared only if it still points at this trigger.
func (s *Store) ReleaseActiveTrigger(ctx context.Context, familyID, triggerID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Model(&models.RetrainTrigger{}).
			Where("id = ? AND resolved_at IS NULL", triggerID).
			Update("resolved_at", now).Error; err != nil {
			return fmt.Errorf("resolve trigger %s: %w", triggerID, err)
		}
		res := tx.Model(&models.ModelFamily{}).
			Where("id = ? AND active_trigger_id = ?", familyID, triggerID).
			Updates(map[string]interface{}{
				"active_trigger_id": nil,
				"updated_at":        now,
			})
		if res.Error != nil {
			return fmt.Errorf("release trigger slot for family %s: %w", familyID, res.Error)
		}
		return nil
	})
}

// TriggerByID fetches a trigger.
func (s *Store) TriggerByID(ctx context.Context, id uuid.UUID) (*models.RetrainTrigger, error) {
	var trigger models.RetrainTrigger
	if err := s.db.WithContext(ctx).First(&trigger, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("trigger %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("trigger %s: %w", id, err)
	}
	return &trigger, nil
}

// --- Training jobs ---

// JobByID fetches a training job.
func (s *Store) JobByID(ctx context.Context, id uuid.UUID) (*models.TrainingJob, error) {
	var job models.TrainingJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return &job, nil
}

// ActiveJob returns the family's job in a non-terminal state, or nil.
func (s *Store) ActiveJob(ctx context.Context, familyID uuid.UUID) (*models.TrainingJob, error) {
	var job models.TrainingJob
	err := s.db.WithContext(ctx).
		Where("family_id = ? AND state IN ?", familyID, []models.JobState{models.JobStatePending, models.JobStateRunning}).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("active job for family %s: %w", familyID, err)
	}
	return &job, nil
}

// UpdateJob persists a job state transition. Terminal rows are immutable: an
// update on a job that is already succeeded or failed returns
// ErrInvalidTransition.
func (s *Store) UpdateJob(ctx context.Context, job *models.TrainingJob) error {
	job.UpdatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.TrainingJob{}).
		Where("id = ? AND state NOT IN ?", job.ID, []models.JobState{models.JobStateSucceeded, models.JobStateFailed}).
		Updates(map[string]interface{}{
			"state":                job.State,
			"retry_count":          job.RetryCount,
			"external_handle":      job.ExternalHandle,
			"candidate_version_id": job.CandidateVersionID,
			"failure_reason":       job.FailureReason,
			"started_at":           job.StartedAt,
			"completed_at":         job.CompletedAt,
			"updated_at":           job.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update job %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update job %s: %w", job.ID, ErrInvalidTransition)
	}
	return nil
}

// --- Model versions ---

// CreateVersion inserts a new version, normally a fresh candidate.
func (s *Store) CreateVersion(ctx context.Context, version *models.ModelVersion) error {
	if version.ID == uuid.Nil {
		version.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(version).Error; err != nil {
		return fmt.Errorf("create version %s: %w", version.ID, err)
	}
	return nil
}

// VersionByID fetches a version.
func (s *Store) VersionByID(ctx context.Context, id uuid.UUID) (*models.ModelVersion, error) {
	var version models.ModelVersion
	if err := s.db.WithContext(ctx).First(&version, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("version %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("version %s: %w", id, err)
	}
	return &version, nil
}

// UpdateVersionStatus moves a version between lifecycle statuses, guarded by
// the expected current status.
func (s *Store) UpdateVersionStatus(ctx context.Context, id uuid.UUID, from, to models.VersionStatus) error {
	res := s.db.WithContext(ctx).Model(&models.ModelVersion{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update version %s status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("version %s not in status %q: %w", id, from, ErrInvalidTransition)
	}
	return nil
}

// HeldCandidate returns the family's most recent validated-but-not-deployed
// version, or nil.
func (s *Store) HeldCandidate(ctx context.Context, familyID uuid.UUID) (*models.ModelVersion, error) {
	var version models.ModelVersion
	err := s.db.WithContext(ctx).
		Where("family_id = ? AND status = ?", familyID, models.VersionStatusValidated).
		Order("created_at DESC").
		First(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("held candidate for family %s: %w", familyID, err)
	}
	return &version, nil
}

// SwapChampion promotes newVersionID to deployed and retires the previous
// champion, atomically with respect to the family's champion pointer. The
// caller passes the champion it based its decision on; if the pointer moved
// in the meantime the compare-and-set fails with ErrDeploymentConflict and
// nothing changes.
func (s *Store) SwapChampion(ctx context.Context, familyID, newVersionID uuid.UUID, oldVersionID *uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		q := tx.Model(&models.ModelFamily{}).Where("id = ?", familyID)
		if oldVersionID == nil {
			q = q.Where("champion_version_id IS NULL")
		} else {
			q = q.Where("champion_version_id = ?", *oldVersionID)
		}
		res := q.Updates(map[string]interface{}{
			"champion_version_id": newVersionID,
			"last_deployed_at":    now,
			"updated_at":          now,
		})
		if res.Error != nil {
			return fmt.Errorf("swap champion for family %s: %w", familyID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrDeploymentConflict
		}

		promote := tx.Model(&models.ModelVersion{}).
			Where("id = ? AND status = ?", newVersionID, models.VersionStatusValidated).
			Updates(map[string]interface{}{
				"status":      models.VersionStatusDeployed,
				"deployed_at": now,
				"updated_at":  now,
			})
		if promote.Error != nil {
			return fmt.Errorf("promote version %s: %w", newVersionID, promote.Error)
		}
		if promote.RowsAffected == 0 {
			return fmt.Errorf("promote version %s: %w", newVersionID, ErrInvalidTransition)
		}

		if oldVersionID != nil {
			retire := tx.Model(&models.ModelVersion{}).
				Where("id = ? AND status = ?", *oldVersionID, models.VersionStatusDeployed).
				Updates(map[string]interface{}{
					"status":     models.VersionStatusRetired,
					"retired_at": now,
					"updated_at": now,
				})
			if retire.Error != nil {
				return fmt.Errorf("retire version %s: %w", *oldVersionID, retire.Error)
			}
		}
		return nil
	})
}

// --- Observations ---

// CreateObservation appends a performance sample.
func (s *Store) CreateObservation(ctx context.Context, obs *models.PerformanceObservation) error {
	if obs.ID == uuid.Nil {
		obs.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(obs).Error; err != nil {
		return fmt.Errorf("create observation for family %s: %w", obs.FamilyID, err)
	}
	return nil
}

// Observations returns the family's samples at or after since, oldest first.
func (s *Store) Observations(ctx context.Context, familyID uuid.UUID, since time.Time) ([]models.PerformanceObservation, error) {
	var obs []models.PerformanceObservation
	err := s.db.WithContext(ctx).
		Where("family_id = ? AND observed_at >= ?", familyID, since).
		Order("observed_at ASC").
		Find(&obs).Error
	if err != nil {
		return nil, fmt.Errorf("observations for family %s: %w", familyID, err)
	}
	return obs, nil
}

// --- Validation results ---

// CreateValidationResult persists an immutable validation record.
func (s *Store) CreateValidationResult(ctx context.Context, result *models.ValidationResult) error {
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("create validation result for candidate %s: %w", result.CandidateVersionID, err)
	}
	return nil
}

// ValidationResultForCandidate fetches the validation record of a candidate.
func (s *Store) ValidationResultForCandidate(ctx context.Context, candidateID uuid.UUID) (*models.ValidationResult, error) {
	var result models.ValidationResult
	if err := s.db.WithContext(ctx).First(&result, "candidate_version_id = ?", candidateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("validation result for candidate %s: %w", candidateID, ErrNotFound)
		}
		return nil, fmt.Errorf("validation result for candidate %s: %w", candidateID, err)
	}
	return &result, nil
}
