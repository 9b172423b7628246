// Package models defines the persistent entities of the model lifecycle
// orchestrator: families, versions, triggers, training jobs, validation
// results, performance observations and audit entries.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TriggerCause identifies why a retraining was requested.
type TriggerCause string

const (
	TriggerCauseManual           TriggerCause = "manual"
	TriggerCausePerformanceDrift TriggerCause = "performance_drift"
	TriggerCauseSchedule         TriggerCause = "schedule"
)

// Valid reports whether c is a known trigger cause.
func (c TriggerCause) Valid() bool {
	switch c {
	case TriggerCauseManual, TriggerCausePerformanceDrift, TriggerCauseSchedule:
		return true
	}
	return false
}

// JobState is the state of a training job in its lifecycle.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// VersionStatus is the status of a model version artifact.
type VersionStatus string

const (
	VersionStatusCandidate VersionStatus = "candidate"
	VersionStatusValidated VersionStatus = "validated"
	VersionStatusRejected  VersionStatus = "rejected"
	VersionStatusDeployed  VersionStatus = "deployed"
	VersionStatusRetired   VersionStatus = "retired"
)

// ModelFamily is the logical identity of a model type. It carries the
// per-family thresholds and the two compare-and-set cells the orchestrator
// serializes on: ActiveTriggerID (at most one in-flight retraining) and
// ChampionVersionID (exactly one deployed version).
type ModelFamily struct {
	ID                  uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Name                string          `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	ChampionVersionID   *uuid.UUID      `gorm:"type:uuid" json:"champion_version_id,omitempty"`
	ActiveTriggerID     *uuid.UUID      `gorm:"type:uuid" json:"active_trigger_id,omitempty"`
	DriftThreshold      decimal.Decimal `gorm:"type:decimal(12,8);not null" json:"drift_threshold"`
	AutoDeployThreshold decimal.Decimal `gorm:"type:decimal(12,8);not null" json:"auto_deploy_threshold"`
	RegressionTolerance decimal.Decimal `gorm:"type:decimal(12,8);not null" json:"regression_tolerance"`
	MinQualityFloor     decimal.Decimal `gorm:"type:decimal(12,8);not null" json:"min_quality_floor"`
	MinTrainingSamples  int             `gorm:"not null" json:"min_training_samples"`
	MaxRetries          int             `gorm:"not null" json:"max_retries"`
	ScheduleInterval    time.Duration   `gorm:"not null" json:"schedule_interval"`
	LookbackWindow      time.Duration   `gorm:"not null" json:"lookback_window"`
	LastDeployedAt      *time.Time      `json:"last_deployed_at,omitempty"`
	CreatedAt           time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"not null" json:"updated_at"`
}

// PerformanceObservation is a single timestamped score sample for a deployed
// version. Immutable once written.
type PerformanceObservation struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	FamilyID   uuid.UUID       `gorm:"type:uuid;not null;index:idx_obs_family_time" json:"family_id"`
	VersionID  uuid.UUID       `gorm:"type:uuid;not null" json:"version_id"`
	Score      decimal.Decimal `gorm:"type:decimal(12,8);not null" json:"score"`
	ObservedAt time.Time       `gorm:"not null;index:idx_obs_family_time" json:"observed_at"`
	CreatedAt  time.Time       `gorm:"not null" json:"created_at"`
}

// RetrainTrigger is a request to retrain a family. A trigger is active from
// creation until ResolvedAt is set; the family's ActiveTriggerID points at it
// for the whole pipeline run (train, validate, decide).
type RetrainTrigger struct {
	ID          uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	FamilyID    uuid.UUID    `gorm:"type:uuid;not null;index" json:"family_id"`
	Cause       TriggerCause `gorm:"type:varchar(32);not null" json:"cause"`
	ScopeTypes  ScopeList    `gorm:"type:text" json:"scope_types,omitempty"`
	RequestedBy string       `gorm:"type:varchar(128)" json:"requested_by,omitempty"`
	Detail      string       `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
}

// TrainingJob is one retraining attempt chain for a family. Retries reuse the
// job row with an incremented RetryCount; terminal rows are never updated
// again.
type TrainingJob struct {
	ID                 uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	FamilyID           uuid.UUID    `gorm:"type:uuid;not null;index" json:"family_id"`
	TriggerID          uuid.UUID    `gorm:"type:uuid;not null" json:"trigger_id"`
	Cause              TriggerCause `gorm:"type:varchar(32);not null" json:"cause"`
	State              JobState     `gorm:"type:varchar(16);not null;index" json:"state"`
	RetryCount         int          `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries         int          `gorm:"not null" json:"max_retries"`
	ExternalHandle     string       `gorm:"type:varchar(256)" json:"external_handle,omitempty"`
	CandidateVersionID *uuid.UUID   `gorm:"type:uuid" json:"candidate_version_id,omitempty"`
	FailureReason      string       `gorm:"type:text" json:"failure_reason,omitempty"`
	StartedAt          *time.Time   `json:"started_at,omitempty"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	CreatedAt          time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"not null" json:"updated_at"`
}

// ModelVersion is an opaque artifact reference plus lifecycle metadata. The
// champion of a family is its single version with status "deployed".
type ModelVersion struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	FamilyID    uuid.UUID       `gorm:"type:uuid;not null;index" json:"family_id"`
	JobID       *uuid.UUID      `gorm:"type:uuid" json:"job_id,omitempty"`
	ArtifactRef string          `gorm:"type:varchar(512);not null" json:"artifact_ref"`
	Score       decimal.Decimal `gorm:"type:decimal(12,8);not null" json:"score"`
	SampleCount int             `gorm:"not null;default:0" json:"sample_count"`
	Status      VersionStatus   `gorm:"type:varchar(16);not null;index" json:"status"`
	DeployedAt  *time.Time      `json:"deployed_at,omitempty"`
	RetiredAt   *time.Time      `json:"retired_at,omitempty"`
	CreatedAt   time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"not null" json:"updated_at"`
}

// ValidationResult records a champion/challenger comparison. Immutable, one
// per candidate.
type ValidationResult struct {
	ID                 uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	FamilyID           uuid.UUID       `gorm:"type:uuid;not null;index" json:"family_id"`
	CandidateVersionID uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex" json:"candidate_version_id"`
	ChampionVersionID  *uuid.UUID      `gorm:"type:uuid" json:"champion_version_id,omitempty"`
	CandidateScore     decimal.Decimal `gorm:"type:decimal(12,8);not null" json:"candidate_score"`
	ChampionScore      decimal.Decimal `gorm:"type:decimal(12,8);not null" json:"champion_score"`
	Delta              decimal.Decimal `gorm:"type:decimal(12,8);not null" json:"delta"`
	Passed             bool            `gorm:"not null" json:"passed"`
	Reasons            ScopeList       `gorm:"type:text" json:"reasons,omitempty"`
	CreatedAt          time.Time       `gorm:"not null" json:"created_at"`
}
