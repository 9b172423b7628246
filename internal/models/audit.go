package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditActor names the component that produced an audit entry.
type AuditActor string

const (
	ActorTriggerCoordinator AuditActor = "trigger_coordinator"
	ActorTrainingManager    AuditActor = "training_job_manager"
	ActorValidationGate     AuditActor = "validation_gate"
	ActorDeploymentDecider  AuditActor = "deployment_decider"
	ActorDriftEvaluator     AuditActor = "drift_evaluator"
	ActorOperator           AuditActor = "operator"
)

// AuditAction is the enumerated action recorded in an audit entry.
type AuditAction string

const (
	AuditTriggerAccepted     AuditAction = "trigger.accepted"
	AuditTriggerRejected     AuditAction = "trigger.rejected"
	AuditJobPending          AuditAction = "job.pending"
	AuditJobRunning          AuditAction = "job.running"
	AuditJobRetryScheduled   AuditAction = "job.retry_scheduled"
	AuditJobSucceeded        AuditAction = "job.succeeded"
	AuditJobFailed           AuditAction = "job.failed"
	AuditJobCancelled        AuditAction = "job.cancelled"
	AuditValidationPassed    AuditAction = "validation.passed"
	AuditValidationRejected  AuditAction = "validation.rejected"
	AuditDeployPromoted      AuditAction = "deploy.promoted"
	AuditDeployHeld          AuditAction = "deploy.held"
	AuditDeployManualPromote AuditAction = "deploy.manual_promote"
	AuditDeployManualReject  AuditAction = "deploy.manual_reject"
	AuditDriftVerdict        AuditAction = "drift.verdict"
)

// AuditOutcome is the coarse result attached to an audit entry.
type AuditOutcome string

const (
	OutcomeOK       AuditOutcome = "ok"
	OutcomeRejected AuditOutcome = "rejected"
	OutcomeFailed   AuditOutcome = "failed"
)

// AuditEntry is an append-only record of a lifecycle decision or state
// transition. Entries form a hash chain: Hash covers the entry payload plus
// the previous entry's hash, so any rewrite of history is detectable. The
// monotonically increasing Seq is the pagination cursor.
type AuditEntry struct {
	Seq       uint64       `gorm:"primaryKey;autoIncrement" json:"seq"`
	EntryID   uuid.UUID    `gorm:"type:uuid;not null;uniqueIndex" json:"entry_id"`
	FamilyID  uuid.UUID    `gorm:"type:uuid;not null;index" json:"family_id"`
	JobID     *uuid.UUID   `gorm:"type:uuid;index" json:"job_id,omitempty"`
	VersionID *uuid.UUID   `gorm:"type:uuid" json:"version_id,omitempty"`
	Actor     AuditActor   `gorm:"type:varchar(64);not null" json:"actor"`
	Action    AuditAction  `gorm:"type:varchar(64);not null;index" json:"action"`
	Outcome   AuditOutcome `gorm:"type:varchar(16);not null" json:"outcome"`
	Detail    string       `gorm:"type:text" json:"detail,omitempty"`
	Hash      string       `gorm:"type:varchar(64);not null" json:"hash"`
	PrevHash  string       `gorm:"type:varchar(64)" json:"prev_hash,omitempty"`
	Timestamp time.Time    `gorm:"not null;index" json:"timestamp"`
}
