// Package training owns the state machine of a single retraining job:
// dispatch to the external trainer, asynchronous completion tracking,
// retry with exponential backoff, and cancellation. A job moves
// Pending → Running → Succeeded|Failed; a retryable failure re-enters
// Pending under the same job identifier with an incremented retry count
// until retries are exhausted.
package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelops/lifecycle/internal/audit"
	"github.com/modelops/lifecycle/internal/models"
	"github.com/modelops/lifecycle/internal/notify"
	"github.com/modelops/lifecycle/internal/store"
	"github.com/modelops/lifecycle/pkg/metrics"
)

// FailureReasonCancelled marks jobs terminated by a manual cancel.
const FailureReasonCancelled = "cancelled"

// ErrNotRunning is returned by Cancel when the job is not executing in this
// process.
var ErrNotRunning = errors.New("training: job not running")

// consecutive poll errors tolerated before the attempt is treated as a
// transient failure
const pollFailureLimit = 10

// Config tunes the manager's timing behavior.
type Config struct {
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	CancelGrace  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 15 * time.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	return c
}

// Manager drives training jobs to a terminal state.
type Manager struct {
	store    *store.Store
	audit    *audit.Service
	trainer  Trainer
	notifier notify.Notifier
	logger   *zap.Logger
	cfg      Config

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// NewManager creates a training job manager.
func NewManager(st *store.Store, auditSvc *audit.Service, trainer Trainer, notifier notify.Notifier, logger *zap.Logger, cfg Config) *Manager {
	return &Manager{
		store:    st,
		audit:    auditSvc,
		trainer:  trainer,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		cancels:  make(map[uuid.UUID]context.CancelFunc),
	}
}

// Run executes the job until it reaches a terminal state and returns the
// final row. It blocks the calling goroutine but parks on poll ticks while
// the external operation executes, so callers run it from a per-family
// pipeline goroutine, never from a shared worker.
func (m *Manager) Run(ctx context.Context, family *models.ModelFamily, job *models.TrainingJob) (*models.TrainingJob, error) {
	if job.State != models.JobStatePending {
		return nil, fmt.Errorf("job %s is %s, must be pending: %w", job.ID, job.State, store.ErrInvalidTransition)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.registerCancel(job.ID, cancel)
	defer m.unregisterCancel(job.ID)

	began := time.Now().UTC()
	window := DataWindow{From: began.Add(-family.LookbackWindow), To: began}

	for {
		if err := m.toRunning(ctx, job); err != nil {
			// shutdown between attempts; the job must still reach a terminal
			// state before the trigger slot is released
			if ctx.Err() != nil || jobCtx.Err() != nil {
				return m.finishCancelled(family, job)
			}
			return nil, err
		}

		status, runErr := m.runAttempt(jobCtx, family, job, window)
		if runErr != nil {
			// cancelled mid-attempt
			if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
				return m.finishCancelled(family, job)
			}
			return nil, runErr
		}

		switch status.State {
		case RemoteSucceeded:
			return m.finishSucceeded(ctx, family, job, status, began)
		case RemoteFailed:
			if status.Retryable && job.RetryCount < job.MaxRetries {
				if err := m.scheduleRetry(ctx, jobCtx, job, status); err != nil {
					if errors.Is(err, context.Canceled) {
						return m.finishCancelled(family, job)
					}
					return nil, err
				}
				continue
			}
			return m.finishFailed(ctx, family, job, status, began)
		default:
			// a trainer speaking an unknown protocol is fatal, not retryable
			status.Reason = fmt.Sprintf("trainer reported unexpected state %q", status.State)
			status.Retryable = false
			return m.finishFailed(ctx, family, job, status, began)
		}
	}
}

// Cancel requests termination of a running job. The pipeline goroutine
// observes the cancellation, signals the external trainer best-effort, and
// records the terminal state; Cancel itself returns immediately.
func (m *Manager) Cancel(jobID uuid.UUID) error {
	m.mu.Lock()
	cancel, ok := m.cancels[jobID]
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	cancel()
	return nil
}

// runAttempt submits one training attempt and polls until the external
// operation leaves the running state.
func (m *Manager) runAttempt(ctx context.Context, family *models.ModelFamily, job *models.TrainingJob, window DataWindow) (Status, error) {
	handle, err := m.trainer.SubmitTraining(ctx, *family, job.Cause, window)
	if err != nil {
		if ctx.Err() != nil {
			return Status{}, ctx.Err()
		}
		// submission failures are transient by classification: the
		// operation never started
		return Status{State: RemoteFailed, Reason: fmt.Sprintf("submit: %v", err), Retryable: true}, nil
	}
	job.ExternalHandle = handle
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return Status{}, err
	}

	pollErrs := 0
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		status, err := m.trainer.PollStatus(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return Status{}, ctx.Err()
			}
			pollErrs++
			if pollErrs >= pollFailureLimit {
				return Status{State: RemoteFailed, Reason: fmt.Sprintf("poll: %v", err), Retryable: true}, nil
			}
			m.logger.Warn("training poll failed",
				zap.String("job_id", job.ID.String()),
				zap.Int("consecutive", pollErrs),
				zap.Error(err))
		} else {
			pollErrs = 0
			if status.State != RemoteRunning {
				return status, nil
			}
		}

		select {
		case <-ctx.Done():
			return Status{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) toRunning(ctx context.Context, job *models.TrainingJob) error {
	now := time.Now().UTC()
	job.State = models.JobStateRunning
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(models.JobStateRunning)).Inc()
	m.audit.MustRecord(ctx, audit.Entry{
		FamilyID: job.FamilyID,
		JobID:    &job.ID,
		Actor:    models.ActorTrainingManager,
		Action:   models.AuditJobRunning,
		Outcome:  models.OutcomeOK,
		Detail:   fmt.Sprintf("attempt %d of %d dispatched", job.RetryCount+1, job.MaxRetries+1),
	})
	return nil
}

func (m *Manager) scheduleRetry(ctx, jobCtx context.Context, job *models.TrainingJob, status Status) error {
	job.RetryCount++
	job.State = models.JobStatePending
	job.FailureReason = status.Reason
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(models.JobStatePending)).Inc()

	delay := m.backoff(job.RetryCount)
	m.audit.MustRecord(ctx, audit.Entry{
		FamilyID: job.FamilyID,
		JobID:    &job.ID,
		Actor:    models.ActorTrainingManager,
		Action:   models.AuditJobRetryScheduled,
		Outcome:  models.OutcomeFailed,
		Detail:   fmt.Sprintf("transient failure %q, retry %d of %d in %s", status.Reason, job.RetryCount, job.MaxRetries, delay),
	})
	m.logger.Info("training retry scheduled",
		zap.String("job_id", job.ID.String()),
		zap.Int("retry", job.RetryCount),
		zap.Duration("delay", delay),
		zap.String("reason", status.Reason))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-jobCtx.Done():
		return context.Canceled
	case <-timer.C:
		return nil
	}
}

// backoff is base×2^(attempt-1), capped.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.BackoffMax {
			return m.cfg.BackoffMax
		}
	}
	if d > m.cfg.BackoffMax {
		d = m.cfg.BackoffMax
	}
	return d
}

func (m *Manager) finishSucceeded(ctx context.Context, family *models.ModelFamily, job *models.TrainingJob, status Status, began time.Time) (*models.TrainingJob, error) {
	now := time.Now().UTC()
	version := &models.ModelVersion{
		ID:          uuid.New(),
		FamilyID:    family.ID,
		JobID:       &job.ID,
		ArtifactRef: status.ArtifactRef,
		Score:       status.Score,
		SampleCount: status.SampleCount,
		Status:      models.VersionStatusCandidate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateVersion(ctx, version); err != nil {
		return nil, err
	}

	job.State = models.JobStateSucceeded
	job.CandidateVersionID = &version.ID
	job.FailureReason = ""
	job.CompletedAt = &now
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(models.JobStateSucceeded)).Inc()
	metrics.TrainingDuration.Observe(now.Sub(began).Seconds())

	m.audit.MustRecord(ctx, audit.Entry{
		FamilyID:  job.FamilyID,
		JobID:     &job.ID,
		VersionID: &version.ID,
		Actor:     models.ActorTrainingManager,
		Action:    models.AuditJobSucceeded,
		Outcome:   models.OutcomeOK,
		Detail:    fmt.Sprintf("candidate %s produced, self-reported score %s", version.ID, status.Score),
	})
	m.logger.Info("training succeeded",
		zap.String("family", family.Name),
		zap.String("job_id", job.ID.String()),
		zap.String("candidate_id", version.ID.String()),
		zap.String("score", status.Score.String()))
	return job, nil
}

func (m *Manager) finishFailed(ctx context.Context, family *models.ModelFamily, job *models.TrainingJob, status Status, began time.Time) (*models.TrainingJob, error) {
	now := time.Now().UTC()
	job.State = models.JobStateFailed
	job.FailureReason = status.Reason
	job.CompletedAt = &now
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(models.JobStateFailed)).Inc()
	metrics.TrainingDuration.Observe(now.Sub(began).Seconds())

	m.audit.MustRecord(ctx, audit.Entry{
		FamilyID: job.FamilyID,
		JobID:    &job.ID,
		Actor:    models.ActorTrainingManager,
		Action:   models.AuditJobFailed,
		Outcome:  models.OutcomeFailed,
		Detail:   fmt.Sprintf("terminal failure after %d attempts: %s", job.RetryCount+1, status.Reason),
	})
	m.notifier.Notify(ctx, notify.Event{
		Type:     notify.EventTrainingFailed,
		FamilyID: family.ID,
		Family:   family.Name,
		Detail:   status.Reason,
		At:       now,
	})
	m.logger.Warn("training failed",
		zap.String("family", family.Name),
		zap.String("job_id", job.ID.String()),
		zap.Int("attempts", job.RetryCount+1),
		zap.String("reason", status.Reason))
	return job, nil
}

// finishCancelled records local termination of a cancelled job. The external
// operation is signaled best-effort within the cancel grace period; the
// orchestrator does not wait beyond it.
func (m *Manager) finishCancelled(family *models.ModelFamily, job *models.TrainingJob) (*models.TrainingJob, error) {
	// the job context is already cancelled; use a fresh one for cleanup
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CancelGrace)
	defer cancel()

	if job.ExternalHandle != "" {
		if err := m.trainer.Cancel(ctx, job.ExternalHandle); err != nil {
			m.logger.Warn("trainer cancel signal failed",
				zap.String("job_id", job.ID.String()),
				zap.Error(err))
		}
	}

	now := time.Now().UTC()
	job.State = models.JobStateFailed
	job.FailureReason = FailureReasonCancelled
	job.CompletedAt = &now
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(models.JobStateFailed)).Inc()

	m.audit.MustRecord(ctx, audit.Entry{
		FamilyID: job.FamilyID,
		JobID:    &job.ID,
		Actor:    models.ActorTrainingManager,
		Action:   models.AuditJobCancelled,
		Outcome:  models.OutcomeFailed,
		Detail:   "job cancelled by operator",
	})
	m.notifier.Notify(ctx, notify.Event{
		Type:     notify.EventJobCancelled,
		FamilyID: family.ID,
		Family:   family.Name,
		Detail:   fmt.Sprintf("job %s cancelled", job.ID),
		At:       now,
	})
	m.logger.Info("training cancelled",
		zap.String("family", family.Name),
		zap.String("job_id", job.ID.String()))
	return job, nil
}

func (m *Manager) registerCancel(jobID uuid.UUID, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[jobID] = cancel
}

func (m *Manager) unregisterCancel(jobID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancels, jobID)
}
