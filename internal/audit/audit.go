// Package audit implements the append-only decision log of the lifecycle
// orchestrator. Every trigger decision, job state transition, validation
// verdict and deployment decision is recorded here. Entries are hash-chained
// per family so history rewrites are detectable, and entries are never
// updated or deleted.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/modelops/lifecycle/internal/models"
)

// Service records and queries audit entries.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService creates the audit service.
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Entry is the caller-facing shape of a new audit record; identity, hash and
// sequence are assigned by Record.
type Entry struct {
	FamilyID  uuid.UUID
	JobID     *uuid.UUID
	VersionID *uuid.UUID
	Actor     models.AuditActor
	Action    models.AuditAction
	Outcome   models.AuditOutcome
	Detail    string
}

// Record appends an entry, linking it to the family's previous entry by
// hash. The read-last-then-insert pair runs in one transaction so the chain
// has no gaps or forks even under concurrent writers.
func (s *Service) Record(ctx context.Context, e Entry) (*models.AuditEntry, error) {
	entry := &models.AuditEntry{
		EntryID:   uuid.New(),
		FamilyID:  e.FamilyID,
		JobID:     e.JobID,
		VersionID: e.VersionID,
		Actor:     e.Actor,
		Action:    e.Action,
		Outcome:   e.Outcome,
		Detail:    e.Detail,
		// postgres timestamptz keeps microseconds; anything finer would make
		// stored entries recompute to a different hash
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev models.AuditEntry
		err := tx.Where("family_id = ?", e.FamilyID).Order("seq DESC").First(&prev).Error
		switch {
		case err == nil:
			entry.PrevHash = prev.Hash
		case errors.Is(err, gorm.ErrRecordNotFound):
			// chain genesis for this family
		default:
			return fmt.Errorf("read previous audit entry: %w", err)
		}
		entry.Hash = chainHash(entry)
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// MustRecord is Record for paths where an audit failure must not abort the
// state transition that already happened; the error is logged instead.
func (s *Service) MustRecord(ctx context.Context, e Entry) {
	if _, err := s.Record(ctx, e); err != nil {
		s.logger.Error("audit record failed",
			zap.String("family_id", e.FamilyID.String()),
			zap.String("action", string(e.Action)),
			zap.Error(err))
	}
}

// History returns entries for a family, oldest first, starting after the
// cursor sequence. The returned cursor is the last entry's sequence, zero
// when the page is empty.
func (s *Service) History(ctx context.Context, familyID uuid.UUID, limit int, cursor uint64) ([]models.AuditEntry, uint64, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []models.AuditEntry
	err := s.db.WithContext(ctx).
		Where("family_id = ? AND seq > ?", familyID, cursor).
		Order("seq ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list audit history: %w", err)
	}
	next := uint64(0)
	if len(entries) > 0 {
		next = entries[len(entries)-1].Seq
	}
	return entries, next, nil
}

// JobHistory returns all entries for one job, oldest first. The causal order
// of a job's state machine is the insertion order.
func (s *Service) JobHistory(ctx context.Context, jobID uuid.UUID) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("seq ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list job audit history: %w", err)
	}
	return entries, nil
}

// LastDecision returns the family's most recent entry, or nil when the
// family has no history yet.
func (s *Service) LastDecision(ctx context.Context, familyID uuid.UUID) (*models.AuditEntry, error) {
	var entry models.AuditEntry
	err := s.db.WithContext(ctx).
		Where("family_id = ?", familyID).
		Order("seq DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("last audit entry: %w", err)
	}
	return &entry, nil
}

// VerifyChain walks a family's entries oldest-first and recomputes the hash
// chain. It returns the sequence of the first corrupt entry, or zero when
// the chain is intact.
func (s *Service) VerifyChain(ctx context.Context, familyID uuid.UUID) (uint64, error) {
	var entries []models.AuditEntry
	err := s.db.WithContext(ctx).
		Where("family_id = ?", familyID).
		Order("seq ASC").
		Find(&entries).Error
	if err != nil {
		return 0, fmt.Errorf("load audit chain: %w", err)
	}
	prevHash := ""
	for i := range entries {
		e := entries[i]
		if e.PrevHash != prevHash {
			return e.Seq, nil
		}
		if chainHash(&e) != e.Hash {
			return e.Seq, nil
		}
		prevHash = e.Hash
	}
	return 0, nil
}

func chainHash(e *models.AuditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s",
		e.PrevHash, e.EntryID, e.FamilyID, e.Actor, e.Action, e.Outcome, e.Detail)
	if e.JobID != nil {
		fmt.Fprintf(h, "|job=%s", e.JobID)
	}
	if e.VersionID != nil {
		fmt.Fprintf(h, "|version=%s", e.VersionID)
	}
	fmt.Fprintf(h, "|%d", e.Timestamp.UnixMicro())
	return hex.EncodeToString(h.Sum(nil))
}
