package deploy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modelops/lifecycle/internal/audit"
	"github.com/modelops/lifecycle/internal/database"
	"github.com/modelops/lifecycle/internal/models"
	"github.com/modelops/lifecycle/internal/notify"
	"github.com/modelops/lifecycle/internal/store"
)

type deciderFixture struct {
	store   *store.Store
	audit   *audit.Service
	decider *Decider
	family  *models.ModelFamily
}

func newDeciderFixture(t *testing.T) *deciderFixture {
	t.Helper()
	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	st := store.NewStore(db, zap.NewNop())
	auditSvc := audit.NewService(db, zap.NewNop())

	now := time.Now().UTC()
	family := &models.ModelFamily{
		Name:                "fraud_scorer",
		DriftThreshold:      decimal.NewFromFloat(0.03),
		AutoDeployThreshold: decimal.NewFromFloat(0.02),
		RegressionTolerance: decimal.NewFromFloat(0.01),
		MinQualityFloor:     decimal.NewFromFloat(0.5),
		MinTrainingSamples:  10,
		MaxRetries:          3,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	require.NoError(t, st.CreateFamily(context.Background(), family))

	return &deciderFixture{
		store:   st,
		audit:   auditSvc,
		decider: NewDecider(st, auditSvc, notify.NewLogNotifier(zap.NewNop()), zap.NewNop()),
		family:  family,
	}
}

func (f *deciderFixture) validated(t *testing.T, score float64) *models.ModelVersion {
	t.Helper()
	now := time.Now().UTC()
	v := &models.ModelVersion{
		FamilyID:    f.family.ID,
		ArtifactRef: "s3://models/v",
		Score:       decimal.NewFromFloat(score),
		Status:      models.VersionStatusCandidate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.store.CreateVersion(context.Background(), v))
	require.NoError(t, f.store.UpdateVersionStatus(context.Background(), v.ID, models.VersionStatusCandidate, models.VersionStatusValidated))
	v.Status = models.VersionStatusValidated
	return v
}

func (f *deciderFixture) deployChampion(t *testing.T, score float64) *models.ModelVersion {
	t.Helper()
	v := f.validated(t, score)
	require.NoError(t, f.store.SwapChampion(context.Background(), f.family.ID, v.ID, nil))
	fresh, err := f.store.FamilyByID(context.Background(), f.family.ID)
	require.NoError(t, err)
	f.family = fresh
	return v
}

func passedResult(family *models.ModelFamily, candidate *models.ModelVersion, championScore decimal.Decimal) *models.ValidationResult {
	return &models.ValidationResult{
		ID:                 uuid.New(),
		FamilyID:           family.ID,
		CandidateVersionID: candidate.ID,
		ChampionVersionID:  family.ChampionVersionID,
		CandidateScore:     candidate.Score,
		ChampionScore:      championScore,
		Delta:              candidate.Score.Sub(championScore),
		Passed:             true,
		CreatedAt:          time.Now().UTC(),
	}
}

func TestDecideAutoDeployAboveThreshold(t *testing.T) {
	f := newDeciderFixture(t)
	f.deployChampion(t, 0.80)
	cand := f.validated(t, 0.83)

	decision, err := f.decider.Decide(context.Background(), f.family, passedResult(f.family, cand, decimal.NewFromFloat(0.80)))
	require.NoError(t, err)
	assert.Equal(t, ActionDeploy, decision.Action)

	fresh, err := f.store.FamilyByID(context.Background(), f.family.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.ChampionVersionID)
	assert.Equal(t, cand.ID, *fresh.ChampionVersionID)
	assert.NotNil(t, fresh.LastDeployedAt)
}

func TestDecideBoundaryDeltaDeploys(t *testing.T) {
	f := newDeciderFixture(t)
	f.deployChampion(t, 0.80)
	// delta exactly equal to the auto-deploy threshold
	cand := f.validated(t, 0.82)

	decision, err := f.decider.Decide(context.Background(), f.family, passedResult(f.family, cand, decimal.NewFromFloat(0.80)))
	require.NoError(t, err)
	assert.Equal(t, ActionDeploy, decision.Action)
}

func TestDecideHoldBelowThreshold(t *testing.T) {
	f := newDeciderFixture(t)
	old := f.deployChampion(t, 0.80)
	cand := f.validated(t, 0.805)

	decision, err := f.decider.Decide(context.Background(), f.family, passedResult(f.family, cand, decimal.NewFromFloat(0.80)))
	require.NoError(t, err)
	assert.Equal(t, ActionHoldForApproval, decision.Action)

	// champion unchanged, candidate still validated and awaiting approval
	fresh, err := f.store.FamilyByID(context.Background(), f.family.ID)
	require.NoError(t, err)
	assert.Equal(t, old.ID, *fresh.ChampionVersionID)

	held, err := f.store.HeldCandidate(context.Background(), f.family.ID)
	require.NoError(t, err)
	assert.Equal(t, cand.ID, held.ID)
}

func TestDecideFirstDeploymentAutoPromotes(t *testing.T) {
	f := newDeciderFixture(t)
	cand := f.validated(t, 0.55)

	decision, err := f.decider.Decide(context.Background(), f.family, passedResult(f.family, cand, decimal.Zero))
	require.NoError(t, err)
	assert.Equal(t, ActionDeploy, decision.Action)

	fresh, err := f.store.FamilyByID(context.Background(), f.family.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.ChampionVersionID)
	assert.Equal(t, cand.ID, *fresh.ChampionVersionID)
}

func TestDecideRejectsUnpassedResult(t *testing.T) {
	f := newDeciderFixture(t)
	cand := f.validated(t, 0.55)
	result := passedResult(f.family, cand, decimal.Zero)
	result.Passed = false

	_, err := f.decider.Decide(context.Background(), f.family, result)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestDecideRetriesConflictOnce(t *testing.T) {
	f := newDeciderFixture(t)
	f.deployChampion(t, 0.80)
	cand := f.validated(t, 0.85)
	result := passedResult(f.family, cand, decimal.NewFromFloat(0.80))

	// another instance swaps the champion between our read and our CAS
	interloper := f.validated(t, 0.81)
	require.NoError(t, f.store.SwapChampion(context.Background(), f.family.ID, interloper.ID, f.family.ChampionVersionID))

	// f.family still holds the stale pointer; the decider must re-fetch and win
	decision, err := f.decider.Decide(context.Background(), f.family, result)
	require.NoError(t, err)
	assert.Equal(t, ActionDeploy, decision.Action)

	fresh, err := f.store.FamilyByID(context.Background(), f.family.ID)
	require.NoError(t, err)
	assert.Equal(t, cand.ID, *fresh.ChampionVersionID)
}

func TestManualPromoteHeldCandidate(t *testing.T) {
	f := newDeciderFixture(t)
	f.deployChampion(t, 0.80)
	held := f.validated(t, 0.805)

	require.NoError(t, f.decider.Promote(context.Background(), f.family.ID, held.ID, "ops@example.com"))

	fresh, err := f.store.FamilyByID(context.Background(), f.family.ID)
	require.NoError(t, err)
	assert.Equal(t, held.ID, *fresh.ChampionVersionID)

	entry, err := f.audit.LastDecision(context.Background(), f.family.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditDeployManualPromote, entry.Action)
	assert.Equal(t, models.ActorOperator, entry.Actor)
}

func TestManualPromoteRequiresValidated(t *testing.T) {
	f := newDeciderFixture(t)
	champion := f.deployChampion(t, 0.80)

	err := f.decider.Promote(context.Background(), f.family.ID, champion.ID, "ops@example.com")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestManualRejectHeldCandidate(t *testing.T) {
	f := newDeciderFixture(t)
	old := f.deployChampion(t, 0.80)
	held := f.validated(t, 0.805)

	require.NoError(t, f.decider.Reject(context.Background(), f.family.ID, held.ID, "ops@example.com"))

	stored, err := f.store.VersionByID(context.Background(), held.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionStatusRejected, stored.Status)

	fresh, err := f.store.FamilyByID(context.Background(), f.family.ID)
	require.NoError(t, err)
	assert.Equal(t, old.ID, *fresh.ChampionVersionID)

	none, err := f.store.HeldCandidate(context.Background(), f.family.ID)
	require.NoError(t, err)
	assert.Nil(t, none)
}
