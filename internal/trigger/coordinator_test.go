package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modelops/lifecycle/internal/audit"
	"github.com/modelops/lifecycle/internal/database"
	"github.com/modelops/lifecycle/internal/drift"
	"github.com/modelops/lifecycle/internal/models"
	"github.com/modelops/lifecycle/internal/observations"
	"github.com/modelops/lifecycle/internal/store"
)

type coordFixture struct {
	store   *store.Store
	gateway *observations.Gateway
	audit   *audit.Service
	coord   *Coordinator
	family  *models.ModelFamily
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	st := store.NewStore(db, zap.NewNop())
	auditSvc := audit.NewService(db, zap.NewNop())
	gateway := observations.NewGateway(st, zap.NewNop())
	driftEval := drift.NewEvaluator(st, gateway, zap.NewNop())

	now := time.Now().UTC()
	family := &models.ModelFamily{
		Name:                "ranking_model",
		DriftThreshold:      decimal.NewFromFloat(0.03),
		AutoDeployThreshold: decimal.NewFromFloat(0.02),
		RegressionTolerance: decimal.NewFromFloat(0.01),
		MinQualityFloor:     decimal.NewFromFloat(0.5),
		MinTrainingSamples:  3,
		MaxRetries:          3,
		ScheduleInterval:    7 * 24 * time.Hour,
		LookbackWindow:      24 * time.Hour,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	require.NoError(t, st.CreateFamily(context.Background(), family))

	return &coordFixture{
		store:   st,
		gateway: gateway,
		audit:   auditSvc,
		coord:   NewCoordinator(st, driftEval, drift.NewScheduleEvaluator(), auditSvc, zap.NewNop()),
		family:  family,
	}
}

func (f *coordFixture) deployChampion(t *testing.T, score float64, deployedAgo time.Duration) *models.ModelVersion {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	v := &models.ModelVersion{
		FamilyID:    f.family.ID,
		ArtifactRef: "s3://models/champion",
		Score:       decimal.NewFromFloat(score),
		Status:      models.VersionStatusValidated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.store.CreateVersion(ctx, v))
	require.NoError(t, f.store.SwapChampion(ctx, f.family.ID, v.ID, nil))

	fresh, err := f.store.FamilyByID(ctx, f.family.ID)
	require.NoError(t, err)
	// evaluators read the family struct they are handed, so backdating the
	// in-memory deployment time is enough to simulate staleness
	deployedAt := now.Add(-deployedAgo)
	fresh.LastDeployedAt = &deployedAt
	f.family = fresh
	return v
}

func (f *coordFixture) observe(t *testing.T, scores ...float64) {
	t.Helper()
	base := time.Now().UTC().Add(-time.Duration(len(scores)) * time.Minute)
	for i, score := range scores {
		require.NoError(t, f.gateway.Record(context.Background(),
			f.family.ID, *f.family.ChampionVersionID,
			decimal.NewFromFloat(score), base.Add(time.Duration(i)*time.Minute)))
	}
}

func TestSubmitAccepted(t *testing.T) {
	f := newCoordFixture(t)

	res, err := f.coord.Submit(context.Background(), f.family, Request{
		Cause:       models.TriggerCauseManual,
		RequestedBy: "ops@example.com",
		Detail:      "fresh labels landed",
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	job, err := f.store.JobByID(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatePending, job.State)
	assert.Equal(t, models.TriggerCauseManual, job.Cause)
	assert.Equal(t, res.TriggerID, job.TriggerID)
}

func TestSubmitRejectedWhileActive(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	first, err := f.coord.Submit(ctx, f.family, Request{Cause: models.TriggerCauseManual, RequestedBy: "a"})
	require.NoError(t, err)
	require.True(t, first.Accepted)

	// rejection is an immediate answer, not an error
	second, err := f.coord.Submit(ctx, f.family, Request{Cause: models.TriggerCauseManual, RequestedBy: "b"})
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.Equal(t, RejectAlreadyActive, second.Reason)

	// and it leaves an audit record
	entry, err := f.audit.LastDecision(ctx, f.family.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditTriggerRejected, entry.Action)
}

func TestSubmitInvalidCause(t *testing.T) {
	f := newCoordFixture(t)

	res, err := f.coord.Submit(context.Background(), f.family, Request{Cause: "cosmic_ray"})
	assert.Error(t, err)
	assert.Equal(t, RejectInvalidCause, res.Reason)
}

func TestSubmitRejectedWhileApprovalPending(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	held := &models.ModelVersion{
		FamilyID:    f.family.ID,
		ArtifactRef: "s3://models/held",
		Score:       decimal.NewFromFloat(0.7),
		Status:      models.VersionStatusValidated,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateVersion(ctx, held))

	res, err := f.coord.Submit(ctx, f.family, Request{Cause: models.TriggerCauseManual, RequestedBy: "ops"})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, RejectApprovalPending, res.Reason)

	// force overrides the approval guard
	forced, err := f.coord.Submit(ctx, f.family, Request{Cause: models.TriggerCauseManual, RequestedBy: "ops", Force: true})
	require.NoError(t, err)
	assert.True(t, forced.Accepted)

	// but never the mutual-exclusion invariant
	again, err := f.coord.Submit(ctx, f.family, Request{Cause: models.TriggerCauseManual, RequestedBy: "ops", Force: true})
	require.NoError(t, err)
	assert.False(t, again.Accepted)
	assert.Equal(t, RejectAlreadyActive, again.Reason)
}

func TestEvaluateFamilyDriftFires(t *testing.T) {
	f := newCoordFixture(t)
	f.deployChampion(t, 0.80, time.Hour)
	f.observe(t, 0.75, 0.75, 0.75)

	res, verdict, err := f.coord.EvaluateFamily(context.Background(), f.family, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, verdict.Retrain)
	require.NotNil(t, res)
	assert.True(t, res.Accepted)

	job, err := f.store.JobByID(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerCausePerformanceDrift, job.Cause)
}

func TestEvaluateFamilyScheduleFires(t *testing.T) {
	f := newCoordFixture(t)
	f.deployChampion(t, 0.80, 8*24*time.Hour)
	// healthy scores, but the deployment is stale
	f.observe(t, 0.80, 0.80, 0.80)

	res, verdict, err := f.coord.EvaluateFamily(context.Background(), f.family, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, verdict.Retrain)
	require.NotNil(t, res)
	assert.True(t, res.Accepted)

	job, err := f.store.JobByID(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerCauseSchedule, job.Cause)
}

func TestEvaluateFamilyDriftTakesPrecedenceOverSchedule(t *testing.T) {
	f := newCoordFixture(t)
	// both conditions hold: degraded scores and a stale deployment
	f.deployChampion(t, 0.80, 8*24*time.Hour)
	f.observe(t, 0.70, 0.70, 0.70)

	res, verdict, err := f.coord.EvaluateFamily(context.Background(), f.family, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, verdict.Retrain)
	require.NotNil(t, res)
	require.True(t, res.Accepted)

	// one trigger, one job, attributed to drift
	job, err := f.store.JobByID(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerCausePerformanceDrift, job.Cause)

	active, err := f.store.ActiveJob(context.Background(), f.family.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, active.ID)
}

func TestEvaluateFamilyNothingFires(t *testing.T) {
	f := newCoordFixture(t)
	f.deployChampion(t, 0.80, time.Hour)
	f.observe(t, 0.80, 0.80, 0.80)

	res, verdict, err := f.coord.EvaluateFamily(context.Background(), f.family, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.False(t, verdict.Retrain)

	// the verdict is still recorded for the audit trail
	entry, err := f.audit.LastDecision(context.Background(), f.family.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditDriftVerdict, entry.Action)
	assert.Equal(t, models.ActorDriftEvaluator, entry.Actor)
}
