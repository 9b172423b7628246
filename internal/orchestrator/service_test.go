package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modelops/lifecycle/internal/audit"
	"github.com/modelops/lifecycle/internal/database"
	"github.com/modelops/lifecycle/internal/deploy"
	"github.com/modelops/lifecycle/internal/drift"
	"github.com/modelops/lifecycle/internal/models"
	"github.com/modelops/lifecycle/internal/notify"
	"github.com/modelops/lifecycle/internal/observations"
	"github.com/modelops/lifecycle/internal/store"
	"github.com/modelops/lifecycle/internal/training"
	"github.com/modelops/lifecycle/internal/trigger"
	"github.com/modelops/lifecycle/internal/validation"
)

// queueTrainer returns pre-seeded scores in submission order and completes
// instantly. An empty queue fails the attempt non-retryably.
type queueTrainer struct {
	mu     sync.Mutex
	scores []decimal.Decimal
	runs   map[string]decimal.Decimal
}

func newQueueTrainer(scores ...float64) *queueTrainer {
	q := &queueTrainer{runs: make(map[string]decimal.Decimal)}
	for _, s := range scores {
		q.scores = append(q.scores, decimal.NewFromFloat(s))
	}
	return q
}

func (q *queueTrainer) SubmitTraining(ctx context.Context, family models.ModelFamily, cause models.TriggerCause, window training.DataWindow) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	handle := uuid.NewString()
	if len(q.scores) > 0 {
		q.runs[handle] = q.scores[0]
		q.scores = q.scores[1:]
	}
	return handle, nil
}

func (q *queueTrainer) PollStatus(ctx context.Context, handle string) (training.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	score, ok := q.runs[handle]
	if !ok {
		return training.Status{State: training.RemoteFailed, Reason: "no scripted score", Retryable: false}, nil
	}
	return training.Status{
		State:       training.RemoteSucceeded,
		ArtifactRef: "s3://models/" + handle,
		Score:       score,
		SampleCount: 1000,
	}, nil
}

func (q *queueTrainer) Cancel(ctx context.Context, handle string) error { return nil }

type serviceFixture struct {
	store   *store.Store
	gateway *observations.Gateway
	audit   *audit.Service
	trainer *queueTrainer
	svc     *Service
	family  *models.ModelFamily
}

func newServiceFixture(t *testing.T, scores ...float64) *serviceFixture {
	t.Helper()
	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	log := zap.NewNop()
	st := store.NewStore(db, log)
	auditSvc := audit.NewService(db, log)
	gateway := observations.NewGateway(st, log)
	notifier := notify.NewLogNotifier(log)
	driftEval := drift.NewEvaluator(st, gateway, log)
	coordinator := trigger.NewCoordinator(st, driftEval, drift.NewScheduleEvaluator(), auditSvc, log)
	trainer := newQueueTrainer(scores...)
	manager := training.NewManager(st, auditSvc, trainer, notifier, log, training.Config{
		PollInterval: time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   4 * time.Millisecond,
	})
	gate := validation.NewGate(st, auditSvc, notifier, log)
	decider := deploy.NewDecider(st, auditSvc, notifier, log)
	svc := NewService(st, gateway, coordinator, driftEval, manager, gate, decider, auditSvc, log, Config{EvalWorkers: 2})

	now := time.Now().UTC()
	family := &models.ModelFamily{
		Name:                "recommendations",
		DriftThreshold:      decimal.NewFromFloat(0.03),
		AutoDeployThreshold: decimal.NewFromFloat(0.02),
		RegressionTolerance: decimal.NewFromFloat(0.01),
		MinQualityFloor:     decimal.NewFromFloat(0.5),
		MinTrainingSamples:  3,
		MaxRetries:          1,
		ScheduleInterval:    7 * 24 * time.Hour,
		LookbackWindow:      24 * time.Hour,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	require.NoError(t, st.CreateFamily(context.Background(), family))

	return &serviceFixture{
		store:   st,
		gateway: gateway,
		audit:   auditSvc,
		trainer: trainer,
		svc:     svc,
		family:  family,
	}
}

func (f *serviceFixture) refresh(t *testing.T) *models.ModelFamily {
	t.Helper()
	fresh, err := f.store.FamilyByID(context.Background(), f.family.ID)
	require.NoError(t, err)
	f.family = fresh
	return fresh
}

func (f *serviceFixture) triggerAndWait(t *testing.T) TriggerOutcome {
	t.Helper()
	outcomes := f.svc.TriggerRetraining(context.Background(), []uuid.UUID{f.family.ID}, trigger.Request{
		Cause:       models.TriggerCauseManual,
		RequestedBy: "ops@example.com",
	})
	require.Len(t, outcomes, 1)
	f.svc.Wait()
	return outcomes[0]
}

func TestPipelineFirstDeployment(t *testing.T) {
	f := newServiceFixture(t, 0.80)

	outcome := f.triggerAndWait(t)
	require.True(t, outcome.Accepted)

	family := f.refresh(t)
	require.NotNil(t, family.ChampionVersionID)
	assert.Nil(t, family.ActiveTriggerID, "trigger slot released after pipeline")

	champion, err := f.store.VersionByID(context.Background(), *family.ChampionVersionID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionStatusDeployed, champion.Status)
	assert.True(t, champion.Score.Equal(decimal.NewFromFloat(0.80)))
}

func TestPipelineAutoDeploysImprovedCandidate(t *testing.T) {
	f := newServiceFixture(t, 0.80, 0.83)

	first := f.triggerAndWait(t)
	require.True(t, first.Accepted)
	oldChampion := *f.refresh(t).ChampionVersionID

	second := f.triggerAndWait(t)
	require.True(t, second.Accepted)

	family := f.refresh(t)
	require.NotNil(t, family.ChampionVersionID)
	assert.NotEqual(t, oldChampion, *family.ChampionVersionID)

	retired, err := f.store.VersionByID(context.Background(), oldChampion)
	require.NoError(t, err)
	assert.Equal(t, models.VersionStatusRetired, retired.Status)
}

func TestPipelineHoldsMarginalCandidate(t *testing.T) {
	f := newServiceFixture(t, 0.80, 0.805)

	require.True(t, f.triggerAndWait(t).Accepted)
	champion := *f.refresh(t).ChampionVersionID

	require.True(t, f.triggerAndWait(t).Accepted)

	family := f.refresh(t)
	assert.Equal(t, champion, *family.ChampionVersionID, "champion unchanged")
	assert.Nil(t, family.ActiveTriggerID)

	status, err := f.svc.GetStatus(context.Background(), family.ID)
	require.NoError(t, err)
	require.NotNil(t, status.HeldCandidate)
	assert.True(t, status.HeldCandidate.Score.Equal(decimal.NewFromFloat(0.805)))
	require.NotNil(t, status.LastDecision)
	assert.Equal(t, models.AuditDeployHeld, status.LastDecision.Action)

	// manual approval completes the deferred deployment
	require.NoError(t, f.svc.PromoteHeld(context.Background(), family.ID, status.HeldCandidate.ID, "ops@example.com"))
	family = f.refresh(t)
	assert.Equal(t, status.HeldCandidate.ID, *family.ChampionVersionID)
}

func TestPipelineRejectsRegressedCandidate(t *testing.T) {
	f := newServiceFixture(t, 0.80, 0.60)

	require.True(t, f.triggerAndWait(t).Accepted)
	champion := *f.refresh(t).ChampionVersionID

	require.True(t, f.triggerAndWait(t).Accepted)

	family := f.refresh(t)
	assert.Equal(t, champion, *family.ChampionVersionID)
	assert.Nil(t, family.ActiveTriggerID, "slot released after rejection")

	status, err := f.svc.GetStatus(context.Background(), family.ID)
	require.NoError(t, err)
	assert.Nil(t, status.HeldCandidate)
	assert.Equal(t, models.AuditValidationRejected, status.LastDecision.Action)
}

func TestPipelineFailedTrainingReleasesSlot(t *testing.T) {
	// empty queue: the single attempt fails non-retryably
	f := newServiceFixture(t)

	outcome := f.triggerAndWait(t)
	require.True(t, outcome.Accepted)

	family := f.refresh(t)
	assert.Nil(t, family.ActiveTriggerID)
	assert.Nil(t, family.ChampionVersionID)

	job, err := f.store.JobByID(context.Background(), outcome.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, job.State)
}

func TestConcurrentTriggersAcceptExactlyOne(t *testing.T) {
	f := newServiceFixture(t, 0.80)
	ctx := context.Background()

	const submitters = 8
	results := make(chan TriggerOutcome, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := f.svc.TriggerRetraining(ctx, []uuid.UUID{f.family.ID}, trigger.Request{
				Cause:       models.TriggerCauseManual,
				RequestedBy: "race",
			})
			results <- out[0]
		}()
	}
	wg.Wait()
	close(results)
	f.svc.Wait()

	var accepted, rejected int
	for out := range results {
		if out.Accepted {
			accepted++
		} else {
			rejected++
			assert.Equal(t, trigger.RejectAlreadyActive, out.Reason)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, submitters-1, rejected)
}

func TestCheckPerformanceIsReadOnly(t *testing.T) {
	f := newServiceFixture(t, 0.80)
	ctx := context.Background()

	require.True(t, f.triggerAndWait(t).Accepted)
	family := f.refresh(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, f.gateway.Record(ctx, family.ID, *family.ChampionVersionID,
			decimal.NewFromFloat(0.70), time.Now().UTC().Add(-time.Hour)))
	}

	verdicts := f.svc.CheckPerformance(ctx, []uuid.UUID{family.ID}, nil)
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Verdict.Retrain)

	// a check never claims the trigger slot
	assert.Nil(t, f.refresh(t).ActiveTriggerID)
}

func TestCheckPerformanceOverrides(t *testing.T) {
	f := newServiceFixture(t, 0.80)
	ctx := context.Background()

	require.True(t, f.triggerAndWait(t).Accepted)
	family := f.refresh(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, f.gateway.Record(ctx, family.ID, *family.ChampionVersionID,
			decimal.NewFromFloat(0.785), time.Now().UTC().Add(-time.Hour)))
	}

	// default threshold 0.03 does not fire on a 0.015 drop
	verdicts := f.svc.CheckPerformance(ctx, []uuid.UUID{family.ID}, nil)
	require.Len(t, verdicts, 1)
	assert.False(t, verdicts[0].Verdict.Retrain)

	tighter := decimal.NewFromFloat(0.01)
	verdicts = f.svc.CheckPerformance(ctx, []uuid.UUID{family.ID}, &CheckOverrides{DriftThreshold: &tighter})
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Verdict.Retrain)
}

func TestEvaluationCycleRunsPipeline(t *testing.T) {
	f := newServiceFixture(t, 0.80, 0.85)
	ctx := context.Background()

	require.True(t, f.triggerAndWait(t).Accepted)
	family := f.refresh(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, f.gateway.Record(ctx, family.ID, *family.ChampionVersionID,
			decimal.NewFromFloat(0.70), time.Now().UTC().Add(-time.Hour)))
	}

	require.NoError(t, f.svc.EvaluationCycle(ctx))
	f.svc.Wait()

	fresh := f.refresh(t)
	require.NotNil(t, fresh.ChampionVersionID)
	assert.NotEqual(t, *family.ChampionVersionID, *fresh.ChampionVersionID, "drift retrain deployed a new champion")

	job, err := f.store.ActiveJob(ctx, family.ID)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestListHistoryReplaysJobLifecycle(t *testing.T) {
	f := newServiceFixture(t, 0.80)
	ctx := context.Background()

	outcome := f.triggerAndWait(t)
	require.True(t, outcome.Accepted)

	var actions []models.AuditAction
	var cursor uint64
	for {
		entries, next, err := f.svc.ListHistory(ctx, f.family.ID, 2, cursor)
		require.NoError(t, err)
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			actions = append(actions, e.Action)
		}
		cursor = next
	}

	assert.Equal(t, []models.AuditAction{
		models.AuditTriggerAccepted,
		models.AuditJobPending,
		models.AuditJobRunning,
		models.AuditJobSucceeded,
		models.AuditValidationPassed,
		models.AuditDeployPromoted,
	}, actions)
}

func TestGetStatusUnknownFamily(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.GetStatus(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
