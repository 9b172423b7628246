// Package drift implements the performance-drift evaluator and the
// time-based forced-retrain evaluator. Both are pure over store reads: they
// never mutate state and never submit triggers themselves.
package drift

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/modelops/lifecycle/internal/models"
	"github.com/modelops/lifecycle/internal/observations"
	"github.com/modelops/lifecycle/internal/store"
)

// VerdictReason is the enumerated reason attached to a drift verdict.
type VerdictReason string

const (
	ReasonDriftExceeded    VerdictReason = "drift_exceeded"
	ReasonWithinThreshold  VerdictReason = "within_threshold"
	ReasonInsufficientData VerdictReason = "insufficient_data"
	ReasonNoChampion       VerdictReason = "no_champion"
)

// Verdict is the outcome of a drift evaluation. It is a value, not an
// error: insufficient evidence and healthy performance are both valid
// non-retrain verdicts.
type Verdict struct {
	FamilyID      uuid.UUID       `json:"family_id"`
	Retrain       bool            `json:"retrain"`
	CurrentScore  decimal.Decimal `json:"current_score"`
	BaselineScore decimal.Decimal `json:"baseline_score"`
	Delta         decimal.Decimal `json:"delta"`
	SampleCount   int             `json:"sample_count"`
	Reason        VerdictReason   `json:"reason"`
	Detail        string          `json:"detail,omitempty"`
}

// Evaluator compares recent performance against the champion's
// deployment-time baseline.
type Evaluator struct {
	store   *store.Store
	gateway *observations.Gateway
	logger  *zap.Logger
}

// NewEvaluator creates a drift evaluator.
func NewEvaluator(st *store.Store, gateway *observations.Gateway, logger *zap.Logger) *Evaluator {
	return &Evaluator{store: st, gateway: gateway, logger: logger}
}

// Evaluate computes the drift verdict for a family over the given lookback
// window. It fails open: with fewer than MinTrainingSamples observations, or
// with no deployed champion to compare against, the verdict is
// retrain=false. Only degradation at or beyond the threshold fires;
// improvement never does.
func (e *Evaluator) Evaluate(ctx context.Context, family *models.ModelFamily, window time.Duration, now time.Time) (Verdict, error) {
	verdict := Verdict{FamilyID: family.ID}

	obs, err := e.gateway.Recent(ctx, family.ID, window, now)
	if err != nil {
		return verdict, fmt.Errorf("read observation window: %w", err)
	}
	verdict.SampleCount = len(obs)

	if len(obs) < family.MinTrainingSamples {
		verdict.Reason = ReasonInsufficientData
		verdict.Detail = fmt.Sprintf("%d observations in window, need %d", len(obs), family.MinTrainingSamples)
		return verdict, nil
	}

	if family.ChampionVersionID == nil {
		verdict.Reason = ReasonNoChampion
		verdict.Detail = "no deployed champion to compare against"
		return verdict, nil
	}
	champion, err := e.store.VersionByID(ctx, *family.ChampionVersionID)
	if err != nil {
		return verdict, fmt.Errorf("load champion: %w", err)
	}

	sum := decimal.Zero
	for _, o := range obs {
		sum = sum.Add(o.Score)
	}
	verdict.CurrentScore = sum.Div(decimal.NewFromInt(int64(len(obs)))).Round(8)
	verdict.BaselineScore = champion.Score
	verdict.Delta = verdict.BaselineScore.Sub(verdict.CurrentScore)

	if verdict.Delta.GreaterThanOrEqual(family.DriftThreshold) {
		verdict.Retrain = true
		verdict.Reason = ReasonDriftExceeded
		verdict.Detail = fmt.Sprintf("score dropped %s against baseline %s (threshold %s)",
			verdict.Delta, verdict.BaselineScore, family.DriftThreshold)
	} else {
		verdict.Reason = ReasonWithinThreshold
	}

	e.logger.Debug("drift evaluated",
		zap.String("family", family.Name),
		zap.Bool("retrain", verdict.Retrain),
		zap.String("reason", string(verdict.Reason)),
		zap.String("delta", verdict.Delta.String()),
		zap.Int("samples", verdict.SampleCount))
	return verdict, nil
}

// ScheduleEvaluator decides whether a forced retrain is due purely on time
// since the last deployment, guarding against silent staleness when
// accuracy stays coincidentally flat.
type ScheduleEvaluator struct{}

// NewScheduleEvaluator creates a schedule evaluator.
func NewScheduleEvaluator() *ScheduleEvaluator {
	return &ScheduleEvaluator{}
}

// DueForForcedRetrain reports whether the family's schedule interval has
// elapsed since its last deployment. A family that has never deployed has
// nothing to go stale, so it is never due.
func (s *ScheduleEvaluator) DueForForcedRetrain(family *models.ModelFamily, now time.Time) bool {
	if family.ScheduleInterval <= 0 {
		return false
	}
	if family.LastDeployedAt == nil {
		return false
	}
	return now.Sub(*family.LastDeployedAt) >= family.ScheduleInterval
}
