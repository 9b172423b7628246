// Package observations implements the metrics gateway: read access to
// recent performance samples for a family. Reads are pure; the only write
// path is the ingestion helper used by the external metrics source.
package observations

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/modelops/lifecycle/internal/models"
	"github.com/modelops/lifecycle/internal/store"
)

// Gateway reads performance observations, optionally through a short-TTL
// redis cache. The store stays the source of truth; the cache only absorbs
// repeated window reads from evaluation cycles and CheckPerformance calls.
type Gateway struct {
	store    *store.Store
	cache    *redis.Client
	cacheTTL time.Duration
	logger   *zap.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithCache enables the redis read-through cache.
func WithCache(client *redis.Client, ttl time.Duration) Option {
	return func(g *Gateway) {
		g.cache = client
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		g.cacheTTL = ttl
	}
}

// NewGateway creates the gateway.
func NewGateway(st *store.Store, logger *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{store: st, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Recent returns the family's observations inside the lookback window ending
// now, oldest first.
func (g *Gateway) Recent(ctx context.Context, familyID uuid.UUID, window time.Duration, now time.Time) ([]models.PerformanceObservation, error) {
	since := now.Add(-window)

	if g.cache != nil {
		key := cacheKey(familyID, since)
		if raw, err := g.cache.Get(ctx, key).Bytes(); err == nil {
			var cached []models.PerformanceObservation
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
			// corrupt cache entry, fall through to the store
		}
	}

	obs, err := g.store.Observations(ctx, familyID, since)
	if err != nil {
		return nil, err
	}

	if g.cache != nil {
		if raw, err := json.Marshal(obs); err == nil {
			if err := g.cache.Set(ctx, cacheKey(familyID, since), raw, g.cacheTTL).Err(); err != nil {
				g.logger.Debug("observation cache write failed", zap.Error(err))
			}
		}
	}
	return obs, nil
}

// Record ingests one performance sample. This is the write half of the
// external metrics source interface.
func (g *Gateway) Record(ctx context.Context, familyID, versionID uuid.UUID, score decimal.Decimal, observedAt time.Time) error {
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}
	obs := &models.PerformanceObservation{
		FamilyID:   familyID,
		VersionID:  versionID,
		Score:      score,
		ObservedAt: observedAt,
		CreatedAt:  time.Now().UTC(),
	}
	return g.store.CreateObservation(ctx, obs)
}

func cacheKey(familyID uuid.UUID, since time.Time) string {
	// bucket by minute so repeated cycle reads share an entry
	return fmt.Sprintf("lifecycle:obs:%s:%d", familyID, since.Unix()/60)
}
