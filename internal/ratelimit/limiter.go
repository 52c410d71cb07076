// Package ratelimit enforces fixed-window quotas per user and kind.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/metrics"
	"go.uber.org/zap"
)

var errMissingUserID = errors.New("ratelimit: user id is required")

// Config describes the dependencies of a Limiter.
type Config struct {
	Policy  Policy
	Store   Store
	Clock   func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Limiter consumes quota points. Each (user, kind) bucket is independent.
type Limiter struct {
	policy  Policy
	store   Store
	clock   func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New validates the configuration and returns a Limiter. A nil store selects
// an in-memory store and a nil policy the defaults.
func New(cfg Config) (*Limiter, error) {
	policy := cfg.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{policy: policy, store: store, clock: clock, logger: logger, metrics: cfg.Metrics}, nil
}

func bucketKey(userID string, kind Kind) string {
	return userID + ":" + string(kind)
}

// Consume takes one point from the (userID, kind) bucket. An exhausted bucket
// is left untouched. When the store fails the request is allowed and the
// failure is logged and counted.
func (l *Limiter) Consume(ctx context.Context, userID string, kind Kind) (Decision, error) {
	if strings.TrimSpace(userID) == "" {
		return Decision{}, errMissingUserID
	}
	quota, ok := l.policy[kind]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	now := l.clock()
	bucket, allowed, err := l.store.Take(ctx, bucketKey(userID, kind), quota, now)
	if err != nil {
		l.metrics.RateLimitFailOpen()
		l.logger.Warn("rate limit store unavailable, allowing request",
			zap.String("user_id", userID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return Decision{Allowed: true, Remaining: quota.Points, ResetAt: now.Add(quota.Window)}, nil
	}
	remaining := quota.Points - bucket.Used
	if remaining < 0 {
		remaining = 0
	}
	if !allowed {
		l.metrics.RateLimited(string(kind))
	}
	return Decision{Allowed: allowed, Remaining: remaining, ResetAt: bucket.ResetAt}, nil
}

// Status reports every bucket of userID without consuming.
func (l *Limiter) Status(ctx context.Context, userID string) ([]BucketStatus, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errMissingUserID
	}
	now := l.clock()
	statuses := make([]BucketStatus, 0, len(Kinds))
	for _, kind := range Kinds {
		quota := l.policy[kind]
		status := BucketStatus{Kind: kind, Limit: quota.Points, Remaining: quota.Points, ResetAt: now.Add(quota.Window)}
		bucket, ok, err := l.store.Peek(ctx, bucketKey(userID, kind), now)
		if err != nil {
			return nil, err
		}
		if ok {
			status.Remaining = quota.Points - bucket.Used
			if status.Remaining < 0 {
				status.Remaining = 0
			}
			status.ResetAt = bucket.ResetAt
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Reset clears every bucket of userID.
func (l *Limiter) Reset(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errMissingUserID
	}
	keys := make([]string, 0, len(Kinds))
	for _, kind := range Kinds {
		keys = append(keys, bucketKey(userID, kind))
	}
	if err := l.store.Delete(ctx, keys...); err != nil {
		return err
	}
	l.logger.Info("rate limits reset", zap.String("user_id", userID))
	return nil
}
