package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"aquamonitor/internal/logging"
	"aquamonitor/internal/models"
)

// Source is the rule lookup the evaluator pipeline reads from. It returns
// nil, nil when the parameter has no active rule.
type Source interface {
	GetActiveRuleForParameter(ctx context.Context, parameterID int64) (*models.ThresholdRule, error)
}

const noRule = "null"

// CachedStore fronts a Source with a Redis read-through cache. Entries
// expire after ttl and are dropped by Invalidate on rule writes.
type CachedStore struct {
	source Source
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *logging.Logger
}

func NewCachedStore(source Source, client *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{
		source: source,
		client: client,
		ttl:    ttl,
		prefix: "aquamonitor:rule:",
		logger: logger,
	}
}

func (s *CachedStore) key(parameterID int64) string {
	return fmt.Sprintf("%s%d", s.prefix, parameterID)
}

// GetActiveRuleForParameter returns the cached rule, loading it from the
// source on a miss. Cache failures degrade to direct source reads.
func (s *CachedStore) GetActiveRuleForParameter(ctx context.Context, parameterID int64) (*models.ThresholdRule, error) {
	if s.client == nil {
		return s.source.GetActiveRuleForParameter(ctx, parameterID)
	}

	key := s.key(parameterID)
	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if string(data) == noRule {
			return nil, nil
		}
		var rule models.ThresholdRule
		if err := json.Unmarshal(data, &rule); err == nil {
			return &rule, nil
		}
		s.logger.Warnf("Discarding undecodable cached rule %s", key)
	case errors.Is(err, redis.Nil):
	default:
		s.logger.Warnf("Rule cache read failed for %s: %v", key, err)
	}

	rule, err := s.source.GetActiveRuleForParameter(ctx, parameterID)
	if err != nil {
		return nil, err
	}

	payload := []byte(noRule)
	if rule != nil {
		if payload, err = json.Marshal(rule); err != nil {
			return rule, nil
		}
	}
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		s.logger.Warnf("Rule cache write failed for %s: %v", key, err)
	}
	return rule, nil
}

// Invalidate drops the cached rule of a parameter after it changed.
func (s *CachedStore) Invalidate(ctx context.Context, parameterID int64) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Del(ctx, s.key(parameterID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate rule cache: %w", err)
	}
	return nil
}
