// Package degrade holds operator switches that turn away requests of a
// scope (for example new orders) while a participant is overloaded or
// down. Switches live in Redis so every gateway instance sees them.
package degrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "degrade:"

// Strategy is what a degraded scope answers with.
type Strategy struct {
	Message    string    `json:"message"`
	RetryAfter int       `json:"retry_after"` // seconds, 0 for no hint
	Since      time.Time `json:"since"`
}

const defaultMessage = "service busy, please try again later"

// Switch reads and flips degrade switches.
type Switch struct {
	redis redis.UniversalClient
}

// NewSwitch creates a switch on an existing client.
func NewSwitch(client redis.UniversalClient) *Switch {
	return &Switch{redis: client}
}

func key(scope string) string {
	return keyPrefix + scope
}

// Check returns the strategy of a degraded scope, or nil when the scope
// is serving normally.
func (s *Switch) Check(ctx context.Context, scope string) (*Strategy, error) {
	data, err := s.redis.Get(ctx, key(scope)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read degrade switch %s: %w", scope, err)
	}

	var strategy Strategy
	if err := json.Unmarshal(data, &strategy); err != nil || strategy.Message == "" {
		strategy.Message = defaultMessage
	}
	return &strategy, nil
}

// Enable degrades scope. A positive ttl lifts the switch automatically.
func (s *Switch) Enable(ctx context.Context, scope string, strategy Strategy, ttl time.Duration) error {
	if strategy.Message == "" {
		strategy.Message = defaultMessage
	}
	if strategy.Since.IsZero() {
		strategy.Since = time.Now().UTC()
	}
	data, err := json.Marshal(strategy)
	if err != nil {
		return fmt.Errorf("marshal strategy: %w", err)
	}
	if err := s.redis.Set(ctx, key(scope), data, ttl).Err(); err != nil {
		return fmt.Errorf("enable degrade %s: %w", scope, err)
	}
	return nil
}

// Disable restores scope.
func (s *Switch) Disable(ctx context.Context, scope string) error {
	if err := s.redis.Del(ctx, key(scope)).Err(); err != nil {
		return fmt.Errorf("disable degrade %s: %w", scope, err)
	}
	return nil
}

// List returns every degraded scope.
func (s *Switch) List(ctx context.Context) (map[string]*Strategy, error) {
	result := make(map[string]*Strategy)

	iter := s.redis.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		scope := strings.TrimPrefix(iter.Val(), keyPrefix)
		strategy, err := s.Check(ctx, scope)
		if err != nil {
			return nil, err
		}
		if strategy != nil {
			result[scope] = strategy
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan degrade switches: %w", err)
	}
	return result, nil
}
