package app

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"fulfillment/internal/repository"
	"fulfillment/pkg/lock"
	"fulfillment/pkg/log"
)

const (
	purgeLockKey = "saga_log:purge"
	purgeBatch   = 1000
)

// Purger deletes saga log entries older than the retention window. Every
// worker runs one; the lease makes sure a single worker purges per interval.
type Purger struct {
	client    redis.UniversalClient
	repo      repository.SagaLogRepository
	retention time.Duration
	interval  time.Duration
	batch     int
	now       func() time.Time
}

// NewPurger creates a saga log purger
func NewPurger(client redis.UniversalClient, repo repository.SagaLogRepository, retention, interval time.Duration) *Purger {
	return &Purger{
		client:    client,
		repo:      repo,
		retention: retention,
		interval:  interval,
		batch:     purgeBatch,
		now:       time.Now,
	}
}

// Run purges once per interval until ctx is done.
func (p *Purger) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.PurgeOnce(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Failed to purge saga log")
			}
		}
	}
}

// PurgeOnce deletes expired entries unless another worker already took
// this round. Entries go in batches and the lease is extended after every
// full one. The lease is left to expire rather than released, so it spaces
// purges across the fleet.
func (p *Purger) PurgeOnce(ctx context.Context) (int64, error) {
	ttl := p.interval - p.interval/10
	lease := lock.NewRedisLock(p.client, purgeLockKey, ttl)
	if err := lease.Lock(ctx); err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := p.now().Add(-p.retention)
	var total int64
	for {
		n, err := p.repo.PurgeBefore(ctx, cutoff, p.batch)
		if err != nil {
			// let the next worker retry right away
			_ = lease.Unlock(ctx)
			return total, err
		}
		total += n
		if n < int64(p.batch) {
			break
		}
		if err := lease.Extend(ctx, ttl); err != nil {
			// another worker owns the round now
			log.WithError(err).WithField("deleted", total).Warn("Lost saga log purge lease")
			break
		}
	}

	if total > 0 {
		log.WithFields(log.Fields{
			"deleted": total,
			"cutoff":  cutoff.Format(time.RFC3339),
		}).Info("Purged saga log")
	}
	return total, nil
}
