package orders

import (
	"context"
	"time"

	"fulfillment/internal/config"
	"fulfillment/internal/monitor"
	"fulfillment/internal/saga"
	"fulfillment/internal/shadow"
	"fulfillment/pkg/log"
	"fulfillment/pkg/queue"
)

// Reaper rolls back sagas whose shadow outlived its deadline without a
// commit or rollback, and tells the warehouse to compensate them.
type Reaper struct {
	shadows  *shadow.Manager
	bus      queue.Bus
	topic    string
	interval time.Duration
	batch    int64
	metrics  *monitor.MetricsCollector
	now      func() time.Time
}

// NewReaper creates a reaper publishing rollouts on the warehouse topic.
// metrics may be nil.
func NewReaper(shadows *shadow.Manager, bus queue.Bus, topics config.TopicsConfig, sagaCfg config.SagaConfig, metrics *monitor.MetricsCollector) *Reaper {
	return &Reaper{
		shadows:  shadows,
		bus:      bus,
		topic:    topics.Warehouse,
		interval: sagaCfg.ReaperInterval,
		batch:    sagaCfg.ReaperBatch,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Run reaps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.WithField("interval", r.interval.String()).Info("Shadow reaper started")
	for {
		select {
		case <-ctx.Done():
			log.Info("Shadow reaper stopped")
			return nil
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Shadow reaper pass failed")
			}
		}
	}
}

// ReapOnce claims expired shadows and publishes one rollout per saga. A
// claim whose rollout cannot be published is put back for the next pass.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	claims, err := r.shadows.ClaimExpired(ctx, r.now(), r.batch)

	reaped := 0
	for _, c := range claims {
		msg := saga.NewMessage(saga.Rollback, c.Ref, c.SagaID, nil)
		logger := log.WithOrder(participantName, c.Ref.UserID, c.Ref.OrderID, c.SagaID)

		if perr := r.bus.Publish(ctx, r.topic, msg); perr != nil {
			logger.WithError(perr).Warn("Failed to publish rollout for expired shadow")
			if uerr := r.shadows.Unclaim(ctx, c); uerr != nil {
				logger.WithError(uerr).Error("Lost expired shadow deadline")
			}
			continue
		}
		logger.Info("Expired shadow rolled back")
		reaped++
	}

	if r.metrics != nil && reaped > 0 {
		r.metrics.RecordReaped(reaped)
	}
	return reaped, err
}
