// Package warehouse is the inventory participant. Every forward step is
// journaled under its saga so a later rollout can undo it, and answers with
// exactly one commit or rollout on the transactions topic.
package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"fulfillment/internal/config"
	"fulfillment/internal/inventory"
	"fulfillment/internal/model"
	"fulfillment/internal/monitor"
	"fulfillment/internal/saga"
	"fulfillment/internal/schema"
	"fulfillment/pkg/log"
)

const participantName = config.RoleWarehouse

// Participant reserves, adjusts and releases stock.
type Participant struct {
	engine     *inventory.Engine
	topics     config.TopicsConfig
	journalTTL time.Duration
	metrics    *monitor.MetricsCollector
}

// NewParticipant creates the warehouse participant. metrics may be nil.
func NewParticipant(engine *inventory.Engine, topics config.TopicsConfig, sagaCfg config.SagaConfig, metrics *monitor.MetricsCollector) *Participant {
	return &Participant{
		engine:     engine,
		topics:     topics,
		journalTTL: sagaCfg.JournalTTL,
		metrics:    metrics,
	}
}

func (p *Participant) Name() string {
	return participantName
}

func (p *Participant) Schema(op saga.Operation) string {
	switch op {
	case saga.Create:
		return schema.WarehouseReserve
	case saga.Update:
		return schema.WarehouseAdjust
	case saga.Delete:
		return schema.WarehouseRelease
	}
	return ""
}

// Create reserves the goods of a new order.
func (p *Participant) Create(ctx context.Context, env *saga.Envelope) (*saga.Outcome, error) {
	var body model.GoodsPayload
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		return nil, err
	}
	return p.step(ctx, env, func(opt inventory.Option) error {
		return p.engine.Reserve(ctx, body.Goods, opt)
	})
}

// Update applies the net change of an order update.
func (p *Participant) Update(ctx context.Context, env *saga.Envelope) (*saga.Outcome, error) {
	var body model.AdjustPayload
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		return nil, err
	}
	return p.step(ctx, env, func(opt inventory.Option) error {
		return p.engine.Adjust(ctx, body.Goods, opt)
	})
}

// Delete releases the goods of a deleted order.
func (p *Participant) Delete(ctx context.Context, env *saga.Envelope) (*saga.Outcome, error) {
	var body model.GoodsPayload
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		return nil, err
	}
	return p.step(ctx, env, func(opt inventory.Option) error {
		return p.engine.Release(ctx, body.Goods, opt)
	})
}

// step runs one journaled stock change. An existing journal of the saga
// means the message is a redelivery: the change was already made, so only
// the answer is sent again.
func (p *Participant) step(ctx context.Context, env *saga.Envelope, change func(inventory.Option) error) (*saga.Outcome, error) {
	if env.SagaID == "" {
		return nil, saga.NewError(saga.KindMissingKey, env.Operation, saga.ErrMissingCorrelationKey)
	}
	key := env.Ref.JournalKey(env.SagaID)
	logger := log.WithOrder(participantName, env.Ref.UserID, env.Ref.OrderID, env.SagaID)

	journal, err := p.engine.Journal(ctx, key)
	if err != nil {
		return nil, err
	}
	if journal != nil {
		logger.WithField("state", journal.State).Info("Stock change already applied, repeating answer")
		if journal.State == inventory.JournalCompensated {
			return p.outcome(env, saga.Rollback), nil
		}
		return p.outcome(env, saga.Commit), nil
	}

	if err := change(inventory.WithJournal(key, env.SagaID, p.journalTTL)); err != nil {
		return nil, err
	}
	logger.WithField("operation", env.Operation.String()).Info("Stock changed")
	return p.outcome(env, saga.Commit), nil
}

// Commit makes the saga's stock change permanent.
func (p *Participant) Commit(ctx context.Context, env *saga.Envelope) (*saga.Outcome, error) {
	resolved, err := p.engine.Finalize(ctx, env.Ref.JournalKey(env.SagaID), env.SagaID)
	if err != nil {
		return nil, err
	}
	log.WithOrder(participantName, env.Ref.UserID, env.Ref.OrderID, env.SagaID).
		WithField("resolved", resolved).Debug("Reservation finalized")
	return nil, nil
}

// Rollback undoes the saga's stock change.
func (p *Participant) Rollback(ctx context.Context, env *saga.Envelope) (*saga.Outcome, error) {
	res, err := p.engine.Compensate(ctx, env.Ref.JournalKey(env.SagaID), env.SagaID)
	logger := log.WithOrder(participantName, env.Ref.UserID, env.Ref.OrderID, env.SagaID)
	if errors.Is(err, inventory.ErrJournalMismatch) {
		logger.WithError(err).Warn("Journal belongs to another saga, nothing compensated")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if res.Shortfall > 0 {
		logger.WithField("shortfall", res.Shortfall).Warn("Compensation could not restore all stock")
		if p.metrics != nil {
			p.metrics.RecordShortfall(res.Shortfall)
		}
	}
	logger.WithField("goods", res.Applied).Info("Reservation compensated")
	return nil, nil
}

// Reject answers a failed forward step with a rollout. Terminal steps emit
// nothing.
func (p *Participant) Reject(ctx context.Context, env *saga.Envelope, err error) *saga.Outcome {
	if !env.Operation.Forward() || env.SagaID == "" {
		return nil
	}
	return p.outcome(env, saga.Rollback)
}

func (p *Participant) outcome(env *saga.Envelope, op saga.Operation) *saga.Outcome {
	return &saga.Outcome{Topic: p.topics.Transactions, Operation: op, SagaID: env.SagaID}
}
