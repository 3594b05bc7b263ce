// Package orders is the orders participant: it owns order records and opens
// the shadow of every saga.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"fulfillment/internal/config"
	"fulfillment/internal/model"
	"fulfillment/internal/saga"
	"fulfillment/internal/schema"
	"fulfillment/internal/shadow"
	"fulfillment/internal/store"
	"fulfillment/pkg/log"
)

const participantName = config.RoleOrders

var (
	ErrOrderNotEditable = errors.New("order can no longer be changed")
	ErrEmptyOrder       = errors.New("order would have no goods")
	ErrGoodNotInBody    = errors.New("good_id header does not match the payload")
)

// Participant handles order messages and transaction outcomes.
type Participant struct {
	store   *store.Store
	shadows *shadow.Manager
	topics  config.TopicsConfig
	saga    config.SagaConfig
	newID   func() string
}

// Option configures a Participant.
type Option func(*Participant)

// WithSagaIDs replaces the saga id generator.
func WithSagaIDs(next func() string) Option {
	return func(p *Participant) {
		p.newID = next
	}
}

// NewParticipant creates the orders participant.
func NewParticipant(s *store.Store, shadows *shadow.Manager, topics config.TopicsConfig, sagaCfg config.SagaConfig, opts ...Option) *Participant {
	p := &Participant{
		store:   s,
		shadows: shadows,
		topics:  topics,
		saga:    sagaCfg,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Participant) Name() string {
	return participantName
}

func (p *Participant) Schema(op saga.Operation) string {
	switch op {
	case saga.Create:
		return schema.OrderCreate
	case saga.Update:
		return schema.OrderUpdate
	}
	return ""
}

// Create opens a shadow for a new order and asks the warehouse to reserve
// its goods.
func (p *Participant) Create(ctx context.Context, env *saga.Envelope) (*saga.Outcome, error) {
	var body model.GoodsPayload
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		return nil, err
	}

	order := &model.Order{OrderRef: env.Ref, Status: model.StatusCreated, Goods: make(map[int64]int64)}
	for _, line := range body.Goods {
		order.Goods[line.ID] += line.Count
	}

	sagaID := p.newID()
	if _, err := p.shadows.BeginNew(ctx, env.Ref, sagaID, order.Fields()); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(model.GoodsPayload{Goods: order.Lines()})
	if err != nil {
		p.rollback(ctx, env.Ref, sagaID)
		return nil, err
	}
	return &saga.Outcome{Topic: p.topics.Warehouse, Operation: saga.Create, SagaID: sagaID, Payload: payload}, nil
}

// Update applies field operations to a shadow of the order and sends the
// net stock change to the warehouse.
func (p *Participant) Update(ctx context.Context, env *saga.Envelope) (*saga.Outcome, error) {
	var body model.UpdatePayload
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		return nil, err
	}
	if env.HasGoodID && !containsGood(body.Goods, env.GoodID) {
		return nil, saga.NewError(saga.KindValidation, saga.Update, fmt.Errorf("%w: %d", ErrGoodNotInBody, env.GoodID))
	}

	sagaID := p.newID()
	before, err := p.begin(ctx, saga.Update, env.Ref, sagaID)
	if err != nil {
		return nil, err
	}

	ops := make([]shadow.FieldOp, 0, len(body.Goods))
	for _, g := range body.Goods {
		ops = append(ops, shadow.FieldOp{Kind: g.Operation, Field: model.GoodKey(g.ID), Value: strconv.FormatInt(g.Count, 10)})
	}
	if err := p.shadows.Apply(ctx, env.Ref, sagaID, ops); err != nil {
		p.rollback(ctx, env.Ref, sagaID)
		return nil, err
	}

	after, err := p.read(ctx, env.Ref)
	if err != nil {
		p.rollback(ctx, env.Ref, sagaID)
		return nil, err
	}
	if len(after.Lines()) == 0 {
		p.rollback(ctx, env.Ref, sagaID)
		return nil, saga.NewError(saga.KindValidation, saga.Update, fmt.Errorf("%w: %s", ErrEmptyOrder, env.Ref))
	}

	payload, err := json.Marshal(model.AdjustPayload{Goods: before.Diff(after)})
	if err != nil {
		p.rollback(ctx, env.Ref, sagaID)
		return nil, err
	}
	return &saga.Outcome{Topic: p.topics.Warehouse, Operation: saga.Update, SagaID: sagaID, Payload: payload}, nil
}

// Delete marks the shadow deleted and asks the warehouse to release the
// order's goods.
func (p *Participant) Delete(ctx context.Context, env *saga.Envelope) (*saga.Outcome, error) {
	sagaID := p.newID()
	order, err := p.begin(ctx, saga.Delete, env.Ref, sagaID)
	if err != nil {
		return nil, err
	}

	op := shadow.FieldOp{Kind: model.OpUpdate, Field: model.FieldStatus, Value: string(model.StatusDeleted)}
	if err := p.shadows.Apply(ctx, env.Ref, sagaID, []shadow.FieldOp{op}); err != nil {
		p.rollback(ctx, env.Ref, sagaID)
		return nil, err
	}

	payload, err := json.Marshal(model.GoodsPayload{Goods: order.Lines()})
	if err != nil {
		p.rollback(ctx, env.Ref, sagaID)
		return nil, err
	}
	return &saga.Outcome{Topic: p.topics.Warehouse, Operation: saga.Delete, SagaID: sagaID, Payload: payload}, nil
}

// Commit promotes the shadow and tells the warehouse to finalize.
func (p *Participant) Commit(ctx context.Context, env *saga.Envelope) (*saga.Outcome, error) {
	sh, err := p.shadows.Get(ctx, env.Ref)
	if err != nil {
		return nil, err
	}
	if sh.SagaID != env.SagaID {
		return nil, fmt.Errorf("%w: %s owned by %s", shadow.ErrSagaMismatch, env.Ref, sh.SagaID)
	}

	var opts shadow.CommitOptions
	if model.Status(sh.Fields[model.FieldStatus]) == model.StatusDeleted {
		if p.saga.PurgeDeleted {
			opts.DeleteInstead = true
		} else {
			opts.LiveTTL = p.saga.DeletedRetention
		}
	}

	if err := p.shadows.Commit(ctx, env.Ref, env.SagaID, opts); err != nil {
		return nil, err
	}
	log.WithOrder(participantName, env.Ref.UserID, env.Ref.OrderID, env.SagaID).Info("Order committed")
	return &saga.Outcome{Topic: p.topics.Warehouse, Operation: saga.Commit, SagaID: env.SagaID}, nil
}

// Rollback discards the shadow of the saga.
func (p *Participant) Rollback(ctx context.Context, env *saga.Envelope) (*saga.Outcome, error) {
	if err := p.shadows.Rollback(ctx, env.Ref, env.SagaID); err != nil {
		return nil, err
	}
	log.WithOrder(participantName, env.Ref.UserID, env.Ref.OrderID, env.SagaID).Info("Order rolled back")
	return nil, nil
}

// Reject emits nothing. A commit that finds its shadow gone or taken by
// another saga leaves the saga's deadline in place, so the reaper sends the
// compensating rollout.
func (p *Participant) Reject(ctx context.Context, env *saga.Envelope, err error) *saga.Outcome {
	return nil
}

// Compensate drops the shadow opened for a forward step that never reached
// the warehouse.
func (p *Participant) Compensate(ctx context.Context, env *saga.Envelope, out *saga.Outcome) error {
	if !out.Operation.Forward() {
		return nil
	}
	return p.shadows.Rollback(ctx, env.Ref, out.SagaID)
}

// begin opens a shadow of an editable order and returns the order as it was.
func (p *Participant) begin(ctx context.Context, op saga.Operation, ref model.OrderRef, sagaID string) (*model.Order, error) {
	if _, err := p.shadows.Begin(ctx, ref, sagaID); err != nil {
		return nil, err
	}
	order, err := p.read(ctx, ref)
	if err != nil {
		p.rollback(ctx, ref, sagaID)
		return nil, err
	}
	if order.Status != model.StatusCreated {
		p.rollback(ctx, ref, sagaID)
		return nil, saga.NewError(saga.KindConflict, op, fmt.Errorf("%w: %s is %s", ErrOrderNotEditable, ref, order.Status))
	}
	return order, nil
}

func (p *Participant) read(ctx context.Context, ref model.OrderRef) (*model.Order, error) {
	sh, err := p.shadows.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return model.OrderFromFields(ref, sh.Fields)
}

func (p *Participant) rollback(ctx context.Context, ref model.OrderRef, sagaID string) {
	if err := p.shadows.Rollback(ctx, ref, sagaID); err != nil {
		log.WithOrder(participantName, ref.UserID, ref.OrderID, sagaID).WithError(err).Error("Failed to drop shadow")
	}
}

// Order returns the live order.
func (p *Participant) Order(ctx context.Context, ref model.OrderRef) (*model.Order, error) {
	fields, err := p.store.Get(ctx, ref.Key())
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", shadow.ErrOrderNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	return model.OrderFromFields(ref, fields)
}

func containsGood(goods []model.GoodOp, id int64) bool {
	for _, g := range goods {
		if g.ID == id {
			return true
		}
	}
	return false
}
