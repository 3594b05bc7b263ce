// Package billing is the terminal participant: it pays committed orders and
// reports the result on the events topic.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fulfillment/internal/config"
	"fulfillment/internal/model"
	"fulfillment/internal/saga"
	"fulfillment/internal/schema"
	"fulfillment/internal/shadow"
	"fulfillment/internal/store"
	"fulfillment/pkg/log"
)

const participantName = config.RoleBilling

var (
	ErrAlreadyPayed = errors.New("order already payed")
	ErrOrderDeleted = errors.New("order is deleted")
)

const (
	replyConflict     = "TRANSACTION_CONFLICT"
	replyNotFound     = "ORDER_NOT_FOUND"
	replyAlreadyPayed = "ALREADY_PAYED"
	replyDeleted      = "ORDER_DELETED"
)

// Participant handles billing messages.
type Participant struct {
	store  *store.Store
	topics config.TopicsConfig
	pay    *redis.Script
	newID  func() string
}

// NewParticipant creates the billing participant.
func NewParticipant(s *store.Store, topics config.TopicsConfig) *Participant {
	return &Participant{
		store:  s,
		topics: topics,
		pay:    redis.NewScript(payScript),
		newID:  uuid.NewString,
	}
}

func (p *Participant) Name() string {
	return participantName
}

func (p *Participant) Schema(op saga.Operation) string {
	if op == saga.Create {
		return schema.BillingCreate
	}
	return ""
}

// Create pays the order. An order with an open shadow is still in a saga
// and is refused.
func (p *Participant) Create(ctx context.Context, env *saga.Envelope) (*saga.Outcome, error) {
	var body model.BillingPayload
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		return nil, err
	}
	if env.SagaID == "" {
		env.SagaID = p.newID()
	}
	billingID := strconv.FormatInt(body.ID, 10)

	keys := []string{env.Ref.Key(), env.Ref.ShadowKey()}
	n, err := p.pay.Run(ctx, p.store.Client(), keys, billingID).Int()
	if err != nil {
		return nil, p.mapErr(env, err)
	}

	logger := log.WithOrder(participantName, env.Ref.UserID, env.Ref.OrderID, env.SagaID).WithField("billing_id", billingID)
	if n == 0 {
		logger.Info("Order already payed by this billing")
	} else {
		logger.Info("Order payed")
	}
	return p.outcome(env, saga.Commit), nil
}

func (p *Participant) Update(ctx context.Context, env *saga.Envelope) (*saga.Outcome, error) {
	return nil, p.unsupported(env)
}

func (p *Participant) Delete(ctx context.Context, env *saga.Envelope) (*saga.Outcome, error) {
	return nil, p.unsupported(env)
}

func (p *Participant) Commit(ctx context.Context, env *saga.Envelope) (*saga.Outcome, error) {
	return nil, p.unsupported(env)
}

func (p *Participant) Rollback(ctx context.Context, env *saga.Envelope) (*saga.Outcome, error) {
	return nil, p.unsupported(env)
}

// Reject reports a failed payment on the events topic.
func (p *Participant) Reject(ctx context.Context, env *saga.Envelope, err error) *saga.Outcome {
	if env.Operation != saga.Create {
		return nil
	}
	if env.SagaID == "" {
		env.SagaID = p.newID()
	}
	return p.outcome(env, saga.Rollback)
}

func (p *Participant) outcome(env *saga.Envelope, op saga.Operation) *saga.Outcome {
	return &saga.Outcome{Topic: p.topics.Events, Operation: op, SagaID: env.SagaID, Payload: env.Payload}
}

func (p *Participant) unsupported(env *saga.Envelope) error {
	return saga.NewError(saga.KindUnknownOperation, env.Operation,
		fmt.Errorf("%w: billing does not handle %s", saga.ErrUnknownOperation, env.Operation))
}

func (p *Participant) mapErr(env *saga.Envelope, err error) error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, replyConflict):
		return fmt.Errorf("%w: %s", shadow.ErrTransactionConflict, env.Ref)
	case strings.HasPrefix(msg, replyNotFound):
		return fmt.Errorf("%w: %s", shadow.ErrOrderNotFound, env.Ref)
	case strings.HasPrefix(msg, replyAlreadyPayed):
		return saga.NewError(saga.KindConflict, env.Operation, fmt.Errorf("%w: %s", ErrAlreadyPayed, env.Ref))
	case strings.HasPrefix(msg, replyDeleted):
		return saga.NewError(saga.KindConflict, env.Operation, fmt.Errorf("%w: %s", ErrOrderDeleted, env.Ref))
	}
	return fmt.Errorf("pay %s: %w", env.Ref, err)
}
