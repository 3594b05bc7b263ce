// Package saga routes bus messages to saga participants.
//
// A participant is one of orders, warehouse or billing. The router parses the
// message headers into an Envelope, validates the payload before any state
// is touched, dispatches on the closed Operation set and publishes at most one
// outcome for the next participant.
package saga

import (
	"errors"
	"fmt"
	"strconv"

	"fulfillment/internal/model"
	"fulfillment/pkg/queue"
)

// Message headers.
const (
	HeaderOperation = "operation"
	HeaderUserID    = "user_id"
	HeaderOrderID   = "order_id"
	HeaderGoodID    = "good_id"
	HeaderSagaID    = "saga_id"
)

var (
	ErrMissingCorrelationKey = errors.New("missing correlation key")
	ErrUnknownOperation      = errors.New("unknown operation")
)

// Operation is the closed set of saga operations.
type Operation int

const (
	Create Operation = iota + 1
	Update
	Delete
	Commit
	Rollback
)

var operationNames = map[Operation]string{
	Create:   "create",
	Update:   "update",
	Delete:   "delete",
	Commit:   "commit",
	Rollback: "rollout",
}

// String returns the wire tag.
func (o Operation) String() string {
	if s, ok := operationNames[o]; ok {
		return s
	}
	return fmt.Sprintf("operation(%d)", int(o))
}

// Forward reports whether o opens a saga step that expects an outcome.
func (o Operation) Forward() bool {
	return o == Create || o == Update || o == Delete
}

// ParseOperation maps a wire tag to an Operation.
func ParseOperation(s string) (Operation, error) {
	for op, name := range operationNames {
		if name == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, s)
}

// Envelope is a parsed saga message.
type Envelope struct {
	Operation Operation
	Ref       model.OrderRef
	GoodID    int64
	HasGoodID bool
	SagaID    string
	Payload   []byte

	MessageID string
	Topic     string
	Partition int
}

// ParseEnvelope reads the saga headers of msg. user_id and order_id are
// always required; commit and rollout also need saga_id.
func ParseEnvelope(msg *queue.Message) (*Envelope, error) {
	env := &Envelope{
		Ref: model.OrderRef{
			UserID:  msg.Header(HeaderUserID),
			OrderID: msg.Header(HeaderOrderID),
		},
		SagaID:    msg.Header(HeaderSagaID),
		Payload:   msg.Payload,
		MessageID: msg.ID,
		Topic:     msg.Topic,
		Partition: msg.Partition,
	}

	if env.Ref.UserID == "" || env.Ref.OrderID == "" {
		return nil, fmt.Errorf("%w: user_id=%q order_id=%q", ErrMissingCorrelationKey, env.Ref.UserID, env.Ref.OrderID)
	}

	op, err := ParseOperation(msg.Header(HeaderOperation))
	if err != nil {
		return nil, err
	}
	env.Operation = op

	if (op == Commit || op == Rollback) && env.SagaID == "" {
		return nil, fmt.Errorf("%w: saga_id for %s", ErrMissingCorrelationKey, op)
	}

	if raw := msg.Header(HeaderGoodID); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf("good_id %q: %w", raw, err)}
		}
		env.GoodID, env.HasGoodID = id, true
	}
	return env, nil
}

// NewMessage builds the bus message of a saga operation on ref.
func NewMessage(op Operation, ref model.OrderRef, sagaID string, payload []byte) *queue.Message {
	headers := map[string]string{
		HeaderOperation: op.String(),
		HeaderUserID:    ref.UserID,
		HeaderOrderID:   ref.OrderID,
	}
	if sagaID != "" {
		headers[HeaderSagaID] = sagaID
	}
	return &queue.Message{
		Key:     ref.PartitionKey(),
		Headers: headers,
		Payload: payload,
	}
}
