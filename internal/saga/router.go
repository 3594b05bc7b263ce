package saga

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"fulfillment/internal/model"
	"fulfillment/internal/monitor"
	"fulfillment/internal/schema"
	"fulfillment/pkg/log"
	"fulfillment/pkg/queue"
)

// Outcome is the single message a handled step emits downstream.
type Outcome struct {
	Topic     string
	Operation Operation
	SagaID    string
	Payload   []byte
}

// Participant handles the operations of one saga role. Handlers return the
// outcome to publish, or nil for none.
type Participant interface {
	Name() string

	// Schema names the payload schema of op, "" when the payload is not read.
	Schema(op Operation) string

	Create(ctx context.Context, env *Envelope) (*Outcome, error)
	Update(ctx context.Context, env *Envelope) (*Outcome, error)
	Delete(ctx context.Context, env *Envelope) (*Outcome, error)
	Commit(ctx context.Context, env *Envelope) (*Outcome, error)
	Rollback(ctx context.Context, env *Envelope) (*Outcome, error)

	// Reject decides the outcome of a failed step.
	Reject(ctx context.Context, env *Envelope, err error) *Outcome
}

// Compensator undoes a local step whose forward outcome could not be
// published.
type Compensator interface {
	Compensate(ctx context.Context, env *Envelope, out *Outcome) error
}

// Journal persists handled messages.
type Journal interface {
	Record(ctx context.Context, entry *model.SagaLog) error
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithMetrics records handled messages and outcomes.
func WithMetrics(m *monitor.MetricsCollector) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithTracer opens one span per message.
func WithTracer(t *monitor.Tracer) RouterOption {
	return func(r *Router) {
		r.tracer = t
	}
}

// WithJournal records every handled message.
func WithJournal(j Journal) RouterOption {
	return func(r *Router) {
		r.journal = j
	}
}

// Router dispatches bus messages to one participant.
type Router struct {
	participant Participant
	bus         queue.Bus
	schemas     *schema.Set
	metrics     *monitor.MetricsCollector
	tracer      *monitor.Tracer
	journal     Journal
}

// NewRouter creates a router. schemas is shared read-only.
func NewRouter(p Participant, bus queue.Bus, schemas *schema.Set, opts ...RouterOption) *Router {
	r := &Router{
		participant: p,
		bus:         bus,
		schemas:     schemas,
		tracer:      monitor.NoopTracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Participant returns the routed participant.
func (r *Router) Participant() Participant {
	return r.participant
}

// Handle processes one message. The returned error describes a failed step
// for logging; the message is handled either way and should be acked.
func (r *Router) Handle(ctx context.Context, msg *queue.Message) error {
	start := time.Now()
	name := r.participant.Name()

	env, err := ParseEnvelope(msg)
	if err != nil {
		serr := r.wrap(0, err)
		log.WithError(serr).WithFields(log.Fields{
			"participant": name,
			"message_id":  msg.ID,
			"topic":       msg.Topic,
		}).Warn("Dropping unroutable message")
		r.record(name, "unknown", model.ResultRejected, start)
		return serr
	}

	ctx, span := r.tracer.StartMessageSpan(ctx, name, msg.Topic, env.Operation.String(), env.Ref.Key())
	defer span.End()

	out, herr := r.dispatch(ctx, env)
	result := model.ResultOK
	if herr != nil {
		herr = r.wrap(env.Operation, herr)
		result = model.ResultRejected
		r.tracer.RecordError(span, herr)
		out = r.participant.Reject(ctx, env, herr)
	}

	logger := log.WithOrder(name, env.Ref.UserID, env.Ref.OrderID, env.SagaID).WithField("operation", env.Operation.String())

	if out != nil {
		if out.SagaID == "" {
			out.SagaID = env.SagaID
		}
		if perr := r.publish(ctx, env, out); perr != nil {
			perr = r.wrap(env.Operation, perr)
			logger.WithError(perr).Error("Failed to publish outcome")
			if herr == nil {
				r.compensate(ctx, env, out)
				herr = perr
				result = model.ResultRejected
			}
			out = nil
		}
	}

	switch {
	case herr == nil:
		logger.Debug("Handled saga message")
	case IsKind(herr, KindTransport):
		logger.WithError(herr).Error("Saga step failed")
	default:
		logger.WithError(herr).Info("Saga step rejected")
	}

	r.record(name, env.Operation.String(), result, start)
	r.writeJournal(ctx, env, out, result, herr)
	return herr
}

// dispatch validates the payload, then calls the participant. Nothing is
// mutated before validation passes.
func (r *Router) dispatch(ctx context.Context, env *Envelope) (*Outcome, error) {
	if name := r.participant.Schema(env.Operation); name != "" {
		if err := r.schemas.Validate(name, env.Payload); err != nil {
			return nil, NewError(KindValidation, env.Operation, err)
		}
	}

	p := r.participant
	switch env.Operation {
	case Create:
		return p.Create(ctx, env)
	case Update:
		return p.Update(ctx, env)
	case Delete:
		return p.Delete(ctx, env)
	case Commit:
		return p.Commit(ctx, env)
	case Rollback:
		return p.Rollback(ctx, env)
	default:
		return nil, NewError(KindUnknownOperation, env.Operation, fmt.Errorf("%w: %s", ErrUnknownOperation, env.Operation))
	}
}

func (r *Router) publish(ctx context.Context, env *Envelope, out *Outcome) error {
	msg := NewMessage(out.Operation, env.Ref, out.SagaID, out.Payload)
	err := r.bus.Publish(ctx, out.Topic, msg)
	if r.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		r.metrics.RecordPublish(out.Topic, status)
		if err == nil {
			r.metrics.RecordOutcome(r.participant.Name(), out.Topic, out.Operation.String())
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", out.Operation, out.Topic, err)
	}
	return nil
}

func (r *Router) compensate(ctx context.Context, env *Envelope, out *Outcome) {
	c, ok := r.participant.(Compensator)
	if !ok {
		return
	}
	if err := c.Compensate(ctx, env, out); err != nil {
		log.WithOrder(r.participant.Name(), env.Ref.UserID, env.Ref.OrderID, out.SagaID).
			WithError(err).Error("Failed to undo step after publish failure")
	}
}

func (r *Router) wrap(op Operation, err error) error {
	if se, ok := err.(*Error); ok {
		return se
	}
	return NewError(Classify(err), op, err)
}

func (r *Router) record(participant, operation, result string, start time.Time) {
	if r.metrics != nil {
		r.metrics.RecordSagaMessage(participant, operation, result, time.Since(start))
	}
}

func (r *Router) writeJournal(ctx context.Context, env *Envelope, out *Outcome, result string, herr error) {
	if r.journal == nil {
		return
	}
	entry := &model.SagaLog{
		SagaID:      env.SagaID,
		Participant: r.participant.Name(),
		UserID:      env.Ref.UserID,
		OrderID:     env.Ref.OrderID,
		Operation:   env.Operation.String(),
		Result:      result,
		MessageID:   env.MessageID,
	}
	if out != nil {
		entry.Outcome = out.Operation.String()
		if entry.SagaID == "" {
			entry.SagaID = out.SagaID
		}
	}
	if herr != nil {
		msg := truncate(herr.Error(), maxJournalError)
		entry.Error = &msg
	}
	if err := r.journal.Record(ctx, entry); err != nil {
		log.WithError(err).WithField("message_id", env.MessageID).Warn("Failed to journal saga message")
	}
}

// maxJournalError is the byte length of the saga log error column.
const maxJournalError = 512

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
