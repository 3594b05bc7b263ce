package saga

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fulfillment/internal/model"
	"fulfillment/internal/monitor"
	"fulfillment/internal/schema"
	"fulfillment/pkg/queue"
)

type MockParticipant struct {
	mock.Mock
}

func (m *MockParticipant) Name() string { return "warehouse" }

func (m *MockParticipant) Schema(op Operation) string {
	if op == Create {
		return schema.WarehouseReserve
	}
	return ""
}

func (m *MockParticipant) Create(ctx context.Context, env *Envelope) (*Outcome, error) {
	args := m.Called(ctx, env)
	out, _ := args.Get(0).(*Outcome)
	return out, args.Error(1)
}

func (m *MockParticipant) Update(ctx context.Context, env *Envelope) (*Outcome, error) {
	args := m.Called(ctx, env)
	out, _ := args.Get(0).(*Outcome)
	return out, args.Error(1)
}

func (m *MockParticipant) Delete(ctx context.Context, env *Envelope) (*Outcome, error) {
	args := m.Called(ctx, env)
	out, _ := args.Get(0).(*Outcome)
	return out, args.Error(1)
}

func (m *MockParticipant) Commit(ctx context.Context, env *Envelope) (*Outcome, error) {
	args := m.Called(ctx, env)
	out, _ := args.Get(0).(*Outcome)
	return out, args.Error(1)
}

func (m *MockParticipant) Rollback(ctx context.Context, env *Envelope) (*Outcome, error) {
	args := m.Called(ctx, env)
	out, _ := args.Get(0).(*Outcome)
	return out, args.Error(1)
}

func (m *MockParticipant) Reject(ctx context.Context, env *Envelope, err error) *Outcome {
	args := m.Called(ctx, env, err)
	out, _ := args.Get(0).(*Outcome)
	return out
}

type compensatingParticipant struct {
	*MockParticipant
	undone []string
}

func (c *compensatingParticipant) Compensate(ctx context.Context, env *Envelope, out *Outcome) error {
	c.undone = append(c.undone, out.SagaID)
	return nil
}

type recordingJournal struct {
	entries []*model.SagaLog
}

func (j *recordingJournal) Record(ctx context.Context, entry *model.SagaLog) error {
	j.entries = append(j.entries, entry)
	return nil
}

// closedBus fails every publish.
type closedBus struct {
	*queue.MemoryQueue
}

func (b closedBus) Publish(ctx context.Context, topic string, msg *queue.Message) error {
	return queue.ErrQueueClosed
}

func createMsg(payload string) *queue.Message {
	m := NewMessage(Create, model.OrderRef{UserID: "u1", OrderID: "o1"}, "s1", []byte(payload))
	m.ID = "7-0"
	m.Topic = "warehouse"
	return m
}

func TestRouter_HandleEmitsOutcome(t *testing.T) {
	ctx := context.Background()
	bus := queue.NewMemoryQueue(nil)
	p := new(MockParticipant)
	journal := &recordingJournal{}
	metrics := monitor.NewMetricsCollector("test")
	r := NewRouter(p, bus, schema.MustCompile(), WithJournal(journal), WithMetrics(metrics))

	p.On("Create", mock.Anything, mock.MatchedBy(func(env *Envelope) bool {
		return env.SagaID == "s1" && env.Ref.OrderID == "o1"
	})).Return(&Outcome{Topic: "transactions", Operation: Commit}, nil).Once()

	require.NoError(t, r.Handle(ctx, createMsg(`{"goods":[{"id":5,"count":2}]}`)))

	msgs := bus.Messages("transactions")
	require.Len(t, msgs, 1)
	assert.Equal(t, "commit", msgs[0].Header(HeaderOperation))
	assert.Equal(t, "s1", msgs[0].Header(HeaderSagaID))
	assert.Equal(t, "u1:o1", msgs[0].Key)

	require.Len(t, journal.entries, 1)
	assert.Equal(t, model.ResultOK, journal.entries[0].Result)
	assert.Equal(t, "commit", journal.entries[0].Outcome)
	assert.Equal(t, "7-0", journal.entries[0].MessageID)
	p.AssertExpectations(t)
}

func TestRouter_JournalErrorKeepsValidUTF8(t *testing.T) {
	ctx := context.Background()
	p := new(MockParticipant)
	journal := &recordingJournal{}
	r := NewRouter(p, queue.NewMemoryQueue(nil), schema.MustCompile(), WithJournal(journal))

	reason := "x" + strings.Repeat("€", 300)
	m := NewMessage(Rollback, model.OrderRef{UserID: "u1", OrderID: "o1"}, "s1", nil)
	p.On("Rollback", mock.Anything, mock.Anything).Return(nil, errors.New(reason)).Once()
	p.On("Reject", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	require.Error(t, r.Handle(ctx, m))
	require.Len(t, journal.entries, 1)
	require.NotNil(t, journal.entries[0].Error)
	got := *journal.entries[0].Error
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxJournalError)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "a", truncate("a€", 3))
	assert.Equal(t, "a€", truncate("a€b", 4))
	assert.Equal(t, "", truncate("€", 2))
}

func TestRouter_SchemaGateRunsBeforeHandler(t *testing.T) {
	ctx := context.Background()
	bus := queue.NewMemoryQueue(nil)
	p := new(MockParticipant)
	r := NewRouter(p, bus, schema.MustCompile())

	p.On("Reject", mock.Anything, mock.Anything, mock.MatchedBy(func(err error) bool {
		return IsKind(err, KindValidation)
	})).Return(&Outcome{Topic: "transactions", Operation: Rollback}).Once()

	err := r.Handle(ctx, createMsg(`{"goods":[{"id":5,"count":0}]}`))
	assert.True(t, IsKind(err, KindValidation))

	p.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	msgs := bus.Messages("transactions")
	require.Len(t, msgs, 1)
	assert.Equal(t, "rollout", msgs[0].Header(HeaderOperation))
}

func TestRouter_RejectMayEmitNothing(t *testing.T) {
	ctx := context.Background()
	bus := queue.NewMemoryQueue(nil)
	p := new(MockParticipant)
	r := NewRouter(p, bus, schema.MustCompile())

	m := NewMessage(Rollback, model.OrderRef{UserID: "u1", OrderID: "o1"}, "s1", nil)
	p.On("Rollback", mock.Anything, mock.Anything).Return(nil, errors.New("redis down")).Once()
	p.On("Reject", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	err := r.Handle(ctx, m)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransport))
	assert.Empty(t, bus.Messages("transactions"))
}

func TestRouter_UnroutableMessage(t *testing.T) {
	p := new(MockParticipant)
	r := NewRouter(p, queue.NewMemoryQueue(nil), schema.MustCompile())

	err := r.Handle(context.Background(), &queue.Message{Headers: map[string]string{"operation": "create"}})
	assert.ErrorIs(t, err, ErrMissingCorrelationKey)
	p.AssertNotCalled(t, "Reject", mock.Anything, mock.Anything, mock.Anything)
}

func TestRouter_PublishFailureCompensates(t *testing.T) {
	ctx := context.Background()
	p := &compensatingParticipant{MockParticipant: new(MockParticipant)}
	r := NewRouter(p, closedBus{queue.NewMemoryQueue(nil)}, schema.MustCompile())

	p.On("Create", mock.Anything, mock.Anything).
		Return(&Outcome{Topic: "warehouse", Operation: Create, SagaID: "new-saga"}, nil).Once()

	err := r.Handle(ctx, createMsg(`{"goods":[{"id":5,"count":2}]}`))
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
	assert.Equal(t, []string{"new-saga"}, p.undone)
}

func TestRouter_TerminalWithoutOutcome(t *testing.T) {
	ctx := context.Background()

	p := new(MockParticipant)
	r := NewRouter(p, queue.NewMemoryQueue(nil), schema.MustCompile())
	p.On("Commit", mock.Anything, mock.Anything).Return(nil, nil).Once()

	m := NewMessage(Commit, model.OrderRef{UserID: "u1", OrderID: "o1"}, "s1", nil)
	assert.NoError(t, r.Handle(ctx, m))
	p.AssertExpectations(t)
}
