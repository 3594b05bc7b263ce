package billing

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment/internal/config"
	"fulfillment/internal/model"
	"fulfillment/internal/saga"
	"fulfillment/internal/shadow"
	"fulfillment/internal/store/storetest"
)

var ref = model.OrderRef{UserID: "u1", OrderID: "o1"}

func setup(t *testing.T) (*Participant, *miniredis.Miniredis) {
	t.Helper()
	s, mr := storetest.New(t)
	p := NewParticipant(s, config.TopicsConfig{Events: "events"})
	p.newID = func() string { return "b-saga" }
	return p, mr
}

func createEnv(id string) *saga.Envelope {
	return &saga.Envelope{Operation: saga.Create, Ref: ref, Payload: []byte(`{"id":` + id + `}`)}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("PaysCreatedOrder", func(t *testing.T) {
		p, mr := setup(t)
		mr.HSet(ref.Key(), "status", "created", "good_id:5", "2")

		out, err := p.Create(ctx, createEnv("42"))
		require.NoError(t, err)
		assert.Equal(t, "events", out.Topic)
		assert.Equal(t, saga.Commit, out.Operation)
		assert.Equal(t, "b-saga", out.SagaID)
		assert.Equal(t, "payed", mr.HGet(ref.Key(), "status"))
		assert.Equal(t, "42", mr.HGet(ref.Key(), "billing_id"))
		assert.Equal(t, "2", mr.HGet(ref.Key(), "good_id:5"))
	})

	t.Run("RedeliveryRepeatsCommit", func(t *testing.T) {
		p, mr := setup(t)
		mr.HSet(ref.Key(), "status", "created")

		_, err := p.Create(ctx, createEnv("42"))
		require.NoError(t, err)
		out, err := p.Create(ctx, createEnv("42"))
		require.NoError(t, err)
		assert.Equal(t, saga.Commit, out.Operation)
	})

	t.Run("OpenShadowRefused", func(t *testing.T) {
		p, mr := setup(t)
		mr.HSet(ref.Key(), "status", "created")
		mr.HSet(ref.ShadowKey(), "status", "created", "saga_id", "s1")

		env := createEnv("42")
		_, err := p.Create(ctx, env)
		assert.ErrorIs(t, err, shadow.ErrTransactionConflict)
		assert.Equal(t, "created", mr.HGet(ref.Key(), "status"))

		out := p.Reject(ctx, env, err)
		require.NotNil(t, out)
		assert.Equal(t, "events", out.Topic)
		assert.Equal(t, saga.Rollback, out.Operation)
	})

	t.Run("Refusals", func(t *testing.T) {
		tests := []struct {
			name   string
			fields []string
			want   error
			kind   saga.Kind
		}{
			{"missing", nil, shadow.ErrOrderNotFound, saga.KindNotFound},
			{"payed by another billing", []string{"status", "payed", "billing_id", "7"}, ErrAlreadyPayed, saga.KindConflict},
			{"deleted", []string{"status", "deleted"}, ErrOrderDeleted, saga.KindConflict},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				p, mr := setup(t)
				if tt.fields != nil {
					mr.HSet(ref.Key(), tt.fields...)
				}
				_, err := p.Create(ctx, createEnv("42"))
				assert.ErrorIs(t, err, tt.want)
				assert.Equal(t, tt.kind, saga.Classify(err))
			})
		}
	})
}

func TestOtherOperations(t *testing.T) {
	ctx := context.Background()
	p, _ := setup(t)

	for _, op := range []saga.Operation{saga.Update, saga.Delete, saga.Commit, saga.Rollback} {
		env := &saga.Envelope{Operation: op, Ref: ref, SagaID: "s1"}
		var err error
		switch op {
		case saga.Update:
			_, err = p.Update(ctx, env)
		case saga.Delete:
			_, err = p.Delete(ctx, env)
		case saga.Commit:
			_, err = p.Commit(ctx, env)
		case saga.Rollback:
			_, err = p.Rollback(ctx, env)
		}
		assert.True(t, saga.IsKind(err, saga.KindUnknownOperation), op.String())
		assert.Nil(t, p.Reject(ctx, env, err))
	}
}
