package shadow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment/internal/model"
	"fulfillment/internal/store"
	"fulfillment/internal/store/storetest"
)

var ref = model.OrderRef{UserID: "u1", OrderID: "o1"}

func setup(t *testing.T) (*Manager, *store.Store, *miniredis.Miniredis) {
	t.Helper()
	s, mr := storetest.New(t)
	return NewManager(s, 30*time.Second), s, mr
}

func seedOrder(t *testing.T, s *store.Store) {
	t.Helper()
	require.NoError(t, s.SetFields(context.Background(), ref.Key(), "status", "created", "good_id:5", 2))
}

func TestBegin(t *testing.T) {
	ctx := context.Background()

	t.Run("OrderNotFound", func(t *testing.T) {
		m, _, mr := setup(t)
		_, err := m.Begin(ctx, ref, "s1")
		assert.ErrorIs(t, err, ErrOrderNotFound)
		assert.False(t, mr.Exists(ref.ShadowKey()))
	})

	t.Run("CopiesLiveAndSetsTTL", func(t *testing.T) {
		m, s, mr := setup(t)
		seedOrder(t, s)

		key, err := m.Begin(ctx, ref, "s1")
		require.NoError(t, err)
		assert.Equal(t, ref.ShadowKey(), key)
		assert.Equal(t, 30*time.Second, mr.TTL(key))

		sh, err := m.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, "s1", sh.SagaID)
		assert.Equal(t, map[string]string{"status": "created", "good_id:5": "2"}, sh.Fields)

		members, err := mr.ZMembers(DeadlinesKey)
		require.NoError(t, err)
		assert.Equal(t, []string{`["s1","u1","o1"]`}, members)
	})

	t.Run("SecondBeginConflicts", func(t *testing.T) {
		m, s, _ := setup(t)
		seedOrder(t, s)

		_, err := m.Begin(ctx, ref, "s1")
		require.NoError(t, err)
		_, err = m.Begin(ctx, ref, "s2")
		assert.ErrorIs(t, err, ErrTransactionConflict)

		sh, err := m.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, "s1", sh.SagaID)
	})
}

func TestBegin_ConcurrentSingleShadow(t *testing.T) {
	m, s, _ := setup(t)
	seedOrder(t, s)
	ctx := context.Background()

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Begin(ctx, ref, "saga-"+string(rune('a'+i)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if assert.ErrorIs(t, err, ErrTransactionConflict) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
}

func TestBeginNew(t *testing.T) {
	ctx := context.Background()
	m, s, mr := setup(t)

	fields := []interface{}{"status", "created", "good_id:5", 2}
	_, err := m.BeginNew(ctx, ref, "s1", fields)
	require.NoError(t, err)
	assert.False(t, mr.Exists(ref.Key()))
	assert.Equal(t, 30*time.Second, mr.TTL(ref.ShadowKey()))

	members, err := mr.ZMembers(DeadlinesKey)
	require.NoError(t, err)
	assert.Equal(t, []string{member(ref, "s1")}, members)

	_, err = m.BeginNew(ctx, ref, "s2", fields)
	assert.ErrorIs(t, err, ErrTransactionConflict)
	members, err = mr.ZMembers(DeadlinesKey)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	require.NoError(t, m.Rollback(ctx, ref, "s1"))
	seedOrder(t, s)
	_, err = m.BeginNew(ctx, ref, "s3", fields)
	assert.ErrorIs(t, err, ErrOrderExists)
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	m, s, mr := setup(t)
	seedOrder(t, s)

	t.Run("NoShadow", func(t *testing.T) {
		err := m.Apply(ctx, ref, "s1", []FieldOp{{Kind: model.OpAdd, Field: "good_id:5", Value: "1"}})
		assert.ErrorIs(t, err, ErrShadowMissing)
	})

	_, err := m.Begin(ctx, ref, "s1")
	require.NoError(t, err)

	t.Run("UnknownOperationAppliesNothing", func(t *testing.T) {
		err := m.Apply(ctx, ref, "s1", []FieldOp{
			{Kind: model.OpAdd, Field: "good_id:5", Value: "1"},
			{Kind: "multiply", Field: "good_id:5", Value: "3"},
		})
		assert.ErrorIs(t, err, ErrUnknownOperation)
		assert.Equal(t, "2", mr.HGet(ref.ShadowKey(), "good_id:5"))
	})

	t.Run("NonIntegerAdd", func(t *testing.T) {
		err := m.Apply(ctx, ref, "s1", []FieldOp{{Kind: model.OpAdd, Field: "good_id:5", Value: "x"}})
		assert.ErrorIs(t, err, ErrInvalidValue)
	})

	t.Run("SagaMismatch", func(t *testing.T) {
		err := m.Apply(ctx, ref, "other", []FieldOp{{Kind: model.OpDelete, Field: "good_id:5"}})
		assert.ErrorIs(t, err, ErrSagaMismatch)
	})

	t.Run("AppliesToShadowOnly", func(t *testing.T) {
		err := m.Apply(ctx, ref, "s1", []FieldOp{
			{Kind: model.OpAdd, Field: "good_id:5", Value: "3"},
			{Kind: model.OpUpdate, Field: "good_id:7", Value: "4"},
			{Kind: model.OpAdd, Field: "good_id:9", Value: "1"},
			{Kind: model.OpDelete, Field: "good_id:9"},
		})
		require.NoError(t, err)

		sh, err := m.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"status": "created", "good_id:5": "5", "good_id:7": "4"}, sh.Fields)
		assert.Equal(t, "2", mr.HGet(ref.Key(), "good_id:5"))
	})
}

func TestCommit(t *testing.T) {
	ctx := context.Background()

	t.Run("PromotesShadow", func(t *testing.T) {
		m, s, mr := setup(t)
		seedOrder(t, s)
		_, err := m.Begin(ctx, ref, "s1")
		require.NoError(t, err)
		require.NoError(t, m.Apply(ctx, ref, "s1", []FieldOp{
			{Kind: model.OpDelete, Field: "good_id:5"},
			{Kind: model.OpUpdate, Field: "good_id:6", Value: "1"},
		}))
		before, err := m.Get(ctx, ref)
		require.NoError(t, err)

		require.NoError(t, m.Commit(ctx, ref, "s1", CommitOptions{}))

		assert.False(t, mr.Exists(ref.ShadowKey()))
		live, err := s.Get(ctx, ref.Key())
		require.NoError(t, err)
		assert.Equal(t, before.Fields, live)
		assert.Equal(t, time.Duration(0), mr.TTL(ref.Key()))

		members, _ := mr.ZMembers(DeadlinesKey)
		assert.Empty(t, members)
	})

	t.Run("PromotesNewOrderWithTTL", func(t *testing.T) {
		m, _, mr := setup(t)
		_, err := m.BeginNew(ctx, ref, "s1", []interface{}{"status", "deleted", "good_id:5", 2})
		require.NoError(t, err)

		require.NoError(t, m.Commit(ctx, ref, "s1", CommitOptions{LiveTTL: time.Hour}))
		assert.Equal(t, "deleted", mr.HGet(ref.Key(), "status"))
		assert.Equal(t, time.Hour, mr.TTL(ref.Key()))
		assert.Empty(t, mr.HGet(ref.Key(), "saga_id"))
	})

	t.Run("DeleteInstead", func(t *testing.T) {
		m, s, mr := setup(t)
		seedOrder(t, s)
		_, err := m.Begin(ctx, ref, "s1")
		require.NoError(t, err)

		require.NoError(t, m.Commit(ctx, ref, "s1", CommitOptions{DeleteInstead: true}))
		assert.False(t, mr.Exists(ref.Key()))
		assert.False(t, mr.Exists(ref.ShadowKey()))
	})

	t.Run("NoShadow", func(t *testing.T) {
		m, s, mr := setup(t)
		seedOrder(t, s)

		err := m.Commit(ctx, ref, "s1", CommitOptions{})
		assert.ErrorIs(t, err, ErrShadowMissing)
		assert.True(t, mr.Exists(ref.Key()))
	})

	t.Run("OtherSagaKeepsShadow", func(t *testing.T) {
		m, s, mr := setup(t)
		seedOrder(t, s)
		_, err := m.Begin(ctx, ref, "s2")
		require.NoError(t, err)

		err = m.Commit(ctx, ref, "s1", CommitOptions{})
		assert.ErrorIs(t, err, ErrSagaMismatch)
		assert.True(t, mr.Exists(ref.ShadowKey()))
	})
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	m, s, mr := setup(t)
	seedOrder(t, s)

	_, err := m.Begin(ctx, ref, "s1")
	require.NoError(t, err)

	require.NoError(t, m.Rollback(ctx, ref, "other"))
	assert.True(t, mr.Exists(ref.ShadowKey()))

	require.NoError(t, m.Rollback(ctx, ref, "s1"))
	assert.False(t, mr.Exists(ref.ShadowKey()))
	afterFirst := mr.Dump()

	require.NoError(t, m.Rollback(ctx, ref, "s1"))
	assert.Equal(t, afterFirst, mr.Dump())
	assert.Equal(t, "created", mr.HGet(ref.Key(), "status"))
}

func TestTTLSelfHeal(t *testing.T) {
	ctx := context.Background()
	m, s, mr := setup(t)
	seedOrder(t, s)

	_, err := m.Begin(ctx, ref, "s1")
	require.NoError(t, err)

	mr.FastForward(31 * time.Second)
	assert.False(t, mr.Exists(ref.ShadowKey()))

	_, err = m.Begin(ctx, ref, "s2")
	assert.NoError(t, err)
}

func TestClaimExpired(t *testing.T) {
	ctx := context.Background()
	s, mr := storetest.New(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(s, 30*time.Second, WithClock(func() time.Time { return now }))

	seedOrder(t, s)
	other := model.OrderRef{UserID: "u2", OrderID: "o9"}
	require.NoError(t, s.SetFields(ctx, other.Key(), "status", "created"))

	_, err := m.Begin(ctx, ref, "s1")
	require.NoError(t, err)
	_, err = m.Begin(ctx, other, "s2")
	require.NoError(t, err)

	claims, err := m.ClaimExpired(ctx, now.Add(10*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, claims)

	require.NoError(t, m.Commit(ctx, other, "s2", CommitOptions{}))

	claims, err = m.ClaimExpired(ctx, now.Add(31*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []Claim{{Ref: ref, SagaID: "s1"}}, claims)
	assert.False(t, mr.Exists(ref.ShadowKey()))

	claims, err = m.ClaimExpired(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestClaimExpired_IDsWithSeparators(t *testing.T) {
	ctx := context.Background()
	s, mr := storetest.New(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(s, 30*time.Second, WithClock(func() time.Time { return now }))

	odd := model.OrderRef{UserID: "ab|c", OrderID: "123"}
	require.NoError(t, s.SetFields(ctx, odd.Key(), "status", "created"))
	_, err := m.Begin(ctx, odd, `s"1|x`)
	require.NoError(t, err)

	claims, err := m.ClaimExpired(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []Claim{{Ref: odd, SagaID: `s"1|x`}}, claims)
	assert.False(t, mr.Exists(odd.ShadowKey()))
}

func TestClaimExpired_DropsMalformedDeadline(t *testing.T) {
	ctx := context.Background()
	s, mr := storetest.New(t)
	m := NewManager(s, 30*time.Second)

	_, err := mr.ZAdd(DeadlinesKey, 1, "s1|u1|o1")
	require.NoError(t, err)

	claims, err := m.ClaimExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, claims)
	assert.False(t, mr.Exists(DeadlinesKey))
}

func TestClaimExpired_DoesNotTouchNewerSaga(t *testing.T) {
	ctx := context.Background()
	s, mr := storetest.New(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(s, 30*time.Second, WithClock(func() time.Time { return now }))
	seedOrder(t, s)

	_, err := m.Begin(ctx, ref, "old")
	require.NoError(t, err)
	mr.FastForward(31 * time.Second)

	now = now.Add(31 * time.Second)
	_, err = m.Begin(ctx, ref, "new")
	require.NoError(t, err)

	claims, err := m.ClaimExpired(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []Claim{{Ref: ref, SagaID: "old"}}, claims)

	sh, err := m.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "new", sh.SagaID)
}

func TestClaimExpired_AfterLateCommit(t *testing.T) {
	ctx := context.Background()
	s, mr := storetest.New(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(s, 30*time.Second, WithClock(func() time.Time { return now }))
	seedOrder(t, s)

	_, err := m.Begin(ctx, ref, "s1")
	require.NoError(t, err)
	mr.FastForward(31 * time.Second)

	// the shadow expired before the commit arrived
	err = m.Commit(ctx, ref, "s1", CommitOptions{})
	assert.ErrorIs(t, err, ErrShadowMissing)

	claims, err := m.ClaimExpired(ctx, now.Add(31*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []Claim{{Ref: ref, SagaID: "s1"}}, claims)
}

func TestUnclaim(t *testing.T) {
	ctx := context.Background()
	s, _ := storetest.New(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(s, 30*time.Second, WithClock(func() time.Time { return now }))
	seedOrder(t, s)

	_, err := m.Begin(ctx, ref, "s1")
	require.NoError(t, err)
	claims, err := m.ClaimExpired(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	require.NoError(t, m.Unclaim(ctx, claims[0]))
	again, err := m.ClaimExpired(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, claims, again)
}
