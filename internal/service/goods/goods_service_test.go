package goods

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment/internal/inventory"
	"fulfillment/internal/store/storetest"
	"fulfillment/pkg/utils"
)

func setupService(t *testing.T, cache bool) (*Service, *inventory.Engine, *miniredis.Miniredis) {
	t.Helper()
	s, mr := storetest.New(t)
	engine := inventory.NewEngine(s)

	svc, err := NewService(engine, Config{
		CacheEnabled: cache,
		CacheTTL:     time.Minute,
		CacheShards:  16,
		Capacity:     1000,
		FPRate:       0.001,
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, engine, mr
}

func TestService_Get(t *testing.T) {
	svc, engine, _ := setupService(t, false)
	ctx := context.Background()
	require.NoError(t, engine.SetStock(ctx, 5, 10))

	g, err := svc.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(10), g.Count)

	_, err = svc.Get(ctx, 6)
	assert.ErrorIs(t, err, utils.ErrGoodNotFound)
}

func TestService_CacheServesRepeatedReads(t *testing.T) {
	svc, engine, mr := setupService(t, true)
	ctx := context.Background()
	require.NoError(t, engine.SetStock(ctx, 5, 10))

	_, err := svc.Get(ctx, 5)
	require.NoError(t, err)

	// a write behind the cache's back is not seen until the entry expires
	mr.HSet("good_id:5", "count", "3")
	g, err := svc.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(10), g.Count)

	// SetStock invalidates
	require.NoError(t, svc.SetStock(ctx, 5, 4))
	g, err = svc.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(4), g.Count)
}

func TestService_KnownGoodsFilter(t *testing.T) {
	svc, engine, mr := setupService(t, false)
	ctx := context.Background()
	require.NoError(t, engine.SetStock(ctx, 1, 1))
	require.NoError(t, engine.SetStock(ctx, 2, 2))

	assert.True(t, svc.Known(99), "everything is known before the first refresh")

	require.NoError(t, svc.Refresh(ctx))
	assert.True(t, svc.Known(1))
	assert.True(t, svc.Known(2))
	assert.False(t, svc.Known(99))

	// unknown ids never reach Redis
	mr.Close()
	_, err := svc.Get(ctx, 99)
	assert.ErrorIs(t, err, utils.ErrGoodNotFound)
}

func TestService_SetStock(t *testing.T) {
	svc, engine, _ := setupService(t, false)
	ctx := context.Background()
	require.NoError(t, svc.Refresh(ctx))

	require.NoError(t, svc.SetStock(ctx, 7, 3))
	assert.True(t, svc.Known(7))
	n, err := engine.Stock(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	err = svc.SetStock(ctx, 7, -1)
	assert.Equal(t, utils.CodeInvalidParam, utils.GetErrorCode(err))
}

func TestService_List(t *testing.T) {
	svc, engine, _ := setupService(t, false)
	ctx := context.Background()
	require.NoError(t, engine.SetStock(ctx, 2, 20))
	require.NoError(t, engine.SetStock(ctx, 1, 10))

	goods, err := svc.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, goods, 2)
	assert.Equal(t, int64(1), goods[0].ID)
	assert.Equal(t, int64(20), goods[1].Count)
}

func TestService_RunStopsOnCancel(t *testing.T) {
	svc, engine, _ := setupService(t, false)
	require.NoError(t, engine.SetStock(context.Background(), 1, 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return !svc.Known(42) }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
