package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"fulfillment/internal/config"
	"fulfillment/internal/handler"
	"fulfillment/internal/inventory"
	"fulfillment/internal/monitor"
	"fulfillment/internal/schema"
	"fulfillment/internal/service/auth"
	"fulfillment/internal/service/goods"
	"fulfillment/internal/service/order"
	"fulfillment/internal/store"
	"fulfillment/internal/utils"
	"fulfillment/pkg/breaker"
	"fulfillment/pkg/degrade"
	"fulfillment/pkg/limiter"
	"fulfillment/pkg/queue"
	"fulfillment/pkg/snowflake"
	resp "fulfillment/pkg/utils"
)

type gateway struct {
	router http.Handler
	bus    *queue.MemoryQueue
	sw     *degrade.Switch
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	resp.RegisterCustomValidators()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	st := store.New(client)

	bus := queue.NewMemoryQueue(nil)
	t.Cleanup(func() { bus.Close() })

	cfg := &config.Config{}
	cfg.SetDefaults()

	ids, err := snowflake.NewIDGenerator(1)
	require.NoError(t, err)
	breakers := breaker.NewManager(breaker.Config{ReadyToTrip: breaker.ConsecutiveFailures(3)})
	goodsService, err := goods.NewService(inventory.NewEngine(st), goods.Config{Capacity: 1000, FPRate: 0.01})
	require.NoError(t, err)

	jwtManager := utils.NewJWTManager("test-secret", "test", time.Hour)
	sw := degrade.NewSwitch(client)
	probe := handler.NewProbeHandler(handler.PingFunc(st.Ping), bus, nil, breakers, "test")
	probe.MarkStarted()

	router := setupRouter(routerDeps{
		orders:      order.NewOrderService(st, bus, schema.MustCompile(), cfg.Topics, breakers, ids, nil),
		goods:       goodsService,
		auth:        auth.NewAuthService(st, jwtManager, []string{"root"}, auth.WithHashCost(bcrypt.MinCost)),
		degrade:     sw,
		breakers:    breakers,
		ipLimiter:   limiter.NewMultiDimensionLimiter(),
		userLimiter: limiter.NewMultiDimensionLimiter(),
		probe:       probe,
		tracer:      monitor.NoopTracer(),
		timeout:     time.Second,
	})
	return &gateway{router: router, bus: bus, sw: sw}
}

func (g *gateway) do(t *testing.T, method, path, token string, body interface{}) (int, resp.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)

	var out resp.Response
	if w.Header().Get("Content-Type") != "" && w.Body.Len() > 0 {
		json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w.Code, out
}

func (g *gateway) login(t *testing.T, login string) string {
	t.Helper()
	code, body := g.do(t, http.MethodPost, "/api/v1/auth", "", auth.LoginRequest{Login: login, Password: "secret1"})
	require.Equal(t, http.StatusOK, code)
	token, _ := body.Data.(map[string]interface{})["access_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestRouter_CreateOrderPublishes(t *testing.T) {
	g := newGateway(t)
	token := g.login(t, "alice")

	code, body := g.do(t, http.MethodPost, "/api/v1/user/alice/order", token, map[string]interface{}{
		"goods": []map[string]int{{"id": 1, "count": 2}},
	})

	require.Equal(t, http.StatusAccepted, code)
	ref := body.Data.(map[string]interface{})
	assert.Equal(t, "alice", ref["user_id"])
	assert.NotEmpty(t, ref["order_id"])
	assert.Len(t, g.bus.Messages("orders"), 1)
}

func TestRouter_Ownership(t *testing.T) {
	g := newGateway(t)
	alice := g.login(t, "alice")
	root := g.login(t, "root")

	code, _ := g.do(t, http.MethodGet, "/api/v1/user/bob/order", alice, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = g.do(t, http.MethodGet, "/api/v1/user/bob/order", root, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = g.do(t, http.MethodGet, "/api/v1/user/alice/order", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = g.do(t, http.MethodPut, "/api/v1/goods/1", alice, map[string]int{"count": 5})
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = g.do(t, http.MethodPut, "/api/v1/goods/1", root, map[string]int{"count": 5})
	assert.Equal(t, http.StatusOK, code)
}

func TestRouter_DegradedScopes(t *testing.T) {
	g := newGateway(t)
	alice := g.login(t, "alice")
	root := g.login(t, "root")

	code, _ := g.do(t, http.MethodPut, "/api/v1/admin/degrade/orders", alice, handler.DegradeRequest{})
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = g.do(t, http.MethodPut, "/api/v1/admin/degrade/orders", root, handler.DegradeRequest{Message: "paused"})
	require.Equal(t, http.StatusOK, code)

	code, body := g.do(t, http.MethodPost, "/api/v1/user/alice/order", alice, map[string]interface{}{
		"goods": []map[string]int{{"id": 1, "count": 1}},
	})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "paused", body.Message)
	assert.Empty(t, g.bus.Messages("orders"))

	// billing is a separate scope
	code, _ = g.do(t, http.MethodPost, "/api/v1/user/alice/order/1/billing", alice, map[string]int{"id": 7})
	assert.Equal(t, http.StatusAccepted, code)

	// reads are never degraded
	code, _ = g.do(t, http.MethodGet, "/api/v1/user/alice/order", alice, nil)
	assert.Equal(t, http.StatusOK, code)

	require.NoError(t, g.sw.Disable(context.Background(), handler.ScopeOrders))
	code, _ = g.do(t, http.MethodPost, "/api/v1/user/alice/order", alice, map[string]interface{}{
		"goods": []map[string]int{{"id": 1, "count": 1}},
	})
	assert.Equal(t, http.StatusAccepted, code)
}

func TestRouter_Probes(t *testing.T) {
	g := newGateway(t)

	for _, path := range []string{"/probe/liveness", "/probe/readiness", "/probe/startup"} {
		code, _ := g.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, code, path)
	}
}
