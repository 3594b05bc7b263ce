package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"fulfillment/internal/monitor"
	"fulfillment/internal/utils"
	"fulfillment/pkg/degrade"
	"fulfillment/pkg/limiter"
	resp "fulfillment/pkg/utils"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

// stubValidator accepts the tokens of a fixed table.
type stubValidator map[string]*utils.JWTClaims

func (s stubValidator) ValidateToken(ctx context.Context, token string) (*utils.JWTClaims, error) {
	claims, ok := s[token]
	if !ok {
		return nil, errors.New("bad token")
	}
	return claims, nil
}

var tokens = stubValidator{
	"alice": {UserID: "alice", Role: utils.RoleUser},
	"root":  {UserID: "root", Role: utils.RoleAdmin},
}

func decode(t *testing.T, w *httptest.ResponseRecorder) resp.Response {
	t.Helper()
	var body resp.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func ok(c *gin.Context) {
	resp.SuccessResponse(c, nil)
}

func TestAuth(t *testing.T) {
	r := gin.New()
	r.GET("/me", Auth(tokens), func(c *gin.Context) {
		id, _ := GetUserID(c)
		role, _ := GetUserRole(c)
		token, _ := GetToken(c)
		c.String(http.StatusOK, id+"/"+role+"/"+token)
	})

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"missing header", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic alice", http.StatusUnauthorized, ""},
		{"empty token", "Bearer ", http.StatusUnauthorized, ""},
		{"unknown token", "Bearer mallory", http.StatusUnauthorized, ""},
		{"valid token", "Bearer alice", http.StatusOK, "alice/user/alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set(AuthorizationHeader, tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			} else {
				assert.Equal(t, resp.CodeUnauthorized, decode(t, w).Code)
			}
		})
	}
}

func TestRequireOwner(t *testing.T) {
	r := gin.New()
	r.GET("/user/:user_id/orders", Auth(tokens), RequireOwner("user_id"), ok)

	tests := []struct {
		name   string
		token  string
		path   string
		status int
	}{
		{"own orders", "alice", "/user/alice/orders", http.StatusOK},
		{"other user's orders", "alice", "/user/bob/orders", http.StatusForbidden},
		{"admin sees everyone", "root", "/user/bob/orders", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set(AuthorizationHeader, BearerPrefix+tt.token)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRequireRole(t *testing.T) {
	r := gin.New()
	r.PUT("/goods/:good_id", Auth(tokens), RequireRole(utils.RoleAdmin), ok)

	for token, status := range map[string]int{"alice": http.StatusForbidden, "root": http.StatusOK} {
		req := httptest.NewRequest(http.MethodPut, "/goods/1", nil)
		req.Header.Set(AuthorizationHeader, BearerPrefix+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, status, w.Code, token)
	}
}

func TestRateLimit(t *testing.T) {
	l := limiter.NewMultiDimensionLimiter()
	l.Set(DimensionIP, limiter.NewTokenBucketLimiter(rate.Every(time.Hour), 2))

	r := gin.New()
	r.Use(RateLimit(l))
	r.GET("/test", ok)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, resp.CodeRateLimit, decode(t, w).Code)
}

func TestRateLimit_PerUser(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := limiter.NewMultiDimensionLimiter()
	l.Set(DimensionUser, limiter.NewSlidingWindowLimiter(client, "saga", 1, time.Minute))

	r := gin.New()
	r.POST("/order", Auth(tokens), RateLimit(l), ok)

	send := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/order", nil)
		req.Header.Set(AuthorizationHeader, BearerPrefix+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, send("alice"))
	assert.Equal(t, http.StatusTooManyRequests, send("alice"))
	assert.Equal(t, http.StatusOK, send("root"), "users are limited independently")

	// a Redis outage lets requests through
	mr.Close()
	assert.Equal(t, http.StatusOK, send("alice"))
}

func TestDegrade(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	sw := degrade.NewSwitch(client)

	r := gin.New()
	r.POST("/order", Degrade(sw, "orders"), ok)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/order", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, sw.Enable(context.Background(), "orders", degrade.Strategy{Message: "orders paused", RetryAfter: 30}, 0))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/order", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	body := decode(t, w)
	assert.Equal(t, resp.CodeDegraded, body.Code)
	assert.Equal(t, "orders paused", body.Message)

	mr.Close()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/order", nil))
	assert.Equal(t, http.StatusOK, w.Code, "an unreadable switch does not block traffic")
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, resp.CodeInternalError, decode(t, w).Code)
}

func TestTimeout(t *testing.T) {
	r := gin.New()
	r.Use(Timeout(20 * time.Millisecond))
	r.GET("/slow", func(c *gin.Context) {
		select {
		case <-c.Request.Context().Done():
			resp.ErrorFrom(c, resp.WrapError(c.Request.Context().Err(), resp.CodeBusUnavailable, "timed out"))
		case <-time.After(time.Second):
			ok(c)
		}
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slow", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLogger_RecordsMetrics(t *testing.T) {
	metrics := monitor.NewMetricsCollector("test")
	r := gin.New()
	r.Use(Logger(metrics, monitor.NoopTracer()))
	r.GET("/orders/:id", ok)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/42?x=1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	srv := httptest.NewServer(metrics.Handler())
	defer srv.Close()
	res, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `test_http_request_total{method="GET",path="/orders/:id",status="200"} 1`)
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://shop.example.com"}))
	r.GET("/test", ok)

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://shop.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
