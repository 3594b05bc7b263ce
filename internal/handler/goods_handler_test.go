package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"fulfillment/internal/model"
	"fulfillment/pkg/utils"
)

type MockGoodsService struct {
	mock.Mock
}

func (m *MockGoodsService) Get(ctx context.Context, id int64) (*model.GoodLine, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.GoodLine), args.Error(1)
}

func (m *MockGoodsService) List(ctx context.Context, limit int) ([]model.GoodLine, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.GoodLine), args.Error(1)
}

func (m *MockGoodsService) SetStock(ctx context.Context, id, count int64) error {
	return m.Called(ctx, id, count).Error(0)
}

func goodsRouter(h *GoodsHandler) *gin.Engine {
	r := gin.New()
	r.GET("/api/v1/goods", h.ListGoods)
	r.GET("/api/v1/goods/:good_id", h.GetGood)
	r.PUT("/api/v1/goods/:good_id", h.SetStock)
	return r
}

func TestGoodsHandler_GetGood(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		svc := new(MockGoodsService)
		svc.On("Get", mock.Anything, int64(3)).Return(&model.GoodLine{ID: 3, Count: 12}, nil)

		w := do(goodsRouter(NewGoodsHandler(svc)), http.MethodGet, "/api/v1/goods/3", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, map[string]interface{}{"id": float64(3), "count": float64(12)}, decodeBody(t, w).Data)
	})

	t.Run("unknown", func(t *testing.T) {
		svc := new(MockGoodsService)
		svc.On("Get", mock.Anything, int64(4)).Return(nil, utils.ErrGoodNotFound)

		w := do(goodsRouter(NewGoodsHandler(svc)), http.MethodGet, "/api/v1/goods/4", nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, utils.CodeGoodNotFound, decodeBody(t, w).Code)
	})
}

func TestGoodsHandler_ListGoods(t *testing.T) {
	svc := new(MockGoodsService)
	svc.On("List", mock.Anything, 100).Return([]model.GoodLine{{ID: 1, Count: 1}}, nil).Once()
	svc.On("List", mock.Anything, 0).Return([]model.GoodLine{}, nil).Once()
	r := goodsRouter(NewGoodsHandler(svc))

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/goods", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/goods?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/v1/goods?limit=-1", nil).Code)
	svc.AssertExpectations(t)
}

func TestGoodsHandler_SetStock(t *testing.T) {
	t.Run("zero is a valid count", func(t *testing.T) {
		svc := new(MockGoodsService)
		svc.On("SetStock", mock.Anything, int64(3), int64(0)).Return(nil)

		w := do(goodsRouter(NewGoodsHandler(svc)), http.MethodPut, "/api/v1/goods/3", map[string]int64{"count": 0})

		assert.Equal(t, http.StatusOK, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("missing count", func(t *testing.T) {
		svc := new(MockGoodsService)

		w := do(goodsRouter(NewGoodsHandler(svc)), http.MethodPut, "/api/v1/goods/3", map[string]int64{})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "count is required", decodeBody(t, w).Message)
		svc.AssertNotCalled(t, "SetStock")
	})

	t.Run("negative count", func(t *testing.T) {
		svc := new(MockGoodsService)
		svc.On("SetStock", mock.Anything, int64(3), int64(-2)).
			Return(utils.NewError(utils.CodeInvalidParam, "count must be non-negative"))

		w := do(goodsRouter(NewGoodsHandler(svc)), http.MethodPut, "/api/v1/goods/3", map[string]int64{"count": -2})

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
