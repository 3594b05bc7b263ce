package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"fulfillment/internal/model"
	"fulfillment/pkg/utils"
)

// GoodsService reads and sets stock. goods.Service implements it.
type GoodsService interface {
	Get(ctx context.Context, id int64) (*model.GoodLine, error)
	List(ctx context.Context, limit int) ([]model.GoodLine, error)
	SetStock(ctx context.Context, id, count int64) error
}

// GoodsHandler goods handler
type GoodsHandler struct {
	goodsService GoodsService
}

// NewGoodsHandler creates a goods handler
func NewGoodsHandler(goodsService GoodsService) *GoodsHandler {
	return &GoodsHandler{goodsService: goodsService}
}

// SetStockRequest set stock request
type SetStockRequest struct {
	Count *int64 `json:"count" binding:"required"`
}

// ListGoods lists up to ?limit= goods (default 100, 0 for all)
func (h *GoodsHandler) ListGoods(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		utils.Error(c, utils.CodeInvalidParam, "limit must be a non-negative integer")
		return
	}

	goods, err := h.goodsService.List(c.Request.Context(), limit)
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}
	utils.SuccessResponse(c, goods)
}

// GetGood gets the stock of one good
func (h *GoodsHandler) GetGood(c *gin.Context) {
	id, err := utils.ValidateID("good_id", c.Param("good_id"))
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}

	good, err := h.goodsService.Get(c.Request.Context(), id)
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}
	utils.SuccessResponse(c, good)
}

// SetStock overwrites the stock of one good
func (h *GoodsHandler) SetStock(c *gin.Context) {
	id, err := utils.ValidateID("good_id", c.Param("good_id"))
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}

	var req SetStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorFrom(c, utils.BindError(err))
		return
	}

	if err := h.goodsService.SetStock(c.Request.Context(), id, *req.Count); err != nil {
		utils.ErrorFrom(c, err)
		return
	}
	utils.SuccessResponse(c, model.GoodLine{ID: id, Count: *req.Count})
}
