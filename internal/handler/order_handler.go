package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"fulfillment/internal/model"
	"fulfillment/internal/service/order"
	"fulfillment/pkg/utils"
)

const historyLimit = 100

// HistoryReader lists the saga log of an order.
type HistoryReader interface {
	ListByOrder(ctx context.Context, ref model.OrderRef, limit int) ([]model.SagaLog, error)
}

// OrderHandler order handler
type OrderHandler struct {
	orderService order.OrderService
	history      HistoryReader
}

// NewOrderHandler creates an order handler. history may be nil when the
// saga journal is disabled.
func NewOrderHandler(orderService order.OrderService, history HistoryReader) *OrderHandler {
	return &OrderHandler{
		orderService: orderService,
		history:      history,
	}
}

// CreateOrderRequest create order request
type CreateOrderRequest struct {
	Goods []model.GoodLine `json:"goods" binding:"required,min=1"`
}

// UpdateOrderRequest update order request
type UpdateOrderRequest struct {
	Goods []model.GoodOp `json:"goods" binding:"required,min=1"`
}

// PayRequest billing request
type PayRequest struct {
	BillingID int64 `json:"id" binding:"required,positive"`
}

func pathRef(c *gin.Context) (model.OrderRef, error) {
	ref := model.OrderRef{UserID: c.Param("user_id")}
	if err := utils.ValidateKeyPart("user_id", ref.UserID); err != nil {
		return model.OrderRef{}, err
	}
	if orderID, ok := c.Params.Get("order_id"); ok {
		if err := utils.ValidateKeyPart("order_id", orderID); err != nil {
			return model.OrderRef{}, err
		}
		ref.OrderID = orderID
	}
	return ref, nil
}

// CreateOrder publishes a new order and answers with its id
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ref, err := pathRef(c)
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorFrom(c, utils.BindError(err))
		return
	}

	created, err := h.orderService.Create(c.Request.Context(), ref.UserID, req.Goods)
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}

	c.Header("Location", "/api/v1/user/"+created.UserID+"/order/"+created.OrderID)
	utils.AcceptedResponse(c, created)
}

// UpdateOrder publishes field operations on an order
func (h *OrderHandler) UpdateOrder(c *gin.Context) {
	ref, err := pathRef(c)
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}

	var req UpdateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorFrom(c, utils.BindError(err))
		return
	}

	if err := h.orderService.Update(c.Request.Context(), ref, req.Goods); err != nil {
		utils.ErrorFrom(c, err)
		return
	}
	utils.AcceptedResponse(c, ref)
}

// DeleteOrder publishes the deletion of an order
func (h *OrderHandler) DeleteOrder(c *gin.Context) {
	ref, err := pathRef(c)
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}

	if err := h.orderService.Delete(c.Request.Context(), ref); err != nil {
		utils.ErrorFrom(c, err)
		return
	}
	utils.AcceptedResponse(c, ref)
}

// AddGood adds ?count= units (default 1) of one good
func (h *OrderHandler) AddGood(c *gin.Context) {
	ref, err := pathRef(c)
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}
	goodID, err := utils.ValidateID("good_id", c.Param("good_id"))
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}
	count, err := strconv.ParseInt(c.DefaultQuery("count", "1"), 10, 64)
	if err != nil || count <= 0 {
		utils.Error(c, utils.CodeInvalidParam, "count must be a positive integer")
		return
	}

	if err := h.orderService.AddGood(c.Request.Context(), ref, goodID, count); err != nil {
		utils.ErrorFrom(c, err)
		return
	}
	utils.AcceptedResponse(c, ref)
}

// RemoveGood removes one good from an order
func (h *OrderHandler) RemoveGood(c *gin.Context) {
	ref, err := pathRef(c)
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}
	goodID, err := utils.ValidateID("good_id", c.Param("good_id"))
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}

	if err := h.orderService.RemoveGood(c.Request.Context(), ref, goodID); err != nil {
		utils.ErrorFrom(c, err)
		return
	}
	utils.AcceptedResponse(c, ref)
}

// PayOrder publishes a billing for an order
func (h *OrderHandler) PayOrder(c *gin.Context) {
	ref, err := pathRef(c)
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}

	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorFrom(c, utils.BindError(err))
		return
	}

	if err := h.orderService.Pay(c.Request.Context(), ref, req.BillingID); err != nil {
		utils.ErrorFrom(c, err)
		return
	}
	utils.AcceptedResponse(c, ref)
}

// GetOrder gets one order
func (h *OrderHandler) GetOrder(c *gin.Context) {
	ref, err := pathRef(c)
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}

	view, err := h.orderService.Get(c.Request.Context(), ref)
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}
	utils.SuccessResponse(c, view)
}

// ListOrders lists a user's orders
func (h *OrderHandler) ListOrders(c *gin.Context) {
	ref, err := pathRef(c)
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err := utils.ValidatePage(page, pageSize); err != nil {
		utils.ErrorFrom(c, err)
		return
	}

	views, total, err := h.orderService.List(c.Request.Context(), ref.UserID, page, pageSize)
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}
	utils.SuccessPageResponse(c, views, total, page, pageSize)
}

// History lists the handled saga messages of an order, newest first
func (h *OrderHandler) History(c *gin.Context) {
	if h.history == nil {
		utils.Error(c, utils.CodeOrderNotFound, "order history is not recorded")
		return
	}
	ref, err := pathRef(c)
	if err != nil {
		utils.ErrorFrom(c, err)
		return
	}

	logs, err := h.history.ListByOrder(c.Request.Context(), ref, historyLimit)
	if err != nil {
		utils.ErrorFrom(c, utils.WrapError(err, utils.CodeDatabaseError, "failed to read order history"))
		return
	}
	utils.SuccessResponse(c, logs)
}
