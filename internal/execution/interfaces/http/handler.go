// Package http 暴露执行服务的 HTTP 接口。
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/orderexecution/internal/execution/application"
	"github.com/wyfcoding/orderexecution/internal/execution/domain"
	"github.com/wyfcoding/orderexecution/pkg/response"
)

// ExecutionHandler HTTP 处理器
// 负责处理订单查询、撤单与对账相关的 HTTP 请求
type ExecutionHandler struct {
	manager *application.OrderManager
	query   *application.OrderQueryService
}

// 创建 HTTP 处理器实例
func NewExecutionHandler(manager *application.OrderManager, query *application.OrderQueryService) *ExecutionHandler {
	return &ExecutionHandler{manager: manager, query: query}
}

// 注册路由
func (h *ExecutionHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1/orders")
	{
		api.GET("/:id", h.GetOrder)            // 获取订单详情
		api.GET("", h.ListOrders)              // 按状态分页查询
		api.POST("/:id/cancel", h.CancelOrder) // 请求撤单
		api.GET("/:id/reconcile", h.Reconcile) // 与券商对账
	}
	router.GET("/health", h.Health)
}

// GetOrder 获取订单详情
func (h *ExecutionHandler) GetOrder(c *gin.Context) {
	orderID := c.Param("id")

	order, err := h.query.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			response.ErrorWithStatus(c, http.StatusNotFound, "order not found", orderID)
			return
		}
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
		return
	}

	response.Success(c, order)
}

// ListOrders 按状态分页查询订单
func (h *ExecutionHandler) ListOrders(c *gin.Context) {
	status := domain.OrderStatus(c.Query("status"))
	if status == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "status query parameter is required", "")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	orders, total, err := h.query.ListOrdersByStatus(c.Request.Context(), status, limit, offset)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
		return
	}

	response.Success(c, gin.H{"orders": orders, "total": total})
}

// CancelOrder 请求撤单。撤单确认是异步的：
// 成功响应表示撤单请求已被受理，而非订单已撤销。
func (h *ExecutionHandler) CancelOrder(c *gin.Context) {
	orderID := c.Param("id")

	err := h.manager.RequestCancel(c.Request.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			response.ErrorWithStatus(c, http.StatusNotFound, "order not found", orderID)
		case errors.Is(err, domain.ErrOrderNotCancellable):
			response.ErrorWithStatus(c, http.StatusConflict, "order is not cancellable", orderID)
		default:
			response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
		}
		return
	}

	response.Success(c, gin.H{"order_id": orderID, "status": domain.OrderStatusCancelRequested})
}

// Reconcile 查询本地与券商两侧的订单状态
func (h *ExecutionHandler) Reconcile(c *gin.Context) {
	orderID := c.Param("id")

	local, broker, err := h.query.ReconcileOrderStatus(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			response.ErrorWithStatus(c, http.StatusNotFound, "order not found", orderID)
			return
		}
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
		return
	}

	response.Success(c, gin.H{
		"order_id":      orderID,
		"local_status":  local,
		"broker_status": broker,
		"diverged":      broker != "" && local != broker,
	})
}

// Health 健康检查
func (h *ExecutionHandler) Health(c *gin.Context) {
	response.Success(c, gin.H{
		"status":        "ok",
		"active_orders": h.manager.ActiveOrderCount(),
	})
}
