package application

import (
	"context"
	"log/slog"

	"github.com/wyfcoding/orderexecution/internal/execution/domain"
)

// OrderQueryService 处理订单读取与对账查询。
// 持久化副本是查询的权威来源；券商时点状态
// 仅用于对账，不进入成交主路径。
type OrderQueryService struct {
	repo   domain.OrderRepository
	broker domain.Broker
	logger *slog.Logger
}

// NewOrderQueryService 构造函数
func NewOrderQueryService(repo domain.OrderRepository, broker domain.Broker, logger *slog.Logger) *OrderQueryService {
	return &OrderQueryService{
		repo:   repo,
		broker: broker,
		logger: logger.With("module", "order_query"),
	}
}

// GetOrder 按内部订单 ID 查询持久化副本
func (s *OrderQueryService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// ListOrdersByStatus 按状态分页查询
func (s *OrderQueryService) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus, limit, offset int) ([]*domain.Order, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListByStatus(ctx, status, limit, offset)
}

// ReconcileOrderStatus 向券商做时点状态查询，用于人工对账。
// 返回本地持久化状态与券商侧状态。
func (s *OrderQueryService) ReconcileOrderStatus(ctx context.Context, orderID string) (local, broker domain.OrderStatus, err error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return "", "", err
	}
	if order.BrokerOrderID == "" {
		// 未提交成功的订单在券商侧不存在
		return order.Status, "", nil
	}

	brokerStatus, err := s.broker.GetOrderStatus(ctx, order.BrokerOrderID)
	if err != nil {
		return order.Status, "", err
	}
	if brokerStatus != order.Status {
		s.logger.WarnContext(ctx, "order status divergence detected",
			"order_id", orderID, "local", order.Status, "broker", brokerStatus)
	}
	return order.Status, brokerStatus, nil
}
