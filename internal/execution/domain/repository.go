package domain

import "context"

// OrderRepository 订单仓储接口。
// Insert 在 PENDING 创建时恰好调用一次，order_id 是自然键，
// 冲突时幂等（容忍 insert 与首次 update 之间的崩溃重放）；
// Update 在每次后续状态变更时调用。
type OrderRepository interface {
	// Insert 持久化新建的 PENDING 订单
	Insert(ctx context.Context, order *Order) error
	// Update 持久化一次状态变更
	Update(ctx context.Context, order *Order) error
	// Get 按内部订单 ID 查询
	Get(ctx context.Context, orderID string) (*Order, error)
	// ListByStatus 按状态分页查询（恢复协作方用它找出 PENDING 遗留订单）
	ListByStatus(ctx context.Context, status OrderStatus, limit, offset int) ([]*Order, int64, error)
}
