package domain

import "context"

// FillCallback 成交回报回调。
// 券商实现以同步方式调用它，且可能运行在券商自己的 I/O goroutine 上；
// 回调内只允许做最小的入队交接，绝不能直接执行业务逻辑。
type FillCallback func(fill *Fill)

// StatusCallback 订单状态通知回调（如撤单确认），线程约定与 FillCallback 相同。
type StatusCallback func(brokerOrderID string, status OrderStatus)

// Broker 券商能力接口，live 与 paper 两种实现由配置选择。
// 两种实现遵守完全相同的回调线程约定，
// 使测试与生产走过同一条并发边界。
type Broker interface {
	// SubmitOrder 提交订单执行，每个订单至多调用一次。
	// 成功返回券商分配的订单 ID；拒单返回 *BrokerSubmissionError，
	// 调用方不得自动重试。
	SubmitOrder(ctx context.Context, order *Order) (string, error)

	// CancelOrder 请求撤单，返回请求是否被受理。
	// 受理不代表已撤销，最终结果经状态通知异步到达。
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)

	// GetOrderStatus 时点查询订单状态，用于对账，不在成交主路径上。
	GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderStatus, error)

	// SubscribeFills 注册成交回报回调。
	// 实现必须保证：同一订单的成交按执行顺序投递；
	// FillID 全局唯一（包括重连/重放场景）。
	SubscribeFills(cb FillCallback)

	// SubscribeStatus 注册订单状态通知回调（撤单确认等）。
	SubscribeStatus(cb StatusCallback)

	// Close 释放券商连接资源
	Close() error
}
