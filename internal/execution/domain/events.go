package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// FillEventType 成交事件 topic
const FillEventType = "execution.fills"

// FillEvent 对外发布的成交事件，供组合对账与策略回调消费
type FillEvent struct {
	// 内部订单 ID
	OrderID string `json:"order_id"`
	// 标的符号
	Symbol string `json:"symbol"`
	// 买卖方向
	Side OrderSide `json:"side"`
	// 本笔成交数量
	Quantity int64 `json:"quantity"`
	// 本笔成交价格
	Price decimal.Decimal `json:"price"`
	// 成交时间
	Timestamp time.Time `json:"timestamp"`
}

// FillEventPublisher 成交事件发布接口
type FillEventPublisher interface {
	// PublishFill 每笔已应用（未被去重）的成交发布一条消息
	PublishFill(ctx context.Context, event *FillEvent) error
}

// PortfolioUpdater 组合账本更新接口。
// 每笔已应用成交调用一次；调用失败只记日志，
// 不阻塞成交应用流水线的完成。
type PortfolioUpdater interface {
	RecordFill(ctx context.Context, accountID, symbol string, side OrderSide, quantity int64, price decimal.Decimal, strategyID string) error
}

// SignalSource 信号来源。
// Next 以有界超时阻塞读取，超时返回 (nil, nil)，
// 让消费循环能及时观察到停止请求。
type SignalSource interface {
	Next(ctx context.Context) (*Signal, error)
	Close() error
}
