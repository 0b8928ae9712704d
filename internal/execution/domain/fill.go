package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fill 单笔成交回报
// 由券商生成，OrderManager 恰好消费一次后丢弃，
// FillID 保留在幂等集合中用于去重。
type Fill struct {
	// 券商分配的全局唯一成交 ID，去重的唯一键
	FillID string `json:"fill_id"`
	// 券商侧订单 ID（不是内部 OrderID）
	BrokerOrderID string `json:"order_id"`
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
