// Package domain 包含执行服务的领域模型
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartialFill     OrderStatus = "PARTIAL_FILL"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelRequested OrderStatus = "CANCEL_REQUESTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal 是否为终态
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderSide 订单方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// transitions 定义了状态机允许的迁移。终态没有出边，
// 向终态的后继迁移是幂等空操作而非错误，以容忍重复事件投递。
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:         {OrderStatusSubmitted, OrderStatusRejected},
	OrderStatusSubmitted:       {OrderStatusPartialFill, OrderStatusFilled, OrderStatusCancelRequested, OrderStatusRejected},
	OrderStatusPartialFill:     {OrderStatusPartialFill, OrderStatusFilled, OrderStatusCancelRequested},
	OrderStatusCancelRequested: {OrderStatusCancelled, OrderStatusFilled},
}

// Order 订单实体
// 活跃期间由 OrderManager 独占持有，持久化副本由订单表持有。
type Order struct {
	// 进程内生成的唯一订单 ID，创建时分配，不可变
	OrderID string `json:"order_id"`
	// 券商分配的订单 ID，提交成功后写入一次，此后不可变
	BrokerOrderID string `json:"broker_order_id,omitempty"`
	// 所属策略 ID
	StrategyID string `json:"strategy_id"`
	// 标的符号
	Symbol string `json:"symbol"`
	// 买卖方向
	Side OrderSide `json:"side"`
	// 订单类型
	Type OrderType `json:"type"`
	// 委托数量（股），>= 1
	Quantity int64 `json:"quantity"`
	// 限价（仅限价单有效）
	LimitPrice decimal.Decimal `json:"limit_price"`
	// 当前状态
	Status OrderStatus `json:"status"`
	// 累计成交数量，单调不减，<= Quantity
	FilledQuantity int64 `json:"filled_quantity"`
	// 成交量加权平均价，首笔成交前为零值
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	// 拒单原因，仅 REJECTED 状态下有效
	ErrorMessage string `json:"error_message,omitempty"`
	// 创建时间
	CreatedAt time.Time `json:"created_at"`
	// 最近一次状态变更时间
	UpdatedAt time.Time `json:"updated_at"`
}

// NewOrder 根据信号内容创建 PENDING 状态订单
func NewOrder(orderID string, sig *Signal) *Order {
	now := time.Now()
	return &Order{
		OrderID:    orderID,
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Type:       sig.OrderType,
		Quantity:   sig.Quantity,
		LimitPrice: sig.LimitPrice,
		Status:     OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CanTransition 判断能否从当前状态迁移到目标状态
func (o *Order) CanTransition(to OrderStatus) bool {
	for _, next := range transitions[o.Status] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTo 执行状态迁移，返回是否实际发生了变更。
// 不允许的迁移（包括任何离开终态的迁移）静默忽略。
func (o *Order) TransitionTo(to OrderStatus) bool {
	if !o.CanTransition(to) {
		return false
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	return true
}

// MarkSubmitted 记录券商订单 ID 并迁移到 SUBMITTED
func (o *Order) MarkSubmitted(brokerOrderID string) bool {
	if !o.TransitionTo(OrderStatusSubmitted) {
		return false
	}
	o.BrokerOrderID = brokerOrderID
	return true
}

// MarkRejected 记录拒单原因并迁移到 REJECTED
func (o *Order) MarkRejected(reason string) bool {
	if !o.TransitionTo(OrderStatusRejected) {
		return false
	}
	o.ErrorMessage = reason
	return true
}

// ApplyFill 将一笔成交累加到订单上，返回实际入账数量。
// 超出委托数量的部分被截断，由调用方记录异常日志。
// 均价按成交量加权：new = (prev*prevQty + price*qty) / (prevQty+qty)。
func (o *Order) ApplyFill(quantity int64, price decimal.Decimal) (applied int64, clamped bool) {
	remaining := o.Quantity - o.FilledQuantity
	applied = quantity
	if applied > remaining {
		applied = remaining
		clamped = true
	}
	if applied <= 0 {
		return 0, clamped
	}

	prevQty := decimal.NewFromInt(o.FilledQuantity)
	fillQty := decimal.NewFromInt(applied)
	notional := o.AvgFillPrice.Mul(prevQty).Add(price.Mul(fillQty))
	o.AvgFillPrice = notional.Div(prevQty.Add(fillQty))
	o.FilledQuantity += applied
	o.UpdatedAt = time.Now()

	if o.FilledQuantity >= o.Quantity {
		// CANCEL_REQUESTED 下补齐的成交同样推进到 FILLED
		o.TransitionTo(OrderStatusFilled)
	} else {
		o.TransitionTo(OrderStatusPartialFill)
	}
	return applied, clamped
}

// RemainingQuantity 剩余未成交数量
func (o *Order) RemainingQuantity() int64 {
	return o.Quantity - o.FilledQuantity
}

// IsFilled 是否完全成交
func (o *Order) IsFilled() bool {
	return o.FilledQuantity >= o.Quantity
}

// CanBeCancelled 是否可以发起撤单
func (o *Order) CanBeCancelled() bool {
	return o.Status == OrderStatusSubmitted || o.Status == OrderStatusPartialFill
}
