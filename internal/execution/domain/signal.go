package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Signal 已通过风控审批的交易信号
type Signal struct {
	// 所属策略 ID
	StrategyID string `json:"strategy_id"`
	// 标的符号
	Symbol string `json:"symbol"`
	// 买卖方向
	Side OrderSide `json:"side"`
	// 委托数量（股）
	Quantity int64 `json:"quantity"`
	// 订单类型
	OrderType OrderType `json:"order_type"`
	// 限价（仅限价单需要）
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// Validate 校验信号字段的完整性
func (s *Signal) Validate() error {
	if s.StrategyID == "" {
		return fmt.Errorf("signal missing strategy_id")
	}
	if s.Symbol == "" {
		return fmt.Errorf("signal missing symbol")
	}
	if s.Side != OrderSideBuy && s.Side != OrderSideSell {
		return fmt.Errorf("invalid signal side: %q", s.Side)
	}
	if s.Quantity < 1 {
		return fmt.Errorf("invalid signal quantity: %d", s.Quantity)
	}
	switch s.OrderType {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if s.LimitPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("limit order requires a positive limit_price")
		}
	default:
		return fmt.Errorf("invalid order type: %q", s.OrderType)
	}
	return nil
}
