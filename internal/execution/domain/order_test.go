package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrder(qty int64) *Order {
	return NewOrder("ord-1", &Signal{
		StrategyID: "strat-1",
		Symbol:     "AAPL",
		Side:       OrderSideBuy,
		Quantity:   qty,
		OrderType:  OrderTypeMarket,
	})
}

func TestNewOrderStartsPending(t *testing.T) {
	o := newTestOrder(100)

	assert.Equal(t, OrderStatusPending, o.Status)
	assert.Equal(t, int64(0), o.FilledQuantity)
	assert.True(t, o.AvgFillPrice.IsZero())
	assert.Empty(t, o.BrokerOrderID)
}

func TestTransitionLifecycle(t *testing.T) {
	o := newTestOrder(100)

	require.True(t, o.MarkSubmitted("bo-1"))
	assert.Equal(t, OrderStatusSubmitted, o.Status)
	assert.Equal(t, "bo-1", o.BrokerOrderID)

	require.True(t, o.TransitionTo(OrderStatusPartialFill))
	require.True(t, o.TransitionTo(OrderStatusFilled))

	// 终态后的任何迁移都是幂等空操作
	assert.False(t, o.TransitionTo(OrderStatusCancelRequested))
	assert.False(t, o.TransitionTo(OrderStatusRejected))
	assert.Equal(t, OrderStatusFilled, o.Status)
}

func TestRejectionOnlyFromPendingOrSubmitted(t *testing.T) {
	o := newTestOrder(100)
	require.True(t, o.MarkRejected("insufficient margin"))
	assert.Equal(t, OrderStatusRejected, o.Status)
	assert.Equal(t, "insufficient margin", o.ErrorMessage)

	o = newTestOrder(100)
	require.True(t, o.MarkSubmitted("bo-2"))
	require.True(t, o.TransitionTo(OrderStatusPartialFill))
	assert.False(t, o.MarkRejected("too late"))
	assert.Empty(t, o.ErrorMessage)
}

func TestApplyFillVolumeWeightedAverage(t *testing.T) {
	o := newTestOrder(100)
	require.True(t, o.MarkSubmitted("bo-3"))

	applied, clamped := o.ApplyFill(50, decimal.RequireFromString("150.00"))
	assert.Equal(t, int64(50), applied)
	assert.False(t, clamped)
	assert.Equal(t, OrderStatusPartialFill, o.Status)
	assert.True(t, o.AvgFillPrice.Equal(decimal.RequireFromString("150.00")))

	applied, clamped = o.ApplyFill(50, decimal.RequireFromString("160.00"))
	assert.Equal(t, int64(50), applied)
	assert.False(t, clamped)
	assert.Equal(t, OrderStatusFilled, o.Status)
	assert.Equal(t, int64(100), o.FilledQuantity)
	assert.True(t, o.AvgFillPrice.Equal(decimal.RequireFromString("155.00")),
		"expected 155.00, got %s", o.AvgFillPrice)
}

func TestApplyFillPartialThenComplete(t *testing.T) {
	o := newTestOrder(100)
	require.True(t, o.MarkSubmitted("bo-4"))

	o.ApplyFill(30, decimal.RequireFromString("10.00"))
	assert.Equal(t, OrderStatusPartialFill, o.Status)
	assert.Equal(t, int64(30), o.FilledQuantity)
	assert.Equal(t, int64(70), o.RemainingQuantity())

	o.ApplyFill(70, decimal.RequireFromString("10.00"))
	assert.Equal(t, OrderStatusFilled, o.Status)
	assert.Equal(t, int64(100), o.FilledQuantity)
}

func TestApplyFillClampsOverfill(t *testing.T) {
	o := newTestOrder(100)
	require.True(t, o.MarkSubmitted("bo-5"))

	o.ApplyFill(80, decimal.RequireFromString("10.00"))

	applied, clamped := o.ApplyFill(50, decimal.RequireFromString("12.00"))
	assert.Equal(t, int64(20), applied)
	assert.True(t, clamped)
	assert.Equal(t, int64(100), o.FilledQuantity)
	assert.Equal(t, OrderStatusFilled, o.Status)

	// 完全成交之后的再次超量成交不改变任何状态
	applied, clamped = o.ApplyFill(10, decimal.RequireFromString("13.00"))
	assert.Equal(t, int64(0), applied)
	assert.True(t, clamped)
	assert.Equal(t, int64(100), o.FilledQuantity)
}

func TestApplyFillDuringCancelRequested(t *testing.T) {
	o := newTestOrder(100)
	require.True(t, o.MarkSubmitted("bo-6"))
	o.ApplyFill(40, decimal.RequireFromString("9.50"))
	require.True(t, o.TransitionTo(OrderStatusCancelRequested))

	// 撤单确认到达前的存量成交仍然入账，但状态保持 CANCEL_REQUESTED
	o.ApplyFill(10, decimal.RequireFromString("9.60"))
	assert.Equal(t, int64(50), o.FilledQuantity)
	assert.Equal(t, OrderStatusCancelRequested, o.Status)

	// 补齐全部数量则收敛到 FILLED
	o.ApplyFill(50, decimal.RequireFromString("9.70"))
	assert.Equal(t, OrderStatusFilled, o.Status)
}

func TestSignalValidate(t *testing.T) {
	valid := Signal{
		StrategyID: "s1",
		Symbol:     "MSFT",
		Side:       OrderSideSell,
		Quantity:   10,
		OrderType:  OrderTypeLimit,
		LimitPrice: decimal.RequireFromString("400.50"),
	}
	assert.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Signal)
	}{
		{"missing strategy", func(s *Signal) { s.StrategyID = "" }},
		{"missing symbol", func(s *Signal) { s.Symbol = "" }},
		{"bad side", func(s *Signal) { s.Side = "HOLD" }},
		{"zero quantity", func(s *Signal) { s.Quantity = 0 }},
		{"limit without price", func(s *Signal) { s.LimitPrice = decimal.Zero }},
		{"bad type", func(s *Signal) { s.OrderType = "STOP" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := valid
			tc.mutate(&sig)
			assert.Error(t, sig.Validate())
		})
	}
}

func TestBrokerSubmissionError(t *testing.T) {
	err := NewBrokerSubmissionError("insufficient margin")
	assert.Contains(t, err.Error(), "insufficient margin")

	se, ok := AsBrokerSubmissionError(err)
	require.True(t, ok)
	assert.Equal(t, "insufficient margin", se.Reason)

	_, ok = AsBrokerSubmissionError(ErrOrderNotFound)
	assert.False(t, ok)
}
