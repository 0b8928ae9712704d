package paper

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/orderexecution/internal/execution/domain"
)

func testOrder(qty int64, side domain.OrderSide) *domain.Order {
	return domain.NewOrder("ord-1", &domain.Signal{
		StrategyID: "strat-1",
		Symbol:     "AAPL",
		Side:       side,
		Quantity:   qty,
		OrderType:  domain.OrderTypeLimit,
		LimitPrice: decimal.RequireFromString("100.00"),
	})
}

func TestSubmitDeliversSingleFill(t *testing.T) {
	b := New(Config{Seed: 1}, slog.Default())
	defer b.Close()

	ch := make(chan *domain.Fill, 8)
	b.SubscribeFills(func(f *domain.Fill) { ch <- f })

	id, err := b.SubmitOrder(context.Background(), testOrder(100, domain.OrderSideBuy))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case f := <-ch:
		assert.Equal(t, id, f.BrokerOrderID)
		assert.Equal(t, int64(100), f.Quantity)
		assert.NotEmpty(t, f.FillID)
	case <-time.After(3 * time.Second):
		t.Fatal("fill was not delivered")
	}
}

func TestPartialFillsExhaustQuantity(t *testing.T) {
	b := New(Config{Seed: 42, PartialFillProb: 1.0}, slog.Default())
	defer b.Close()

	ch := make(chan *domain.Fill, 64)
	b.SubscribeFills(func(f *domain.Fill) { ch <- f })

	_, err := b.SubmitOrder(context.Background(), testOrder(100, domain.OrderSideBuy))
	require.NoError(t, err)

	var total int64
	seen := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for total < 100 {
		select {
		case f := <-ch:
			assert.False(t, seen[f.FillID], "fill_id %s reused", f.FillID)
			seen[f.FillID] = true
			total += f.Quantity
		case <-deadline:
			t.Fatalf("fills stopped at %d/100", total)
		}
	}
	assert.Equal(t, int64(100), total)
	assert.Greater(t, len(seen), 1, "PartialFillProb=1 should split the order")
}

func TestRejectionBeforeAnyFill(t *testing.T) {
	b := New(Config{Seed: 7, RejectProb: 1.0}, slog.Default())
	defer b.Close()

	delivered := make(chan struct{}, 1)
	b.SubscribeFills(func(*domain.Fill) { delivered <- struct{}{} })

	_, err := b.SubmitOrder(context.Background(), testOrder(10, domain.OrderSideBuy))
	require.Error(t, err)
	_, ok := domain.AsBrokerSubmissionError(err)
	assert.True(t, ok)

	select {
	case <-delivered:
		t.Fatal("rejected order must not produce fills")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlippageIsDirectional(t *testing.T) {
	b := New(Config{Seed: 3, Slippage: 0.01}, slog.Default())
	defer b.Close()

	ch := make(chan *domain.Fill, 8)
	b.SubscribeFills(func(f *domain.Fill) { ch <- f })

	_, err := b.SubmitOrder(context.Background(), testOrder(10, domain.OrderSideBuy))
	require.NoError(t, err)
	buyFill := nextFill(t, ch)
	assert.True(t, buyFill.Price.Equal(decimal.RequireFromString("101.00")),
		"buy should pay up, got %s", buyFill.Price)

	_, err = b.SubmitOrder(context.Background(), testOrder(10, domain.OrderSideSell))
	require.NoError(t, err)
	sellFill := nextFill(t, ch)
	assert.True(t, sellFill.Price.Equal(decimal.RequireFromString("99.00")),
		"sell should give up, got %s", sellFill.Price)
}

func nextFill(t *testing.T, ch <-chan *domain.Fill) *domain.Fill {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("fill was not delivered")
		return nil
	}
}

func TestCancelOrder(t *testing.T) {
	// 延迟足够大，撤单先于任何成交
	b := New(Config{Seed: 5, MinDelay: time.Hour, MaxDelay: time.Hour}, slog.Default())

	statusCh := make(chan domain.OrderStatus, 1)
	b.SubscribeStatus(func(id string, st domain.OrderStatus) { statusCh <- st })

	id, err := b.SubmitOrder(context.Background(), testOrder(10, domain.OrderSideBuy))
	require.NoError(t, err)

	accepted, err := b.CancelOrder(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, accepted)

	select {
	case st := <-statusCh:
		assert.Equal(t, domain.OrderStatusCancelled, st)
	case <-time.After(3 * time.Second):
		t.Fatal("cancel confirmation was not delivered")
	}

	st, err := b.GetOrderStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, st)

	// 已撤订单的再次撤单不受理
	accepted, err = b.CancelOrder(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, accepted)

	require.NoError(t, b.Close())
	// 重复关闭是幂等空操作
	require.NoError(t, b.Close())
}

func TestGetOrderStatusUnknown(t *testing.T) {
	b := New(Config{Seed: 9}, slog.Default())
	defer b.Close()

	_, err := b.GetOrderStatus(context.Background(), "PB-unknown")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}
