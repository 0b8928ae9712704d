package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/orderexecution/internal/execution/domain"
)

// fakeBroker 可人工驱动回调的券商替身
type fakeBroker struct {
	mu        sync.Mutex
	fillCb    domain.FillCallback
	statusCb  domain.StatusCallback
	submitErr error
	submitted []*domain.Order
	cancelled []string
	nextID    int
	onSubmit  func()
}

func (b *fakeBroker) SubmitOrder(ctx context.Context, order *domain.Order) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.onSubmit != nil {
		b.onSubmit()
	}
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.nextID++
	b.submitted = append(b.submitted, order)
	return fmt.Sprintf("FB-%d", b.nextID), nil
}

func (b *fakeBroker) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, brokerOrderID)
	return true, nil
}

func (b *fakeBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (domain.OrderStatus, error) {
	return domain.OrderStatusSubmitted, nil
}

func (b *fakeBroker) SubscribeFills(cb domain.FillCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillCb = cb
}

func (b *fakeBroker) SubscribeStatus(cb domain.StatusCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCb = cb
}

func (b *fakeBroker) Close() error { return nil }

// deliverFill 模拟券商 I/O 线程投递成交
func (b *fakeBroker) deliverFill(fill *domain.Fill) {
	b.mu.Lock()
	cb := b.fillCb
	b.mu.Unlock()
	go cb(fill)
}

// deliverFillSync 在调用方 goroutine 上同步投递成交
func (b *fakeBroker) deliverFillSync(fill *domain.Fill) {
	b.mu.Lock()
	cb := b.fillCb
	b.mu.Unlock()
	cb(fill)
}

func (b *fakeBroker) deliverStatus(brokerOrderID string, status domain.OrderStatus) {
	b.mu.Lock()
	cb := b.statusCb
	b.mu.Unlock()
	go cb(brokerOrderID, status)
}

// memRepo 记录调用序列的内存仓储
type memRepo struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	calls     []string
	insertErr error
}

func newMemRepo() *memRepo {
	return &memRepo{orders: make(map[string]domain.Order)}
}

func (r *memRepo) Insert(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	r.calls = append(r.calls, "insert:"+string(order.Status))
	r.orders[order.OrderID] = *order
	return nil
}

func (r *memRepo) Update(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "update:"+string(order.Status))
	r.orders[order.OrderID] = *order
	return nil
}

func (r *memRepo) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := o
	return &cp, nil
}

func (r *memRepo) ListByStatus(ctx context.Context, status domain.OrderStatus, limit, offset int) ([]*domain.Order, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Order
	for _, o := range r.orders {
		if o.Status == status {
			cp := o
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

func (r *memRepo) stored(orderID string) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[orderID]
}

// fakePublisher 收集发布的成交事件
type fakePublisher struct {
	mu     sync.Mutex
	events []*domain.FillEvent
}

func (p *fakePublisher) PublishFill(ctx context.Context, ev *domain.FillEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// fakePortfolio 收集组合账本调用
type fakePortfolio struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *fakePortfolio) RecordFill(ctx context.Context, accountID, symbol string, side domain.OrderSide, quantity int64, price decimal.Decimal, strategyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf("%s:%s:%d@%s", symbol, side, quantity, price))
	return p.err
}

func (p *fakePortfolio) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// stubSignals 通道驱动的信号源
type stubSignals struct {
	ch chan *domain.Signal
}

func newStubSignals() *stubSignals {
	return &stubSignals{ch: make(chan *domain.Signal, 16)}
}

func (s *stubSignals) Next(ctx context.Context) (*domain.Signal, error) {
	select {
	case sig := <-s.ch:
		return sig, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (s *stubSignals) Close() error { return nil }

type managerHarness struct {
	manager   *OrderManager
	broker    *fakeBroker
	repo      *memRepo
	publisher *fakePublisher
	portfolio *fakePortfolio
	signals   *stubSignals
}

func newHarness(t *testing.T) *managerHarness {
	t.Helper()
	h := &managerHarness{
		broker:    &fakeBroker{},
		repo:      newMemRepo(),
		publisher: &fakePublisher{},
		portfolio: &fakePortfolio{},
		signals:   newStubSignals(),
	}
	deduper := NewFillDeduper(1024, nil, 0, slog.Default())
	h.manager = NewOrderManager(h.broker, h.repo, h.publisher, h.portfolio,
		h.signals, deduper, nil, slog.Default(), Options{AccountID: "acct-1"})
	return h
}

func buySignal(qty int64) *domain.Signal {
	return &domain.Signal{
		StrategyID: "strat-1",
		Symbol:     "AAPL",
		Side:       domain.OrderSideBuy,
		Quantity:   qty,
		OrderType:  domain.OrderTypeMarket,
	}
}

// submitViaSignal 推入信号并等待订单提交完成，返回持久化副本
func (h *managerHarness) submitViaSignal(t *testing.T, qty int64) domain.Order {
	t.Helper()
	h.signals.ch <- buySignal(qty)

	var stored domain.Order
	require.Eventually(t, func() bool {
		h.broker.mu.Lock()
		var orderID string
		if n := len(h.broker.submitted); n > 0 {
			orderID = h.broker.submitted[n-1].OrderID
		}
		h.broker.mu.Unlock()
		if orderID == "" {
			return false
		}
		stored = h.repo.stored(orderID)
		return stored.Status == domain.OrderStatusSubmitted
	}, 2*time.Second, 5*time.Millisecond, "order was not submitted")
	return stored
}

func fill(id, brokerOrderID string, qty int64, price string) *domain.Fill {
	return &domain.Fill{
		FillID:        id,
		BrokerOrderID: brokerOrderID,
		Symbol:        "AAPL",
		Side:          domain.OrderSideBuy,
		Quantity:      qty,
		Price:         decimal.RequireFromString(price),
		Timestamp:     time.Now(),
	}
}

func TestProcessSignalPersistsBeforeSubmit(t *testing.T) {
	h := newHarness(t)

	// 提交发生时 PENDING 插入必须已经完成
	h.broker.onSubmit = func() {
		h.repo.mu.Lock()
		defer h.repo.mu.Unlock()
		require.NotEmpty(t, h.repo.calls)
		require.Equal(t, "insert:PENDING", h.repo.calls[0])
	}

	order, err := h.manager.ProcessSignal(context.Background(), buySignal(100))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSubmitted, order.Status)
	assert.NotEmpty(t, order.BrokerOrderID)

	stored := h.repo.stored(order.OrderID)
	assert.Equal(t, domain.OrderStatusSubmitted, stored.Status)
}

func TestProcessSignalInsertFailureSkipsSubmission(t *testing.T) {
	h := newHarness(t)
	h.repo.insertErr = errors.New("db down")

	_, err := h.manager.ProcessSignal(context.Background(), buySignal(100))
	require.Error(t, err)
	assert.Empty(t, h.broker.submitted, "submission must never precede a successful insert")
}

func TestProcessSignalRejectionPath(t *testing.T) {
	h := newHarness(t)
	h.broker.submitErr = domain.NewBrokerSubmissionError("insufficient margin")

	order, err := h.manager.ProcessSignal(context.Background(), buySignal(100))
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusRejected, order.Status)
	assert.Contains(t, order.ErrorMessage, "insufficient margin")
	assert.Equal(t, 0, h.manager.ActiveOrderCount())

	stored := h.repo.stored(order.OrderID)
	assert.Equal(t, domain.OrderStatusRejected, stored.Status)
}

func TestProcessSignalTransportFailureKeepsPending(t *testing.T) {
	h := newHarness(t)
	h.broker.submitErr = errors.New("connection reset")

	_, err := h.manager.ProcessSignal(context.Background(), buySignal(100))
	require.Error(t, err)
	assert.Equal(t, 0, h.manager.ActiveOrderCount())

	// 提交结果未知：持久化副本保持 PENDING 交给恢复流程
	pending, total, err := h.repo.ListByStatus(context.Background(), domain.OrderStatusPending, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, pending, 1)
}

func TestFillIdempotency(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)
	defer h.manager.Stop()

	order := h.submitViaSignal(t, 100)

	dup := fill("fill-1", order.BrokerOrderID, 60, "150.00")
	h.broker.deliverFill(dup)
	require.Eventually(t, func() bool { return h.publisher.count() == 1 },
		2*time.Second, 5*time.Millisecond)

	// 同一 fill_id 重复投递：整条副作用链路都不得再次发生
	h.broker.deliverFill(dup)
	// 用后续一笔新成交作为顺序屏障，确认重复者已被处理过
	h.broker.deliverFill(fill("fill-2", order.BrokerOrderID, 40, "150.00"))
	require.Eventually(t, func() bool { return h.publisher.count() == 2 },
		2*time.Second, 5*time.Millisecond)

	stored := h.repo.stored(order.OrderID)
	assert.Equal(t, int64(100), stored.FilledQuantity)
	assert.Equal(t, domain.OrderStatusFilled, stored.Status)
	assert.True(t, stored.AvgFillPrice.Equal(decimal.RequireFromString("150.00")))
	assert.Equal(t, 2, h.portfolio.count())
}

func TestVolumeWeightedAveragePrice(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)
	defer h.manager.Stop()

	order := h.submitViaSignal(t, 100)

	h.broker.deliverFill(fill("fill-a", order.BrokerOrderID, 50, "150.00"))
	require.Eventually(t, func() bool {
		return h.repo.stored(order.OrderID).Status == domain.OrderStatusPartialFill
	}, 2*time.Second, 5*time.Millisecond)

	h.broker.deliverFill(fill("fill-b", order.BrokerOrderID, 50, "160.00"))
	require.Eventually(t, func() bool {
		return h.repo.stored(order.OrderID).Status == domain.OrderStatusFilled
	}, 2*time.Second, 5*time.Millisecond)

	stored := h.repo.stored(order.OrderID)
	assert.True(t, stored.AvgFillPrice.Equal(decimal.RequireFromString("155.00")),
		"expected 155.00, got %s", stored.AvgFillPrice)
	assert.Equal(t, int64(100), stored.FilledQuantity)
	// 完全成交后从活跃跟踪中移除
	require.Eventually(t, func() bool { return h.manager.ActiveOrderCount() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestPartialThenCompleteSequencing(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)
	defer h.manager.Stop()

	order := h.submitViaSignal(t, 100)

	h.broker.deliverFill(fill("fill-p1", order.BrokerOrderID, 30, "10.00"))
	require.Eventually(t, func() bool {
		s := h.repo.stored(order.OrderID)
		return s.Status == domain.OrderStatusPartialFill && s.FilledQuantity == 30
	}, 2*time.Second, 5*time.Millisecond)

	h.broker.deliverFill(fill("fill-p2", order.BrokerOrderID, 70, "10.00"))
	require.Eventually(t, func() bool {
		return h.repo.stored(order.OrderID).Status == domain.OrderStatusFilled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnknownFillTolerance(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)
	defer h.manager.Stop()

	order := h.submitViaSignal(t, 100)

	// 未知券商订单的成交：不崩溃、不产生任何副作用
	h.broker.deliverFill(fill("fill-ghost", "FB-previous-instance", 50, "99.00"))
	// 用已知订单的成交作为顺序屏障
	h.broker.deliverFill(fill("fill-real", order.BrokerOrderID, 100, "100.00"))
	require.Eventually(t, func() bool { return h.publisher.count() == 1 },
		2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, h.portfolio.count())
	stored := h.repo.stored(order.OrderID)
	assert.Equal(t, int64(100), stored.FilledQuantity)
	assert.True(t, stored.AvgFillPrice.Equal(decimal.RequireFromString("100.00")))
}

func TestOverfillClamp(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)
	defer h.manager.Stop()

	order := h.submitViaSignal(t, 100)

	h.broker.deliverFill(fill("fill-big", order.BrokerOrderID, 150, "20.00"))
	require.Eventually(t, func() bool {
		return h.repo.stored(order.OrderID).Status == domain.OrderStatusFilled
	}, 2*time.Second, 5*time.Millisecond)

	stored := h.repo.stored(order.OrderID)
	assert.Equal(t, int64(100), stored.FilledQuantity, "filled_qty must never exceed quantity")
	// 下游副作用携带截断后的数量
	require.Equal(t, 1, h.publisher.count())
	assert.Equal(t, int64(100), h.publisher.events[0].Quantity)
}

func TestPortfolioFailureDoesNotBlockPipeline(t *testing.T) {
	h := newHarness(t)
	h.portfolio.err = errors.New("ledger unavailable")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)
	defer h.manager.Stop()

	order := h.submitViaSignal(t, 50)
	h.broker.deliverFill(fill("fill-x", order.BrokerOrderID, 50, "42.00"))

	// 账本失败仅记日志：订单状态照常推进并持久化
	require.Eventually(t, func() bool {
		return h.repo.stored(order.OrderID).Status == domain.OrderStatusFilled
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.publisher.count())
}

func TestStopDrainsFillsQueuedAfterContextCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.manager.Start(ctx)

	order := h.submitViaSignal(t, 100)

	// 上下文取消后事件循环可能已退出，但券商侧已执行的成交
	// 仍会经回调送达：入队的成交必须在 Stop 时被应用而非丢弃
	cancel()
	h.broker.deliverFillSync(fill("fill-late", order.BrokerOrderID, 100, "55.00"))
	h.manager.Stop()

	stored := h.repo.stored(order.OrderID)
	assert.Equal(t, domain.OrderStatusFilled, stored.Status)
	assert.Equal(t, int64(100), stored.FilledQuantity)
	assert.Equal(t, 1, h.publisher.count())
	assert.Equal(t, 1, h.portfolio.count())
}

func TestCancelFlow(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)
	defer h.manager.Stop()

	order := h.submitViaSignal(t, 100)

	require.NoError(t, h.manager.RequestCancel(ctx, order.OrderID))
	assert.Equal(t, []string{order.BrokerOrderID}, h.broker.cancelled)
	require.Eventually(t, func() bool {
		return h.repo.stored(order.OrderID).Status == domain.OrderStatusCancelRequested
	}, 2*time.Second, 5*time.Millisecond)

	// 券商异步确认撤单后收敛到终态并清理跟踪
	h.broker.deliverStatus(order.BrokerOrderID, domain.OrderStatusCancelled)
	require.Eventually(t, func() bool {
		return h.repo.stored(order.OrderID).Status == domain.OrderStatusCancelled
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.manager.ActiveOrderCount() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestCancelUnknownOrder(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)
	defer h.manager.Stop()

	err := h.manager.RequestCancel(ctx, "no-such-order")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestInvalidSignalDropped(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)
	defer h.manager.Stop()

	h.signals.ch <- &domain.Signal{Symbol: "AAPL"} // 缺字段
	h.signals.ch <- buySignal(10)

	h.submitWaitCount(t, 1)
	assert.Len(t, h.broker.submitted, 1, "invalid signal must not reach the broker")
}

func (h *managerHarness) submitWaitCount(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.broker.mu.Lock()
		defer h.broker.mu.Unlock()
		return len(h.broker.submitted) == n
	}, 2*time.Second, 5*time.Millisecond)
}
