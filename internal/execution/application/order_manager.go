package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wyfcoding/orderexecution/internal/execution/domain"
	"github.com/wyfcoding/orderexecution/pkg/metrics"
)

// brokerEvent 从券商回调线程桥接到顺序处理循环的事件联合体。
// fill 为空时表示订单状态通知（撤单确认等）。
type brokerEvent struct {
	fill          *domain.Fill
	brokerOrderID string
	status        domain.OrderStatus
}

// cancelRequest 外部撤单请求，经事件循环串行处理
type cancelRequest struct {
	orderID string
	reply   chan error
}

// Options OrderManager 可调参数
type Options struct {
	// 成交回报入队缓冲大小
	FillQueueSize int
	// 账户 ID，透传给组合账本
	AccountID string
}

// OrderManager 订单编排器：消费已审批信号、创建并持久化订单、
// 提交券商、桥接成交回报、恰好一次地应用成交并产生下游副作用。
//
// 并发模型：activeOrders、brokerToOrder 与幂等集合只被 run 这个
// 唯一的顺序 owner goroutine 触碰；券商回调可能运行在外部线程上，
// 只做入队交接，绝不内联执行业务逻辑。
type OrderManager struct {
	broker    domain.Broker
	repo      domain.OrderRepository
	publisher domain.FillEventPublisher
	portfolio domain.PortfolioUpdater
	signals   domain.SignalSource
	deduper   *FillDeduper
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      Options

	// 仅 owner goroutine 访问
	activeOrders  map[string]*domain.Order
	brokerToOrder map[string]string
	// owner 写、任意 goroutine 读的活跃订单数快照
	activeCount atomic.Int64

	events    chan brokerEvent
	signalCh  chan *domain.Signal
	cancelCh  chan cancelRequest
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewOrderManager 构造函数
func NewOrderManager(
	broker domain.Broker,
	repo domain.OrderRepository,
	publisher domain.FillEventPublisher,
	portfolio domain.PortfolioUpdater,
	signals domain.SignalSource,
	deduper *FillDeduper,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts Options,
) *OrderManager {
	if opts.FillQueueSize <= 0 {
		opts.FillQueueSize = 1024
	}
	return &OrderManager{
		broker:        broker,
		repo:          repo,
		publisher:     publisher,
		portfolio:     portfolio,
		signals:       signals,
		deduper:       deduper,
		metrics:       m,
		logger:        logger.With("module", "order_manager"),
		opts:          opts,
		activeOrders:  make(map[string]*domain.Order),
		brokerToOrder: make(map[string]string),
		events:        make(chan brokerEvent, opts.FillQueueSize),
		signalCh:      make(chan *domain.Signal),
		cancelCh:      make(chan cancelRequest),
		stopCh:        make(chan struct{}),
	}
}

// Start 注册成交桥接回调并开始消费信号。
// 回调只做入队：这是系统中最关键的安全边界，
// 任何在外部线程上触碰共享状态的行为都会破坏订单状态。
func (m *OrderManager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.broker.SubscribeFills(func(fill *domain.Fill) {
			// 已停止时优先告警丢弃，避免入队到无人排空的通道
			select {
			case <-m.stopCh:
				m.logger.Warn("fill dropped during shutdown", "fill_id", fill.FillID)
				return
			default:
			}
			select {
			case m.events <- brokerEvent{fill: fill}:
			case <-m.stopCh:
				m.logger.Warn("fill dropped during shutdown", "fill_id", fill.FillID)
			}
		})
		m.broker.SubscribeStatus(func(brokerOrderID string, status domain.OrderStatus) {
			select {
			case <-m.stopCh:
				m.logger.Warn("status notification dropped during shutdown",
					"broker_order_id", brokerOrderID, "status", status)
				return
			default:
			}
			select {
			case m.events <- brokerEvent{brokerOrderID: brokerOrderID, status: status}:
			case <-m.stopCh:
				m.logger.Warn("status notification dropped during shutdown",
					"broker_order_id", brokerOrderID, "status", status)
			}
		})

		m.wg.Add(2)
		go m.consumeSignals(ctx)
		go m.run(ctx)

		m.logger.Info("order manager started")
	})
}

// Stop 停止消费新信号并注销成交订阅；不自动撤销在途订单，
// 是否撤单由调用方决策。
// wg.Wait 之后 owner goroutine 已退出，这里成为唯一触碰共享
// 状态的 goroutine，补一次排空，确保循环退出后才入队的成交
// 也被应用而非静默丢失。
func (m *OrderManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		m.drainEvents(context.Background())
		m.logger.Info("order manager stopped")
	})
}

// consumeSignals 阻塞（带超时）地从信号源拉取，推给顺序处理循环
func (m *OrderManager) consumeSignals(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		sig, err := m.signals.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("signal source read failed", "error", err)
			continue
		}
		if sig == nil {
			// 有界超时内无信号，回到循环头检查停止请求
			continue
		}

		select {
		case m.signalCh <- sig:
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// run 唯一的顺序 owner：信号处理与成交应用都在这里串行执行，
// 业务逻辑内部完全无锁。
func (m *OrderManager) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case sig := <-m.signalCh:
			if m.metrics != nil {
				m.metrics.SignalsConsumedTotal.Inc()
			}
			if err := sig.Validate(); err != nil {
				if m.metrics != nil {
					m.metrics.SignalsInvalidTotal.Inc()
				}
				m.logger.Warn("invalid signal dropped", "error", err)
				continue
			}
			if _, err := m.ProcessSignal(ctx, sig); err != nil {
				m.logger.Error("signal processing failed",
					"strategy_id", sig.StrategyID, "symbol", sig.Symbol, "error", err)
			}
		case ev := <-m.events:
			if ev.fill != nil {
				m.onFill(ctx, ev.fill)
			} else {
				m.onStatus(ctx, ev.brokerOrderID, ev.status)
			}
		case req := <-m.cancelCh:
			req.reply <- m.doCancel(ctx, req.orderID)
		case <-m.stopCh:
			m.drainEvents(context.WithoutCancel(ctx))
			return
		case <-ctx.Done():
			// ctx 取消同样要排空：已入队的成交在券商侧已经发生，
			// 丢弃等于状态分歧
			m.drainEvents(context.WithoutCancel(ctx))
			return
		}
	}
}

// drainEvents 停机前把已入队的成交处理完，避免白白丢弃
func (m *OrderManager) drainEvents(ctx context.Context) {
	for {
		select {
		case ev := <-m.events:
			if ev.fill != nil {
				m.onFill(ctx, ev.fill)
			} else {
				m.onStatus(ctx, ev.brokerOrderID, ev.status)
			}
		default:
			return
		}
	}
}

// ProcessSignal 把一条已审批信号转换为订单：
// 先持久化 PENDING（崩溃时信号不丢的根本保证），再尝试提交。
// 只在 owner goroutine 上调用。
func (m *OrderManager) ProcessSignal(ctx context.Context, sig *domain.Signal) (*domain.Order, error) {
	order := domain.NewOrder(uuid.New().String(), sig)

	// 持久化必须先于提交：重启后留在 PENDING 的订单
	// 代表提交结果未知，交由恢复协作方对账
	if err := m.repo.Insert(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to persist pending order: %w", err)
	}

	m.activeOrders[order.OrderID] = order
	m.activeCount.Store(int64(len(m.activeOrders)))
	if m.metrics != nil {
		m.metrics.OrdersActive.Set(float64(len(m.activeOrders)))
	}

	brokerOrderID, err := m.broker.SubmitOrder(ctx, order)
	if err != nil {
		if se, ok := domain.AsBrokerSubmissionError(err); ok {
			// 订单级拒绝：进入 REJECTED，不自动重试，
			// 调用方通过持久化状态观察结果
			order.MarkRejected(se.Reason)
			if uerr := m.repo.Update(ctx, order); uerr != nil {
				m.logger.Error("failed to persist rejected order",
					"order_id", order.OrderID, "error", uerr)
			}
			m.removeActive(order)
			if m.metrics != nil {
				m.metrics.OrdersRejectedTotal.Inc()
			}
			m.logger.Warn("order rejected at submission",
				"order_id", order.OrderID, "symbol", order.Symbol, "reason", se.Reason)
			return order, nil
		}

		// 传输层失败：提交结果未知，保持 PENDING 持久化记录
		// 等待恢复协作方对账，仅从内存跟踪中移除
		m.removeActive(order)
		m.logger.Error("order submission failed with unknown outcome",
			"order_id", order.OrderID, "symbol", order.Symbol, "error", err)
		return nil, fmt.Errorf("broker submission failed: %w", err)
	}

	order.MarkSubmitted(brokerOrderID)
	m.brokerToOrder[brokerOrderID] = order.OrderID
	if err := m.repo.Update(ctx, order); err != nil {
		m.logger.Error("failed to persist submitted order",
			"order_id", order.OrderID, "error", err)
	}
	if m.metrics != nil {
		m.metrics.OrdersSubmittedTotal.Inc()
	}

	m.logger.Info("order submitted",
		"order_id", order.OrderID,
		"broker_order_id", brokerOrderID,
		"strategy_id", order.StrategyID,
		"symbol", order.Symbol,
		"side", order.Side,
		"quantity", order.Quantity,
	)
	return order, nil
}

// onFill 在 owner goroutine 上应用一笔成交。
// 路径上的每个异常分支都只记日志并返回：畸形或重复的券商
// 通知绝不允许搞垮同时身为信号消费者的本进程。
func (m *OrderManager) onFill(ctx context.Context, fill *domain.Fill) {
	start := time.Now()

	// 幂等闸门必须先于一切其他逻辑
	if m.deduper.CheckAndMark(ctx, fill.FillID) {
		if m.metrics != nil {
			m.metrics.FillsDuplicateTotal.Inc()
		}
		m.logger.Info("duplicate fill ignored", "fill_id", fill.FillID)
		return
	}

	orderID, ok := m.brokerToOrder[fill.BrokerOrderID]
	if !ok {
		// 可能是上一个进程实例的订单回报
		if m.metrics != nil {
			m.metrics.FillsUnknownTotal.Inc()
		}
		m.logger.Warn("fill for unknown broker order",
			"fill_id", fill.FillID, "broker_order_id", fill.BrokerOrderID)
		return
	}

	order, ok := m.activeOrders[orderID]
	if !ok {
		m.logger.Warn("fill for order no longer tracked",
			"fill_id", fill.FillID, "order_id", orderID)
		return
	}

	applied, clamped := order.ApplyFill(fill.Quantity, fill.Price)
	if clamped {
		// 券商与本地状态出现分歧：截断入账，绝不崩溃
		m.logger.Error("fill exceeds order quantity, clamped",
			"fill_id", fill.FillID,
			"order_id", order.OrderID,
			"fill_quantity", fill.Quantity,
			"applied", applied,
			"order_quantity", order.Quantity,
		)
	}
	if applied <= 0 {
		return
	}

	// 组合账本更新失败只记日志：内存状态在下一次成功持久化前
	// 仍是仓位追踪的权威
	if err := m.portfolio.RecordFill(ctx, m.opts.AccountID, fill.Symbol, fill.Side,
		applied, fill.Price, order.StrategyID); err != nil {
		m.logger.Error("portfolio update failed",
			"order_id", order.OrderID, "fill_id", fill.FillID, "error", err)
	}

	if err := m.publisher.PublishFill(ctx, &domain.FillEvent{
		OrderID:   order.OrderID,
		Symbol:    fill.Symbol,
		Side:      fill.Side,
		Quantity:  applied,
		Price:     fill.Price,
		Timestamp: fill.Timestamp,
	}); err != nil {
		m.logger.Error("fill event publication failed",
			"order_id", order.OrderID, "fill_id", fill.FillID, "error", err)
	}

	if err := m.repo.Update(ctx, order); err != nil {
		m.logger.Error("failed to persist filled order",
			"order_id", order.OrderID, "error", err)
	}

	if m.metrics != nil {
		m.metrics.FillsAppliedTotal.Inc()
		m.metrics.FillApplyDuration.Observe(time.Since(start).Seconds())
	}

	m.logger.Info("fill applied",
		"fill_id", fill.FillID,
		"order_id", order.OrderID,
		"quantity", applied,
		"price", fill.Price,
		"filled_quantity", order.FilledQuantity,
		"status", order.Status,
	)

	if order.Status.IsTerminal() {
		m.removeActive(order)
	}
}

// onStatus 应用券商状态通知（目前只有撤单确认是终态推进）
func (m *OrderManager) onStatus(ctx context.Context, brokerOrderID string, status domain.OrderStatus) {
	orderID, ok := m.brokerToOrder[brokerOrderID]
	if !ok {
		m.logger.Warn("status notification for unknown broker order",
			"broker_order_id", brokerOrderID, "status", status)
		return
	}
	order, ok := m.activeOrders[orderID]
	if !ok {
		return
	}

	if !order.TransitionTo(status) {
		m.logger.Warn("status notification ignored by state machine",
			"order_id", orderID, "current", order.Status, "notified", status)
		return
	}

	if err := m.repo.Update(ctx, order); err != nil {
		m.logger.Error("failed to persist order status",
			"order_id", orderID, "error", err)
	}
	m.logger.Info("order status updated from broker",
		"order_id", orderID, "status", status)

	if order.Status.IsTerminal() {
		m.removeActive(order)
	}
}

// RequestCancel 请求撤销一笔活跃订单。
// 请求经事件循环串行处理，可安全地从任意 goroutine 调用。
func (m *OrderManager) RequestCancel(ctx context.Context, orderID string) error {
	req := cancelRequest{orderID: orderID, reply: make(chan error, 1)}
	select {
	case m.cancelCh <- req:
	case <-m.stopCh:
		return fmt.Errorf("order manager is stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doCancel 在 owner goroutine 上执行撤单请求
func (m *OrderManager) doCancel(ctx context.Context, orderID string) error {
	order, ok := m.activeOrders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if !order.CanBeCancelled() {
		return domain.ErrOrderNotCancellable
	}

	accepted, err := m.broker.CancelOrder(ctx, order.BrokerOrderID)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	if !accepted {
		return domain.ErrOrderNotCancellable
	}

	order.TransitionTo(domain.OrderStatusCancelRequested)
	if err := m.repo.Update(ctx, order); err != nil {
		m.logger.Error("failed to persist cancel request",
			"order_id", orderID, "error", err)
	}
	m.logger.Info("cancel requested", "order_id", orderID,
		"broker_order_id", order.BrokerOrderID)
	return nil
}

// removeActive 从活跃映射与反向映射中移除订单
func (m *OrderManager) removeActive(order *domain.Order) {
	delete(m.activeOrders, order.OrderID)
	if order.BrokerOrderID != "" {
		delete(m.brokerToOrder, order.BrokerOrderID)
	}
	m.activeCount.Store(int64(len(m.activeOrders)))
	if m.metrics != nil {
		m.metrics.OrdersActive.Set(float64(len(m.activeOrders)))
	}
}

// ActiveOrderCount 当前活跃订单数快照（诊断用途），任意 goroutine 可读
func (m *OrderManager) ActiveOrderCount() int {
	return int(m.activeCount.Load())
}
