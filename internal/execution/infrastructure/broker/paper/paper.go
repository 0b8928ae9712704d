// Package paper 提供确定性可控的模拟券商实现，
// 既作为测试替身，也作为非实盘交易模式。
// 成交通过与 live 券商完全相同的同步回调契约投递
// （回调运行在模拟撮合 goroutine 上），
// 使 OrderManager 的线程桥接逻辑在测试与生产中被同样地检验。
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/execution/domain"
)

// Config 模拟券商配置
type Config struct {
	// 每笔模拟成交的延迟区间
	MinDelay time.Duration
	MaxDelay time.Duration
	// 滑点比例（0.0005 表示 5bp），方向上总是对下单方不利
	Slippage float64
	// 每次拆分出部分成交的概率
	PartialFillProb float64
	// 提交时的独立拒单概率
	RejectProb float64
	// 随机种子，0 表示按时间取种（测试注入固定值以获得确定性）
	Seed int64
	// 市价单的参考价来源，缺省恒为 100
	ReferencePrice func(symbol string) decimal.Decimal
}

// paperOrder 模拟券商内部跟踪的订单
type paperOrder struct {
	order     *domain.Order
	remaining int64
	delivered int64
	cancelled bool
}

// Broker 模拟券商
type Broker struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	fillCb   domain.FillCallback
	statusCb domain.StatusCallback
	orders   map[string]*paperOrder
	orderSeq int64
	fillSeq  int64

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ domain.Broker = (*Broker)(nil)

// New 创建模拟券商
func New(cfg Config, logger *slog.Logger) *Broker {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.ReferencePrice == nil {
		cfg.ReferencePrice = func(string) decimal.Decimal {
			return decimal.NewFromInt(100)
		}
	}
	return &Broker{
		cfg:    cfg,
		logger: logger.With("module", "paper_broker"),
		rng:    rand.New(rand.NewSource(seed)),
		orders: make(map[string]*paperOrder),
		closed: make(chan struct{}),
	}
}

// SubscribeFills 实现 domain.Broker
func (b *Broker) SubscribeFills(cb domain.FillCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillCb = cb
}

// SubscribeStatus 实现 domain.Broker
func (b *Broker) SubscribeStatus(cb domain.StatusCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCb = cb
}

// SubmitOrder 实现 domain.Broker。
// 分配单调递增的券商订单 ID，并调度 1..N 笔延迟成交；
// 拒单在任何成交任务调度之前发生。
func (b *Broker) SubmitOrder(ctx context.Context, order *domain.Order) (string, error) {
	b.mu.Lock()

	if b.rng.Float64() < b.cfg.RejectProb {
		b.mu.Unlock()
		return "", domain.NewBrokerSubmissionError("paper broker rejected order")
	}

	b.orderSeq++
	brokerOrderID := fmt.Sprintf("PB-%08d", b.orderSeq)

	po := &paperOrder{
		order:     order,
		remaining: order.Quantity,
	}
	b.orders[brokerOrderID] = po

	// 成交计划在提交时一次性生成，保证同一订单按执行顺序投递
	chunks := b.planFills(order.Quantity)
	price := b.executionPrice(order)
	b.mu.Unlock()

	b.logger.Info("paper order accepted",
		"broker_order_id", brokerOrderID,
		"symbol", order.Symbol,
		"side", order.Side,
		"quantity", order.Quantity,
		"chunks", len(chunks),
	)

	b.wg.Add(1)
	go b.deliverFills(brokerOrderID, order, chunks, price)

	return brokerOrderID, nil
}

// CancelOrder 实现 domain.Broker，受理后异步投递撤单确认。
func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	b.mu.Lock()
	po, ok := b.orders[brokerOrderID]
	if !ok || po.remaining <= 0 || po.cancelled {
		b.mu.Unlock()
		return false, nil
	}
	po.cancelled = true
	cb := b.statusCb
	b.mu.Unlock()

	if cb != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			cb(brokerOrderID, domain.OrderStatusCancelled)
		}()
	}
	return true, nil
}

// GetOrderStatus 实现 domain.Broker
func (b *Broker) GetOrderStatus(ctx context.Context, brokerOrderID string) (domain.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	po, ok := b.orders[brokerOrderID]
	if !ok {
		return "", domain.ErrOrderNotFound
	}
	switch {
	case po.cancelled:
		return domain.OrderStatusCancelled, nil
	case po.remaining <= 0:
		return domain.OrderStatusFilled, nil
	case po.delivered > 0:
		return domain.OrderStatusPartialFill, nil
	default:
		return domain.OrderStatusSubmitted, nil
	}
}

// Close 停止所有在途成交投递，可重复调用
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.wg.Wait()
	})
	return nil
}

// planFills 把委托数量拆成 1..N 份部分成交
func (b *Broker) planFills(quantity int64) []int64 {
	var chunks []int64
	remaining := quantity
	for remaining > 1 && b.rng.Float64() < b.cfg.PartialFillProb {
		// 拆出 [1, remaining-1] 的一份，保证至少剩一股给后续成交
		part := 1 + b.rng.Int63n(remaining-1)
		chunks = append(chunks, part)
		remaining -= part
	}
	chunks = append(chunks, remaining)
	return chunks
}

// executionPrice 在参考价上叠加方向性滑点：
// 买单成交价更高，卖单成交价更低。
func (b *Broker) executionPrice(order *domain.Order) decimal.Decimal {
	ref := order.LimitPrice
	if order.Type != domain.OrderTypeLimit || ref.IsZero() {
		ref = b.cfg.ReferencePrice(order.Symbol)
	}

	slip := decimal.NewFromFloat(b.cfg.Slippage)
	if order.Side == domain.OrderSideBuy {
		return ref.Mul(decimal.NewFromInt(1).Add(slip))
	}
	return ref.Mul(decimal.NewFromInt(1).Sub(slip))
}

// deliverFills 在模拟撮合 goroutine 上逐笔投递成交，
// 每笔分配全新的唯一 fill_id。
func (b *Broker) deliverFills(brokerOrderID string, order *domain.Order, chunks []int64, price decimal.Decimal) {
	defer b.wg.Done()

	for _, qty := range chunks {
		delay := b.fillDelay()
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-b.closed:
				timer.Stop()
				return
			}
		} else {
			select {
			case <-b.closed:
				return
			default:
			}
		}

		b.mu.Lock()
		po := b.orders[brokerOrderID]
		if po == nil || po.cancelled {
			b.mu.Unlock()
			return
		}
		po.remaining -= qty
		po.delivered += qty
		b.fillSeq++
		fillID := fmt.Sprintf("PF-%012d", b.fillSeq)
		cb := b.fillCb
		b.mu.Unlock()

		if cb == nil {
			continue
		}
		cb(&domain.Fill{
			FillID:        fillID,
			BrokerOrderID: brokerOrderID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			Quantity:      qty,
			Price:         price,
			Timestamp:     time.Now(),
		})
	}
}

// fillDelay 在配置区间内取随机延迟
func (b *Broker) fillDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.MaxDelay <= b.cfg.MinDelay {
		return b.cfg.MinDelay
	}
	return b.cfg.MinDelay + time.Duration(b.rng.Int63n(int64(b.cfg.MaxDelay-b.cfg.MinDelay)))
}
