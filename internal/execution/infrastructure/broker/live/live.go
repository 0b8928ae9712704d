// Package live 对接真实券商网关：REST 下单 + WebSocket 成交推送。
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/execution/domain"
)

// Config 实盘券商网关配置
type Config struct {
	// REST API 基地址
	Endpoint string
	// WebSocket 推送流地址
	StreamURL string
	// API 密钥
	APIKey string
	// 单次 REST 请求超时
	Timeout time.Duration
}

// submitRequest 券商下单请求体
type submitRequest struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	Quantity   int64  `json:"quantity"`
	LimitPrice string `json:"limit_price,omitempty"`
	ClientID   string `json:"client_order_id"`
}

// submitResponse 券商下单响应体
type submitResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

type cancelResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// streamMessage 推送流消息。type 为 fill 时携带成交字段，
// 为 status 时携带状态字段。
type streamMessage struct {
	Type          string `json:"type"`
	FillID        string `json:"fill_id,omitempty"`
	BrokerOrderID string `json:"order_id"`
	Symbol        string `json:"symbol,omitempty"`
	Side          string `json:"side,omitempty"`
	Quantity      int64  `json:"quantity,omitempty"`
	Price         string `json:"price,omitempty"`
	Status        string `json:"status,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

// Broker 实现 domain.Broker。
// 成交与状态回调在推送流的读取 goroutine 上触发，
// 订阅方必须自行保证线程安全（OrderManager 只做入队）。
type Broker struct {
	cfg  Config
	http *resty.Client

	mu       sync.Mutex
	fillCb   domain.FillCallback
	statusCb domain.StatusCallback

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewBroker 创建实盘券商网关并启动推送流
func NewBroker(cfg Config, logger *slog.Logger) *Broker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(cfg.Timeout).
		SetHeader("X-API-KEY", cfg.APIKey)

	b := &Broker{
		cfg:    cfg,
		http:   httpClient,
		closed: make(chan struct{}),
		logger: logger.With("module", "live_broker"),
	}

	b.wg.Add(1)
	go b.streamLoop()
	return b
}

// SubmitOrder 实现 domain.Broker.SubmitOrder。
// 券商业务拒单（4xx 且带 reason）转换为 BrokerSubmissionError，
// 网络或网关故障保持普通错误，提交结果视为未知。
func (b *Broker) SubmitOrder(ctx context.Context, order *domain.Order) (string, error) {
	req := submitRequest{
		Symbol:   order.Symbol,
		Side:     string(order.Side),
		Type:     string(order.Type),
		Quantity: order.Quantity,
		ClientID: order.OrderID,
	}
	if order.Type == domain.OrderTypeLimit {
		req.LimitPrice = order.LimitPrice.String()
	}

	var result submitResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		SetError(&result).
		Post("/api/v1/orders")
	if err != nil {
		return "", fmt.Errorf("broker submit request failed: %w", err)
	}

	switch {
	case resp.IsSuccess():
		return result.OrderID, nil
	case resp.StatusCode() >= http.StatusBadRequest && resp.StatusCode() < http.StatusInternalServerError:
		reason := result.Reason
		if reason == "" {
			reason = resp.Status()
		}
		return "", domain.NewBrokerSubmissionError(reason)
	default:
		return "", fmt.Errorf("broker submit returned %d: %s", resp.StatusCode(), resp.String())
	}
}

// CancelOrder 实现 domain.Broker.CancelOrder
func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	var result cancelResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&result).
		Delete("/api/v1/orders/" + brokerOrderID)
	if err != nil {
		return false, fmt.Errorf("broker cancel request failed: %w", err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("broker cancel returned %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Accepted, nil
}

// GetOrderStatus 实现 domain.Broker.GetOrderStatus
func (b *Broker) GetOrderStatus(ctx context.Context, brokerOrderID string) (domain.OrderStatus, error) {
	var result statusResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/v1/orders/" + brokerOrderID)
	if err != nil {
		return "", fmt.Errorf("broker status request failed: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", domain.ErrOrderNotFound
	}
	if resp.IsError() {
		return "", fmt.Errorf("broker status returned %d: %s", resp.StatusCode(), resp.String())
	}
	return domain.OrderStatus(result.Status), nil
}

// SubscribeFills 实现 domain.Broker.SubscribeFills
func (b *Broker) SubscribeFills(cb domain.FillCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillCb = cb
}

// SubscribeStatus 实现 domain.Broker.SubscribeStatus
func (b *Broker) SubscribeStatus(cb domain.StatusCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCb = cb
}

// Close 停止推送流并等待读取 goroutine 退出，可重复调用
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.wg.Wait()
	})
	return nil
}

// streamLoop 维持 WebSocket 连接：断线指数退避重连，
// 重连成功后重新发送订阅帧。
func (b *Broker) streamLoop() {
	defer b.wg.Done()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-b.closed:
			return
		default:
		}

		conn, err := b.connect()
		if err != nil {
			b.logger.Error("stream connect failed, retrying",
				"url", b.cfg.StreamURL, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-b.closed:
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
		b.logger.Info("fill stream connected", "url", b.cfg.StreamURL)
		b.readLoop(conn)
		conn.Close()
	}
}

// connect 建立连接并发送认证订阅帧
func (b *Broker) connect() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(b.cfg.StreamURL, http.Header{"X-API-KEY": []string{b.cfg.APIKey}})
	if err != nil {
		return nil, err
	}

	sub := map[string]any{"action": "subscribe", "channels": []string{"fills", "order_status"}}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("stream subscribe failed: %w", err)
	}
	return conn, nil
}

// readLoop 读取推送消息直到连接断开或 Close 被调用。
// 解析失败的消息跳过，不中断流。
func (b *Broker) readLoop(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-b.closed:
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-b.closed:
			default:
				b.logger.Warn("fill stream disconnected", "error", err)
			}
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			b.logger.Warn("malformed stream message skipped", "error", err)
			continue
		}
		b.dispatch(&msg)
	}
}

// dispatch 把流消息转换为领域回调
func (b *Broker) dispatch(msg *streamMessage) {
	b.mu.Lock()
	fillCb, statusCb := b.fillCb, b.statusCb
	b.mu.Unlock()

	switch msg.Type {
	case "fill":
		if fillCb == nil {
			return
		}
		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			b.logger.Warn("fill with invalid price skipped",
				"fill_id", msg.FillID, "price", msg.Price)
			return
		}
		fillCb(&domain.Fill{
			FillID:        msg.FillID,
			BrokerOrderID: msg.BrokerOrderID,
			Symbol:        msg.Symbol,
			Side:          domain.OrderSide(msg.Side),
			Quantity:      msg.Quantity,
			Price:         price,
			Timestamp:     time.UnixMilli(msg.Timestamp),
		})
	case "status":
		if statusCb == nil {
			return
		}
		statusCb(msg.BrokerOrderID, domain.OrderStatus(msg.Status))
	default:
		b.logger.Debug("unknown stream message type", "type", msg.Type)
	}
}
