// Package portfolio 提供组合账本服务的 HTTP 客户端。
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/execution/domain"
)

// recordFillRequest 组合服务入账接口的请求体
type recordFillRequest struct {
	AccountID  string `json:"account_id"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Quantity   int64  `json:"quantity"`
	Price      string `json:"price"`
	StrategyID string `json:"strategy_id"`
}

// Client 组合账本服务客户端，实现 domain.PortfolioUpdater。
// 入账失败由调用方决定如何处理（成交路径上仅记日志）。
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient 创建组合服务客户端
func NewClient(endpoint string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond)

	return &Client{
		http:   httpClient,
		logger: logger.With("module", "portfolio_client"),
	}
}

// RecordFill 把一笔成交入账到组合账本
func (c *Client) RecordFill(ctx context.Context, accountID, symbol string, side domain.OrderSide, quantity int64, price decimal.Decimal, strategyID string) error {
	req := recordFillRequest{
		AccountID:  accountID,
		Symbol:     symbol,
		Side:       string(side),
		Quantity:   quantity,
		Price:      price.String(),
		StrategyID: strategyID,
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/api/v1/portfolio/fills")
	if err != nil {
		return fmt.Errorf("portfolio record_fill request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("portfolio record_fill returned %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.DebugContext(ctx, "fill recorded to portfolio",
		"symbol", symbol, "side", side, "quantity", quantity)
	return nil
}
