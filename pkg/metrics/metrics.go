// Package metrics 提供 Prometheus helper，包含执行服务的业务指标模板
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/orderexecution/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数
	HTTPRequestsTotal prometheus.Counter
	// HTTP 请求耗时
	HTTPRequestDuration prometheus.Histogram

	// 信号消费计数
	SignalsConsumedTotal prometheus.Counter
	// 信号解析失败计数
	SignalsInvalidTotal prometheus.Counter

	// 提交成功订单计数
	OrdersSubmittedTotal prometheus.Counter
	// 被拒订单计数
	OrdersRejectedTotal prometheus.Counter
	// 活跃订单数
	OrdersActive prometheus.Gauge

	// 已应用成交计数
	FillsAppliedTotal prometheus.Counter
	// 重复成交丢弃计数
	FillsDuplicateTotal prometheus.Counter
	// 未知订单成交计数
	FillsUnknownTotal prometheus.Counter
	// 成交应用耗时
	FillApplyDuration prometheus.Histogram
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		SignalsConsumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "signals_consumed_total",
			Help:      "Total trading signals consumed",
		}),
		SignalsInvalidTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "signals_invalid_total",
			Help:      "Total trading signals dropped as invalid",
		}),

		OrdersSubmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "orders_submitted_total",
			Help:      "Total orders submitted to the broker",
		}),
		OrdersRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "orders_rejected_total",
			Help:      "Total orders rejected at submission",
		}),
		OrdersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "orders_active",
			Help:      "Number of active orders being tracked",
		}),

		FillsAppliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "fills_applied_total",
			Help:      "Total fills applied to orders",
		}),
		FillsDuplicateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "fills_duplicate_total",
			Help:      "Total duplicate fills discarded",
		}),
		FillsUnknownTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "fills_unknown_total",
			Help:      "Total fills referencing unknown broker orders",
		}),
		FillApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "fill_apply_duration_seconds",
			Help:      "Fill application duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	metrics := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SignalsConsumedTotal,
		m.SignalsInvalidTotal,
		m.OrdersSubmittedTotal,
		m.OrdersRejectedTotal,
		m.OrdersActive,
		m.FillsAppliedTotal,
		m.FillsDuplicateTotal,
		m.FillsUnknownTotal,
		m.FillApplyDuration,
	}

	for _, metric := range metrics {
		if err := prometheus.DefaultRegisterer.Register(metric); err != nil {
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}

	logger.Info(context.Background(), "Metrics registered successfully")
	return nil
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) error {
	if path == "" {
		path = "/metrics"
	}

	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "Starting Prometheus HTTP server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Error(context.Background(), "Failed to start Prometheus HTTP server", "error", err)
		}
	}()

	return nil
}
