// Package messaging 提供执行服务的 Kafka 信号消费与成交事件发布。
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wyfcoding/orderexecution/internal/execution/domain"
	"github.com/wyfcoding/orderexecution/pkg/mq"
)

// KafkaSignalSource 从信号 topic 拉取已审批交易信号，
// 实现 domain.SignalSource。
type KafkaSignalSource struct {
	consumer    *mq.KafkaConsumer
	pollTimeout time.Duration
	logger      *slog.Logger
}

// NewKafkaSignalSource 创建信号源；pollTimeout 决定 Next 的最长阻塞时间
func NewKafkaSignalSource(consumer *mq.KafkaConsumer, pollTimeout time.Duration, logger *slog.Logger) *KafkaSignalSource {
	if pollTimeout <= 0 {
		pollTimeout = 500 * time.Millisecond
	}
	return &KafkaSignalSource{
		consumer:    consumer,
		pollTimeout: pollTimeout,
		logger:      logger.With("module", "signal_consumer"),
	}
}

// Next 阻塞读取下一条信号，超时返回 (nil, nil) 让调用方检查停止请求。
// 反序列化失败的消息跳过并记日志，不中断消费。
func (s *KafkaSignalSource) Next(ctx context.Context) (*domain.Signal, error) {
	pollCtx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()

	msg, err := s.consumer.ReadMessage(pollCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}

	var sig domain.Signal
	if err := msg.UnmarshalPayload(&sig); err != nil {
		s.logger.WarnContext(ctx, "malformed signal message skipped",
			"topic", msg.Topic, "offset", msg.Offset, "error", err)
		return nil, nil
	}
	return &sig, nil
}

// Close 关闭底层消费者
func (s *KafkaSignalSource) Close() error {
	return s.consumer.Close()
}
