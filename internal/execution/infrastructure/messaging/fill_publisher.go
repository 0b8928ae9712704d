package messaging

import (
	"context"
	"fmt"

	"github.com/wyfcoding/orderexecution/internal/execution/domain"
	"github.com/wyfcoding/orderexecution/pkg/mq"
)

// KafkaFillPublisher 把已应用成交发布到成交 topic，
// 实现 domain.FillEventPublisher。
type KafkaFillPublisher struct {
	producer *mq.KafkaProducer
	topic    string
}

// NewKafkaFillPublisher 创建成交事件发布器
func NewKafkaFillPublisher(producer *mq.KafkaProducer, topic string) *KafkaFillPublisher {
	if topic == "" {
		topic = domain.FillEventType
	}
	return &KafkaFillPublisher{
		producer: producer,
		topic:    topic,
	}
}

// PublishFill 按订单 ID 分区发布，保证同一订单的成交事件有序
func (p *KafkaFillPublisher) PublishFill(ctx context.Context, event *domain.FillEvent) error {
	if err := p.producer.SendMessage(ctx, p.topic, event.OrderID, event); err != nil {
		return fmt.Errorf("failed to publish fill event: %w", err)
	}
	return nil
}
