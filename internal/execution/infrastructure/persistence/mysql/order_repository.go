// Package mysql 提供了订单仓储接口的 MySQL GORM 实现。
package mysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/execution/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OrderModel 订单数据库模型，直接映射 orders 表。
type OrderModel struct {
	gorm.Model
	OrderID        string `gorm:"column:order_id;type:varchar(64);uniqueIndex;not null;comment:内部订单唯一标识"`
	BrokerOrderID  string `gorm:"column:broker_order_id;type:varchar(64);index;comment:券商订单ID"`
	StrategyID     string `gorm:"column:strategy_id;type:varchar(64);index;not null;comment:所属策略ID"`
	Symbol         string `gorm:"column:symbol;type:varchar(20);index;not null;comment:标的符号"`
	Side           string `gorm:"column:side;type:varchar(10);not null;comment:买卖方向(BUY/SELL)"`
	Type           string `gorm:"column:type;type:varchar(20);not null;comment:订单类型(MARKET/LIMIT)"`
	Quantity       int64  `gorm:"column:quantity;not null;comment:委托数量(股)"`
	LimitPrice     string `gorm:"column:limit_price;type:decimal(32,18);default:'0';not null;comment:限价"`
	Status         string `gorm:"column:status;type:varchar(20);index;not null;comment:当前订单状态"`
	FilledQuantity int64  `gorm:"column:filled_quantity;default:0;not null;comment:累计成交数量"`
	AvgFillPrice   string `gorm:"column:avg_fill_price;type:decimal(32,18);default:'0';not null;comment:成交量加权均价"`
	ErrorMessage   string `gorm:"column:error_message;type:varchar(255);comment:拒单原因"`
}

// TableName 指定表名
func (OrderModel) TableName() string {
	return "orders"
}

// orderRepositoryImpl 是 domain.OrderRepository 接口的 GORM 实现。
type orderRepositoryImpl struct {
	db *gorm.DB
}

// NewOrderRepository 创建订单仓储实例
func NewOrderRepository(db *gorm.DB) domain.OrderRepository {
	return &orderRepositoryImpl{
		db: db,
	}
}

// Insert 实现 domain.OrderRepository.Insert。
// order_id 冲突时幂等返回成功：insert 与首次 update 之间
// 崩溃重放同一信号不会产生第二行。
func (r *orderRepositoryImpl) Insert(ctx context.Context, order *domain.Order) error {
	model := toModel(order)

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoNothing: true,
	}).Create(model).Error
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// Update 实现 domain.OrderRepository.Update
func (r *orderRepositoryImpl) Update(ctx context.Context, order *domain.Order) error {
	err := r.db.WithContext(ctx).Model(&OrderModel{}).
		Where("order_id = ?", order.OrderID).
		Updates(map[string]any{
			"broker_order_id": order.BrokerOrderID,
			"status":          string(order.Status),
			"filled_quantity": order.FilledQuantity,
			"avg_fill_price":  order.AvgFillPrice.String(),
			"error_message":   order.ErrorMessage,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

// Get 实现 domain.OrderRepository.Get
func (r *orderRepositoryImpl) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	var model OrderModel
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return toDomain(&model)
}

// ListByStatus 实现 domain.OrderRepository.ListByStatus
func (r *orderRepositoryImpl) ListByStatus(ctx context.Context, status domain.OrderStatus, limit, offset int) ([]*domain.Order, int64, error) {
	var models []OrderModel
	var total int64
	db := r.db.WithContext(ctx).Model(&OrderModel{}).Where("status = ?", string(status))
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}
	if err := db.Order("created_at desc").Limit(limit).Offset(offset).Find(&models).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}

	orders := make([]*domain.Order, 0, len(models))
	for i := range models {
		order, err := toDomain(&models[i])
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, order)
	}
	return orders, total, nil
}

func toModel(order *domain.Order) *OrderModel {
	return &OrderModel{
		OrderID:        order.OrderID,
		BrokerOrderID:  order.BrokerOrderID,
		StrategyID:     order.StrategyID,
		Symbol:         order.Symbol,
		Side:           string(order.Side),
		Type:           string(order.Type),
		Quantity:       order.Quantity,
		LimitPrice:     order.LimitPrice.String(),
		Status:         string(order.Status),
		FilledQuantity: order.FilledQuantity,
		AvgFillPrice:   order.AvgFillPrice.String(),
		ErrorMessage:   order.ErrorMessage,
	}
}

func toDomain(model *OrderModel) (*domain.Order, error) {
	limitPrice, err := decimal.NewFromString(model.LimitPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid limit_price for order %s: %w", model.OrderID, err)
	}
	avgFillPrice, err := decimal.NewFromString(model.AvgFillPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid avg_fill_price for order %s: %w", model.OrderID, err)
	}
	return &domain.Order{
		OrderID:        model.OrderID,
		BrokerOrderID:  model.BrokerOrderID,
		StrategyID:     model.StrategyID,
		Symbol:         model.Symbol,
		Side:           domain.OrderSide(model.Side),
		Type:           domain.OrderType(model.Type),
		Quantity:       model.Quantity,
		LimitPrice:     limitPrice,
		Status:         domain.OrderStatus(model.Status),
		FilledQuantity: model.FilledQuantity,
		AvgFillPrice:   avgFillPrice,
		ErrorMessage:   model.ErrorMessage,
		CreatedAt:      model.CreatedAt,
		UpdatedAt:      model.UpdatedAt,
	}, nil
}
