package domain

import (
	"errors"
	"fmt"
)

// ErrOrderNotFound 订单不存在
var ErrOrderNotFound = errors.New("order not found")

// ErrOrderNotCancellable 订单当前状态不可撤单
var ErrOrderNotCancellable = errors.New("order cannot be cancelled in its current state")

// BrokerSubmissionError 提交阶段被券商拒绝。
// 订单级可恢复：订单进入 REJECTED，不做自动重试，
// 重试与否由上游风控/策略自行决策。
type BrokerSubmissionError struct {
	// 人类可读的拒单原因
	Reason string
}

// Error 实现 error 接口
func (e *BrokerSubmissionError) Error() string {
	return fmt.Sprintf("broker rejected submission: %s", e.Reason)
}

// NewBrokerSubmissionError 创建拒单错误
func NewBrokerSubmissionError(reason string) *BrokerSubmissionError {
	return &BrokerSubmissionError{Reason: reason}
}

// AsBrokerSubmissionError 判断错误链中是否包含拒单错误
func AsBrokerSubmissionError(err error) (*BrokerSubmissionError, bool) {
	var se *BrokerSubmissionError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
