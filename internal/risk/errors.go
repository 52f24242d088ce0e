package risk

import (
	"errors"
	"fmt"
)

var (
	// ErrAlertNotFound 告警不存在
	ErrAlertNotFound = errors.New("告警不存在")
	// ErrExecutorNotConfigured 未配置下单执行方
	ErrExecutorNotConfigured = errors.New("未配置下单执行方")
)

// ValidationError 输入参数明显非法（非正价格、杠杆、数量等）
type ValidationError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("参数校验失败: %s=%v, %s", e.Field, e.Value, e.Reason)
}

func newValidationError(field string, value float64, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// IsValidationError 判断错误链中是否包含 ValidationError
func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}
