package routing

import "fmt"

// ValidationError 路由校验错误: 同步返回给调用方, 不改变任何状态。
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("route validation failed: %s: %s", e.Field, e.Detail)
}

func newValidationError(field, detail string) *ValidationError {
	return &ValidationError{Field: field, Detail: detail}
}
