package fulfillment

import "fmt"

// 决策构造前置条件: 对侧仓位集必须在这些维度上同质
const (
	InvariantInstrument = "instrument mismatch"
	InvariantAccount    = "account mismatch"
	InvariantDirection  = "direction mismatch"
	InvariantStatus     = "status not active"
)

// ValidationError 决策前置条件违背。
// 同步抛给调用方并中止操作, 从不静默跳过。
type ValidationError struct {
	Invariant  string
	OrderID    string
	PositionID string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("matching decision for order %s: %s (position %s)", e.OrderID, e.Invariant, e.PositionID)
}
