// Package fulfillment 实现净额决策逻辑: 订单量应当冲抵既有反向仓位,
// 还是需要新开仓位。全部为不可变值对象上的纯函数, 不做 I/O, 不触碰仓位实体。
package fulfillment

import (
	"time"

	"margin-core/pkg/position"
	"margin-core/pkg/types"

	"github.com/shopspring/decimal"
)

// MatchedPositionsState 决策时刻反向持仓集合的不可变快照
type MatchedPositionsState struct {
	OrderID string          `json:"order_id"`
	Margin  decimal.Decimal `json:"margin"`
	Volume  decimal.Decimal `json:"volume"` // 带符号合计
}

// NewMatchedPositionsState 聚合仓位集合(不校验, 校验发生在决策构造处)
func NewMatchedPositionsState(orderID string, positions []*position.Position) *MatchedPositionsState {
	volume := decimal.Zero
	margin := decimal.Zero
	for _, p := range positions {
		volume = volume.Add(p.Volume)
		margin = margin.Add(p.Margin)
	}
	return &MatchedPositionsState{OrderID: orderID, Margin: margin, Volume: volume}
}

// validatePositions 反向仓位集必须与订单同品种、同账户、状态 Active、方向相反
func validatePositions(order *types.Order, positions []*position.Position) error {
	opposite := order.Direction().Opposite()
	for _, p := range positions {
		switch {
		case p.Instrument != order.Instrument:
			return &ValidationError{Invariant: InvariantInstrument, OrderID: order.OrderID, PositionID: p.PositionID}
		case p.AccountID != order.AccountID:
			return &ValidationError{Invariant: InvariantAccount, OrderID: order.OrderID, PositionID: p.PositionID}
		case p.Status != position.StatusActive:
			return &ValidationError{Invariant: InvariantStatus, OrderID: order.OrderID, PositionID: p.PositionID}
		case p.Direction != opposite:
			return &ValidationError{Invariant: InvariantDirection, OrderID: order.OrderID, PositionID: p.PositionID}
		}
	}
	return nil
}

// volumeToMatch 需要新开仓的带符号量:
// sign(order.Volume) * max(0, |order.Volume| - |positions.Volume|)。
// 反向持仓足以覆盖订单量时为零。
func volumeToMatch(order *types.Order, state *MatchedPositionsState) decimal.Decimal {
	uncovered := order.AbsVolume().Sub(state.Volume.Abs())
	if !uncovered.IsPositive() {
		return decimal.Zero
	}
	if order.Direction() == types.DirectionSell {
		return uncovered.Neg()
	}
	return uncovered
}

// OrderMatchingDecision 订单净额决策值对象
type OrderMatchingDecision struct {
	order              *types.Order
	timestamp          int64
	positionsState     *MatchedPositionsState
	volumeToMatch      decimal.Decimal
	shouldOpenPosition bool
}

// ForceOrderMatchingDecision 显式覆盖, 跳过计算
func ForceOrderMatchingDecision(order *types.Order, shouldOpenPosition bool) *OrderMatchingDecision {
	volume := decimal.Zero
	if shouldOpenPosition {
		volume = order.Volume
	}
	return &OrderMatchingDecision{
		order:              order,
		timestamp:          time.Now().UnixNano(),
		volumeToMatch:      volume,
		shouldOpenPosition: shouldOpenPosition,
	}
}

// CreateOrderMatchingDecision 由反向仓位集计算决策。
// 集合不同质时返回校验错误, 不产生决策。
func CreateOrderMatchingDecision(order *types.Order, positions []*position.Position) (*OrderMatchingDecision, error) {
	if err := validatePositions(order, positions); err != nil {
		return nil, err
	}
	state := NewMatchedPositionsState(order.OrderID, positions)
	volume := volumeToMatch(order, state)
	return &OrderMatchingDecision{
		order:              order,
		timestamp:          time.Now().UnixNano(),
		positionsState:     state,
		volumeToMatch:      volume,
		shouldOpenPosition: !volume.IsZero(),
	}, nil
}

// Order 决策针对的订单
func (d *OrderMatchingDecision) Order() *types.Order {
	return d.order
}

// Timestamp 决策时间(纳秒)
func (d *OrderMatchingDecision) Timestamp() int64 {
	return d.timestamp
}

// PositionsState 决策时刻的反向持仓快照; Force 构造时为 nil
func (d *OrderMatchingDecision) PositionsState() *MatchedPositionsState {
	return d.positionsState
}

// VolumeToMatch 需要新开仓的带符号量
func (d *OrderMatchingDecision) VolumeToMatch() decimal.Decimal {
	return d.volumeToMatch
}

// ShouldOpenPosition 是否需要新开仓位
func (d *OrderMatchingDecision) ShouldOpenPosition() bool {
	return d.shouldOpenPosition
}

// NettableVolume 可冲抵既有仓位的量(绝对值)
func (d *OrderMatchingDecision) NettableVolume() decimal.Decimal {
	return d.order.AbsVolume().Sub(d.volumeToMatch.Abs())
}

// PositionsMatchingDecision 仅由仓位集合推导的净额决策(无订单语境外字段)
type PositionsMatchingDecision struct {
	positionsState *MatchedPositionsState
	timestamp      int64
}

// NewPositionsMatchingDecision 由仓位集合构造
func NewPositionsMatchingDecision(orderID string, positions []*position.Position) *PositionsMatchingDecision {
	return &PositionsMatchingDecision{
		positionsState: NewMatchedPositionsState(orderID, positions),
		timestamp:      time.Now().UnixNano(),
	}
}

// PositionsState 持仓快照
func (d *PositionsMatchingDecision) PositionsState() *MatchedPositionsState {
	return d.positionsState
}

// Timestamp 决策时间(纳秒)
func (d *PositionsMatchingDecision) Timestamp() int64 {
	return d.timestamp
}

// OrderFulfillmentPlan 订单履行计划: 决策 + 订单, 交给处理管道执行
type OrderFulfillmentPlan struct {
	order    *types.Order
	decision *OrderMatchingDecision
}

// ForceOrderFulfillmentPlan 显式覆盖构造
func ForceOrderFulfillmentPlan(order *types.Order, requiresPositionOpening bool) *OrderFulfillmentPlan {
	return &OrderFulfillmentPlan{
		order:    order,
		decision: ForceOrderMatchingDecision(order, requiresPositionOpening),
	}
}

// CreateOrderFulfillmentPlan 由反向仓位集计算构造
func CreateOrderFulfillmentPlan(order *types.Order, positions []*position.Position) (*OrderFulfillmentPlan, error) {
	decision, err := CreateOrderMatchingDecision(order, positions)
	if err != nil {
		return nil, err
	}
	return &OrderFulfillmentPlan{order: order, decision: decision}, nil
}

// Order 计划针对的订单
func (p *OrderFulfillmentPlan) Order() *types.Order {
	return p.order
}

// Decision 底层净额决策
func (p *OrderFulfillmentPlan) Decision() *OrderMatchingDecision {
	return p.decision
}

// RequiresPositionOpening 是否需要新开仓位
func (p *OrderFulfillmentPlan) RequiresPositionOpening() bool {
	return p.decision.ShouldOpenPosition()
}

// VolumeToMatch 需要新开仓的带符号量
func (p *OrderFulfillmentPlan) VolumeToMatch() decimal.Decimal {
	return p.decision.VolumeToMatch()
}
