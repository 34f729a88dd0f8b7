package types

import "github.com/shopspring/decimal"

// EventType 事件类型
type EventType int8

const (
	EventTypeBestPriceChanged EventType = 1 // 盘口最优价变更
	EventTypeOrderExecuted    EventType = 2 // 订单执行完成
	EventTypeOrderRejected    EventType = 3 // 订单被拒绝
	EventTypeOrderActivated   EventType = 4 // 挂单被触发
	EventTypePositionOpened   EventType = 5 // 开仓
	EventTypePositionClosed   EventType = 6 // 平仓
	EventTypeTrade            EventType = 7 // 成交分片
	EventTypeRouteChanged     EventType = 8 // 路由表变更
)

func (e EventType) String() string {
	switch e {
	case EventTypeBestPriceChanged:
		return "BEST_PRICE_CHANGED"
	case EventTypeOrderExecuted:
		return "ORDER_EXECUTED"
	case EventTypeOrderRejected:
		return "ORDER_REJECTED"
	case EventTypeOrderActivated:
		return "ORDER_ACTIVATED"
	case EventTypePositionOpened:
		return "POSITION_OPENED"
	case EventTypePositionClosed:
		return "POSITION_CLOSED"
	case EventTypeTrade:
		return "TRADE"
	case EventTypeRouteChanged:
		return "ROUTE_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// Event 事件接口
type Event interface {
	GetType() EventType
	GetInstrument() string
	GetTimestamp() int64
}

// BaseEvent 基础事件
type BaseEvent struct {
	Type       EventType `json:"type"`
	Instrument string    `json:"instrument"`
	Timestamp  int64     `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType    { return e.Type }
func (e *BaseEvent) GetInstrument() string { return e.Instrument }
func (e *BaseEvent) GetTimestamp() int64   { return e.Timestamp }

// BestPriceChangedEvent 最优价变更事件
// 每次 SetOrders/MatchOrder 批量操作中, 每个受影响品种至多发布一次。
type BestPriceChangedEvent struct {
	BaseEvent
	EngineID string     `json:"engine_id"`
	Price    *BestPrice `json:"price"`
}

// OrderExecutedEvent 订单执行事件
type OrderExecutedEvent struct {
	BaseEvent
	Order *Order `json:"order"`
}

// OrderRejectedEvent 订单拒绝事件
type OrderRejectedEvent struct {
	BaseEvent
	Order   *Order `json:"order"`
	Reason  string `json:"reason"`
	Details string `json:"details,omitempty"`
}

// OrderActivatedEvent 挂单触发事件
type OrderActivatedEvent struct {
	BaseEvent
	Order        *Order          `json:"order"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
}

// TradeEvent 成交分片事件
type TradeEvent struct {
	BaseEvent
	OrderID   string        `json:"order_id"`
	AccountID string        `json:"account_id"`
	Matched   *MatchedOrder `json:"matched"`
}

// PositionOpenedEvent 开仓事件
type PositionOpenedEvent struct {
	BaseEvent
	PositionID string          `json:"position_id"`
	AccountID  string          `json:"account_id"`
	Volume     decimal.Decimal `json:"volume"`
	OpenPrice  decimal.Decimal `json:"open_price"`
}

// PositionClosedEvent 平仓事件
type PositionClosedEvent struct {
	BaseEvent
	PositionID   string          `json:"position_id"`
	AccountID    string          `json:"account_id"`
	ClosedVolume decimal.Decimal `json:"closed_volume"`
	ClosePrice   decimal.Decimal `json:"close_price"`
	Originator   string          `json:"originator"`
	Reason       string          `json:"reason,omitempty"`
	Partial      bool            `json:"partial"`
}

// RouteChangedEvent 路由表变更事件
type RouteChangedEvent struct {
	BaseEvent
	Action string               `json:"action"` // UPSERT / DELETE
	Route  *MatchingEngineRoute `json:"route"`
}
