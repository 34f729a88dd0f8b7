package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// VolumeAccuracy 量精度(小数位数)
const VolumeAccuracy = 5

// RoundVolume 按量精度舍入
func RoundVolume(v decimal.Decimal) decimal.Decimal {
	return v.Round(VolumeAccuracy)
}

// OrderDirection 订单方向
type OrderDirection int8

const (
	DirectionBuy  OrderDirection = 1
	DirectionSell OrderDirection = 2
)

func (d OrderDirection) String() string {
	switch d {
	case DirectionBuy:
		return "BUY"
	case DirectionSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite 返回相反方向
func (d OrderDirection) Opposite() OrderDirection {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// DirectionOfVolume 由带符号量得到方向(正数为买, 负数为卖)
func DirectionOfVolume(volume decimal.Decimal) OrderDirection {
	if volume.IsNegative() {
		return DirectionSell
	}
	return DirectionBuy
}

// OrderType 订单类型
type OrderType int8

const (
	OrderTypeMarket       OrderType = 1 // 市价单
	OrderTypeLimit        OrderType = 2 // 限价单
	OrderTypeStop         OrderType = 3 // 突破单
	OrderTypeTakeProfit   OrderType = 4 // 止盈单
	OrderTypeStopLoss     OrderType = 5 // 止损单
	OrderTypeTrailingStop OrderType = 6 // 跟踪止损单
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeStop:
		return "STOP"
	case OrderTypeTakeProfit:
		return "TAKE_PROFIT"
	case OrderTypeStopLoss:
		return "STOP_LOSS"
	case OrderTypeTrailingStop:
		return "TRAILING_STOP"
	default:
		return "UNKNOWN"
	}
}

// IsPending 是否为挂起后触发执行的类型
func (t OrderType) IsPending() bool {
	return t != OrderTypeMarket
}

// IsCloseType 是否为关联仓位的平仓触发类型
func (t OrderType) IsCloseType() bool {
	switch t {
	case OrderTypeTakeProfit, OrderTypeStopLoss, OrderTypeTrailingStop:
		return true
	default:
		return false
	}
}

// OrderStatus 订单状态
type OrderStatus int8

const (
	OrderStatusWaitingForExecution OrderStatus = 1 // 等待触发
	OrderStatusActive              OrderStatus = 2 // 已执行并持有仓位
	OrderStatusClosing             OrderStatus = 3 // 平仓中
	OrderStatusClosed              OrderStatus = 4 // 已完结
	OrderStatusRejected            OrderStatus = 5 // 已拒绝
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusWaitingForExecution:
		return "WAITING_FOR_EXECUTION"
	case OrderStatusActive:
		return "ACTIVE"
	case OrderStatusClosing:
		return "CLOSING"
	case OrderStatusClosed:
		return "CLOSED"
	case OrderStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 是否为终态(不再参与撮合)
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusClosed || s == OrderStatusRejected
}

// MatchingMode 撮合引擎模式
type MatchingMode int8

const (
	MatchingModeMarketMaker MatchingMode = 1 // 内部做市商订单簿
	MatchingModeStp         MatchingMode = 2 // 直通外部交易场所
)

func (m MatchingMode) String() string {
	switch m {
	case MatchingModeMarketMaker:
		return "MARKET_MAKER"
	case MatchingModeStp:
		return "STP"
	default:
		return "UNKNOWN"
	}
}

// RejectReason 拒绝原因
type RejectReason int8

const (
	RejectReasonNone               RejectReason = 0
	RejectReasonNoLiquidity        RejectReason = 1 // 无流动性
	RejectReasonTechnicalError     RejectReason = 2 // 技术故障
	RejectReasonTradingDisabled    RejectReason = 3 // 交易被风控关闭
	RejectReasonInvalidVolume      RejectReason = 4 // 量非法
	RejectReasonInvalidInstrument  RejectReason = 5 // 品种未知
	RejectReasonCanceledByInvestor RejectReason = 6 // 投资者撤单
)

func (r RejectReason) String() string {
	switch r {
	case RejectReasonNone:
		return "NONE"
	case RejectReasonNoLiquidity:
		return "NO_LIQUIDITY"
	case RejectReasonTechnicalError:
		return "TECHNICAL_ERROR"
	case RejectReasonTradingDisabled:
		return "TRADING_DISABLED"
	case RejectReasonInvalidVolume:
		return "INVALID_VOLUME"
	case RejectReasonInvalidInstrument:
		return "INVALID_INSTRUMENT"
	case RejectReasonCanceledByInvestor:
		return "CANCELED_BY_INVESTOR"
	default:
		return "UNKNOWN"
	}
}

// Order 订单
// Volume 带符号: 正数为买, 负数为卖。任何时刻满足
// |Volume| == MatchedVolume + RemainingVolume (按 VolumeAccuracy 舍入)。
type Order struct {
	OrderID            string                  `json:"order_id"`             // 订单ID
	AccountID          string                  `json:"account_id"`           // 账户ID
	ClientID           string                  `json:"client_id"`            // 客户ID
	TradingConditionID string                  `json:"trading_condition_id"` // 交易条件ID
	Instrument         string                  `json:"instrument"`           // 品种(资产对)
	Volume             decimal.Decimal         `json:"volume"`               // 带符号请求量
	Type               OrderType               `json:"type"`                 // 订单类型
	Status             OrderStatus             `json:"status"`               // 订单状态
	MatchingMode       MatchingMode            `json:"matching_mode"`        // 撮合模式
	OpenEngineID       string                  `json:"open_engine_id"`       // 开仓撮合引擎ID
	CloseEngineID      string                  `json:"close_engine_id"`      // 平仓撮合引擎ID
	ExpectedOpenPrice  decimal.Decimal         `json:"expected_open_price"`  // 期望价(挂单触发价)
	OpenPrice          decimal.Decimal         `json:"open_price"`           // 实际开仓价
	ClosePrice         decimal.Decimal         `json:"close_price"`          // 实际平仓价
	TrailingDistance   decimal.Decimal         `json:"trailing_distance"`    // 跟踪止损距离
	ParentOrderID      string                  `json:"parent_order_id"`      // 父订单ID
	ParentPositionID   string                  `json:"parent_position_id"`   // 关联仓位ID
	ExternalOrderID    string                  `json:"external_order_id"`    // 外部场所订单ID
	ExternalProviderID string                  `json:"external_provider_id"` // 外部流动性提供方ID
	OpenMatched        *MatchedOrderCollection `json:"open_matched"`         // 开仓成交集合
	CloseMatched       *MatchedOrderCollection `json:"close_matched"`        // 平仓成交集合
	RejectReason       RejectReason            `json:"reject_reason"`        // 拒绝原因
	RejectDetails      string                  `json:"reject_details"`       // 拒绝说明
	CreateDate         int64                   `json:"create_date"`          // 创建时间(纳秒)
	ActivateDate       int64                   `json:"activate_date"`        // 激活时间(纳秒)
	ExecutedDate       int64                   `json:"executed_date"`        // 执行完成时间(纳秒)
}

// NewOrder 创建新订单
func NewOrder(orderID, accountID, clientID, tradingConditionID, instrument string,
	volume decimal.Decimal, orderType OrderType, mode MatchingMode) *Order {
	now := time.Now().UnixNano()
	return &Order{
		OrderID:            orderID,
		AccountID:          accountID,
		ClientID:           clientID,
		TradingConditionID: tradingConditionID,
		Instrument:         instrument,
		Volume:             volume,
		Type:               orderType,
		Status:             OrderStatusWaitingForExecution,
		MatchingMode:       mode,
		OpenMatched:        NewMatchedOrderCollection(),
		CloseMatched:       NewMatchedOrderCollection(),
		CreateDate:         now,
	}
}

// Direction 订单方向(由量的符号确定)
func (o *Order) Direction() OrderDirection {
	return DirectionOfVolume(o.Volume)
}

// CloseDirection 平仓方向
func (o *Order) CloseDirection() OrderDirection {
	return o.Direction().Opposite()
}

// AbsVolume 请求量绝对值
func (o *Order) AbsVolume() decimal.Decimal {
	return o.Volume.Abs()
}

// MatchedVolume 开仓已成交量
func (o *Order) MatchedVolume() decimal.Decimal {
	return o.OpenMatched.SummaryVolume()
}

// RemainingVolume 开仓剩余量(按量精度舍入)
func (o *Order) RemainingVolume() decimal.Decimal {
	return RoundVolume(o.AbsVolume().Sub(o.MatchedVolume()))
}

// MatchedCloseVolume 平仓已成交量
func (o *Order) MatchedCloseVolume() decimal.Decimal {
	return o.CloseMatched.SummaryVolume()
}

// RemainingCloseVolume 平仓剩余量(按量精度舍入)
func (o *Order) RemainingCloseVolume() decimal.Decimal {
	return RoundVolume(o.AbsVolume().Sub(o.MatchedCloseVolume()))
}

// GetIsFulfilled 开仓量是否全部成交
func (o *Order) GetIsFulfilled() bool {
	return o.RemainingVolume().IsZero()
}

// Reject 记录拒绝结果(业务结果, 不是异常)
func (o *Order) Reject(reason RejectReason, details string) {
	o.Status = OrderStatusRejected
	o.RejectReason = reason
	o.RejectDetails = details
	o.ExecutedDate = time.Now().UnixNano()
}

// Clone 深拷贝订单
func (o *Order) Clone() *Order {
	clone := *o
	clone.OpenMatched = o.OpenMatched.Clone()
	clone.CloseMatched = o.CloseMatched.Clone()
	return &clone
}
