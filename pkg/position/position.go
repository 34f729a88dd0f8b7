package position

import (
	"time"

	"margin-core/pkg/types"

	"github.com/shopspring/decimal"
)

// Status 仓位状态
type Status int8

const (
	StatusActive  Status = 1 // 持仓中
	StatusClosing Status = 2 // 平仓中
	StatusClosed  Status = 3 // 已平仓(终态, 不可逆)
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusClosing:
		return "CLOSING"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Originator 平仓发起方
type Originator int8

const (
	OriginatorNone     Originator = 0
	OriginatorInvestor Originator = 1 // 投资者
	OriginatorSystem   Originator = 2 // 系统(止损/止盈触发等)
	OriginatorOnBehalf Originator = 3 // 代客操作
)

func (o Originator) String() string {
	switch o {
	case OriginatorInvestor:
		return "INVESTOR"
	case OriginatorSystem:
		return "SYSTEM"
	case OriginatorOnBehalf:
		return "ON_BEHALF"
	default:
		return "NONE"
	}
}

// FplData 浮动盈亏相关派生数据。
// ActualHash 为平仓价修订号, 依赖方缓存用它判断失效。
type FplData struct {
	ClosePrice decimal.Decimal `json:"close_price"`
	ActualHash int64           `json:"actual_hash"`
}

// Position 净头寸生命周期实体。
// 状态机: Active → Closing → {Active(CancelClosing), Closed(Close)};
// PartiallyClose 是同状态迁移, |Volume| 单调不增且永不变号。
// 变更方法自身不加锁, 所有写入方经 Keeper 的账户锁对同账户仓位串行化访问。
type Position struct {
	PositionID         string               `json:"position_id"`
	AccountID          string               `json:"account_id"`
	ClientID           string               `json:"client_id"`
	Instrument         string               `json:"instrument"`
	Direction          types.OrderDirection `json:"direction"`
	Volume             decimal.Decimal      `json:"volume"` // 带符号
	Margin             decimal.Decimal      `json:"margin"`
	OpenPrice          decimal.Decimal      `json:"open_price"`
	ExpectedOpenPrice  decimal.Decimal      `json:"expected_open_price"`
	OpenOrderID        string               `json:"open_order_id"`
	OpenTradeID        string               `json:"open_trade_id"`
	OpenEngineID       string               `json:"open_engine_id"`
	CloseEngineID      string               `json:"close_engine_id"`
	ExternalProviderID string               `json:"external_provider_id"`
	Status             Status               `json:"status"`
	CloseOriginator    Originator           `json:"close_originator"`
	CloseReason        string               `json:"close_reason"`
	CloseTrades        []string             `json:"close_trades"`
	Fpl                FplData              `json:"fpl"`
	OpenDate           int64                `json:"open_date"`
	CloseDate          int64                `json:"close_date"`
	LastModified       int64                `json:"last_modified"`

	relatedOrders map[string]struct{}
	chargedPnL    map[string]decimal.Decimal
}

// NewPosition 开仓创建仓位
func NewPosition(positionID, accountID, clientID, instrument string,
	volume, openPrice decimal.Decimal, openOrderID, openTradeID, openEngineID string) *Position {
	now := time.Now().UnixNano()
	return &Position{
		PositionID:    positionID,
		AccountID:     accountID,
		ClientID:      clientID,
		Instrument:    instrument,
		Direction:     types.DirectionOfVolume(volume),
		Volume:        volume,
		OpenPrice:     openPrice,
		OpenOrderID:   openOrderID,
		OpenTradeID:   openTradeID,
		OpenEngineID:  openEngineID,
		Status:        StatusActive,
		CloseTrades:   make([]string, 0, 2),
		OpenDate:      now,
		LastModified:  now,
		relatedOrders: make(map[string]struct{}),
		chargedPnL:    make(map[string]decimal.Decimal),
	}
}

// RestoredState 从持久化字段重建仓位所需的全部状态
type RestoredState struct {
	Position      Position
	RelatedOrders []string
	ChargedPnL    map[string]decimal.Decimal
}

// RestorePosition 从持久化状态重建聚合。
// 重建只走这个工厂, 运行时不变式仍然只经由行为方法维护。
func RestorePosition(state *RestoredState) *Position {
	p := state.Position
	p.relatedOrders = make(map[string]struct{}, len(state.RelatedOrders))
	for _, orderID := range state.RelatedOrders {
		p.relatedOrders[orderID] = struct{}{}
	}
	p.chargedPnL = make(map[string]decimal.Decimal, len(state.ChargedPnL))
	for opID, value := range state.ChargedPnL {
		p.chargedPnL[opID] = value
	}
	if p.CloseTrades == nil {
		p.CloseTrades = make([]string, 0, 2)
	}
	return &p
}

func (p *Position) touch() {
	p.LastModified = time.Now().UnixNano()
}

// AbsVolume 持仓量绝对值
func (p *Position) AbsVolume() decimal.Decimal {
	return p.Volume.Abs()
}

// CloseDirection 平仓方向
func (p *Position) CloseDirection() types.OrderDirection {
	return p.Direction.Opposite()
}

// StartClosing Active → Closing。记录首个发起方。
func (p *Position) StartClosing(originator Originator, reason string) error {
	if p.Status != StatusActive {
		return &StateError{PositionID: p.PositionID, From: p.Status, Action: "StartClosing"}
	}
	p.Status = StatusClosing
	if p.CloseOriginator == OriginatorNone {
		p.CloseOriginator = originator
		p.CloseReason = reason
	}
	p.touch()
	return nil
}

// CancelClosing Closing → Active。撤销后发起方清空, 下次平仓重新记录。
func (p *Position) CancelClosing() error {
	if p.Status != StatusClosing {
		return &StateError{PositionID: p.PositionID, From: p.Status, Action: "CancelClosing"}
	}
	p.Status = StatusActive
	p.CloseOriginator = OriginatorNone
	p.CloseReason = ""
	p.touch()
	return nil
}

// Close 终态迁移。已在平仓中时保留最初记录的发起方, 不覆盖。
func (p *Position) Close(tradeID string, closePrice decimal.Decimal, originator Originator, reason string) error {
	if p.Status == StatusClosed {
		return &StateError{PositionID: p.PositionID, From: p.Status, Action: "Close"}
	}
	if p.CloseOriginator == OriginatorNone {
		p.CloseOriginator = originator
		p.CloseReason = reason
	}
	p.Status = StatusClosed
	p.Volume = decimal.Zero
	p.Fpl.ClosePrice = closePrice
	p.CloseTrades = append(p.CloseTrades, tradeID)
	now := time.Now().UnixNano()
	p.CloseDate = now
	p.LastModified = now
	return nil
}

// PartiallyClose 同状态迁移: 量绝对值减小, 永不变号。
func (p *Position) PartiallyClose(volume decimal.Decimal, tradeID string) error {
	if p.Status == StatusClosed {
		return &StateError{PositionID: p.PositionID, From: p.Status, Action: "PartiallyClose"}
	}
	closeAbs := volume.Abs()
	if !closeAbs.IsPositive() {
		return ErrInvalidCloseVolume
	}
	if closeAbs.GreaterThan(p.AbsVolume()) {
		return ErrCloseVolumeExceedsPosition
	}
	if p.Direction == types.DirectionBuy {
		p.Volume = p.Volume.Sub(closeAbs)
	} else {
		p.Volume = p.Volume.Add(closeAbs)
	}
	p.CloseTrades = append(p.CloseTrades, tradeID)
	p.touch()
	return nil
}

// UpdateClosePrice 更新平仓参考价并递增修订号。
// 持有缓存盈亏的消费方据此重算; 账户级缓存失效由仓位管理器通知, 不走全局单例。
func (p *Position) UpdateClosePrice(price decimal.Decimal) {
	p.Fpl.ClosePrice = price
	p.Fpl.ActualHash++
	p.touch()
}

// ChargePnL 幂等计提盈亏: 同一 operationID 重复调用为空操作。
func (p *Position) ChargePnL(operationID string, value decimal.Decimal) decimal.Decimal {
	if _, ok := p.chargedPnL[operationID]; ok {
		return p.ChargedPnL()
	}
	p.chargedPnL[operationID] = value
	p.touch()
	return p.ChargedPnL()
}

// ChargedPnL 已计提盈亏合计
func (p *Position) ChargedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, value := range p.chargedPnL {
		total = total.Add(value)
	}
	return total
}

// AddRelatedOrder 关联订单集合语义: 重复添加为空操作
func (p *Position) AddRelatedOrder(orderID string) {
	if _, ok := p.relatedOrders[orderID]; ok {
		return
	}
	p.relatedOrders[orderID] = struct{}{}
	p.touch()
}

// RemoveRelatedOrder 移除关联订单; 不存在时静默(不影响不变式)
func (p *Position) RemoveRelatedOrder(orderID string) {
	if _, ok := p.relatedOrders[orderID]; !ok {
		return
	}
	delete(p.relatedOrders, orderID)
	p.touch()
}

// HasRelatedOrder 是否关联该订单
func (p *Position) HasRelatedOrder(orderID string) bool {
	_, ok := p.relatedOrders[orderID]
	return ok
}

// RelatedOrders 关联订单集合副本
func (p *Position) RelatedOrders() []string {
	result := make([]string, 0, len(p.relatedOrders))
	for orderID := range p.relatedOrders {
		result = append(result, orderID)
	}
	return result
}
