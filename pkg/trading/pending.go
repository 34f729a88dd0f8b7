package trading

import (
	"context"
	"errors"
	"sync"
	"time"

	"margin-core/pkg/position"
	"margin-core/pkg/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PendingOrderManager 挂单管理器。
// 开仓类挂单(限价/突破)触发后进入市场执行; 平仓类挂单
// (止盈/止损/跟踪止损)关联仓位, 触发后对仓位发起平仓。
// 跟踪止损的触发价随行情单向棘轮移动, 只收紧不放松。
type PendingOrderManager struct {
	processor *Processor
	logger    *zap.Logger

	mu           sync.Mutex
	orderIndex   map[string]*types.Order            // 订单索引
	byInstrument map[string]map[string]*types.Order // 品种 → 挂单集合
	byAccount    map[string]map[string]*types.Order // 账户 → 挂单集合
	byPosition   map[string]map[string]*types.Order // 仓位 → 平仓类挂单集合
	lastPrices   map[string]*types.BestPrice        // 品种最近盘口
}

// NewPendingOrderManager 创建挂单管理器
func NewPendingOrderManager(processor *Processor, logger *zap.Logger) *PendingOrderManager {
	return &PendingOrderManager{
		processor:    processor,
		logger:       logger,
		orderIndex:   make(map[string]*types.Order),
		byInstrument: make(map[string]map[string]*types.Order),
		byAccount:    make(map[string]map[string]*types.Order),
		byPosition:   make(map[string]map[string]*types.Order),
		lastPrices:   make(map[string]*types.BestPrice),
	}
}

// Add 登记挂单。已知盘口时立即做一次触发检查。
func (m *PendingOrderManager) Add(order *types.Order) {
	m.mu.Lock()
	m.indexLocked(order)

	var triggered []*types.Order
	if price, ok := m.lastPrices[order.Instrument]; ok {
		if trigger, fire := m.evaluate(order, price); fire {
			m.removeLocked(order.OrderID)
			order.ExpectedOpenPrice = trigger
			triggered = append(triggered, order)
		}
	}
	m.mu.Unlock()

	m.fire(triggered)
}

// park 重新挂回而不立即评估, 等待下一次盘口变更
func (m *PendingOrderManager) park(order *types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexLocked(order)
}

func (m *PendingOrderManager) indexLocked(order *types.Order) {
	m.orderIndex[order.OrderID] = order

	if m.byInstrument[order.Instrument] == nil {
		m.byInstrument[order.Instrument] = make(map[string]*types.Order)
	}
	m.byInstrument[order.Instrument][order.OrderID] = order

	if m.byAccount[order.AccountID] == nil {
		m.byAccount[order.AccountID] = make(map[string]*types.Order)
	}
	m.byAccount[order.AccountID][order.OrderID] = order

	if order.Type.IsCloseType() && order.ParentPositionID != "" {
		if m.byPosition[order.ParentPositionID] == nil {
			m.byPosition[order.ParentPositionID] = make(map[string]*types.Order)
		}
		m.byPosition[order.ParentPositionID][order.OrderID] = order
		if pos, ok := m.processor.keeper.Get(order.ParentPositionID); ok {
			pos.AddRelatedOrder(order.OrderID)
		}
	}
}

// Remove 摘除挂单, 不存在时返回 nil
func (m *PendingOrderManager) Remove(orderID string) *types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(orderID)
}

func (m *PendingOrderManager) removeLocked(orderID string) *types.Order {
	order, ok := m.orderIndex[orderID]
	if !ok {
		return nil
	}
	delete(m.orderIndex, orderID)
	if orders, ok := m.byInstrument[order.Instrument]; ok {
		delete(orders, orderID)
	}
	if orders, ok := m.byAccount[order.AccountID]; ok {
		delete(orders, orderID)
	}
	if order.ParentPositionID != "" {
		if orders, ok := m.byPosition[order.ParentPositionID]; ok {
			delete(orders, orderID)
		}
		if pos, ok := m.processor.keeper.Get(order.ParentPositionID); ok {
			pos.RemoveRelatedOrder(orderID)
		}
	}
	return order
}

// Get 获取挂单
func (m *PendingOrderManager) Get(orderID string) *types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderIndex[orderID]
}

// GetByAccount 获取账户的全部挂单
func (m *PendingOrderManager) GetByAccount(accountID string) []*types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	orders := make([]*types.Order, 0, len(m.byAccount[accountID]))
	for _, order := range m.byAccount[accountID] {
		orders = append(orders, order)
	}
	return orders
}

// RemoveByPosition 仓位消亡时摘除其关联的平仓类挂单
func (m *PendingOrderManager) RemoveByPosition(positionID string) []*types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := make([]*types.Order, 0, len(m.byPosition[positionID]))
	for orderID := range m.byPosition[positionID] {
		if order := m.removeLocked(orderID); order != nil {
			removed = append(removed, order)
		}
	}
	delete(m.byPosition, positionID)
	return removed
}

// OnBestPrice 盘口变更驱动触发检查
func (m *PendingOrderManager) OnBestPrice(price *types.BestPrice) {
	m.mu.Lock()
	m.lastPrices[price.Instrument] = price

	var triggered []*types.Order
	for _, order := range m.byInstrument[price.Instrument] {
		trigger, fire := m.evaluate(order, price)
		if !fire {
			continue
		}
		m.removeLocked(order.OrderID)
		order.ExpectedOpenPrice = trigger
		triggered = append(triggered, order)
	}
	m.mu.Unlock()

	m.fire(triggered)
}

// evaluate 判断挂单是否触发, 返回(最终触发价, 是否触发)。
// 跟踪止损在此处顺带棘轮触发价。
func (m *PendingOrderManager) evaluate(order *types.Order, price *types.BestPrice) (decimal.Decimal, bool) {
	// 挂单的方向即其执行方向: 买单看卖一价, 卖单看买一价
	var side decimal.Decimal
	if order.Direction() == types.DirectionBuy {
		side = price.Ask
	} else {
		side = price.Bid
	}
	if !side.IsPositive() {
		// 该侧无报价, 不评估
		return order.ExpectedOpenPrice, false
	}

	trigger := order.ExpectedOpenPrice
	switch order.Type {
	case types.OrderTypeLimit:
		// 买: 市场价跌到触发价及以下; 卖: 涨到触发价及以上
		if order.Direction() == types.DirectionBuy {
			return trigger, side.LessThanOrEqual(trigger)
		}
		return trigger, side.GreaterThanOrEqual(trigger)

	case types.OrderTypeStop:
		// 突破单与限价单方向相反
		if order.Direction() == types.DirectionBuy {
			return trigger, side.GreaterThanOrEqual(trigger)
		}
		return trigger, side.LessThanOrEqual(trigger)

	case types.OrderTypeTakeProfit:
		// 平多(卖)在价格上行时止盈, 平空(买)在价格下行时止盈
		if order.Direction() == types.DirectionSell {
			return trigger, side.GreaterThanOrEqual(trigger)
		}
		return trigger, side.LessThanOrEqual(trigger)

	case types.OrderTypeStopLoss:
		if order.Direction() == types.DirectionSell {
			return trigger, side.LessThanOrEqual(trigger)
		}
		return trigger, side.GreaterThanOrEqual(trigger)

	case types.OrderTypeTrailingStop:
		if order.Direction() == types.DirectionSell {
			// 平多: 触发价跟随买一价上移
			if candidate := side.Sub(order.TrailingDistance); candidate.GreaterThan(trigger) {
				order.ExpectedOpenPrice = candidate
				trigger = candidate
			}
			return trigger, side.LessThanOrEqual(trigger)
		}
		// 平空: 触发价跟随卖一价下移
		if candidate := side.Add(order.TrailingDistance); candidate.LessThan(trigger) || trigger.IsZero() {
			order.ExpectedOpenPrice = candidate
			trigger = candidate
		}
		return trigger, side.GreaterThanOrEqual(trigger)
	}
	return trigger, false
}

// fire 在管理器锁外执行触发
func (m *PendingOrderManager) fire(orders []*types.Order) {
	for _, order := range orders {
		m.processor.publish(&types.OrderActivatedEvent{
			BaseEvent: types.BaseEvent{
				Type:       types.EventTypeOrderActivated,
				Instrument: order.Instrument,
				Timestamp:  time.Now().UnixNano(),
			},
			Order:        order.Clone(),
			TriggerPrice: order.ExpectedOpenPrice,
		})
		m.logger.Info("pending order triggered",
			zap.String("order_id", order.OrderID),
			zap.String("type", order.Type.String()),
			zap.String("trigger_price", order.ExpectedOpenPrice.String()))

		if order.Type.IsCloseType() {
			m.fireClose(order)
			continue
		}
		m.processor.executeOrder(context.Background(), order)
	}
}

// fireClose 平仓类挂单触发: 对关联仓位发起系统平仓。
// 平仓流动性不足时重新挂回, 等待下一次盘口。
func (m *PendingOrderManager) fireClose(order *types.Order) {
	reason := order.Type.String() + " triggered"
	pos, err := m.processor.ClosePosition(context.Background(), order.ParentPositionID,
		position.OriginatorSystem, reason)
	switch {
	case err == nil:
		order.Status = types.OrderStatusClosed
		order.ClosePrice = pos.Fpl.ClosePrice
		order.ExecutedDate = time.Now().UnixNano()
		m.RemoveByPosition(order.ParentPositionID)
	case errors.Is(err, ErrNoCloseLiquidity):
		m.logger.Warn("close trigger deferred, no liquidity",
			zap.String("order_id", order.OrderID),
			zap.String("position_id", order.ParentPositionID))
		m.park(order)
	case errors.Is(err, position.ErrPositionNotFound):
		order.Reject(types.RejectReasonTechnicalError, "parent position no longer exists")
		m.processor.publishRejected(order)
	default:
		m.logger.Error("close trigger failed",
			zap.String("order_id", order.OrderID),
			zap.String("position_id", order.ParentPositionID),
			zap.Error(err))
		order.Reject(types.RejectReasonTechnicalError, err.Error())
		m.processor.publishRejected(order)
	}
}
