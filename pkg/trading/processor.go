// Package trading 实现订单处理管道: 路由 → 撮合 → 净额决策 → 仓位生命周期。
package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"margin-core/pkg/fulfillment"
	"margin-core/pkg/matching"
	"margin-core/pkg/position"
	"margin-core/pkg/routing"
	"margin-core/pkg/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotPending     = errors.New("order is not waiting for execution")
	ErrNoCloseLiquidity    = errors.New("not enough liquidity to close position")
	ErrPositionNotClosable = errors.New("position cannot be closed in its current status")
)

// InstrumentsProvider 品种存在性检查能力
type InstrumentsProvider interface {
	Exists(id string) bool
}

// Processor 订单处理器。
// 多工作协程可并发提交订单; 单账户的仓位变更经账户锁串行化,
// 仓位实体本身不加锁。
type Processor struct {
	router  *routing.Router
	engines *matching.Registry
	keeper  *position.Keeper
	pairs   InstrumentsProvider
	pending *PendingOrderManager
	logger  *zap.Logger

	events   chan types.Event
	handlers []func(types.Event)
	handleMu sync.RWMutex

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewProcessor 创建处理器。events 同时被撮合引擎用作发布端。
func NewProcessor(router *routing.Router, engines *matching.Registry, keeper *position.Keeper,
	pairs InstrumentsProvider, events chan types.Event, logger *zap.Logger) *Processor {
	p := &Processor{
		router:   router,
		engines:  engines,
		keeper:   keeper,
		pairs:    pairs,
		events:   events,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	p.pending = NewPendingOrderManager(p, logger)
	return p
}

// Pending 挂单管理器
func (p *Processor) Pending() *PendingOrderManager {
	return p.pending
}

// Subscribe 注册事件处理器(启动前调用)
func (p *Processor) Subscribe(handler func(types.Event)) {
	p.handleMu.Lock()
	defer p.handleMu.Unlock()
	p.handlers = append(p.handlers, handler)
}

// Start 启动事件分发循环
func (p *Processor) Start() {
	go p.eventLoop()
}

// Stop 停止处理器
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
}

func (p *Processor) eventLoop() {
	for {
		select {
		case <-p.stopChan:
			return
		case event := <-p.events:
			p.dispatch(event)
		}
	}
}

func (p *Processor) dispatch(event types.Event) {
	if bp, ok := event.(*types.BestPriceChangedEvent); ok {
		// 先刷新受影响仓位的平仓参考价, 再触发挂单
		p.keeper.UpdateClosePricesByInstrument(bp.Price.Instrument, bp.Price.Bid, bp.Price.Ask)
		p.pending.OnBestPrice(bp.Price)
	}
	p.handleMu.RLock()
	handlers := p.handlers
	p.handleMu.RUnlock()
	for _, handler := range handlers {
		handler(event)
	}
}

// publish 投递事件。队列满时不阻塞生产者, 改为就地分发给订阅方:
// 事件循环自身触发的执行路径也会产生事件, 阻塞在这里会拖垮整个循环。
func (p *Processor) publish(event types.Event) {
	select {
	case p.events <- event:
		return
	case <-p.stopChan:
		return
	default:
	}
	p.logger.Warn("event queue full, delivering directly to subscribers",
		zap.String("event_type", fmt.Sprintf("%T", event)))
	p.handleMu.RLock()
	handlers := p.handlers
	p.handleMu.RUnlock()
	for _, handler := range handlers {
		handler(event)
	}
}

// lockAccount 账户级互斥: 一次订单处理事务内独占该账户的仓位。
// 锁由 Keeper 统一管理, 与平仓参考价刷新共用同一把。
func (p *Processor) lockAccount(accountID string) *sync.Mutex {
	return p.keeper.LockAccount(accountID)
}

// PlaceOrder 下单入口: 校验 → (挂起或立即执行)。
// 拒绝是业务结果, 记录在订单上并返回订单本身; error 仅表示技术性失败。
func (p *Processor) PlaceOrder(ctx context.Context, order *types.Order) (*types.Order, error) {
	if order.OrderID == "" {
		order.OrderID = uuid.New().String()
	}
	if order.Volume.IsZero() {
		p.rejectOrder(order, types.RejectReasonInvalidVolume, "order volume must be non-zero")
		return order, nil
	}
	if !p.pairs.Exists(order.Instrument) {
		p.rejectOrder(order, types.RejectReasonInvalidInstrument,
			fmt.Sprintf("instrument %s is not registered", order.Instrument))
		return order, nil
	}

	if order.Type.IsPending() {
		order.Status = types.OrderStatusWaitingForExecution
		p.pending.Add(order)
		p.logger.Info("order parked as pending",
			zap.String("order_id", order.OrderID),
			zap.String("type", order.Type.String()),
			zap.String("instrument", order.Instrument))
		return order, nil
	}

	p.executeOrder(ctx, order)
	return order, nil
}

// CancelOrder 撤销等待触发的挂单
func (p *Processor) CancelOrder(orderID string) (*types.Order, error) {
	order := p.pending.Remove(orderID)
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.Status != types.OrderStatusWaitingForExecution {
		return nil, ErrOrderNotPending
	}
	p.rejectOrder(order, types.RejectReasonCanceledByInvestor, "canceled before execution")
	return order, nil
}

// executeOrder 市场执行路径: 路由 → 撮合 → 净额 → 仓位
func (p *Processor) executeOrder(ctx context.Context, order *types.Order) {
	order.ActivateDate = time.Now().UnixNano()

	engine := p.resolveEngine(order)
	if engine == nil {
		p.rejectOrder(order, types.RejectReasonTechnicalError, "no matching engine available")
		return
	}
	order.OpenEngineID = engine.ID()

	matched, err := engine.MatchOrder(ctx, order, order.Direction(), order.RemainingVolume())
	switch {
	case errors.Is(err, matching.ErrTradingDisabled):
		p.rejectOrder(order, types.RejectReasonTradingDisabled, "matching engine is paused")
		return
	case err != nil:
		p.logger.Error("matching failed",
			zap.String("order_id", order.OrderID),
			zap.String("engine_id", engine.ID()),
			zap.Error(err))
		p.rejectOrder(order, types.RejectReasonTechnicalError, err.Error())
		return
	}
	if order.Status == types.OrderStatusRejected {
		// STP 引擎已将拒绝记录在订单上
		p.publishRejected(order)
		return
	}

	order.OpenMatched.Add(matched.Orders...)
	if !order.GetIsFulfilled() {
		// 市场执行要求全量成交, 部分成交不被接受
		p.rejectOrder(order, types.RejectReasonNoLiquidity,
			fmt.Sprintf("matched %s of %s", order.MatchedVolume(), order.AbsVolume()))
		return
	}

	price, _ := order.OpenMatched.WeightedAveragePrice()
	order.OpenPrice = price
	order.ExecutedDate = time.Now().UnixNano()

	if err := p.applyFulfillment(order); err != nil {
		p.logger.Error("fulfillment failed",
			zap.String("order_id", order.OrderID),
			zap.Error(err))
		p.rejectOrder(order, types.RejectReasonTechnicalError, err.Error())
		return
	}

	p.publishExecuted(order, matched)
}

// resolveEngine 路由决定撮合引擎; 无路由或歧义时回退模式默认引擎
func (p *Processor) resolveEngine(order *types.Order) matching.MatchingEngine {
	route := p.router.FindRoute(&routing.RouteRequest{
		ClientID:           order.ClientID,
		TradingConditionID: order.TradingConditionID,
		Instrument:         order.Instrument,
		Direction:          order.Direction(),
	})
	if route != nil {
		if engine, ok := p.engines.Get(route.MatchingEngineID); ok {
			return engine
		}
		p.logger.Warn("route points to unknown engine, falling back to default",
			zap.String("route_id", route.RouteID),
			zap.String("matching_engine_id", route.MatchingEngineID))
	}
	engine, ok := p.engines.GetDefault(order.MatchingMode)
	if !ok {
		return nil
	}
	return engine
}

// applyFulfillment 撮合量与既有反向仓位合并: 先净额冲抵, 余量新开仓位。
// 整个事务在账户锁内执行。
func (p *Processor) applyFulfillment(order *types.Order) error {
	lock := p.lockAccount(order.AccountID)
	defer lock.Unlock()

	opposite := p.keeper.GetOppositeActive(order.AccountID, order.Instrument, order.Direction())
	plan, err := fulfillment.CreateOrderFulfillmentPlan(order, opposite)
	if err != nil {
		return err
	}

	// 先开先净: 按开仓时间顺序冲抵反向仓位
	netRemaining := plan.Decision().NettableVolume()
	for _, pos := range opposite {
		if !netRemaining.IsPositive() {
			break
		}
		closeVolume := pos.AbsVolume()
		if closeVolume.GreaterThan(netRemaining) {
			closeVolume = netRemaining
		}
		if err := p.netAgainstPosition(pos, closeVolume, order); err != nil {
			return err
		}
		netRemaining = netRemaining.Sub(closeVolume)
	}

	if plan.RequiresPositionOpening() {
		pos := position.NewPosition(uuid.New().String(), order.AccountID, order.ClientID,
			order.Instrument, plan.VolumeToMatch(), order.OpenPrice,
			order.OrderID, order.OrderID, order.OpenEngineID)
		pos.ExpectedOpenPrice = order.ExpectedOpenPrice
		pos.ExternalProviderID = order.ExternalProviderID
		pos.AddRelatedOrder(order.OrderID)
		p.keeper.Add(pos)
		order.ParentPositionID = pos.PositionID
		order.Status = types.OrderStatusActive

		p.publish(&types.PositionOpenedEvent{
			BaseEvent: types.BaseEvent{
				Type:       types.EventTypePositionOpened,
				Instrument: pos.Instrument,
				Timestamp:  pos.OpenDate,
			},
			PositionID: pos.PositionID,
			AccountID:  pos.AccountID,
			Volume:     pos.Volume,
			OpenPrice:  pos.OpenPrice,
		})
	} else {
		// 全部被净额吸收, 订单完结
		order.Status = types.OrderStatusClosed
	}
	return nil
}

// netAgainstPosition 以订单成交价冲抵一个反向仓位(全平或部分平)
func (p *Processor) netAgainstPosition(pos *position.Position, closeVolume decimal.Decimal, order *types.Order) error {
	partial := closeVolume.LessThan(pos.AbsVolume())
	if partial {
		if err := pos.PartiallyClose(closeVolume, order.OrderID); err != nil {
			return err
		}
	} else {
		if err := pos.Close(order.OrderID, order.OpenPrice, position.OriginatorInvestor, "netted against order"); err != nil {
			return err
		}
		p.keeper.Remove(pos.PositionID)
		p.cancelPositionOrders(pos.PositionID)
	}

	p.publish(&types.PositionClosedEvent{
		BaseEvent: types.BaseEvent{
			Type:       types.EventTypePositionClosed,
			Instrument: pos.Instrument,
			Timestamp:  time.Now().UnixNano(),
		},
		PositionID:   pos.PositionID,
		AccountID:    pos.AccountID,
		ClosedVolume: closeVolume,
		ClosePrice:   order.OpenPrice,
		Originator:   position.OriginatorInvestor.String(),
		Reason:       "netted against order",
		Partial:      partial,
	})
	return nil
}

// ClosePosition 平掉单个仓位。失败时回退 Closing 状态, 仓位保持 Active。
func (p *Processor) ClosePosition(ctx context.Context, positionID string, originator position.Originator, reason string) (*position.Position, error) {
	pos, ok := p.keeper.Get(positionID)
	if !ok {
		return nil, position.ErrPositionNotFound
	}

	lock := p.lockAccount(pos.AccountID)
	defer lock.Unlock()

	if pos.Status == position.StatusClosed {
		return nil, ErrPositionNotClosable
	}
	if pos.Status == position.StatusActive {
		if err := pos.StartClosing(originator, reason); err != nil {
			return nil, err
		}
	}

	engine := p.resolveCloseEngine(pos)
	if engine == nil {
		if cancelErr := pos.CancelClosing(); cancelErr != nil {
			p.logger.Error("cancel closing failed",
				zap.String("position_id", pos.PositionID),
				zap.Error(cancelErr))
		}
		return nil, matching.ErrEngineNotFound
	}

	closeOrder := types.NewOrder(uuid.New().String(), pos.AccountID, pos.ClientID, "",
		pos.Instrument, pos.Volume.Neg(), types.OrderTypeMarket, types.MatchingModeMarketMaker)
	closeOrder.ParentPositionID = pos.PositionID
	closeOrder.CloseEngineID = engine.ID()

	matched, err := engine.MatchOrder(ctx, closeOrder, pos.CloseDirection(), pos.AbsVolume())
	if err != nil || matched.SummaryVolume().LessThan(pos.AbsVolume()) {
		if cancelErr := pos.CancelClosing(); cancelErr != nil {
			p.logger.Error("cancel closing failed",
				zap.String("position_id", pos.PositionID),
				zap.Error(cancelErr))
		}
		if err != nil {
			p.logger.Error("close matching failed",
				zap.String("position_id", pos.PositionID),
				zap.String("engine_id", engine.ID()),
				zap.Error(err))
			return nil, err
		}
		return nil, ErrNoCloseLiquidity
	}

	closePrice, _ := matched.WeightedAveragePrice()
	closedVolume := pos.AbsVolume()
	if err := pos.Close(closeOrder.OrderID, closePrice, originator, reason); err != nil {
		return nil, err
	}
	pos.CloseEngineID = engine.ID()
	p.keeper.Remove(pos.PositionID)
	p.cancelPositionOrders(pos.PositionID)

	p.publish(&types.PositionClosedEvent{
		BaseEvent: types.BaseEvent{
			Type:       types.EventTypePositionClosed,
			Instrument: pos.Instrument,
			Timestamp:  pos.CloseDate,
		},
		PositionID:   pos.PositionID,
		AccountID:    pos.AccountID,
		ClosedVolume: closedVolume,
		ClosePrice:   closePrice,
		Originator:   pos.CloseOriginator.String(),
		Reason:       pos.CloseReason,
		Partial:      false,
	})
	p.logger.Info("position closed",
		zap.String("position_id", pos.PositionID),
		zap.String("close_price", closePrice.String()),
		zap.String("originator", originator.String()))
	return pos, nil
}

// resolveCloseEngine 平仓引擎: 优先开仓引擎, 其次按平仓方向路由, 最后默认引擎
func (p *Processor) resolveCloseEngine(pos *position.Position) matching.MatchingEngine {
	if pos.CloseEngineID != "" {
		if engine, ok := p.engines.Get(pos.CloseEngineID); ok {
			return engine
		}
	}
	if pos.OpenEngineID != "" {
		if engine, ok := p.engines.Get(pos.OpenEngineID); ok {
			return engine
		}
	}
	route := p.router.FindRoute(&routing.RouteRequest{
		ClientID:   pos.ClientID,
		Instrument: pos.Instrument,
		Direction:  pos.CloseDirection(),
	})
	if route != nil {
		if engine, ok := p.engines.Get(route.MatchingEngineID); ok {
			return engine
		}
	}
	engine, ok := p.engines.GetDefault(types.MatchingModeMarketMaker)
	if !ok {
		return nil
	}
	return engine
}

// ClosePositionGroup 按品种/账户/方向组平仓。direction 取 DirectionAny 表示双向。
// 单个仓位失败不中断其余, 返回成功平掉的仓位。
func (p *Processor) ClosePositionGroup(ctx context.Context, instrument, accountID string,
	direction types.OrderDirection, originator position.Originator, reason string) []*position.Position {
	candidates := p.keeper.Select(func(pos *position.Position) bool {
		if pos.Status != position.StatusActive {
			return false
		}
		if instrument != "" && pos.Instrument != instrument {
			return false
		}
		if accountID != "" && pos.AccountID != accountID {
			return false
		}
		if direction != types.DirectionAny && pos.Direction != direction {
			return false
		}
		return true
	})

	closed := make([]*position.Position, 0, len(candidates))
	for _, candidate := range candidates {
		pos, err := p.ClosePosition(ctx, candidate.PositionID, originator, reason)
		if err != nil {
			p.logger.Warn("group close: position skipped",
				zap.String("position_id", candidate.PositionID),
				zap.Error(err))
			continue
		}
		closed = append(closed, pos)
	}
	return closed
}

// LiquidatePosition 特殊清算: 以固定三元组构造单次引擎并全量平仓
func (p *Processor) LiquidatePosition(ctx context.Context, positionID string,
	price decimal.Decimal, providerID, externalOrderID string) (*position.Position, error) {
	pos, ok := p.keeper.Get(positionID)
	if !ok {
		return nil, position.ErrPositionNotFound
	}

	lock := p.lockAccount(pos.AccountID)
	defer lock.Unlock()

	if pos.Status == position.StatusClosed {
		return nil, ErrPositionNotClosable
	}
	if pos.Status == position.StatusActive {
		if err := pos.StartClosing(position.OriginatorSystem, "special liquidation"); err != nil {
			return nil, err
		}
	}

	engine := matching.NewSpecialLiquidationEngine(price, providerID, externalOrderID)
	closeOrder := types.NewOrder(uuid.New().String(), pos.AccountID, pos.ClientID, "",
		pos.Instrument, pos.Volume.Neg(), types.OrderTypeMarket, types.MatchingModeStp)
	closeOrder.ParentPositionID = pos.PositionID

	matched, err := engine.MatchOrder(ctx, closeOrder, pos.CloseDirection(), pos.AbsVolume())
	if err != nil {
		return nil, err
	}
	closePrice, _ := matched.WeightedAveragePrice()
	closedVolume := pos.AbsVolume()
	if err := pos.Close(closeOrder.OrderID, closePrice, position.OriginatorSystem, "special liquidation"); err != nil {
		return nil, err
	}
	pos.CloseEngineID = engine.ID()
	p.keeper.Remove(pos.PositionID)
	p.cancelPositionOrders(pos.PositionID)

	p.publish(&types.PositionClosedEvent{
		BaseEvent: types.BaseEvent{
			Type:       types.EventTypePositionClosed,
			Instrument: pos.Instrument,
			Timestamp:  pos.CloseDate,
		},
		PositionID:   pos.PositionID,
		AccountID:    pos.AccountID,
		ClosedVolume: closedVolume,
		ClosePrice:   closePrice,
		Originator:   position.OriginatorSystem.String(),
		Reason:       "special liquidation",
		Partial:      false,
	})
	return pos, nil
}

// QueryRoute 假想订单会命中的路由
func (p *Processor) QueryRoute(clientID, tradingConditionID, instrument string, direction types.OrderDirection) *types.MatchingEngineRoute {
	return p.router.FindRoute(&routing.RouteRequest{
		ClientID:           clientID,
		TradingConditionID: tradingConditionID,
		Instrument:         instrument,
		Direction:          direction,
	})
}

// cancelPositionOrders 仓位消亡后摘除其关联的平仓类挂单
func (p *Processor) cancelPositionOrders(positionID string) {
	for _, order := range p.pending.RemoveByPosition(positionID) {
		if order.Status != types.OrderStatusWaitingForExecution {
			continue
		}
		p.rejectOrder(order, types.RejectReasonCanceledByInvestor, "parent position closed")
	}
}

func (p *Processor) rejectOrder(order *types.Order, reason types.RejectReason, details string) {
	order.Reject(reason, details)
	p.publishRejected(order)
}

func (p *Processor) publishRejected(order *types.Order) {
	p.logger.Info("order rejected",
		zap.String("order_id", order.OrderID),
		zap.String("instrument", order.Instrument),
		zap.String("reason", order.RejectReason.String()),
		zap.String("details", order.RejectDetails))
	p.publish(&types.OrderRejectedEvent{
		BaseEvent: types.BaseEvent{
			Type:       types.EventTypeOrderRejected,
			Instrument: order.Instrument,
			Timestamp:  time.Now().UnixNano(),
		},
		Order:   order.Clone(),
		Reason:  order.RejectReason.String(),
		Details: order.RejectDetails,
	})
}

func (p *Processor) publishExecuted(order *types.Order, matched *types.MatchedOrderCollection) {
	now := time.Now().UnixNano()
	for _, fragment := range matched.Orders {
		p.publish(&types.TradeEvent{
			BaseEvent: types.BaseEvent{
				Type:       types.EventTypeTrade,
				Instrument: order.Instrument,
				Timestamp:  fragment.MatchedAt,
			},
			OrderID:   order.OrderID,
			AccountID: order.AccountID,
			Matched:   fragment,
		})
	}
	p.publish(&types.OrderExecutedEvent{
		BaseEvent: types.BaseEvent{
			Type:       types.EventTypeOrderExecuted,
			Instrument: order.Instrument,
			Timestamp:  now,
		},
		Order: order.Clone(),
	})
}
