package matching

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"margin-core/pkg/orderbook"
	"margin-core/pkg/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SetOrdersModel 做市商一次批量下发: 先删后加, 整批在同一互斥作用域内生效。
type SetOrdersModel struct {
	MarketMakerID    string                  `json:"market_maker_id"`
	OrdersToAdd      []*orderbook.LimitOrder `json:"orders_to_add"`
	OrderIDsToDelete []string                `json:"order_ids_to_delete"`
	DeleteAllBuy     bool                    `json:"delete_all_buy"`
	DeleteAllSell    bool                    `json:"delete_all_sell"`
}

// MarketMakerEngine 内部做市商撮合引擎。
// 每个实例持有一组按品种划分的订单簿, 写操作(SetOrders/MatchOrder)互斥,
// 读操作(GetPriceForClose/快照)可并发。簿变更与最优价发布在同一锁定作用域内完成,
// 其他读取不会看到半生效状态。
type MarketMakerEngine struct {
	id     string
	books  map[string]*orderbook.OrderBook
	mu     sync.RWMutex
	events chan<- types.Event
	logger *zap.Logger
	paused int32

	droppedEvents uint64
}

// NewMarketMakerEngine 创建做市商引擎
func NewMarketMakerEngine(id string, events chan<- types.Event, logger *zap.Logger) *MarketMakerEngine {
	return &MarketMakerEngine{
		id:     id,
		books:  make(map[string]*orderbook.OrderBook),
		events: events,
		logger: logger,
	}
}

// ID 引擎ID
func (e *MarketMakerEngine) ID() string {
	return e.id
}

// Mode 撮合模式
func (e *MarketMakerEngine) Mode() types.MatchingMode {
	return types.MatchingModeMarketMaker
}

// IsPaused 是否暂停
func (e *MarketMakerEngine) IsPaused() bool {
	return atomic.LoadInt32(&e.paused) == 1
}

// Pause 暂停撮合
func (e *MarketMakerEngine) Pause() {
	atomic.StoreInt32(&e.paused, 1)
}

// Resume 恢复撮合
func (e *MarketMakerEngine) Resume() {
	atomic.StoreInt32(&e.paused, 0)
}

// DroppedEvents 因队列满被丢弃的最优价事件累计数
func (e *MarketMakerEngine) DroppedEvents() uint64 {
	return atomic.LoadUint64(&e.droppedEvents)
}

func (e *MarketMakerEngine) bookOf(instrument string) *orderbook.OrderBook {
	book, ok := e.books[instrument]
	if !ok {
		book = orderbook.NewOrderBook(instrument)
		e.books[instrument] = book
	}
	return book
}

type bestPair struct {
	bid, ask decimal.Decimal
	hasBid   bool
	hasAsk   bool
}

func bestOf(book *orderbook.OrderBook) bestPair {
	var p bestPair
	p.bid, p.hasBid = book.BestBid()
	p.ask, p.hasAsk = book.BestAsk()
	return p
}

func (p bestPair) equal(other bestPair) bool {
	if p.hasBid != other.hasBid || p.hasAsk != other.hasAsk {
		return false
	}
	if p.hasBid && !p.bid.Equal(other.bid) {
		return false
	}
	if p.hasAsk && !p.ask.Equal(other.ask) {
		return false
	}
	return true
}

// SetOrders 应用做市商批量下发。整批在一个写作用域内执行,
// 每个受影响品种的最优价变更至多发布一次(按批去重, 不按单条挂单)。
func (e *MarketMakerEngine) SetOrders(model *SetOrdersModel) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// 记录受影响品种及其先前最优价
	before := make(map[string]bestPair)
	touch := func(instrument string) {
		if _, ok := before[instrument]; !ok {
			before[instrument] = bestOf(e.bookOf(instrument))
		}
	}

	if model.DeleteAllBuy || model.DeleteAllSell {
		for instrument := range e.books {
			touch(instrument)
		}
		for _, book := range e.books {
			if model.DeleteAllBuy {
				book.RemoveByMarketMaker(model.MarketMakerID, types.DirectionBuy)
			}
			if model.DeleteAllSell {
				book.RemoveByMarketMaker(model.MarketMakerID, types.DirectionSell)
			}
		}
	}

	for _, orderID := range model.OrderIDsToDelete {
		for instrument, book := range e.books {
			if book.GetOrder(orderID) != nil {
				touch(instrument)
				book.RemoveOrder(orderID)
				break
			}
		}
	}

	for _, order := range model.OrdersToAdd {
		if order.MarketMakerID == "" {
			order.MarketMakerID = model.MarketMakerID
		}
		touch(order.Instrument)
		if err := e.bookOf(order.Instrument).AddOrder(order); err != nil {
			return err
		}
	}

	e.publishChangedBestPrices(before)
	return nil
}

// MatchOrder 消耗对手盘流动性。簿变更与最优价发布在同一锁定作用域内。
func (e *MarketMakerEngine) MatchOrder(ctx context.Context, order *types.Order, direction types.OrderDirection, volume decimal.Decimal) (*types.MatchedOrderCollection, error) {
	if e.IsPaused() {
		return types.NewMatchedOrderCollection(), ErrTradingDisabled
	}
	if err := ctx.Err(); err != nil {
		return types.NewMatchedOrderCollection(), err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	book, ok := e.books[order.Instrument]
	if !ok {
		return types.NewMatchedOrderCollection(), nil
	}

	before := map[string]bestPair{order.Instrument: bestOf(book)}
	matched := book.Match(direction, volume)
	e.publishChangedBestPrices(before)

	return types.NewMatchedOrderCollection(matched...), nil
}

// GetPriceForClose 只读计算平仓加权价
func (e *MarketMakerEngine) GetPriceForClose(ctx context.Context, instrument string, closeDirection types.OrderDirection, volume decimal.Decimal) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	book, ok := e.books[instrument]
	if !ok {
		return decimal.Zero, false
	}
	return book.GetPriceForClose(closeDirection, volume, "")
}

// GetPriceForCloseByProvider 限定做市商的只读平仓加权价
func (e *MarketMakerEngine) GetPriceForCloseByProvider(instrument string, closeDirection types.OrderDirection, volume decimal.Decimal, marketMakerID string) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	book, ok := e.books[instrument]
	if !ok {
		return decimal.Zero, false
	}
	return book.GetPriceForClose(closeDirection, volume, marketMakerID)
}

// GetOrderBookSnapshot 订单簿快照
func (e *MarketMakerEngine) GetOrderBookSnapshot(instrument string, depth int) *types.OrderBookSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	book, ok := e.books[instrument]
	if !ok {
		return nil
	}
	snapshot := book.Snapshot(depth)
	snapshot.EngineID = e.id
	return snapshot
}

// Instruments 已有订单簿的品种列表
func (e *MarketMakerEngine) Instruments() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	instruments := make([]string, 0, len(e.books))
	for instrument := range e.books {
		instruments = append(instruments, instrument)
	}
	return instruments
}

// publishChangedBestPrices 对比先前最优价, 每个变化品种发布一次事件。
// 必须在写锁内调用。
func (e *MarketMakerEngine) publishChangedBestPrices(before map[string]bestPair) {
	if e.events == nil {
		return
	}
	now := time.Now().UnixNano()
	for instrument, prior := range before {
		book, ok := e.books[instrument]
		if !ok {
			continue
		}
		current := bestOf(book)
		if current.equal(prior) {
			continue
		}
		event := &types.BestPriceChangedEvent{
			BaseEvent: types.BaseEvent{
				Type:       types.EventTypeBestPriceChanged,
				Instrument: instrument,
				Timestamp:  now,
			},
			EngineID: e.id,
			Price: &types.BestPrice{
				Instrument: instrument,
				Bid:        current.bid,
				Ask:        current.ask,
				Timestamp:  now,
			},
		}
		// 持写锁期间不允许阻塞在队列上: 消费方可能正回头请求本引擎撮合。
		// 最优价是覆盖语义, 丢弃一条后下一次变化会重新发布。
		select {
		case e.events <- event:
		default:
			atomic.AddUint64(&e.droppedEvents, 1)
			if e.logger != nil {
				e.logger.Warn("event queue full, best price update dropped",
					zap.String("engine_id", e.id),
					zap.String("instrument", instrument))
			}
			continue
		}
		if e.logger != nil {
			e.logger.Debug("best price changed",
				zap.String("engine_id", e.id),
				zap.String("instrument", instrument),
				zap.String("bid", current.bid.String()),
				zap.String("ask", current.ask.String()))
		}
	}
}
