package orderbook

import (
	"container/list"
	"time"

	"margin-core/pkg/types"

	"github.com/shopspring/decimal"
)

// LimitOrder 做市商挂单(静态流动性)
type LimitOrder struct {
	OrderID       string               `json:"order_id"`        // 挂单ID
	MarketMakerID string               `json:"market_maker_id"` // 做市商ID
	Instrument    string               `json:"instrument"`      // 品种
	Direction     types.OrderDirection `json:"direction"`       // 挂单方向
	Volume        decimal.Decimal      `json:"volume"`          // 剩余量(绝对值)
	Price         decimal.Decimal      `json:"price"`           // 挂单价
	CreateDate    int64                `json:"create_date"`     // 创建时间(纳秒)
}

// Clone 拷贝挂单
func (o *LimitOrder) Clone() *LimitOrder {
	clone := *o
	return &clone
}

// priceLevel 价格档位, 档位内按到达顺序排队
type priceLevel struct {
	price    decimal.Decimal
	orders   *list.List
	orderMap map[string]*list.Element
	volume   decimal.Decimal
}

func newPriceLevel(price decimal.Decimal) *priceLevel {
	return &priceLevel{
		price:    price,
		orders:   list.New(),
		orderMap: make(map[string]*list.Element),
		volume:   decimal.Zero,
	}
}

func (p *priceLevel) add(order *LimitOrder) {
	elem := p.orders.PushBack(order)
	p.orderMap[order.OrderID] = elem
	p.volume = p.volume.Add(order.Volume)
}

func (p *priceLevel) remove(orderID string) *LimitOrder {
	elem, ok := p.orderMap[orderID]
	if !ok {
		return nil
	}
	order := p.orders.Remove(elem).(*LimitOrder)
	delete(p.orderMap, orderID)
	p.volume = p.volume.Sub(order.Volume)
	return order
}

func (p *priceLevel) front() *LimitOrder {
	if p.orders.Len() == 0 {
		return nil
	}
	return p.orders.Front().Value.(*LimitOrder)
}

func (p *priceLevel) isEmpty() bool {
	return p.orders.Len() == 0
}

// ladder 单边价格阶梯 (有序切片实现, 适合中等规模订单簿)
type ladder struct {
	levels     []*priceLevel
	priceMap   map[string]int // price string -> index
	descending bool           // true: 买盘(降序), false: 卖盘(升序)
}

func newLadder(descending bool) *ladder {
	return &ladder{
		levels:     make([]*priceLevel, 0, 64),
		priceMap:   make(map[string]int),
		descending: descending,
	}
}

func (l *ladder) get(price decimal.Decimal) *priceLevel {
	idx, ok := l.priceMap[price.String()]
	if !ok {
		return nil
	}
	return l.levels[idx]
}

func (l *ladder) getOrCreate(price decimal.Decimal) *priceLevel {
	if level := l.get(price); level != nil {
		return level
	}
	level := newPriceLevel(price)
	idx := l.findInsertPosition(price)
	l.levels = append(l.levels, nil)
	copy(l.levels[idx+1:], l.levels[idx:])
	l.levels[idx] = level
	l.rebuildPriceMap()
	return level
}

// findInsertPosition 二分查找插入位置
func (l *ladder) findInsertPosition(price decimal.Decimal) int {
	left, right := 0, len(l.levels)
	for left < right {
		mid := (left + right) / 2
		cmp := price.Cmp(l.levels[mid].price)
		if l.descending {
			if cmp > 0 {
				right = mid
			} else {
				left = mid + 1
			}
		} else {
			if cmp < 0 {
				right = mid
			} else {
				left = mid + 1
			}
		}
	}
	return left
}

func (l *ladder) removeLevel(price decimal.Decimal) {
	idx, ok := l.priceMap[price.String()]
	if !ok {
		return
	}
	l.levels = append(l.levels[:idx], l.levels[idx+1:]...)
	l.rebuildPriceMap()
}

func (l *ladder) rebuildPriceMap() {
	l.priceMap = make(map[string]int, len(l.levels))
	for i, level := range l.levels {
		l.priceMap[level.price.String()] = i
	}
}

func (l *ladder) best() *priceLevel {
	if len(l.levels) == 0 {
		return nil
	}
	return l.levels[0]
}

func (l *ladder) topLevels(n int) []*types.BookLevel {
	count := n
	if count <= 0 || count > len(l.levels) {
		count = len(l.levels)
	}
	result := make([]*types.BookLevel, count)
	for i := 0; i < count; i++ {
		level := l.levels[i]
		result[i] = &types.BookLevel{
			Price:  level.price,
			Volume: level.volume,
			Count:  level.orders.Len(),
		}
	}
	return result
}

// OrderBook 单品种订单簿: 做市商静态流动性的买/卖阶梯。
// 自身不加锁, 由持有它的撮合引擎在互斥作用域内访问。
type OrderBook struct {
	instrument string
	buy        *ladder
	sell       *ladder
	orderIndex map[string]*LimitOrder
}

// NewOrderBook 创建订单簿
func NewOrderBook(instrument string) *OrderBook {
	return &OrderBook{
		instrument: instrument,
		buy:        newLadder(true),
		sell:       newLadder(false),
		orderIndex: make(map[string]*LimitOrder),
	}
}

// Instrument 品种
func (b *OrderBook) Instrument() string {
	return b.instrument
}

func (b *OrderBook) sideOf(direction types.OrderDirection) *ladder {
	if direction == types.DirectionBuy {
		return b.buy
	}
	return b.sell
}

// oppositeSide 对手盘
func (b *OrderBook) oppositeSide(direction types.OrderDirection) *ladder {
	if direction == types.DirectionBuy {
		return b.sell
	}
	return b.buy
}

// AddOrder 添加做市商挂单
func (b *OrderBook) AddOrder(order *LimitOrder) error {
	if order.Instrument != b.instrument {
		return ErrInstrumentMismatch
	}
	if !order.Volume.IsPositive() {
		return ErrInvalidVolume
	}
	if _, ok := b.orderIndex[order.OrderID]; ok {
		// 同ID重复下发视为替换
		b.RemoveOrder(order.OrderID)
	}
	level := b.sideOf(order.Direction).getOrCreate(order.Price)
	level.add(order)
	b.orderIndex[order.OrderID] = order
	return nil
}

// RemoveOrder 删除挂单
func (b *OrderBook) RemoveOrder(orderID string) *LimitOrder {
	order, ok := b.orderIndex[orderID]
	if !ok {
		return nil
	}
	side := b.sideOf(order.Direction)
	level := side.get(order.Price)
	if level == nil {
		return nil
	}
	removed := level.remove(orderID)
	delete(b.orderIndex, orderID)
	if level.isEmpty() {
		side.removeLevel(order.Price)
	}
	return removed
}

// RemoveByMarketMaker 删除某做市商一侧(或双侧)的全部挂单, 返回删除条数
func (b *OrderBook) RemoveByMarketMaker(marketMakerID string, direction types.OrderDirection) int {
	removed := 0
	for id, order := range b.orderIndex {
		if order.MarketMakerID != marketMakerID {
			continue
		}
		if direction != types.DirectionAny && order.Direction != direction {
			continue
		}
		if b.RemoveOrder(id) != nil {
			removed++
		}
	}
	return removed
}

// GetOrder 按ID获取挂单
func (b *OrderBook) GetOrder(orderID string) *LimitOrder {
	return b.orderIndex[orderID]
}

// Len 挂单总数
func (b *OrderBook) Len() int {
	return len(b.orderIndex)
}

// BestBid 最优买价
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	level := b.buy.best()
	if level == nil {
		return decimal.Zero, false
	}
	return level.price, true
}

// BestAsk 最优卖价
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	level := b.sell.best()
	if level == nil {
		return decimal.Zero, false
	}
	return level.price, true
}

// Match 按方向贪婪消耗对手盘流动性, 最多消耗 volume(绝对值)。
// 返回消耗的成交分片并同步扣减/移除被吃掉的挂单; 允许部分成交, 是否接受由调用方决定。
func (b *OrderBook) Match(direction types.OrderDirection, volume decimal.Decimal) []*types.MatchedOrder {
	opposite := b.oppositeSide(direction)
	remaining := volume
	now := time.Now().UnixNano()
	matched := make([]*types.MatchedOrder, 0, 4)

	for remaining.IsPositive() {
		level := opposite.best()
		if level == nil {
			break
		}
		for remaining.IsPositive() && !level.isEmpty() {
			resting := level.front()
			fill := remaining
			if fill.GreaterThan(resting.Volume) {
				fill = resting.Volume
			}
			matched = append(matched, &types.MatchedOrder{
				CounterpartyID: resting.MarketMakerID,
				Volume:         fill,
				Price:          resting.Price,
				MatchedAt:      now,
			})
			remaining = remaining.Sub(fill)
			resting.Volume = resting.Volume.Sub(fill)
			level.volume = level.volume.Sub(fill)
			if resting.Volume.IsZero() {
				level.remove(resting.OrderID)
				delete(b.orderIndex, resting.OrderID)
			}
		}
		if level.isEmpty() {
			opposite.removeLevel(level.price)
		}
	}
	return matched
}

// GetPriceForClose 不改变订单簿状态, 计算以 closeDirection 平掉 volume(绝对值)的量加权价。
// marketMakerID 非空时仅统计该做市商的流动性。流动性不足时 ok=false。
func (b *OrderBook) GetPriceForClose(closeDirection types.OrderDirection, volume decimal.Decimal, marketMakerID string) (decimal.Decimal, bool) {
	if !volume.IsPositive() {
		return decimal.Zero, false
	}
	opposite := b.oppositeSide(closeDirection)
	remaining := volume
	weighted := decimal.Zero

	for _, level := range opposite.levels {
		for elem := level.orders.Front(); elem != nil; elem = elem.Next() {
			resting := elem.Value.(*LimitOrder)
			if marketMakerID != "" && resting.MarketMakerID != marketMakerID {
				continue
			}
			fill := remaining
			if fill.GreaterThan(resting.Volume) {
				fill = resting.Volume
			}
			weighted = weighted.Add(resting.Price.Mul(fill))
			remaining = remaining.Sub(fill)
			if !remaining.IsPositive() {
				return weighted.Div(volume), true
			}
		}
	}
	return decimal.Zero, false
}

// Snapshot 生成订单簿快照
func (b *OrderBook) Snapshot(depth int) *types.OrderBookSnapshot {
	return &types.OrderBookSnapshot{
		Instrument: b.instrument,
		Buy:        b.buy.topLevels(depth),
		Sell:       b.sell.topLevels(depth),
		Timestamp:  time.Now().UnixNano(),
	}
}
