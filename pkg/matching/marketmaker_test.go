package matching

import (
	"context"
	"testing"

	"margin-core/pkg/orderbook"
	"margin-core/pkg/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func limit(id string, direction types.OrderDirection, volume, price string) *orderbook.LimitOrder {
	return &orderbook.LimitOrder{
		OrderID:    id,
		Instrument: "EURUSD",
		Direction:  direction,
		Volume:     decimal.RequireFromString(volume),
		Price:      decimal.RequireFromString(price),
	}
}

func marketOrder(volume string) *types.Order {
	return types.NewOrder("o1", "acc1", "c1", "tc1", "EURUSD",
		decimal.RequireFromString(volume), types.OrderTypeMarket, types.MatchingModeMarketMaker)
}

func drainEvents(events chan types.Event) []types.Event {
	var result []types.Event
	for {
		select {
		case ev := <-events:
			result = append(result, ev)
		default:
			return result
		}
	}
}

func TestSetOrdersAndMatch(t *testing.T) {
	events := make(chan types.Event, 16)
	engine := NewMarketMakerEngine("MM1", events, zap.NewNop())

	err := engine.SetOrders(&SetOrdersModel{
		MarketMakerID: "MM1",
		OrdersToAdd: []*orderbook.LimitOrder{
			limit("s1", types.DirectionSell, "5", "1.1000"),
			limit("s2", types.DirectionSell, "10", "1.1005"),
		},
	})
	if err != nil {
		t.Fatalf("SetOrders 失败: %v", err)
	}

	order := marketOrder("8")
	matched, err := engine.MatchOrder(context.Background(), order, types.DirectionBuy, decimal.RequireFromString("8"))
	if err != nil {
		t.Fatalf("MatchOrder 失败: %v", err)
	}
	if matched.Len() != 2 {
		t.Fatalf("期望 2 笔分片, 实际 %d", matched.Len())
	}
	if !matched.SummaryVolume().Equal(decimal.RequireFromString("8")) {
		t.Errorf("期望总成交 8, 实际 %s", matched.SummaryVolume())
	}

	// 撮合消耗订单簿
	snap := engine.GetOrderBookSnapshot("EURUSD", 10)
	if len(snap.Sell) != 1 || !snap.Sell[0].Volume.Equal(decimal.RequireFromString("7")) {
		t.Errorf("撮合后卖盘期望单档量 7, 实际 %+v", snap.Sell)
	}
	if snap.EngineID != "MM1" {
		t.Errorf("快照应携带引擎ID, 实际 %q", snap.EngineID)
	}
}

func TestSetOrdersBestPriceDedup(t *testing.T) {
	events := make(chan types.Event, 16)
	engine := NewMarketMakerEngine("MM1", events, zap.NewNop())

	// 一批多条挂单: 每品种至多一条最优价事件
	engine.SetOrders(&SetOrdersModel{
		MarketMakerID: "MM1",
		OrdersToAdd: []*orderbook.LimitOrder{
			limit("s1", types.DirectionSell, "5", "1.1000"),
			limit("s2", types.DirectionSell, "5", "1.1005"),
			limit("b1", types.DirectionBuy, "5", "1.0990"),
		},
	})

	got := drainEvents(events)
	if len(got) != 1 {
		t.Fatalf("期望 1 条最优价事件, 实际 %d", len(got))
	}
	ev, ok := got[0].(*types.BestPriceChangedEvent)
	if !ok {
		t.Fatalf("期望 BestPriceChangedEvent, 实际 %T", got[0])
	}
	if !ev.Price.Bid.Equal(decimal.RequireFromString("1.0990")) || !ev.Price.Ask.Equal(decimal.RequireFromString("1.1000")) {
		t.Errorf("期望 bid 1.0990 / ask 1.1000, 实际 %s / %s", ev.Price.Bid, ev.Price.Ask)
	}

	// 最优价未变的批次不发事件
	engine.SetOrders(&SetOrdersModel{
		MarketMakerID: "MM1",
		OrdersToAdd:   []*orderbook.LimitOrder{limit("s3", types.DirectionSell, "5", "1.1010")},
	})
	if got := drainEvents(events); len(got) != 0 {
		t.Errorf("最优价未变时不应发事件, 实际 %d 条", len(got))
	}
}

func TestSetOrdersDeleteAll(t *testing.T) {
	events := make(chan types.Event, 16)
	engine := NewMarketMakerEngine("MM1", events, zap.NewNop())
	engine.SetOrders(&SetOrdersModel{
		MarketMakerID: "MM1",
		OrdersToAdd: []*orderbook.LimitOrder{
			limit("s1", types.DirectionSell, "5", "1.1000"),
			limit("b1", types.DirectionBuy, "5", "1.0990"),
		},
	})
	drainEvents(events)

	// 先删后加: 同一批内清空卖侧并下发新卖价
	engine.SetOrders(&SetOrdersModel{
		MarketMakerID: "MM1",
		DeleteAllSell: true,
		OrdersToAdd:   []*orderbook.LimitOrder{limit("s2", types.DirectionSell, "5", "1.1020")},
	})

	snap := engine.GetOrderBookSnapshot("EURUSD", 10)
	if len(snap.Sell) != 1 || !snap.Sell[0].Price.Equal(decimal.RequireFromString("1.1020")) {
		t.Errorf("期望卖盘仅剩 1.1020, 实际 %+v", snap.Sell)
	}
	if len(snap.Buy) != 1 {
		t.Errorf("买侧不应被清空, 实际 %d 档", len(snap.Buy))
	}
	if got := drainEvents(events); len(got) != 1 {
		t.Errorf("期望 1 条最优价事件, 实际 %d", len(got))
	}
}

func TestMatchOrderPaused(t *testing.T) {
	engine := NewMarketMakerEngine("MM1", nil, zap.NewNop())
	engine.SetOrders(&SetOrdersModel{
		MarketMakerID: "MM1",
		OrdersToAdd:   []*orderbook.LimitOrder{limit("s1", types.DirectionSell, "5", "1.1000")},
	})

	engine.Pause()
	_, err := engine.MatchOrder(context.Background(), marketOrder("1"), types.DirectionBuy, decimal.RequireFromString("1"))
	if err != ErrTradingDisabled {
		t.Errorf("暂停时期望 ErrTradingDisabled, 实际 %v", err)
	}

	engine.Resume()
	matched, err := engine.MatchOrder(context.Background(), marketOrder("1"), types.DirectionBuy, decimal.RequireFromString("1"))
	if err != nil || matched.Len() != 1 {
		t.Errorf("恢复后应可撮合, err=%v matched=%d", err, matched.Len())
	}
}

func TestMatchOrderUnknownInstrument(t *testing.T) {
	engine := NewMarketMakerEngine("MM1", nil, zap.NewNop())

	// 无订单簿的品种: 空成交, 非错误
	matched, err := engine.MatchOrder(context.Background(), marketOrder("1"), types.DirectionBuy, decimal.RequireFromString("1"))
	if err != nil {
		t.Fatalf("期望无错误, 实际 %v", err)
	}
	if !matched.IsEmpty() {
		t.Errorf("期望空成交, 实际 %d 笔", matched.Len())
	}
}

func TestGetPriceForCloseReadOnly(t *testing.T) {
	engine := NewMarketMakerEngine("MM1", nil, zap.NewNop())
	engine.SetOrders(&SetOrdersModel{
		MarketMakerID: "MM1",
		OrdersToAdd:   []*orderbook.LimitOrder{limit("b1", types.DirectionBuy, "5", "1.0990")},
	})

	price, ok := engine.GetPriceForClose(context.Background(), "EURUSD", types.DirectionSell, decimal.RequireFromString("3"))
	if !ok || !price.Equal(decimal.RequireFromString("1.0990")) {
		t.Errorf("期望平仓价 1.0990, 实际 %s (ok=%v)", price, ok)
	}

	// 计算不消耗流动性
	snap := engine.GetOrderBookSnapshot("EURUSD", 10)
	if !snap.Buy[0].Volume.Equal(decimal.RequireFromString("5")) {
		t.Errorf("平仓询价不应消耗流动性, 实际 %s", snap.Buy[0].Volume)
	}

	if _, ok := engine.GetPriceForClose(context.Background(), "BTCUSD", types.DirectionSell, decimal.RequireFromString("1")); ok {
		t.Error("未知品种应返回 ok=false")
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	mm := NewMarketMakerEngine("MM1", nil, zap.NewNop())
	registry.Register(mm)
	registry.SetDefault(types.MatchingModeMarketMaker, "MM1")

	if engine, ok := registry.Get("MM1"); !ok || engine.ID() != "MM1" {
		t.Error("按ID未找到已注册引擎")
	}
	if _, ok := registry.Get("ghost"); ok {
		t.Error("不应找到未注册引擎")
	}
	if engine, ok := registry.GetDefault(types.MatchingModeMarketMaker); !ok || engine.ID() != "MM1" {
		t.Error("模式默认引擎解析失败")
	}
	if _, ok := registry.GetDefault(types.MatchingModeStp); ok {
		t.Error("未设置默认的模式应返回 ok=false")
	}
}

func TestRejectEngine(t *testing.T) {
	engine := NewRejectEngine("RISK_OFF")

	matched, err := engine.MatchOrder(context.Background(), marketOrder("5"), types.DirectionBuy, decimal.RequireFromString("5"))
	if err != nil || !matched.IsEmpty() {
		t.Error("拒绝引擎应返回空成交且无错误")
	}
	if _, ok := engine.GetPriceForClose(context.Background(), "EURUSD", types.DirectionSell, decimal.RequireFromString("1")); ok {
		t.Error("拒绝引擎不应给出平仓价")
	}
}

// 队列满时最优价事件丢弃计数, 发布方不阻塞
func TestBestPriceOverflowDoesNotBlock(t *testing.T) {
	events := make(chan types.Event, 1)
	engine := NewMarketMakerEngine("MM1", events, zap.NewNop())

	btc := limit("b1", types.DirectionBuy, "1", "60000")
	btc.Instrument = "BTCUSD"
	err := engine.SetOrders(&SetOrdersModel{
		MarketMakerID: "MM1",
		OrdersToAdd: []*orderbook.LimitOrder{
			limit("s1", types.DirectionSell, "5", "1.1000"),
			btc,
		},
	})
	if err != nil {
		t.Fatalf("SetOrders 失败: %v", err)
	}

	// 两个品种各产生一条最优价变更, 容量 1 只容得下第一条
	if got := len(events); got != 1 {
		t.Errorf("期望队列中 1 条事件, 实际 %d", got)
	}
	if got := engine.DroppedEvents(); got != 1 {
		t.Errorf("期望丢弃计数 1, 实际 %d", got)
	}
}
