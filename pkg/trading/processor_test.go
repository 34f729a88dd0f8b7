package trading

import (
	"context"
	"testing"

	"margin-core/pkg/matching"
	"margin-core/pkg/orderbook"
	"margin-core/pkg/position"
	"margin-core/pkg/routing"
	"margin-core/pkg/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// 测试替身: 内存路由存储
type memRouteStore struct {
	routes map[string]*types.MatchingEngineRoute
}

func (s *memRouteStore) LoadAll(_ context.Context) ([]*types.MatchingEngineRoute, error) {
	result := make([]*types.MatchingEngineRoute, 0, len(s.routes))
	for _, route := range s.routes {
		result = append(result, route)
	}
	return result, nil
}

func (s *memRouteStore) Upsert(_ context.Context, route *types.MatchingEngineRoute) error {
	s.routes[route.RouteID] = route
	return nil
}

func (s *memRouteStore) Delete(_ context.Context, routeID string) error {
	delete(s.routes, routeID)
	return nil
}

// 测试替身: 静态参考数据, 同时充当账户/交易条件/品种三种提供方
type refData struct{}

func (refData) ClientHasAccounts(clientID string) bool { return clientID == "client-1" }
func (refData) TradingConditionExists(id string) bool  { return id == "tc-1" }
func (refData) Exists(id string) bool                  { return id == "EURUSD" || id == "BTCUSD" }
func (r refData) GetAssetPairByID(id string) (*types.AssetPair, bool) {
	if !r.Exists(id) {
		return nil, false
	}
	return &types.AssetPair{ID: id, BaseAssetID: id[:3], QuoteAssetID: id[3:]}, true
}

type testRig struct {
	processor *Processor
	mm        *matching.MarketMakerEngine
	routes    *routing.RoutesManager
	events    chan types.Event
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	logger := zap.NewNop()
	events := make(chan types.Event, 256)

	store := &memRouteStore{routes: make(map[string]*types.MatchingEngineRoute)}
	routes := routing.NewRoutesManager(store, refData{}, refData{}, refData{}, nil, logger)
	router := routing.NewRouter(routes, refData{})

	registry := matching.NewRegistry()
	mm := matching.NewMarketMakerEngine("MM1", events, logger)
	registry.Register(mm)
	registry.SetDefault(types.MatchingModeMarketMaker, "MM1")

	keeper := position.NewKeeper(nil)
	processor := NewProcessor(router, registry, keeper, refData{}, events, logger)
	return &testRig{processor: processor, mm: mm, routes: routes, events: events}
}

// quote 在做市商簿上放置双边流动性
func (r *testRig) quote(t *testing.T, bidVolume, bid, askVolume, ask string) {
	t.Helper()
	model := &matching.SetOrdersModel{MarketMakerID: "MM1"}
	if bidVolume != "" {
		model.OrdersToAdd = append(model.OrdersToAdd, &orderbook.LimitOrder{
			OrderID:    "quote-bid-" + bid,
			Instrument: "EURUSD",
			Direction:  types.DirectionBuy,
			Volume:     decimal.RequireFromString(bidVolume),
			Price:      decimal.RequireFromString(bid),
		})
	}
	if askVolume != "" {
		model.OrdersToAdd = append(model.OrdersToAdd, &orderbook.LimitOrder{
			OrderID:    "quote-ask-" + ask,
			Instrument: "EURUSD",
			Direction:  types.DirectionSell,
			Volume:     decimal.RequireFromString(askVolume),
			Price:      decimal.RequireFromString(ask),
		})
	}
	if err := r.mm.SetOrders(model); err != nil {
		t.Fatalf("SetOrders 失败: %v", err)
	}
}

func (r *testRig) drain() []types.Event {
	var result []types.Event
	for {
		select {
		case ev := <-r.events:
			result = append(result, ev)
		default:
			return result
		}
	}
}

func marketBuy(volume string) *types.Order {
	return types.NewOrder("", "acc1", "client-1", "tc-1", "EURUSD",
		decimal.RequireFromString(volume), types.OrderTypeMarket, types.MatchingModeMarketMaker)
}

func TestPlaceOrderOpensPosition(t *testing.T) {
	rig := newTestRig(t)
	rig.quote(t, "10", "1.0990", "5", "1.1000")
	rig.quote(t, "", "", "10", "1.1005")
	rig.drain()

	order, err := rig.processor.PlaceOrder(context.Background(), marketBuy("8"))
	if err != nil {
		t.Fatalf("PlaceOrder 失败: %v", err)
	}

	if order.Status != types.OrderStatusActive {
		t.Fatalf("期望状态 ACTIVE, 实际 %s (%s)", order.Status, order.RejectDetails)
	}
	if order.OrderID == "" {
		t.Error("订单ID应自动生成")
	}
	// 加权开仓价 (5*1.1000 + 3*1.1005) / 8
	expected := decimal.RequireFromString("8.8015").Div(decimal.RequireFromString("8"))
	if !order.OpenPrice.Equal(expected) {
		t.Errorf("期望开仓价 %s, 实际 %s", expected, order.OpenPrice)
	}

	pos, ok := rig.processor.keeper.Get(order.ParentPositionID)
	if !ok {
		t.Fatal("应登记新仓位")
	}
	if !pos.Volume.Equal(decimal.RequireFromString("8")) || pos.Direction != types.DirectionBuy {
		t.Errorf("期望多头 8, 实际 %s %s", pos.Direction, pos.Volume)
	}
	if !pos.OpenPrice.Equal(expected) {
		t.Errorf("仓位开仓价应为订单加权价, 实际 %s", pos.OpenPrice)
	}

	// 事件: 成交分片 + 开仓 + 订单执行
	var trades, opened, executed int
	for _, ev := range rig.drain() {
		switch ev.(type) {
		case *types.TradeEvent:
			trades++
		case *types.PositionOpenedEvent:
			opened++
		case *types.OrderExecutedEvent:
			executed++
		}
	}
	if trades != 2 || opened != 1 || executed != 1 {
		t.Errorf("期望 2 成交/1 开仓/1 执行, 实际 %d/%d/%d", trades, opened, executed)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	rig := newTestRig(t)

	// 零量
	zero := types.NewOrder("", "acc1", "client-1", "tc-1", "EURUSD",
		decimal.Zero, types.OrderTypeMarket, types.MatchingModeMarketMaker)
	order, _ := rig.processor.PlaceOrder(context.Background(), zero)
	if order.RejectReason != types.RejectReasonInvalidVolume {
		t.Errorf("期望 INVALID_VOLUME, 实际 %s", order.RejectReason)
	}

	// 未知品种
	unknown := types.NewOrder("", "acc1", "client-1", "tc-1", "XAUUSD",
		decimal.RequireFromString("1"), types.OrderTypeMarket, types.MatchingModeMarketMaker)
	order, _ = rig.processor.PlaceOrder(context.Background(), unknown)
	if order.RejectReason != types.RejectReasonInvalidInstrument {
		t.Errorf("期望 INVALID_INSTRUMENT, 实际 %s", order.RejectReason)
	}
}

func TestPlaceOrderNoLiquidity(t *testing.T) {
	rig := newTestRig(t)
	rig.quote(t, "", "", "5", "1.1000")
	rig.drain()

	// 市场执行要求全量成交
	order, _ := rig.processor.PlaceOrder(context.Background(), marketBuy("8"))
	if order.Status != types.OrderStatusRejected || order.RejectReason != types.RejectReasonNoLiquidity {
		t.Errorf("期望 NO_LIQUIDITY 拒绝, 实际 %s / %s", order.Status, order.RejectReason)
	}
	if order.ParentPositionID != "" {
		t.Error("拒绝订单不应开仓")
	}
}

func TestNettingPartial(t *testing.T) {
	rig := newTestRig(t)
	rig.quote(t, "50", "1.0990", "50", "1.1000")
	rig.drain()

	// 先开空 5
	sell, _ := rig.processor.PlaceOrder(context.Background(), marketBuy("-5"))
	if sell.Status != types.OrderStatusActive {
		t.Fatalf("开空失败: %s", sell.RejectDetails)
	}
	shortID := sell.ParentPositionID

	// 买 8: 冲抵空头 5, 新开多头 3
	buy, _ := rig.processor.PlaceOrder(context.Background(), marketBuy("8"))
	if buy.Status != types.OrderStatusActive {
		t.Fatalf("买单失败: %s", buy.RejectDetails)
	}

	if _, ok := rig.processor.keeper.Get(shortID); ok {
		t.Error("空头应被净额冲抵平掉")
	}
	long, ok := rig.processor.keeper.Get(buy.ParentPositionID)
	if !ok {
		t.Fatal("应开新多头")
	}
	if !long.Volume.Equal(decimal.RequireFromString("3")) {
		t.Errorf("期望新仓量 3, 实际 %s", long.Volume)
	}
}

func TestNettingFullyAbsorbed(t *testing.T) {
	rig := newTestRig(t)
	rig.quote(t, "50", "1.0990", "50", "1.1000")
	rig.drain()

	buy, _ := rig.processor.PlaceOrder(context.Background(), marketBuy("8"))
	longID := buy.ParentPositionID

	// 卖 5: 多头部分平掉, 不开新仓, 订单完结
	sell, _ := rig.processor.PlaceOrder(context.Background(), marketBuy("-5"))
	if sell.Status != types.OrderStatusClosed {
		t.Errorf("全部被净额吸收的订单应为 CLOSED, 实际 %s", sell.Status)
	}
	if sell.ParentPositionID != "" {
		t.Error("净额吸收不应开新仓")
	}

	long, ok := rig.processor.keeper.Get(longID)
	if !ok {
		t.Fatal("多头应仍存在")
	}
	if !long.Volume.Equal(decimal.RequireFromString("3")) {
		t.Errorf("期望多头剩余 3, 实际 %s", long.Volume)
	}
	if long.Status != position.StatusActive {
		t.Errorf("部分平仓后仓位仍为 ACTIVE, 实际 %s", long.Status)
	}
}

func TestOldestPositionNettedFirst(t *testing.T) {
	rig := newTestRig(t)
	rig.quote(t, "50", "1.0990", "50", "1.1000")
	rig.drain()

	first, _ := rig.processor.PlaceOrder(context.Background(), marketBuy("-2"))
	second, _ := rig.processor.PlaceOrder(context.Background(), marketBuy("-3"))
	// 先开的先被冲抵
	firstPos, _ := rig.processor.keeper.Get(first.ParentPositionID)
	secondPos, _ := rig.processor.keeper.Get(second.ParentPositionID)
	firstPos.OpenDate = 100
	secondPos.OpenDate = 200

	rig.processor.PlaceOrder(context.Background(), marketBuy("4"))

	if _, ok := rig.processor.keeper.Get(first.ParentPositionID); ok {
		t.Error("先开的空头应被全平")
	}
	remaining, ok := rig.processor.keeper.Get(second.ParentPositionID)
	if !ok {
		t.Fatal("后开的空头应保留")
	}
	if !remaining.Volume.Equal(decimal.RequireFromString("-1")) {
		t.Errorf("期望剩余 -1, 实际 %s", remaining.Volume)
	}
}

func TestClosePosition(t *testing.T) {
	rig := newTestRig(t)
	rig.quote(t, "50", "1.0990", "50", "1.1000")
	rig.drain()

	buy, _ := rig.processor.PlaceOrder(context.Background(), marketBuy("5"))
	pos, err := rig.processor.ClosePosition(context.Background(), buy.ParentPositionID,
		position.OriginatorInvestor, "manual close")
	if err != nil {
		t.Fatalf("ClosePosition 失败: %v", err)
	}

	if pos.Status != position.StatusClosed {
		t.Errorf("期望 CLOSED, 实际 %s", pos.Status)
	}
	if pos.CloseOriginator != position.OriginatorInvestor {
		t.Errorf("期望发起方 INVESTOR, 实际 %s", pos.CloseOriginator)
	}
	// 多头平仓吃买盘
	if !pos.Fpl.ClosePrice.Equal(decimal.RequireFromString("1.0990")) {
		t.Errorf("期望平仓价 1.0990, 实际 %s", pos.Fpl.ClosePrice)
	}
	if _, ok := rig.processor.keeper.Get(pos.PositionID); ok {
		t.Error("平掉的仓位应注销")
	}

	// 再次平仓
	if _, err := rig.processor.ClosePosition(context.Background(), pos.PositionID,
		position.OriginatorInvestor, "again"); err != position.ErrPositionNotFound {
		t.Errorf("期望 ErrPositionNotFound, 实际 %v", err)
	}
}

func TestClosePositionNoLiquidityReverts(t *testing.T) {
	rig := newTestRig(t)
	rig.quote(t, "2", "1.0990", "50", "1.1000")
	rig.drain()

	buy, _ := rig.processor.PlaceOrder(context.Background(), marketBuy("5"))
	pos, _ := rig.processor.keeper.Get(buy.ParentPositionID)

	// 买盘只剩 2, 平多 5 流动性不足
	_, err := rig.processor.ClosePosition(context.Background(), pos.PositionID,
		position.OriginatorInvestor, "manual close")
	if err != ErrNoCloseLiquidity {
		t.Fatalf("期望 ErrNoCloseLiquidity, 实际 %v", err)
	}
	// 失败回退: 仓位保持 Active, 发起方清空
	if pos.Status != position.StatusActive {
		t.Errorf("期望回退到 ACTIVE, 实际 %s", pos.Status)
	}
	if pos.CloseOriginator != position.OriginatorNone {
		t.Error("回退后发起方应清空")
	}
}

func TestClosePositionGroup(t *testing.T) {
	rig := newTestRig(t)
	rig.quote(t, "50", "1.0990", "50", "1.1000")
	rig.drain()

	rig.processor.PlaceOrder(context.Background(), marketBuy("2"))
	rig.processor.PlaceOrder(context.Background(), marketBuy("3"))

	closed := rig.processor.ClosePositionGroup(context.Background(), "EURUSD", "acc1",
		types.DirectionBuy, position.OriginatorOnBehalf, "risk off")
	if len(closed) != 2 {
		t.Fatalf("期望平掉 2 个仓位, 实际 %d", len(closed))
	}
	if len(rig.processor.keeper.GetByAccount("acc1")) != 0 {
		t.Error("组平仓后账户不应有剩余仓位")
	}
	for _, pos := range closed {
		if pos.CloseOriginator != position.OriginatorOnBehalf {
			t.Errorf("期望发起方 ON_BEHALF, 实际 %s", pos.CloseOriginator)
		}
	}
}

func TestLiquidatePosition(t *testing.T) {
	rig := newTestRig(t)
	rig.quote(t, "50", "1.0990", "50", "1.1000")
	rig.drain()

	buy, _ := rig.processor.PlaceOrder(context.Background(), marketBuy("5"))
	pos, err := rig.processor.LiquidatePosition(context.Background(), buy.ParentPositionID,
		decimal.RequireFromString("1.0900"), "LP-LIQ", "ext-liq-1")
	if err != nil {
		t.Fatalf("LiquidatePosition 失败: %v", err)
	}

	// 清算按固定价成交, 不走订单簿
	if !pos.Fpl.ClosePrice.Equal(decimal.RequireFromString("1.0900")) {
		t.Errorf("期望清算价 1.0900, 实际 %s", pos.Fpl.ClosePrice)
	}
	if pos.CloseEngineID != matching.SpecialLiquidationEngineID {
		t.Errorf("期望清算引擎ID, 实际 %s", pos.CloseEngineID)
	}
	if pos.CloseOriginator != position.OriginatorSystem {
		t.Errorf("期望发起方 SYSTEM, 实际 %s", pos.CloseOriginator)
	}
}

func TestRouteToRejectEngine(t *testing.T) {
	rig := newTestRig(t)
	rig.quote(t, "50", "1.0990", "50", "1.1000")
	rig.drain()

	// 路由命中拒绝引擎即确定性阻断交易
	reject := matching.NewRejectEngine("RISK_OFF")
	rig.processor.engines.Register(reject)
	if err := rig.routes.AddOrReplace(context.Background(), &types.MatchingEngineRoute{
		RouteID: "r-risk-off", Rank: 1, ClientID: "client-1", MatchingEngineID: "RISK_OFF",
	}); err != nil {
		t.Fatalf("AddOrReplace 失败: %v", err)
	}

	order, _ := rig.processor.PlaceOrder(context.Background(), marketBuy("1"))
	if order.Status != types.OrderStatusRejected || order.RejectReason != types.RejectReasonNoLiquidity {
		t.Errorf("期望 NO_LIQUIDITY 拒绝, 实际 %s / %s", order.Status, order.RejectReason)
	}
	if order.OpenEngineID != "RISK_OFF" {
		t.Errorf("订单应记录路由到的引擎, 实际 %s", order.OpenEngineID)
	}
}

func TestQueryRoute(t *testing.T) {
	rig := newTestRig(t)
	rig.routes.AddOrReplace(context.Background(), &types.MatchingEngineRoute{
		RouteID: "r1", Rank: 1, Instrument: "EURUSD", MatchingEngineID: "MM1",
	})

	route := rig.processor.QueryRoute("client-1", "tc-1", "EURUSD", types.DirectionBuy)
	if route == nil || route.RouteID != "r1" {
		t.Fatal("QueryRoute 未命中规则")
	}
	if rig.processor.QueryRoute("client-1", "tc-1", "BTCUSD", types.DirectionBuy) != nil {
		t.Error("不匹配的请求应返回 nil")
	}
}

// 事件循环的参考价刷新与同账户的净额交易并发执行, 写入经账户锁互斥
func TestClosePriceRefreshDuringNetting(t *testing.T) {
	rig := newTestRig(t)
	rig.quote(t, "100000", "1.0990", "100000", "1.1000")
	rig.drain()

	rig.processor.Start()
	defer rig.processor.Stop()

	buy, err := rig.processor.PlaceOrder(context.Background(), marketBuy("60"))
	if err != nil {
		t.Fatalf("开仓失败: %v", err)
	}
	longID := buy.ParentPositionID

	// 行情协程持续改动最优买价, 事件循环随之刷新该品种仓位的参考价
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			price := decimal.RequireFromString("1.0991").Add(decimal.New(int64(i%7), -4))
			rig.mm.SetOrders(&matching.SetOrdersModel{
				MarketMakerID: "MM1",
				OrdersToAdd: []*orderbook.LimitOrder{{
					OrderID:    "tick-bid",
					Instrument: "EURUSD",
					Direction:  types.DirectionBuy,
					Volume:     decimal.RequireFromString("50000"),
					Price:      price,
				}},
			})
		}
	}()

	// 同时逐笔净额冲抵多头
	for i := 0; i < 50; i++ {
		if _, err := rig.processor.PlaceOrder(context.Background(), marketBuy("-1")); err != nil {
			t.Fatalf("净额卖单失败: %v", err)
		}
	}
	<-done

	lock := rig.processor.lockAccount("acc1")
	defer lock.Unlock()
	long, ok := rig.processor.keeper.Get(longID)
	if !ok {
		t.Fatal("多头应仍存在")
	}
	if !long.Volume.Equal(decimal.RequireFromString("10")) {
		t.Errorf("期望多头剩余 10, 实际 %s", long.Volume)
	}
}

// 队列满时事件就地分发给订阅方, 生产者不阻塞也不丢事件
func TestPublishOverflowDeliversToSubscribers(t *testing.T) {
	logger := zap.NewNop()
	events := make(chan types.Event) // 无缓冲且无消费者

	store := &memRouteStore{routes: make(map[string]*types.MatchingEngineRoute)}
	routes := routing.NewRoutesManager(store, refData{}, refData{}, refData{}, nil, logger)
	router := routing.NewRouter(routes, refData{})
	registry := matching.NewRegistry()
	keeper := position.NewKeeper(nil)
	processor := NewProcessor(router, registry, keeper, refData{}, events, logger)

	var received []types.Event
	processor.Subscribe(func(ev types.Event) { received = append(received, ev) })

	processor.rejectOrder(marketBuy("0"), types.RejectReasonInvalidVolume, "order volume must be non-zero")

	if len(received) != 1 {
		t.Fatalf("期望旁路分发 1 条事件, 实际 %d", len(received))
	}
	if _, ok := received[0].(*types.OrderRejectedEvent); !ok {
		t.Errorf("期望 OrderRejectedEvent, 实际 %T", received[0])
	}
}
