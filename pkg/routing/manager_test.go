package routing

import (
	"context"
	"errors"
	"testing"

	"margin-core/pkg/types"

	"go.uber.org/zap"
)

func newTestManager(store RouteStore, events chan types.Event) *RoutesManager {
	return NewRoutesManager(store, staticRefData{}, staticRefData{}, staticRefData{}, events, zap.NewNop())
}

func TestNormalizeOnInsert(t *testing.T) {
	store := newMemRouteStore()
	manager := newTestManager(store, nil)

	route := &types.MatchingEngineRoute{Rank: 1, MatchingEngineID: "MM1"}
	if err := manager.AddOrReplace(context.Background(), route); err != nil {
		t.Fatalf("AddOrReplace 失败: %v", err)
	}

	// 未提供的维度落通配符, 从不落空串
	if route.RouteID == "" {
		t.Error("RouteID 应自动生成")
	}
	if route.ClientID != types.RouteWildcard || route.TradingConditionID != types.RouteWildcard ||
		route.Instrument != types.RouteWildcard || route.Asset != types.RouteWildcard {
		t.Errorf("未提供维度应为通配符, 实际 %+v", route)
	}
	if route.Direction != types.DirectionAny {
		t.Errorf("方向零值即通配, 实际 %v", route.Direction)
	}

	// 写穿存储
	if _, ok := store.routes[route.RouteID]; !ok {
		t.Error("路由应持久化到存储")
	}
}

func TestValidateRejects(t *testing.T) {
	manager := newTestManager(newMemRouteStore(), nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		route *types.MatchingEngineRoute
		field string
	}{
		{"引擎ID为空", &types.MatchingEngineRoute{Rank: 1}, "matching_engine_id"},
		{"客户无账户", &types.MatchingEngineRoute{Rank: 1, ClientID: "ghost", MatchingEngineID: "MM1"}, "client_id"},
		{"交易条件不存在", &types.MatchingEngineRoute{Rank: 1, TradingConditionID: "tc-ghost", MatchingEngineID: "MM1"}, "trading_condition_id"},
		{"品种不存在", &types.MatchingEngineRoute{Rank: 1, Instrument: "XAUUSD", MatchingEngineID: "MM1"}, "instrument"},
	}

	for _, tc := range cases {
		err := manager.AddOrReplace(ctx, tc.route)
		if err == nil {
			t.Errorf("%s: 期望校验失败", tc.name)
			continue
		}
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != tc.field {
			t.Errorf("%s: 期望字段 %q, 实际 %v", tc.name, tc.field, err)
		}
	}

	// 校验失败不改任何状态
	if len(manager.GetAll()) != 0 {
		t.Error("校验失败不应写入缓存")
	}
}

func TestDeleteRoute(t *testing.T) {
	store := newMemRouteStore()
	manager := newTestManager(store, nil)
	ctx := context.Background()

	route := &types.MatchingEngineRoute{RouteID: "r1", Rank: 1, MatchingEngineID: "MM1"}
	manager.AddOrReplace(ctx, route)

	if err := manager.DeleteRoute(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRoute 失败: %v", err)
	}
	if _, ok := manager.GetRoute("r1"); ok {
		t.Error("删除后缓存中不应存在")
	}
	if _, ok := store.routes["r1"]; ok {
		t.Error("删除应写穿存储")
	}

	// 删除不存在的路由返回校验错误
	var verr *ValidationError
	if err := manager.DeleteRoute(ctx, "missing"); !errors.As(err, &verr) {
		t.Errorf("期望校验错误, 实际 %v", err)
	}
}

func TestInitLoadsFromStore(t *testing.T) {
	store := newMemRouteStore()
	store.routes["r1"] = &types.MatchingEngineRoute{RouteID: "r1", Rank: 1, MatchingEngineID: "MM1"}
	store.routes["r2"] = &types.MatchingEngineRoute{RouteID: "r2", Rank: 2, MatchingEngineID: "MM2"}

	manager := newTestManager(store, nil)
	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("Init 失败: %v", err)
	}

	all := manager.GetAll()
	if len(all) != 2 {
		t.Fatalf("期望加载 2 条, 实际 %d", len(all))
	}
	// GetAll 按 RouteID 排序
	if all[0].RouteID != "r1" || all[1].RouteID != "r2" {
		t.Errorf("期望排序 [r1 r2], 实际 [%s %s]", all[0].RouteID, all[1].RouteID)
	}
}

func TestRouteChangeEvents(t *testing.T) {
	events := make(chan types.Event, 4)
	manager := newTestManager(newMemRouteStore(), events)
	ctx := context.Background()

	route := &types.MatchingEngineRoute{RouteID: "r1", Rank: 1, MatchingEngineID: "MM1"}
	manager.AddOrReplace(ctx, route)
	manager.DeleteRoute(ctx, "r1")

	upsert, ok := (<-events).(*types.RouteChangedEvent)
	if !ok || upsert.Action != "UPSERT" {
		t.Fatalf("期望 UPSERT 事件, 实际 %+v", upsert)
	}
	deleted, ok := (<-events).(*types.RouteChangedEvent)
	if !ok || deleted.Action != "DELETE" {
		t.Fatalf("期望 DELETE 事件, 实际 %+v", deleted)
	}
	// 事件携带副本, 不共享缓存内的规则
	if deleted.Route == route {
		t.Error("事件应携带路由副本")
	}
}
