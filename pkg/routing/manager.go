package routing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"margin-core/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RouteStore 路由表持久化能力: 启动时全量加载, 变更通过同一管理器写穿。
type RouteStore interface {
	LoadAll(ctx context.Context) ([]*types.MatchingEngineRoute, error)
	Upsert(ctx context.Context, route *types.MatchingEngineRoute) error
	Delete(ctx context.Context, routeID string) error
}

// AccountsProvider 账户存在性检查能力
type AccountsProvider interface {
	ClientHasAccounts(clientID string) bool
}

// TradingConditionsProvider 交易条件存在性检查能力
type TradingConditionsProvider interface {
	TradingConditionExists(id string) bool
}

// InstrumentsProvider 品种存在性检查能力
type InstrumentsProvider interface {
	Exists(id string) bool
}

// RoutesManager 路由表管理器。
// 读多写少: 内存缓存用读写锁保护, 每次变更/重建整体替换底层 map,
// 读者不会观察到半生效的路由表。
type RoutesManager struct {
	store      RouteStore
	accounts   AccountsProvider
	conditions TradingConditionsProvider
	pairs      InstrumentsProvider
	cache      map[string]*types.MatchingEngineRoute
	mu         sync.RWMutex
	events     chan<- types.Event
	logger     *zap.Logger
}

// NewRoutesManager 创建路由表管理器
func NewRoutesManager(store RouteStore, accounts AccountsProvider, conditions TradingConditionsProvider,
	pairs InstrumentsProvider, events chan<- types.Event, logger *zap.Logger) *RoutesManager {
	return &RoutesManager{
		store:      store,
		accounts:   accounts,
		conditions: conditions,
		pairs:      pairs,
		cache:      make(map[string]*types.MatchingEngineRoute),
		events:     events,
		logger:     logger,
	}
}

// Init 从存储全量加载路由表并原子替换缓存
func (m *RoutesManager) Init(ctx context.Context) error {
	routes, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	next := make(map[string]*types.MatchingEngineRoute, len(routes))
	for _, route := range routes {
		next[route.RouteID] = route
	}
	m.mu.Lock()
	m.cache = next
	m.mu.Unlock()

	m.logger.Info("routes cache initialized", zap.Int("count", len(routes)))
	return nil
}

// GetAll 路由表快照, 按 RouteID 排序保证遍历顺序确定
func (m *RoutesManager) GetAll() []*types.MatchingEngineRoute {
	m.mu.RLock()
	routes := make([]*types.MatchingEngineRoute, 0, len(m.cache))
	for _, route := range m.cache {
		routes = append(routes, route)
	}
	m.mu.RUnlock()

	sort.Slice(routes, func(i, j int) bool {
		return routes[i].RouteID < routes[j].RouteID
	})
	return routes
}

// GetRoute 按ID获取
func (m *RoutesManager) GetRoute(routeID string) (*types.MatchingEngineRoute, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	route, ok := m.cache[routeID]
	return route, ok
}

// normalize 未提供的维度持久化为通配符, 从不落空串
func normalize(route *types.MatchingEngineRoute) {
	if route.RouteID == "" {
		route.RouteID = uuid.New().String()
	}
	if route.ClientID == "" {
		route.ClientID = types.RouteWildcard
	}
	if route.TradingConditionID == "" {
		route.TradingConditionID = types.RouteWildcard
	}
	if route.Instrument == "" {
		route.Instrument = types.RouteWildcard
	}
	if route.Asset == "" {
		route.Asset = types.RouteWildcard
	}
}

// validate 插入前校验各维度引用的实体存在
func (m *RoutesManager) validate(route *types.MatchingEngineRoute) error {
	if route.MatchingEngineID == "" {
		return newValidationError("matching_engine_id", "must not be empty")
	}
	if route.ClientID != types.RouteWildcard && !m.accounts.ClientHasAccounts(route.ClientID) {
		return newValidationError("client_id", fmt.Sprintf("client %s owns no accounts", route.ClientID))
	}
	if route.TradingConditionID != types.RouteWildcard && !m.conditions.TradingConditionExists(route.TradingConditionID) {
		return newValidationError("trading_condition_id", fmt.Sprintf("trading condition %s does not exist", route.TradingConditionID))
	}
	if route.Instrument != types.RouteWildcard && !m.pairs.Exists(route.Instrument) {
		return newValidationError("instrument", fmt.Sprintf("instrument %s does not exist", route.Instrument))
	}
	return nil
}

// AddOrReplace 校验并写入一条路由规则(写穿存储, 再替换缓存)
func (m *RoutesManager) AddOrReplace(ctx context.Context, route *types.MatchingEngineRoute) error {
	normalize(route)
	if err := m.validate(route); err != nil {
		return err
	}
	if err := m.store.Upsert(ctx, route); err != nil {
		return fmt.Errorf("persist route %s: %w", route.RouteID, err)
	}

	m.mu.Lock()
	next := make(map[string]*types.MatchingEngineRoute, len(m.cache)+1)
	for id, existing := range m.cache {
		next[id] = existing
	}
	next[route.RouteID] = route
	m.cache = next
	m.mu.Unlock()

	m.publishChange("UPSERT", route)
	m.logger.Info("route upserted",
		zap.String("route_id", route.RouteID),
		zap.Int("rank", route.Rank),
		zap.String("matching_engine_id", route.MatchingEngineID))
	return nil
}

// DeleteRoute 删除路由规则
func (m *RoutesManager) DeleteRoute(ctx context.Context, routeID string) error {
	m.mu.RLock()
	route, ok := m.cache[routeID]
	m.mu.RUnlock()
	if !ok {
		return newValidationError("route_id", fmt.Sprintf("route %s does not exist", routeID))
	}

	if err := m.store.Delete(ctx, routeID); err != nil {
		return fmt.Errorf("delete route %s: %w", routeID, err)
	}

	m.mu.Lock()
	next := make(map[string]*types.MatchingEngineRoute, len(m.cache))
	for id, existing := range m.cache {
		if id != routeID {
			next[id] = existing
		}
	}
	m.cache = next
	m.mu.Unlock()

	m.publishChange("DELETE", route)
	m.logger.Info("route deleted", zap.String("route_id", routeID))
	return nil
}

func (m *RoutesManager) publishChange(action string, route *types.MatchingEngineRoute) {
	if m.events == nil {
		return
	}
	m.events <- &types.RouteChangedEvent{
		BaseEvent: types.BaseEvent{
			Type:       types.EventTypeRouteChanged,
			Instrument: route.Instrument,
			Timestamp:  time.Now().UnixNano(),
		},
		Action: action,
		Route:  route.Clone(),
	}
}
