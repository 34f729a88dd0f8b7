package matching

import (
	"context"
	"errors"
	"sync"

	"margin-core/pkg/types"

	"github.com/shopspring/decimal"
)

var (
	ErrTradingDisabled = errors.New("matching engine is paused")
	ErrEngineNotFound  = errors.New("matching engine not found")
)

// MatchingEngine 撮合引擎统一契约。
// MatchOrder 按 direction 消耗流动性, 最多 volume(绝对值), 返回成交分片集合;
// 允许部分成交, 是否接受由调用方决定。拒绝是业务结果, 记录在订单上而不是 error。
type MatchingEngine interface {
	ID() string
	Mode() types.MatchingMode
	MatchOrder(ctx context.Context, order *types.Order, direction types.OrderDirection, volume decimal.Decimal) (*types.MatchedOrderCollection, error)
	GetPriceForClose(ctx context.Context, instrument string, closeDirection types.OrderDirection, volume decimal.Decimal) (decimal.Decimal, bool)
}

// Registry 撮合引擎注册表
type Registry struct {
	engines  map[string]MatchingEngine
	defaults map[types.MatchingMode]string
	mu       sync.RWMutex
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		engines:  make(map[string]MatchingEngine),
		defaults: make(map[types.MatchingMode]string),
	}
}

// Register 注册引擎
func (r *Registry) Register(engine MatchingEngine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[engine.ID()] = engine
}

// SetDefault 设置某撮合模式的默认引擎
func (r *Registry) SetDefault(mode types.MatchingMode, engineID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[mode] = engineID
}

// Get 按ID获取引擎
func (r *Registry) Get(engineID string) (MatchingEngine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engine, ok := r.engines[engineID]
	return engine, ok
}

// GetDefault 获取某模式的默认引擎
func (r *Registry) GetDefault(mode types.MatchingMode) (MatchingEngine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.defaults[mode]
	if !ok {
		return nil, false
	}
	engine, ok := r.engines[id]
	return engine, ok
}

// List 列出全部引擎ID
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	return ids
}
