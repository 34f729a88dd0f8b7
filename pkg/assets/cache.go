package assets

import (
	"sync"

	"margin-core/pkg/types"
)

// Cache 资产对参考数据缓存。
// 重建时整体替换底层 map, 读者不会观察到半重建状态; 读写锁允许并发读。
type Cache struct {
	pairs map[string]*types.AssetPair
	mu    sync.RWMutex
}

// NewCache 创建缓存
func NewCache() *Cache {
	return &Cache{pairs: make(map[string]*types.AssetPair)}
}

// InitPairsCache 用新集合原子替换缓存内容
func (c *Cache) InitPairsCache(pairs []*types.AssetPair) {
	next := make(map[string]*types.AssetPair, len(pairs))
	for _, pair := range pairs {
		next[pair.ID] = pair
	}
	c.mu.Lock()
	c.pairs = next
	c.mu.Unlock()
}

// GetAssetPairByID 按品种ID查找
func (c *Cache) GetAssetPairByID(id string) (*types.AssetPair, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pair, ok := c.pairs[id]
	return pair, ok
}

// FindAssetPair 按两腿资产与法律实体查找
func (c *Cache) FindAssetPair(baseAssetID, quoteAssetID, legalEntity string) (*types.AssetPair, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, pair := range c.pairs {
		if pair.BaseAssetID == baseAssetID && pair.QuoteAssetID == quoteAssetID && pair.LegalEntity == legalEntity {
			return pair, true
		}
	}
	return nil, false
}

// Exists 品种是否存在
func (c *Cache) Exists(id string) bool {
	_, ok := c.GetAssetPairByID(id)
	return ok
}

// All 返回全部资产对的副本切片
func (c *Cache) All() []*types.AssetPair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]*types.AssetPair, 0, len(c.pairs))
	for _, pair := range c.pairs {
		result = append(result, pair)
	}
	return result
}
