// Package routes 基于 pebble 的路由表持久化。
// 键为 route/<RouteID>, 值为路由规则的JSON编码。
package routes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"margin-core/pkg/types"
)

const keyPrefix = "route/"

// Store pebble 路由存储
type Store struct {
	db *pebble.DB
}

// Open 打开路由存储
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open route store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 关闭存储
func (s *Store) Close() error {
	return s.db.Close()
}

func keyFor(routeID string) []byte {
	return []byte(keyPrefix + routeID)
}

// LoadAll 全量加载路由表
func (s *Store) LoadAll(ctx context.Context) ([]*types.MatchingEngineRoute, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate routes: %w", err)
	}
	defer iter.Close()

	routes := make([]*types.MatchingEngineRoute, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var route types.MatchingEngineRoute
		if err := json.Unmarshal(iter.Value(), &route); err != nil {
			return nil, fmt.Errorf("decode route %s: %w", iter.Key(), err)
		}
		routes = append(routes, &route)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate routes: %w", err)
	}
	return routes, nil
}

// Upsert 写入或覆盖一条路由规则
func (s *Store) Upsert(ctx context.Context, route *types.MatchingEngineRoute) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("encode route %s: %w", route.RouteID, err)
	}
	return s.db.Set(keyFor(route.RouteID), value, pebble.Sync)
}

// Delete 删除一条路由规则
func (s *Store) Delete(ctx context.Context, routeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Delete(keyFor(routeID), pebble.Sync)
}
