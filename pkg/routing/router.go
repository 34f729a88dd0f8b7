package routing

import (
	"margin-core/pkg/types"
)

// RouteRequest 一次路由查询
type RouteRequest struct {
	ClientID           string
	TradingConditionID string
	Instrument         string
	Direction          types.OrderDirection
}

// AssetPairReader 资产对参考数据读取能力
type AssetPairReader interface {
	GetAssetPairByID(id string) (*types.AssetPair, bool)
}

// Router 撮合引擎路由器。
// 对固定的路由表与请求, FindRoute 是确定性的。
type Router struct {
	routes *RoutesManager
	assets AssetPairReader
}

// NewRouter 创建路由器
func NewRouter(routes *RoutesManager, assets AssetPairReader) *Router {
	return &Router{routes: routes, assets: assets}
}

// FindRoute 选出唯一适用的路由规则。
// 算法: 维度过滤 → 最小 rank 组 → 最高特异度 → 最高权重得分;
// 最终候选指向多个不同撮合引擎时判为歧义, 返回 nil(调用方回退默认引擎)。
func (r *Router) FindRoute(req *RouteRequest) *types.MatchingEngineRoute {
	pair, _ := r.assets.GetAssetPairByID(req.Instrument)

	var candidates []*types.MatchingEngineRoute
	for _, route := range r.routes.GetAll() {
		if r.matches(route, req, pair) {
			candidates = append(candidates, route)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	candidates = lowestRankGroup(candidates)
	candidates = highestSpecificityGroup(candidates)
	candidates = highestPriorityGroup(candidates)

	engineID := candidates[0].MatchingEngineID
	for _, route := range candidates[1:] {
		if route.MatchingEngineID != engineID {
			// 歧义不是异常: 无法裁决时视为无路由
			return nil
		}
	}
	return candidates[0]
}

// matches 单条规则是否覆盖该请求。
// asset 维度匹配品种的任一边; 当 asset 是计价腿时, 方向语义翻转
// (买入品种即卖出计价资产), 方向维度据此比较。
func (r *Router) matches(route *types.MatchingEngineRoute, req *RouteRequest, pair *types.AssetPair) bool {
	if route.ClientID != types.RouteWildcard && route.ClientID != req.ClientID {
		return false
	}
	if route.TradingConditionID != types.RouteWildcard && route.TradingConditionID != req.TradingConditionID {
		return false
	}
	if route.Instrument != types.RouteWildcard && route.Instrument != req.Instrument {
		return false
	}

	effectiveDirection := req.Direction
	if route.Asset != types.RouteWildcard {
		if pair == nil || !pair.ContainsAsset(route.Asset) {
			return false
		}
		if route.Asset == pair.QuoteAssetID {
			effectiveDirection = req.Direction.Opposite()
		}
	}
	if route.Direction != types.DirectionAny && route.Direction != effectiveDirection {
		return false
	}
	return true
}

// lowestRankGroup 取最小 rank 组(rank 小者优先)
func lowestRankGroup(routes []*types.MatchingEngineRoute) []*types.MatchingEngineRoute {
	minRank := routes[0].Rank
	for _, route := range routes[1:] {
		if route.Rank < minRank {
			minRank = route.Rank
		}
	}
	group := routes[:0:0]
	for _, route := range routes {
		if route.Rank == minRank {
			group = append(group, route)
		}
	}
	return group
}

// highestSpecificityGroup 取非通配维度最多的子集
func highestSpecificityGroup(routes []*types.MatchingEngineRoute) []*types.MatchingEngineRoute {
	maxSpecificity := routes[0].Specificity()
	for _, route := range routes[1:] {
		if s := route.Specificity(); s > maxSpecificity {
			maxSpecificity = s
		}
	}
	group := routes[:0:0]
	for _, route := range routes {
		if route.Specificity() == maxSpecificity {
			group = append(group, route)
		}
	}
	return group
}

// highestPriorityGroup 取权重得分最高的子集
func highestPriorityGroup(routes []*types.MatchingEngineRoute) []*types.MatchingEngineRoute {
	maxScore := priorityScore(routes[0])
	for _, route := range routes[1:] {
		if s := priorityScore(route); s > maxScore {
			maxScore = s
		}
	}
	group := routes[:0:0]
	for _, route := range routes {
		if priorityScore(route) == maxScore {
			group = append(group, route)
		}
	}
	return group
}
