package routing

import "margin-core/pkg/types"

// Dimension 路由维度
type Dimension int8

const (
	DimensionClient Dimension = iota
	DimensionTradingCondition
	DimensionDirection
	DimensionInstrument
	DimensionAsset
)

func (d Dimension) String() string {
	switch d {
	case DimensionClient:
		return "client"
	case DimensionTradingCondition:
		return "trading_condition"
	case DimensionDirection:
		return "direction"
	case DimensionInstrument:
		return "instrument"
	case DimensionAsset:
		return "asset"
	default:
		return "unknown"
	}
}

// priorityWeights 并列打破用的维度权重表:
// client > tradingCondition > direction > instrument > asset。
// 仅非通配维度计入得分。
var priorityWeights = map[Dimension]int{
	DimensionClient:           32,
	DimensionTradingCondition: 16,
	DimensionDirection:        8,
	DimensionInstrument:       4,
	DimensionAsset:            1,
}

// priorityScore 路由规则的加权优先级得分
func priorityScore(route *types.MatchingEngineRoute) int {
	score := 0
	if route.ClientID != types.RouteWildcard {
		score += priorityWeights[DimensionClient]
	}
	if route.TradingConditionID != types.RouteWildcard {
		score += priorityWeights[DimensionTradingCondition]
	}
	if route.Direction != types.DirectionAny {
		score += priorityWeights[DimensionDirection]
	}
	if route.Instrument != types.RouteWildcard {
		score += priorityWeights[DimensionInstrument]
	}
	if route.Asset != types.RouteWildcard {
		score += priorityWeights[DimensionAsset]
	}
	return score
}
