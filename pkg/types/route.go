package types

// RouteWildcard 路由维度通配符。未指定的维度持久化为该值, 从不落空串。
const RouteWildcard = "*"

// DirectionAny 路由方向维度的通配值
const DirectionAny OrderDirection = 0

// MatchingEngineRoute 撮合引擎路由规则
// rank 越小优先级越高; 维度取 RouteWildcard 表示匹配任意值。
type MatchingEngineRoute struct {
	RouteID            string         `json:"route_id"`             // 规则ID
	Rank               int            `json:"rank"`                 // 优先级组(小者优先)
	ClientID           string         `json:"client_id"`            // 客户ID或通配
	TradingConditionID string         `json:"trading_condition_id"` // 交易条件ID或通配
	Instrument         string         `json:"instrument"`           // 品种ID或通配
	Asset              string         `json:"asset"`                // 资产ID或通配(匹配品种任一边)
	Direction          OrderDirection `json:"direction"`            // 方向, DirectionAny 表示通配
	MatchingEngineID   string         `json:"matching_engine_id"`   // 目标撮合引擎ID
}

// Specificity 非通配维度个数
func (r *MatchingEngineRoute) Specificity() int {
	count := 0
	if r.ClientID != RouteWildcard {
		count++
	}
	if r.TradingConditionID != RouteWildcard {
		count++
	}
	if r.Instrument != RouteWildcard {
		count++
	}
	if r.Asset != RouteWildcard {
		count++
	}
	if r.Direction != DirectionAny {
		count++
	}
	return count
}

// Clone 拷贝路由规则
func (r *MatchingEngineRoute) Clone() *MatchingEngineRoute {
	clone := *r
	return &clone
}
