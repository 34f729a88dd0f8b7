package matching

import (
	"context"

	"margin-core/pkg/types"

	"github.com/shopspring/decimal"
)

// RejectEngine 空对象引擎: 永远返回空成交与无平仓价。
// 路由命中它即确定性地阻断交易("risk off")。
type RejectEngine struct {
	id string
}

// NewRejectEngine 创建拒绝引擎
func NewRejectEngine(id string) *RejectEngine {
	return &RejectEngine{id: id}
}

// ID 引擎ID
func (e *RejectEngine) ID() string {
	return e.id
}

// Mode 撮合模式
func (e *RejectEngine) Mode() types.MatchingMode {
	return types.MatchingModeMarketMaker
}

// MatchOrder 永远空成交
func (e *RejectEngine) MatchOrder(ctx context.Context, order *types.Order, direction types.OrderDirection, volume decimal.Decimal) (*types.MatchedOrderCollection, error) {
	return types.NewMatchedOrderCollection(), nil
}

// GetPriceForClose 永远无价
func (e *RejectEngine) GetPriceForClose(ctx context.Context, instrument string, closeDirection types.OrderDirection, volume decimal.Decimal) (decimal.Decimal, bool) {
	return decimal.Zero, false
}
