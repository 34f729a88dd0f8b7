package matching

import (
	"context"
	"time"

	"margin-core/pkg/types"

	"github.com/shopspring/decimal"
)

// SpecialLiquidationEngineID 特殊清算引擎的固定ID
const SpecialLiquidationEngineID = "SPECIAL_LIQUIDATION"

// SpecialLiquidationEngine 单次清算引擎。
// 每次清算事件构造一个值, 携带固定的成交价/提供方/外部执行ID三元组,
// 永远按该固定价全量成交。不入池复用。
type SpecialLiquidationEngine struct {
	price           decimal.Decimal
	providerID      string
	externalOrderID string
}

// NewSpecialLiquidationEngine 以固定三元组构造单次清算引擎
func NewSpecialLiquidationEngine(price decimal.Decimal, providerID, externalOrderID string) *SpecialLiquidationEngine {
	return &SpecialLiquidationEngine{
		price:           price,
		providerID:      providerID,
		externalOrderID: externalOrderID,
	}
}

// ID 引擎ID
func (e *SpecialLiquidationEngine) ID() string {
	return SpecialLiquidationEngineID
}

// Mode 撮合模式
func (e *SpecialLiquidationEngine) Mode() types.MatchingMode {
	return types.MatchingModeStp
}

// MatchOrder 按固定价全量成交
func (e *SpecialLiquidationEngine) MatchOrder(ctx context.Context, order *types.Order, direction types.OrderDirection, volume decimal.Decimal) (*types.MatchedOrderCollection, error) {
	order.ExternalOrderID = e.externalOrderID
	order.ExternalProviderID = e.providerID
	return types.NewMatchedOrderCollection(&types.MatchedOrder{
		CounterpartyID: e.providerID,
		Volume:         volume,
		Price:          e.price,
		MatchedAt:      time.Now().UnixNano(),
		IsExternal:     true,
	}), nil
}

// GetPriceForClose 固定价
func (e *SpecialLiquidationEngine) GetPriceForClose(ctx context.Context, instrument string, closeDirection types.OrderDirection, volume decimal.Decimal) (decimal.Decimal, bool) {
	return e.price, true
}
