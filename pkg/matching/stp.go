package matching

import (
	"context"
	"time"

	"margin-core/pkg/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LiquiditySource 外部流动性源报价(按价格优先排序后逐个尝试)
type LiquiditySource struct {
	ProviderID string          `json:"provider_id"`
	Price      decimal.Decimal `json:"price"`
}

// LiquiditySourceProvider 返回按价格从优到劣排序的流动性源列表
type LiquiditySourceProvider interface {
	GetSources(ctx context.Context, instrument string, direction types.OrderDirection, volume decimal.Decimal) []*LiquiditySource
}

// ExecutionRequest 外部场所执行请求
type ExecutionRequest struct {
	OrderID    string               `json:"order_id"`
	Instrument string               `json:"instrument"`
	Direction  types.OrderDirection `json:"direction"`
	Volume     decimal.Decimal      `json:"volume"`
	ProviderID string               `json:"provider_id"`
	Price      decimal.Decimal      `json:"price"`
}

// ExecutionReport 外部场所执行回报
type ExecutionReport struct {
	ExternalOrderID string          `json:"external_order_id"`
	ProviderID      string          `json:"provider_id"`
	Price           decimal.Decimal `json:"price"`
	Volume          decimal.Decimal `json:"volume"`
	Rejected        bool            `json:"rejected"`
	RejectReason    string          `json:"reject_reason,omitempty"`
}

// VenueClient 外部场所客户端。场所协议层保证 fill-or-kill 语义与超时,
// 本引擎只区分成功回报与失败(错误或拒绝)。
type VenueClient interface {
	ExecuteOrder(ctx context.Context, req *ExecutionRequest) (*ExecutionReport, error)
}

// AssetPairReader 资产对参考数据读取能力(跨资产加价用)
type AssetPairReader interface {
	GetAssetPairByID(id string) (*types.AssetPair, bool)
}

// StpEngine 直通外部场所的撮合引擎。
// 按价格顺序逐个流动性源重试; 全部失败时以 NoLiquidity 拒绝订单,
// 除非订单上已带外部订单/提供方ID(幂等重试保护: 先前尝试已经在外部成交)。
type StpEngine struct {
	id      string
	client  VenueClient
	sources LiquiditySourceProvider
	assets  AssetPairReader
	logger  *zap.Logger
}

// NewStpEngine 创建 STP 引擎
func NewStpEngine(id string, client VenueClient, sources LiquiditySourceProvider, assets AssetPairReader, logger *zap.Logger) *StpEngine {
	return &StpEngine{
		id:      id,
		client:  client,
		sources: sources,
		assets:  assets,
		logger:  logger,
	}
}

// ID 引擎ID
func (e *StpEngine) ID() string {
	return e.id
}

// Mode 撮合模式
func (e *StpEngine) Mode() types.MatchingMode {
	return types.MatchingModeStp
}

// markupPrice 按资产对配置对外部成交价加点
func (e *StpEngine) markupPrice(instrument string, direction types.OrderDirection, price decimal.Decimal) decimal.Decimal {
	if e.assets == nil {
		return price
	}
	pair, ok := e.assets.GetAssetPairByID(instrument)
	if !ok || pair.StpMarkup.IsZero() {
		return price
	}
	markup := price.Mul(pair.StpMarkup)
	if direction == types.DirectionBuy {
		return price.Add(markup)
	}
	return price.Sub(markup)
}

// MatchOrder 逐源尝试外部执行
func (e *StpEngine) MatchOrder(ctx context.Context, order *types.Order, direction types.OrderDirection, volume decimal.Decimal) (*types.MatchedOrderCollection, error) {
	sources := e.sources.GetSources(ctx, order.Instrument, direction, volume)

	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return types.NewMatchedOrderCollection(), err
		}

		report, err := e.client.ExecuteOrder(ctx, &ExecutionRequest{
			OrderID:    order.OrderID,
			Instrument: order.Instrument,
			Direction:  direction,
			Volume:     volume,
			ProviderID: source.ProviderID,
			Price:      source.Price,
		})
		if err != nil {
			// 单个流动性源失败不是致命错误, 记录后尝试下一个
			e.logger.Warn("external venue call failed",
				zap.String("engine_id", e.id),
				zap.String("order_id", order.OrderID),
				zap.String("provider_id", source.ProviderID),
				zap.Error(err))
			continue
		}
		if report.Rejected {
			e.logger.Warn("external venue rejected order",
				zap.String("engine_id", e.id),
				zap.String("order_id", order.OrderID),
				zap.String("provider_id", source.ProviderID),
				zap.String("reason", report.RejectReason))
			continue
		}

		order.ExternalOrderID = report.ExternalOrderID
		order.ExternalProviderID = report.ProviderID
		return types.NewMatchedOrderCollection(&types.MatchedOrder{
			CounterpartyID: report.ProviderID,
			Volume:         report.Volume,
			Price:          e.markupPrice(order.Instrument, direction, report.Price),
			MatchedAt:      time.Now().UnixNano(),
			IsExternal:     true,
		}), nil
	}

	// 所有源都失败。若订单已带外部ID, 说明先前尝试已经成交过,
	// 不能再以 NoLiquidity 覆盖其状态。
	if order.ExternalOrderID == "" && order.ExternalProviderID == "" {
		order.Reject(types.RejectReasonNoLiquidity, "all liquidity sources exhausted")
	}
	return types.NewMatchedOrderCollection(), nil
}

// GetPriceForClose 取最优流动性源的报价
func (e *StpEngine) GetPriceForClose(ctx context.Context, instrument string, closeDirection types.OrderDirection, volume decimal.Decimal) (decimal.Decimal, bool) {
	sources := e.sources.GetSources(ctx, instrument, closeDirection, volume)
	if len(sources) == 0 {
		return decimal.Zero, false
	}
	return e.markupPrice(instrument, closeDirection, sources[0].Price), true
}
