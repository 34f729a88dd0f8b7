package types

import "github.com/shopspring/decimal"

// AssetPair 资产对参考数据
type AssetPair struct {
	ID            string          `json:"id"`             // 品种ID (EURUSD)
	BaseAssetID   string          `json:"base_asset_id"`  // 基础资产 (EUR)
	QuoteAssetID  string          `json:"quote_asset_id"` // 计价资产 (USD)
	LegalEntity   string          `json:"legal_entity"`   // 法律实体
	Accuracy      int32           `json:"accuracy"`       // 价格精度
	TickSize      decimal.Decimal `json:"tick_size"`      // 最小价格变动
	StpMarkup     decimal.Decimal `json:"stp_markup"`     // STP 点差加价
	TradingStatus int8            `json:"trading_status"` // 1:可交易 2:暂停
}

// ContainsAsset 资产是否为该品种的任一边
func (p *AssetPair) ContainsAsset(asset string) bool {
	return p.BaseAssetID == asset || p.QuoteAssetID == asset
}
