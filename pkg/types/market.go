package types

import "github.com/shopspring/decimal"

// BestPrice 某品种的盘口最优价
type BestPrice struct {
	Instrument string          `json:"instrument"` // 品种
	Bid        decimal.Decimal `json:"bid"`        // 最优买价
	Ask        decimal.Decimal `json:"ask"`        // 最优卖价
	Timestamp  int64           `json:"timestamp"`  // 时间戳(纳秒)
}

// BookLevel 订单簿档位
type BookLevel struct {
	Price  decimal.Decimal `json:"price"`  // 价格
	Volume decimal.Decimal `json:"volume"` // 档位总量
	Count  int             `json:"count"`  // 档位内挂单笔数
}

// OrderBookSnapshot 订单簿快照
type OrderBookSnapshot struct {
	EngineID   string       `json:"engine_id"`  // 所属撮合引擎
	Instrument string       `json:"instrument"` // 品种
	Buy        []*BookLevel `json:"buy"`        // 买盘(价格降序)
	Sell       []*BookLevel `json:"sell"`       // 卖盘(价格升序)
	Timestamp  int64        `json:"timestamp"`  // 时间戳(纳秒)
}

// BestBid 快照最优买价
func (s *OrderBookSnapshot) BestBid() (decimal.Decimal, bool) {
	if len(s.Buy) == 0 {
		return decimal.Zero, false
	}
	return s.Buy[0].Price, true
}

// BestAsk 快照最优卖价
func (s *OrderBookSnapshot) BestAsk() (decimal.Decimal, bool) {
	if len(s.Sell) == 0 {
		return decimal.Zero, false
	}
	return s.Sell[0].Price, true
}
