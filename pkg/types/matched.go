package types

import (
	"github.com/shopspring/decimal"
)

// MatchedOrder 单笔成交分片
type MatchedOrder struct {
	CounterpartyID string          `json:"counterparty_id"` // 对手方ID(做市商或外部提供方)
	Volume         decimal.Decimal `json:"volume"`          // 成交量(绝对值)
	Price          decimal.Decimal `json:"price"`           // 成交价
	MatchedAt      int64           `json:"matched_at"`      // 成交时间(纳秒)
	IsExternal     bool            `json:"is_external"`     // 是否为外部场所成交
}

// MatchedOrderCollection 一笔订单的成交分片集合
// 插入顺序即撮合顺序。SummaryVolume == Σ分片量。
type MatchedOrderCollection struct {
	Orders []*MatchedOrder `json:"orders"`
}

// NewMatchedOrderCollection 创建空集合
func NewMatchedOrderCollection(orders ...*MatchedOrder) *MatchedOrderCollection {
	c := &MatchedOrderCollection{Orders: make([]*MatchedOrder, 0, len(orders))}
	c.Orders = append(c.Orders, orders...)
	return c
}

// Add 追加成交分片
func (c *MatchedOrderCollection) Add(orders ...*MatchedOrder) {
	c.Orders = append(c.Orders, orders...)
}

// Len 分片数量
func (c *MatchedOrderCollection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Orders)
}

// IsEmpty 是否为空
func (c *MatchedOrderCollection) IsEmpty() bool {
	return c.Len() == 0
}

// SummaryVolume 总成交量
func (c *MatchedOrderCollection) SummaryVolume() decimal.Decimal {
	total := decimal.Zero
	if c == nil {
		return total
	}
	for _, m := range c.Orders {
		total = total.Add(m.Volume)
	}
	return total
}

// WeightedAveragePrice 量加权均价。集合为空时无定义, 返回 ok=false。
func (c *MatchedOrderCollection) WeightedAveragePrice() (decimal.Decimal, bool) {
	summary := c.SummaryVolume()
	if summary.IsZero() {
		return decimal.Zero, false
	}
	weighted := decimal.Zero
	for _, m := range c.Orders {
		weighted = weighted.Add(m.Price.Mul(m.Volume))
	}
	return weighted.Div(summary), true
}

// Clone 深拷贝集合
func (c *MatchedOrderCollection) Clone() *MatchedOrderCollection {
	if c == nil {
		return NewMatchedOrderCollection()
	}
	clone := &MatchedOrderCollection{Orders: make([]*MatchedOrder, len(c.Orders))}
	for i, m := range c.Orders {
		copied := *m
		clone.Orders[i] = &copied
	}
	return clone
}
