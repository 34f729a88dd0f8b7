// Package gateway 外部流动性场所接入。
// 流动性提供方在 NATS 上发布报价, 执行走 request/reply。
package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"margin-core/pkg/matching"
	"margin-core/pkg/types"
)

// quoteTTL 报价有效期, 超过视为过期不参与执行
const quoteTTL = 5 * time.Second

// executeTimeout 单次外部执行超时
const executeTimeout = 3 * time.Second

// ProviderQuote 流动性提供方报价
type ProviderQuote struct {
	ProviderID string          `json:"provider_id"`
	Instrument string          `json:"instrument"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Timestamp  int64           `json:"timestamp"`
}

type quoteKey struct {
	providerID string
	instrument string
}

// NatsVenue 基于 NATS 的场所网关。
// 同时充当报价板(LiquiditySourceProvider)和执行通道(VenueClient)。
type NatsVenue struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger

	mu     sync.RWMutex
	quotes map[quoteKey]*ProviderQuote
	sub    *nats.Subscription
}

// NewNatsVenue 创建场所网关并订阅报价流
func NewNatsVenue(conn *nats.Conn, prefix string, logger *zap.Logger) (*NatsVenue, error) {
	v := &NatsVenue{
		conn:   conn,
		prefix: prefix,
		logger: logger,
		quotes: make(map[quoteKey]*ProviderQuote),
	}

	sub, err := conn.Subscribe(prefix+".quotes.>", v.onQuote)
	if err != nil {
		return nil, err
	}
	v.sub = sub
	return v, nil
}

// Close 关闭网关
func (v *NatsVenue) Close() {
	v.sub.Unsubscribe()
}

func (v *NatsVenue) onQuote(msg *nats.Msg) {
	var quote ProviderQuote
	if err := json.Unmarshal(msg.Data, &quote); err != nil {
		v.logger.Warn("malformed provider quote", zap.Error(err))
		return
	}
	if quote.ProviderID == "" || quote.Instrument == "" {
		return
	}
	v.mu.Lock()
	v.quotes[quoteKey{quote.ProviderID, quote.Instrument}] = &quote
	v.mu.Unlock()
}

// GetSources 返回按价格从优到劣排序的流动性源。
// 买单看各提供方的卖价(升序), 卖单看买价(降序)。
func (v *NatsVenue) GetSources(ctx context.Context, instrument string, direction types.OrderDirection, volume decimal.Decimal) []*matching.LiquiditySource {
	cutoff := time.Now().Add(-quoteTTL).UnixNano()

	v.mu.RLock()
	sources := make([]*matching.LiquiditySource, 0, len(v.quotes))
	for key, quote := range v.quotes {
		if key.instrument != instrument || quote.Timestamp < cutoff {
			continue
		}
		var price decimal.Decimal
		if direction == types.DirectionBuy {
			price = quote.Ask
		} else {
			price = quote.Bid
		}
		if !price.IsPositive() {
			continue
		}
		sources = append(sources, &matching.LiquiditySource{
			ProviderID: key.providerID,
			Price:      price,
		})
	}
	v.mu.RUnlock()

	sort.Slice(sources, func(i, j int) bool {
		if direction == types.DirectionBuy {
			return sources[i].Price.LessThan(sources[j].Price)
		}
		return sources[i].Price.GreaterThan(sources[j].Price)
	})
	return sources
}

// ExecuteOrder 请求指定提供方执行订单
func (v *NatsVenue) ExecuteOrder(ctx context.Context, req *matching.ExecutionRequest) (*matching.ExecutionReport, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	timeout := executeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	subject := v.prefix + ".execute." + req.ProviderID
	msg, err := v.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, err
	}

	var report matching.ExecutionReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
