// Package kafka 把成交分片与仓位生命周期事件写入下游对账流水。
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"margin-core/pkg/types"
)

// JournalConfig 流水配置
type JournalConfig struct {
	Brokers       []string
	TradeTopic    string
	PositionTopic string
}

// Journal 成交与仓位流水写入器。
// 按订单/仓位ID作为分区键, 保证单实体的事件有序。
type Journal struct {
	trades    *kafka.Writer
	positions *kafka.Writer
	logger    *zap.Logger
}

// NewJournal 创建流水写入器
func NewJournal(config *JournalConfig, logger *zap.Logger) *Journal {
	return &Journal{
		trades: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        config.TradeTopic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		positions: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        config.PositionTopic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger,
	}
}

// HandleEvent 事件处理入口
func (j *Journal) HandleEvent(event types.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch e := event.(type) {
	case *types.TradeEvent:
		j.write(ctx, j.trades, []byte(e.OrderID), e)
	case *types.OrderExecutedEvent:
		j.write(ctx, j.trades, []byte(e.Order.OrderID), e)
	case *types.OrderRejectedEvent:
		j.write(ctx, j.trades, []byte(e.Order.OrderID), e)
	case *types.PositionOpenedEvent:
		j.write(ctx, j.positions, []byte(e.PositionID), e)
	case *types.PositionClosedEvent:
		j.write(ctx, j.positions, []byte(e.PositionID), e)
	}
}

func (j *Journal) write(ctx context.Context, writer *kafka.Writer, key []byte, event types.Event) {
	value, err := json.Marshal(event)
	if err != nil {
		j.logger.Error("failed to marshal journal event", zap.Error(err))
		return
	}
	if err := writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		j.logger.Error("failed to write journal event",
			zap.String("topic", writer.Topic),
			zap.Error(err))
	}
}

// Close 关闭写入器
func (j *Journal) Close() error {
	if err := j.trades.Close(); err != nil {
		return err
	}
	return j.positions.Close()
}
