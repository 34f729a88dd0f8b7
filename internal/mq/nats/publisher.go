package nats

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"margin-core/pkg/types"
)

// Publisher NATS消息发布器。
// 注册为订单处理器的事件处理函数, 把引擎事件转发到消息总线。
type Publisher struct {
	conn   *nats.Conn
	logger *zap.Logger
	prefix string
}

// PublisherConfig 发布器配置
type PublisherConfig struct {
	URL           string
	SubjectPrefix string
}

// DefaultPublisherConfig 默认配置
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "margincore",
	}
}

// NewPublisher 创建发布器
func NewPublisher(config *PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	if config == nil {
		config = DefaultPublisherConfig()
	}

	conn, err := nats.Connect(config.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}

	return &Publisher{
		conn:   conn,
		logger: logger,
		prefix: config.SubjectPrefix,
	}, nil
}

// Stop 停止发布器
func (p *Publisher) Stop() {
	p.conn.Drain()
	p.conn.Close()
}

// HandleEvent 事件处理入口
func (p *Publisher) HandleEvent(event types.Event) {
	subject := p.getSubject(event)
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// getSubject 获取NATS主题
func (p *Publisher) getSubject(event types.Event) string {
	instrument := event.GetInstrument()
	if instrument == "" {
		instrument = "global"
	}
	return p.prefix + "." + instrument + "." + event.GetType().String()
}

// PublishBookSnapshot 发布订单簿快照
func (p *Publisher) PublishBookSnapshot(snapshot *types.OrderBookSnapshot) error {
	subject := p.prefix + "." + snapshot.Instrument + ".book.snapshot"
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return p.conn.Publish(subject, data)
}

// PublishBestPrice 发布最优价
func (p *Publisher) PublishBestPrice(price *types.BestPrice) error {
	subject := p.prefix + "." + price.Instrument + ".bestprice"
	data, err := json.Marshal(price)
	if err != nil {
		return err
	}
	return p.conn.Publish(subject, data)
}

// Subscriber NATS消息订阅器
type Subscriber struct {
	conn   *nats.Conn
	logger *zap.Logger
	prefix string
	subs   []*nats.Subscription
}

// NewSubscriber 创建订阅器
func NewSubscriber(config *PublisherConfig, logger *zap.Logger) (*Subscriber, error) {
	if config == nil {
		config = DefaultPublisherConfig()
	}

	conn, err := nats.Connect(config.URL)
	if err != nil {
		return nil, err
	}

	return &Subscriber{
		conn:   conn,
		logger: logger,
		prefix: config.SubjectPrefix,
		subs:   make([]*nats.Subscription, 0),
	}, nil
}

// SubscribeTrades 订阅成交分片
func (s *Subscriber) SubscribeTrades(instrument string, handler func(*types.TradeEvent)) error {
	subject := s.prefix + "." + instrument + "." + types.EventTypeTrade.String()
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		var trade types.TradeEvent
		if err := json.Unmarshal(msg.Data, &trade); err != nil {
			s.logger.Error("failed to unmarshal trade", zap.Error(err))
			return
		}
		handler(&trade)
	})
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	return nil
}

// SubscribeExecutedOrders 订阅执行完成的订单
func (s *Subscriber) SubscribeExecutedOrders(instrument string, handler func(*types.OrderExecutedEvent)) error {
	subject := s.prefix + "." + instrument + "." + types.EventTypeOrderExecuted.String()
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event types.OrderExecutedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Error("failed to unmarshal order event", zap.Error(err))
			return
		}
		handler(&event)
	})
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	return nil
}

// SubscribeBestPrices 订阅最优价变更
func (s *Subscriber) SubscribeBestPrices(instrument string, handler func(*types.BestPriceChangedEvent)) error {
	subject := s.prefix + "." + instrument + "." + types.EventTypeBestPriceChanged.String()
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event types.BestPriceChangedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Error("failed to unmarshal best price event", zap.Error(err))
			return
		}
		handler(&event)
	})
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Close 关闭订阅器
func (s *Subscriber) Close() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.conn.Close()
}
