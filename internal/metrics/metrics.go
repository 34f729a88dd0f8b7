package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 监控指标
type Metrics struct {
	// 订单相关指标
	OrdersReceived  *prometheus.CounterVec
	OrdersExecuted  *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	PendingTriggers *prometheus.CounterVec

	// 成交相关指标
	TradesExecuted *prometheus.CounterVec
	TradeVolume    *prometheus.CounterVec

	// 仓位相关指标
	PositionsOpened *prometheus.CounterVec
	PositionsClosed *prometheus.CounterVec
	OpenPositions   prometheus.Gauge

	// 路由指标
	RouteLookups *prometheus.CounterVec

	// 延迟指标
	MatchLatency *prometheus.HistogramVec
	OrderLatency *prometheus.HistogramVec

	// 订单簿指标
	OrderBookDepth  *prometheus.GaugeVec
	OrderBookSpread *prometheus.GaugeVec
	PendingOrders   *prometheus.GaugeVec

	// 队列指标
	EventQueueLen prometheus.Gauge

	// 系统指标
	ActiveInstruments prometheus.Gauge
	Uptime            prometheus.Gauge

	startTime time.Time
}

// NewMetrics 创建监控指标
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		startTime: time.Now(),
	}

	// 订单计数器
	m.OrdersReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_received_total",
			Help:      "Total number of orders received",
		},
		[]string{"instrument", "direction", "type"},
	)

	m.OrdersExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_executed_total",
			Help:      "Total number of orders fully executed",
		},
		[]string{"instrument", "engine"},
	)

	m.OrdersRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Total number of orders rejected",
		},
		[]string{"instrument", "reason"},
	)

	m.PendingTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_triggers_total",
			Help:      "Total number of pending orders triggered by price moves",
		},
		[]string{"instrument", "type"},
	)

	// 成交计数器
	m.TradesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Total number of trade fragments",
		},
		[]string{"instrument"},
	)

	m.TradeVolume = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_volume_total",
			Help:      "Total matched volume",
		},
		[]string{"instrument"},
	)

	// 仓位计数器
	m.PositionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Total number of positions opened",
		},
		[]string{"instrument"},
	)

	m.PositionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Total number of positions closed",
		},
		[]string{"instrument", "originator"},
	)

	m.OpenPositions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Number of currently open positions",
		},
	)

	// 路由计数器
	m.RouteLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_lookups_total",
			Help:      "Total number of route resolutions",
		},
		[]string{"outcome"},
	)

	// 延迟直方图
	m.MatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_latency_microseconds",
			Help:      "Order matching latency in microseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"instrument"},
	)

	m.OrderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_processing_latency_microseconds",
			Help:      "Order processing latency in microseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"instrument", "type"},
	)

	// 订单簿指标
	m.OrderBookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orderbook_depth",
			Help:      "Number of price levels in the order book",
		},
		[]string{"instrument", "side"},
	)

	m.OrderBookSpread = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orderbook_spread",
			Help:      "Bid-ask spread",
		},
		[]string{"instrument"},
	)

	m.PendingOrders = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_orders",
			Help:      "Number of orders waiting for execution",
		},
		[]string{"instrument"},
	)

	// 队列指标
	m.EventQueueLen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_length",
			Help:      "Length of the event queue",
		},
	)

	// 系统指标
	m.ActiveInstruments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_instruments",
			Help:      "Number of registered asset pairs",
		},
	)

	m.Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "System uptime in seconds",
		},
	)

	// 启动uptime更新
	go m.updateUptime()

	return m
}

// updateUptime 更新运行时间
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordOrderReceived 记录收到订单
func (m *Metrics) RecordOrderReceived(instrument, direction, orderType string) {
	m.OrdersReceived.WithLabelValues(instrument, direction, orderType).Inc()
}

// RecordOrderExecuted 记录执行完成的订单
func (m *Metrics) RecordOrderExecuted(instrument, engineID string) {
	m.OrdersExecuted.WithLabelValues(instrument, engineID).Inc()
}

// RecordOrderRejected 记录拒绝的订单
func (m *Metrics) RecordOrderRejected(instrument, reason string) {
	m.OrdersRejected.WithLabelValues(instrument, reason).Inc()
}

// RecordPendingTrigger 记录挂单触发
func (m *Metrics) RecordPendingTrigger(instrument, orderType string) {
	m.PendingTriggers.WithLabelValues(instrument, orderType).Inc()
}

// RecordTrade 记录成交分片
func (m *Metrics) RecordTrade(instrument string, volume float64) {
	m.TradesExecuted.WithLabelValues(instrument).Inc()
	m.TradeVolume.WithLabelValues(instrument).Add(volume)
}

// RecordPositionOpened 记录开仓
func (m *Metrics) RecordPositionOpened(instrument string) {
	m.PositionsOpened.WithLabelValues(instrument).Inc()
	m.OpenPositions.Inc()
}

// RecordPositionClosed 记录平仓
func (m *Metrics) RecordPositionClosed(instrument, originator string, partial bool) {
	m.PositionsClosed.WithLabelValues(instrument, originator).Inc()
	if !partial {
		m.OpenPositions.Dec()
	}
}

// RecordRouteLookup 记录路由解析结果(matched/fallback/ambiguous)
func (m *Metrics) RecordRouteLookup(outcome string) {
	m.RouteLookups.WithLabelValues(outcome).Inc()
}

// RecordMatchLatency 记录撮合延迟
func (m *Metrics) RecordMatchLatency(instrument string, latencyMicros float64) {
	m.MatchLatency.WithLabelValues(instrument).Observe(latencyMicros)
}

// RecordOrderLatency 记录订单处理延迟
func (m *Metrics) RecordOrderLatency(instrument, orderType string, latencyMicros float64) {
	m.OrderLatency.WithLabelValues(instrument, orderType).Observe(latencyMicros)
}

// UpdateOrderBookDepth 更新订单簿深度
func (m *Metrics) UpdateOrderBookDepth(instrument string, bidLevels, askLevels int) {
	m.OrderBookDepth.WithLabelValues(instrument, "bid").Set(float64(bidLevels))
	m.OrderBookDepth.WithLabelValues(instrument, "ask").Set(float64(askLevels))
}

// UpdateOrderBookSpread 更新买卖价差
func (m *Metrics) UpdateOrderBookSpread(instrument string, spread float64) {
	m.OrderBookSpread.WithLabelValues(instrument).Set(spread)
}

// UpdatePendingOrders 更新等待触发的挂单数
func (m *Metrics) UpdatePendingOrders(instrument string, count int) {
	m.PendingOrders.WithLabelValues(instrument).Set(float64(count))
}

// UpdateEventQueueLength 更新事件队列长度
func (m *Metrics) UpdateEventQueueLength(length int) {
	m.EventQueueLen.Set(float64(length))
}

// UpdateActiveInstruments 更新注册品种数量
func (m *Metrics) UpdateActiveInstruments(count int) {
	m.ActiveInstruments.Set(float64(count))
}

// Timer 撮合计时器
type Timer struct {
	start      time.Time
	metrics    *Metrics
	instrument string
}

// NewMatchTimer 创建撮合计时器
func (m *Metrics) NewMatchTimer(instrument string) *Timer {
	return &Timer{
		start:      time.Now(),
		metrics:    m,
		instrument: instrument,
	}
}

// Stop 停止计时并记录
func (t *Timer) Stop() {
	elapsed := time.Since(t.start).Microseconds()
	t.metrics.RecordMatchLatency(t.instrument, float64(elapsed))
}

// OrderTimer 订单计时器
type OrderTimer struct {
	start      time.Time
	metrics    *Metrics
	instrument string
	orderType  string
}

// NewOrderTimer 创建订单计时器
func (m *Metrics) NewOrderTimer(instrument, orderType string) *OrderTimer {
	return &OrderTimer{
		start:      time.Now(),
		metrics:    m,
		instrument: instrument,
		orderType:  orderType,
	}
}

// Stop 停止计时并记录
func (t *OrderTimer) Stop() {
	elapsed := time.Since(t.start).Microseconds()
	t.metrics.RecordOrderLatency(t.instrument, t.orderType, float64(elapsed))
}
