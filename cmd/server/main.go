package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsio "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"margin-core/internal/audit"
	"margin-core/internal/config"
	"margin-core/internal/gateway"
	"margin-core/internal/metrics"
	kafkamq "margin-core/internal/mq/kafka"
	natsmq "margin-core/internal/mq/nats"
	"margin-core/internal/server/rest"
	"margin-core/internal/server/websocket"
	"margin-core/internal/snapshot"
	routestore "margin-core/internal/storage/routes"
	"margin-core/pkg/assets"
	"margin-core/pkg/matching"
	"margin-core/pkg/position"
	"margin-core/pkg/routing"
	"margin-core/pkg/trading"
	"margin-core/pkg/types"
)

var (
	configFile = flag.String("config", "config.json", "配置文件路径")
	version    = "1.0.0"
)

// staticDirectory 配置驱动的客户/账户/交易条件参考数据
type staticDirectory struct {
	clients map[string]config.ClientConfig
}

func newStaticDirectory(clients []config.ClientConfig) *staticDirectory {
	index := make(map[string]config.ClientConfig, len(clients))
	for _, client := range clients {
		index[client.ClientID] = client
	}
	return &staticDirectory{clients: index}
}

func (d *staticDirectory) ClientHasAccounts(clientID string) bool {
	client, ok := d.clients[clientID]
	return ok && len(client.AccountIDs) > 0
}

func (d *staticDirectory) TradingConditionExists(id string) bool {
	for _, client := range d.clients {
		if client.TradingConditionID == id {
			return true
		}
	}
	return false
}

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configFile)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	if err := cfg.Validate(); err != nil {
		panic("invalid config: " + err.Error())
	}

	// 初始化日志
	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("starting margin core",
		zap.String("version", version),
		zap.Any("config", cfg))

	// 资产对参考数据
	pairsCache := assets.NewCache()
	pairsCache.InitPairsCache(buildAssetPairs(cfg.AssetPairs, logger))
	directory := newStaticDirectory(cfg.Clients)

	// 事件总线
	events := make(chan types.Event, cfg.Engine.EventBufferSize)

	// 路由表: pebble 持久化 + 内存缓存
	store, err := routestore.Open(cfg.RouteStore.Dir)
	if err != nil {
		logger.Fatal("failed to open route store", zap.Error(err))
	}
	defer store.Close()

	routesManager := routing.NewRoutesManager(store, directory, directory, pairsCache, events, logger)
	if err := routesManager.Init(context.Background()); err != nil {
		logger.Fatal("failed to load routes", zap.Error(err))
	}
	router := routing.NewRouter(routesManager, pairsCache)

	// 撮合引擎
	registry := matching.NewRegistry()
	marketMaker := matching.NewMarketMakerEngine(cfg.Engine.DefaultMarketMakerID, events, logger)
	registry.Register(marketMaker)
	registry.SetDefault(types.MatchingModeMarketMaker, marketMaker.ID())

	var venue *gateway.NatsVenue
	if cfg.NATS.Enabled {
		conn, err := natsio.Connect(cfg.NATS.URL)
		if err != nil {
			logger.Fatal("failed to connect nats for venue gateway", zap.Error(err))
		}
		venue, err = gateway.NewNatsVenue(conn, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.Fatal("failed to start venue gateway", zap.Error(err))
		}
		defer venue.Close()

		stp := matching.NewStpEngine(cfg.Engine.DefaultStpEngineID, venue, venue, pairsCache, logger)
		registry.Register(stp)
		registry.SetDefault(types.MatchingModeStp, stp.ID())
		logger.Info("stp engine registered", zap.String("engine_id", stp.ID()))
	} else {
		// 无外部场所接入时, STP 模式的订单直接拒绝
		reject := matching.NewRejectEngine(cfg.Engine.DefaultStpEngineID)
		registry.Register(reject)
		registry.SetDefault(types.MatchingModeStp, reject.ID())
		logger.Warn("no venue gateway configured, stp orders will be rejected")
	}

	// 仓位登记簿与订单处理器
	keeper := position.NewKeeper(nil)
	processor := trading.NewProcessor(router, registry, keeper, pairsCache, events, logger)

	// 初始化监控指标
	var metricsCollector *metrics.Metrics
	if cfg.Metrics.Enabled {
		metricsCollector = metrics.NewMetrics(cfg.Metrics.Namespace)
		metricsCollector.UpdateActiveInstruments(len(cfg.AssetPairs))
		processor.Subscribe(metricsHandler(metricsCollector))
		go startMetricsServer(cfg.Metrics.Addr, logger)
		go collectQueueMetrics(events, metricsCollector)
		logger.Info("metrics server started", zap.String("addr", cfg.Metrics.Addr))
	}

	// 初始化审计日志
	var auditLogger *audit.AuditLogger
	if cfg.Audit.Enabled {
		auditCfg := &audit.AuditConfig{
			FilePath:      cfg.Audit.FilePath,
			BufferSize:    cfg.Audit.BufferSize,
			FlushSize:     cfg.Audit.FlushSize,
			FlushInterval: cfg.Audit.FlushInterval,
		}
		auditLogger, err = audit.NewAuditLogger(auditCfg)
		if err != nil {
			logger.Fatal("failed to create audit logger", zap.Error(err))
		}
		defer auditLogger.Close()
		logger.Info("audit logging enabled", zap.String("file", cfg.Audit.FilePath))
	}

	// NATS 事件发布
	if cfg.NATS.Enabled {
		publisher, err := natsmq.NewPublisher(&natsmq.PublisherConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		}, logger)
		if err != nil {
			logger.Fatal("failed to create nats publisher", zap.Error(err))
		}
		defer publisher.Stop()
		processor.Subscribe(publisher.HandleEvent)
		logger.Info("nats publisher started", zap.String("url", cfg.NATS.URL))
	}

	// Kafka 成交与仓位流水
	if cfg.Kafka.Enabled {
		journal := kafkamq.NewJournal(&kafkamq.JournalConfig{
			Brokers:       cfg.Kafka.Brokers,
			TradeTopic:    cfg.Kafka.TradeTopic,
			PositionTopic: cfg.Kafka.PositionTopic,
		}, logger)
		defer journal.Close()
		processor.Subscribe(journal.HandleEvent)
		logger.Info("kafka journal started", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	// 初始化快照管理器
	var snapshotManager *snapshot.SnapshotManager
	if cfg.Snapshot.Enabled {
		snapshotCfg := &snapshot.SnapshotConfig{
			SnapshotDir: cfg.Snapshot.SnapshotDir,
			Interval:    cfg.Snapshot.Interval,
			Depth:       cfg.Snapshot.Depth,
		}
		snapshotManager = snapshot.NewSnapshotManager(snapshotCfg, marketMaker, keeper, logger)
		snapshotManager.Start()
		defer snapshotManager.Stop()
		logger.Info("snapshot manager started", zap.String("dir", cfg.Snapshot.SnapshotDir))
	}

	// WebSocket 行情推送
	wsServer := websocket.NewServer(marketMaker, logger)
	processor.Subscribe(wsServer.HandleEvent)
	go wsServer.Run()

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", wsServer.HandleConnection)

	wsHTTPServer := &http.Server{
		Addr:    cfg.Server.WebSocketAddr,
		Handler: wsMux,
	}
	go func() {
		logger.Info("websocket server started", zap.String("addr", cfg.Server.WebSocketAddr))
		if err := wsHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start websocket server", zap.Error(err))
		}
	}()

	// 启动订单处理器事件循环
	processor.Start()

	// HTTP 交易与管理接口
	restServer := rest.NewServer(processor, routesManager, marketMaker, keeper, auditLogger, logger)
	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: restServer.Router(),
	}
	go func() {
		logger.Info("http server started", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start http server", zap.Error(err))
		}
	}()

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	// 优雅关闭
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	httpServer.Shutdown(ctx)
	wsHTTPServer.Shutdown(ctx)
	processor.Stop()

	// 保存最终快照
	if snapshotManager != nil {
		snapshotManager.SaveAllSnapshots()
		snapshotManager.SavePositionDump()
	}

	logger.Info("margin core stopped")
}

// buildAssetPairs 配置转参考数据
func buildAssetPairs(configs []config.AssetPairConfig, logger *zap.Logger) []*types.AssetPair {
	pairs := make([]*types.AssetPair, 0, len(configs))
	for _, pc := range configs {
		tickSize, err := decimal.NewFromString(pc.TickSize)
		if err != nil {
			logger.Warn("invalid tick size, using zero",
				zap.String("instrument", pc.ID),
				zap.String("tick_size", pc.TickSize))
			tickSize = decimal.Zero
		}
		markup := decimal.Zero
		if pc.StpMarkup != "" {
			markup, err = decimal.NewFromString(pc.StpMarkup)
			if err != nil {
				logger.Warn("invalid stp markup, using zero",
					zap.String("instrument", pc.ID),
					zap.String("stp_markup", pc.StpMarkup))
				markup = decimal.Zero
			}
		}
		pairs = append(pairs, &types.AssetPair{
			ID:            pc.ID,
			BaseAssetID:   pc.BaseAssetID,
			QuoteAssetID:  pc.QuoteAsset,
			LegalEntity:   pc.LegalEntity,
			Accuracy:      pc.Accuracy,
			TickSize:      tickSize,
			StpMarkup:     markup,
			TradingStatus: 1,
		})
	}
	return pairs
}

// metricsHandler 事件驱动的指标采集
func metricsHandler(m *metrics.Metrics) func(types.Event) {
	return func(event types.Event) {
		switch e := event.(type) {
		case *types.TradeEvent:
			volume, _ := e.Matched.Volume.Float64()
			m.RecordTrade(e.GetInstrument(), volume)
		case *types.OrderExecutedEvent:
			m.RecordOrderExecuted(e.GetInstrument(), e.Order.OpenEngineID)
		case *types.OrderRejectedEvent:
			m.RecordOrderRejected(e.GetInstrument(), e.Reason)
		case *types.OrderActivatedEvent:
			m.RecordPendingTrigger(e.GetInstrument(), e.Order.Type.String())
		case *types.PositionOpenedEvent:
			m.RecordPositionOpened(e.GetInstrument())
		case *types.PositionClosedEvent:
			m.RecordPositionClosed(e.GetInstrument(), e.Originator, e.Partial)
		}
	}
}

// collectQueueMetrics 周期采集事件队列长度
func collectQueueMetrics(events chan types.Event, m *metrics.Metrics) {
	ticker := time.NewTicker(time.Second)
	for range ticker.C {
		m.UpdateEventQueueLength(len(events))
	}
}

// initLogger 初始化日志
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zap.DebugLevel
	case "info":
		level = zap.InfoLevel
	case "warn":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	default:
		level = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var output zapcore.WriteSyncer
	if cfg.Output == "stdout" {
		output = zapcore.AddSync(os.Stdout)
	} else {
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic("failed to open log file: " + err.Error())
		}
		output = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(encoder, output, level)
	return zap.New(core, zap.AddCaller())
}

// startMetricsServer 启动监控服务器
func startMetricsServer(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server error", zap.Error(err))
	}
}
