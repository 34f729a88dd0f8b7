package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Config 系统配置
type Config struct {
	Server     ServerConfig      `json:"server"`
	Engine     EngineConfig      `json:"engine"`
	NATS       NATSConfig        `json:"nats"`
	Kafka      KafkaConfig       `json:"kafka"`
	RouteStore RouteStoreConfig  `json:"route_store"`
	Metrics    MetricsConfig     `json:"metrics"`
	Audit      AuditConfig       `json:"audit"`
	Snapshot   SnapshotConfig    `json:"snapshot"`
	Logging    LoggingConfig     `json:"logging"`
	AssetPairs []AssetPairConfig `json:"asset_pairs"`
	Clients    []ClientConfig    `json:"clients"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTPAddr      string `json:"http_addr"`
	WebSocketAddr string `json:"websocket_addr"`
}

// EngineConfig 撮合与订单处理配置
type EngineConfig struct {
	EventBufferSize       int    `json:"event_buffer_size"`
	DefaultMarketMakerID  string `json:"default_market_maker_id"`
	DefaultStpEngineID    string `json:"default_stp_engine_id"`
	OrderBookSnapshotSize int    `json:"order_book_snapshot_size"`
}

// NATSConfig NATS配置
type NATSConfig struct {
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix"`
	Enabled       bool   `json:"enabled"`
}

// KafkaConfig 成交与仓位流水配置
type KafkaConfig struct {
	Enabled       bool     `json:"enabled"`
	Brokers       []string `json:"brokers"`
	TradeTopic    string   `json:"trade_topic"`
	PositionTopic string   `json:"position_topic"`
}

// RouteStoreConfig 路由持久化配置
type RouteStoreConfig struct {
	Dir string `json:"dir"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr"`
	Namespace string `json:"namespace"`
}

// AuditConfig 审计配置
type AuditConfig struct {
	Enabled       bool          `json:"enabled"`
	FilePath      string        `json:"file_path"`
	BufferSize    int           `json:"buffer_size"`
	FlushSize     int           `json:"flush_size"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// SnapshotConfig 盘口快照配置
type SnapshotConfig struct {
	Enabled     bool          `json:"enabled"`
	SnapshotDir string        `json:"snapshot_dir"`
	Interval    time.Duration `json:"interval"`
	Depth       int           `json:"depth"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// AssetPairConfig 资产对静态配置
type AssetPairConfig struct {
	ID          string `json:"id"`
	BaseAssetID string `json:"base_asset_id"`
	QuoteAsset  string `json:"quote_asset_id"`
	LegalEntity string `json:"legal_entity"`
	Accuracy    int32  `json:"accuracy"`
	TickSize    string `json:"tick_size"`
	StpMarkup   string `json:"stp_markup"`
}

// ClientConfig 客户与账户静态配置
type ClientConfig struct {
	ClientID           string   `json:"client_id"`
	AccountIDs         []string `json:"account_ids"`
	TradingConditionID string   `json:"trading_condition_id"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:      ":8080",
			WebSocketAddr: ":8081",
		},
		Engine: EngineConfig{
			EventBufferSize:       100000,
			DefaultMarketMakerID:  "LYKKE_MM",
			DefaultStpEngineID:    "LYKKE_STP",
			OrderBookSnapshotSize: 20,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "margincore",
			Enabled:       false,
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			TradeTopic:    "margin-core.trades",
			PositionTopic: "margin-core.positions",
		},
		RouteStore: RouteStoreConfig{
			Dir: "./data/routes",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Addr:      ":9090",
			Namespace: "margincore",
		},
		Audit: AuditConfig{
			Enabled:       true,
			FilePath:      "audit.log",
			BufferSize:    10000,
			FlushSize:     100,
			FlushInterval: time.Second,
		},
		Snapshot: SnapshotConfig{
			Enabled:     true,
			SnapshotDir: "./snapshots",
			Interval:    time.Second,
			Depth:       100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		AssetPairs: []AssetPairConfig{
			{ID: "EURUSD", BaseAssetID: "EUR", QuoteAsset: "USD", LegalEntity: "LYKKEVU", Accuracy: 5, TickSize: "0.00001", StpMarkup: "0"},
			{ID: "BTCUSD", BaseAssetID: "BTC", QuoteAsset: "USD", LegalEntity: "LYKKEVU", Accuracy: 3, TickSize: "0.001", StpMarkup: "0"},
		},
		Clients: []ClientConfig{
			{ClientID: "demo-client", AccountIDs: []string{"demo-account"}, TradingConditionID: "default"},
		},
	}
}

// Load 从文件加载配置
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	return config, nil
}

// Save 保存配置到文件
func (c *Config) Save(filename string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Engine.EventBufferSize <= 0 {
		return errors.New("engine.event_buffer_size must be positive")
	}
	if c.Engine.DefaultMarketMakerID == "" {
		return errors.New("engine.default_market_maker_id is required")
	}
	seen := make(map[string]struct{}, len(c.AssetPairs))
	for _, pair := range c.AssetPairs {
		if pair.ID == "" || pair.BaseAssetID == "" || pair.QuoteAsset == "" {
			return fmt.Errorf("asset pair %q is incomplete", pair.ID)
		}
		if _, ok := seen[pair.ID]; ok {
			return fmt.Errorf("asset pair %q is configured twice", pair.ID)
		}
		seen[pair.ID] = struct{}{}
	}
	return nil
}
