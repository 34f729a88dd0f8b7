package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"margin-core/pkg/position"
	"margin-core/pkg/types"
)

// BookSource 订单簿快照来源
type BookSource interface {
	Instruments() []string
	GetOrderBookSnapshot(instrument string, depth int) *types.OrderBookSnapshot
}

// PositionSource 仓位状态来源
type PositionSource interface {
	Select(match func(*position.Position) bool) []*position.Position
}

// SnapshotManager 快照管理器。
// 周期性缓存各品种的盘口快照, 并支持把盘口与仓位状态落盘。
type SnapshotManager struct {
	books       BookSource
	positions   PositionSource
	logger      *zap.Logger
	snapshotDir string
	interval    time.Duration
	depth       int
	stopChan    chan struct{}
	mu          sync.RWMutex
	snapshots   map[string]*types.OrderBookSnapshot
}

// SnapshotConfig 快照配置
type SnapshotConfig struct {
	SnapshotDir string
	Interval    time.Duration
	Depth       int
}

// DefaultSnapshotConfig 默认配置
func DefaultSnapshotConfig() *SnapshotConfig {
	return &SnapshotConfig{
		SnapshotDir: "./snapshots",
		Interval:    time.Second,
		Depth:       100,
	}
}

// NewSnapshotManager 创建快照管理器
func NewSnapshotManager(config *SnapshotConfig, books BookSource, positions PositionSource, logger *zap.Logger) *SnapshotManager {
	if config == nil {
		config = DefaultSnapshotConfig()
	}

	// 创建快照目录
	os.MkdirAll(config.SnapshotDir, 0755)

	return &SnapshotManager{
		books:       books,
		positions:   positions,
		logger:      logger,
		snapshotDir: config.SnapshotDir,
		interval:    config.Interval,
		depth:       config.Depth,
		stopChan:    make(chan struct{}),
		snapshots:   make(map[string]*types.OrderBookSnapshot),
	}
}

// Start 启动快照服务
func (sm *SnapshotManager) Start() {
	go sm.snapshotLoop()
}

// Stop 停止快照服务
func (sm *SnapshotManager) Stop() {
	close(sm.stopChan)
}

// snapshotLoop 快照循环
func (sm *SnapshotManager) snapshotLoop() {
	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.stopChan:
			return
		case <-ticker.C:
			sm.takeSnapshots()
		}
	}
}

// takeSnapshots 生成所有品种的快照
func (sm *SnapshotManager) takeSnapshots() {
	for _, instrument := range sm.books.Instruments() {
		snapshot := sm.books.GetOrderBookSnapshot(instrument, sm.depth)
		if snapshot != nil {
			sm.mu.Lock()
			sm.snapshots[instrument] = snapshot
			sm.mu.Unlock()
		}
	}
}

// GetSnapshot 获取快照
func (sm *SnapshotManager) GetSnapshot(instrument string) *types.OrderBookSnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshots[instrument]
}

// GetAllSnapshots 获取所有快照
func (sm *SnapshotManager) GetAllSnapshots() map[string]*types.OrderBookSnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make(map[string]*types.OrderBookSnapshot)
	for k, v := range sm.snapshots {
		result[k] = v
	}
	return result
}

// SaveSnapshot 保存快照到文件
func (sm *SnapshotManager) SaveSnapshot(instrument string) error {
	snapshot := sm.GetSnapshot(instrument)
	if snapshot == nil {
		return nil
	}

	filename := filepath.Join(sm.snapshotDir, instrument+"_"+time.Now().Format("20060102_150405")+".json")

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

// SaveAllSnapshots 保存所有快照
func (sm *SnapshotManager) SaveAllSnapshots() error {
	snapshots := sm.GetAllSnapshots()

	for instrument := range snapshots {
		if err := sm.SaveSnapshot(instrument); err != nil {
			sm.logger.Error("failed to save snapshot",
				zap.String("instrument", instrument),
				zap.Error(err))
		}
	}
	return nil
}

// LoadSnapshot 从文件加载快照
func (sm *SnapshotManager) LoadSnapshot(filename string) (*types.OrderBookSnapshot, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var snapshot types.OrderBookSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}

	return &snapshot, nil
}

// PositionDumpEntry 仓位转储条目
type PositionDumpEntry struct {
	Position      *position.Position `json:"position"`
	RelatedOrders []string           `json:"related_orders"`
}

// PositionDump 仓位状态转储(用于事后核对与故障排查)
type PositionDump struct {
	Positions []*PositionDumpEntry `json:"positions"`
	Timestamp int64                `json:"timestamp"`
}

// TakePositionDump 生成全量仓位转储
func (sm *SnapshotManager) TakePositionDump() *PositionDump {
	all := sm.positions.Select(func(*position.Position) bool { return true })
	entries := make([]*PositionDumpEntry, 0, len(all))
	for _, pos := range all {
		entries = append(entries, &PositionDumpEntry{
			Position:      pos,
			RelatedOrders: pos.RelatedOrders(),
		})
	}
	return &PositionDump{
		Positions: entries,
		Timestamp: time.Now().UnixNano(),
	}
}

// SavePositionDump 保存仓位转储
func (sm *SnapshotManager) SavePositionDump() error {
	dump := sm.TakePositionDump()

	filename := filepath.Join(sm.snapshotDir, "positions_"+time.Now().Format("20060102_150405")+".json")

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
