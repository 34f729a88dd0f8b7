package position

import (
	"errors"
	"testing"

	"margin-core/pkg/types"

	"github.com/shopspring/decimal"
)

func newLong(id, volume string) *Position {
	return NewPosition(id, "acc1", "c1", "EURUSD",
		decimal.RequireFromString(volume), decimal.RequireFromString("1.1000"), "open-"+id, "trade-"+id, "MM1")
}

func TestNewPosition(t *testing.T) {
	p := newLong("p1", "5")

	if p.Status != StatusActive {
		t.Errorf("新开仓位期望状态 ACTIVE, 实际 %s", p.Status)
	}
	if p.Direction != types.DirectionBuy {
		t.Errorf("正量期望买方向, 实际 %s", p.Direction)
	}
	if p.CloseDirection() != types.DirectionSell {
		t.Errorf("期望平仓方向为卖, 实际 %s", p.CloseDirection())
	}
	if p.CloseOriginator != OriginatorNone {
		t.Error("新开仓位不应有平仓发起方")
	}
}

func TestLifecycleCloseFlow(t *testing.T) {
	p := newLong("p1", "5")

	// Active → Closing
	if err := p.StartClosing(OriginatorInvestor, "manual close"); err != nil {
		t.Fatalf("StartClosing 失败: %v", err)
	}
	if p.Status != StatusClosing {
		t.Errorf("期望状态 CLOSING, 实际 %s", p.Status)
	}

	// Closing 中不允许再次 StartClosing
	var serr *StateError
	if err := p.StartClosing(OriginatorSystem, "stop loss"); !errors.As(err, &serr) {
		t.Errorf("重复 StartClosing 期望状态错误, 实际 %v", err)
	}

	// Closing → Closed, 保留最初发起方
	if err := p.Close("trade-close", decimal.RequireFromString("1.1010"), OriginatorSystem, "stop loss"); err != nil {
		t.Fatalf("Close 失败: %v", err)
	}
	if p.Status != StatusClosed {
		t.Errorf("期望状态 CLOSED, 实际 %s", p.Status)
	}
	if p.CloseOriginator != OriginatorInvestor || p.CloseReason != "manual close" {
		t.Errorf("平仓应保留最初发起方, 实际 %s / %q", p.CloseOriginator, p.CloseReason)
	}
	if !p.Volume.IsZero() {
		t.Errorf("平仓后量应为零, 实际 %s", p.Volume)
	}
	if !p.Fpl.ClosePrice.Equal(decimal.RequireFromString("1.1010")) {
		t.Errorf("期望平仓价 1.1010, 实际 %s", p.Fpl.ClosePrice)
	}
	if len(p.CloseTrades) != 1 || p.CloseTrades[0] != "trade-close" {
		t.Errorf("期望平仓成交记录 [trade-close], 实际 %v", p.CloseTrades)
	}

	// 终态不可逆
	if err := p.Close("again", decimal.Zero, OriginatorSystem, ""); err == nil {
		t.Error("重复 Close 应失败")
	}
}

func TestCancelClosing(t *testing.T) {
	p := newLong("p1", "5")

	// Active 状态不允许撤销
	if err := p.CancelClosing(); err == nil {
		t.Error("Active 状态 CancelClosing 应失败")
	}

	p.StartClosing(OriginatorSystem, "liquidation")
	if err := p.CancelClosing(); err != nil {
		t.Fatalf("CancelClosing 失败: %v", err)
	}

	// 撤销后发起方清空, 下次平仓重新记录
	if p.Status != StatusActive {
		t.Errorf("期望回到 ACTIVE, 实际 %s", p.Status)
	}
	if p.CloseOriginator != OriginatorNone || p.CloseReason != "" {
		t.Error("撤销后发起方应清空")
	}

	p.StartClosing(OriginatorInvestor, "manual")
	if p.CloseOriginator != OriginatorInvestor {
		t.Errorf("撤销后再次平仓应重新记录发起方, 实际 %s", p.CloseOriginator)
	}
}

func TestPartiallyClose(t *testing.T) {
	p := newLong("p1", "5")

	if err := p.PartiallyClose(decimal.RequireFromString("2"), "trade-1"); err != nil {
		t.Fatalf("PartiallyClose 失败: %v", err)
	}
	if !p.Volume.Equal(decimal.RequireFromString("3")) {
		t.Errorf("期望剩余 3, 实际 %s", p.Volume)
	}
	if p.Status != StatusActive {
		t.Errorf("部分平仓为同状态迁移, 实际 %s", p.Status)
	}

	// 超量平仓被拒
	if err := p.PartiallyClose(decimal.RequireFromString("4"), "trade-2"); err != ErrCloseVolumeExceedsPosition {
		t.Errorf("期望 ErrCloseVolumeExceedsPosition, 实际 %v", err)
	}
	// 零量被拒
	if err := p.PartiallyClose(decimal.Zero, "trade-3"); err != ErrInvalidCloseVolume {
		t.Errorf("期望 ErrInvalidCloseVolume, 实际 %v", err)
	}

	// 卖出仓位: 量向零靠拢, 永不变号
	short := newLong("p2", "-5")
	short.PartiallyClose(decimal.RequireFromString("2"), "trade-4")
	if !short.Volume.Equal(decimal.RequireFromString("-3")) {
		t.Errorf("期望剩余 -3, 实际 %s", short.Volume)
	}
}

func TestChargePnLIdempotent(t *testing.T) {
	p := newLong("p1", "5")

	total := p.ChargePnL("op-1", decimal.RequireFromString("10"))
	if !total.Equal(decimal.RequireFromString("10")) {
		t.Errorf("期望计提合计 10, 实际 %s", total)
	}

	// 同一操作ID重复计提为空操作
	total = p.ChargePnL("op-1", decimal.RequireFromString("10"))
	if !total.Equal(decimal.RequireFromString("10")) {
		t.Errorf("重复计提不应叠加, 实际 %s", total)
	}

	total = p.ChargePnL("op-2", decimal.RequireFromString("-4"))
	if !total.Equal(decimal.RequireFromString("6")) {
		t.Errorf("期望计提合计 6, 实际 %s", total)
	}
}

func TestUpdateClosePriceRevision(t *testing.T) {
	p := newLong("p1", "5")
	before := p.Fpl.ActualHash

	p.UpdateClosePrice(decimal.RequireFromString("1.1005"))
	p.UpdateClosePrice(decimal.RequireFromString("1.1006"))

	// 每次更新递增修订号
	if p.Fpl.ActualHash != before+2 {
		t.Errorf("期望修订号 %d, 实际 %d", before+2, p.Fpl.ActualHash)
	}
	if !p.Fpl.ClosePrice.Equal(decimal.RequireFromString("1.1006")) {
		t.Errorf("期望参考价 1.1006, 实际 %s", p.Fpl.ClosePrice)
	}
}

func TestRelatedOrders(t *testing.T) {
	p := newLong("p1", "5")

	p.AddRelatedOrder("o1")
	p.AddRelatedOrder("o1")
	p.AddRelatedOrder("o2")
	if len(p.RelatedOrders()) != 2 {
		t.Errorf("重复添加为空操作, 期望 2 个, 实际 %d", len(p.RelatedOrders()))
	}
	if !p.HasRelatedOrder("o1") {
		t.Error("应关联 o1")
	}

	p.RemoveRelatedOrder("o1")
	p.RemoveRelatedOrder("missing")
	if p.HasRelatedOrder("o1") {
		t.Error("o1 应已移除")
	}
}

func TestRestorePosition(t *testing.T) {
	p := newLong("p1", "5")
	p.AddRelatedOrder("o1")
	p.ChargePnL("op-1", decimal.RequireFromString("3"))

	restored := RestorePosition(&RestoredState{
		Position:      *p,
		RelatedOrders: p.RelatedOrders(),
		ChargedPnL:    map[string]decimal.Decimal{"op-1": decimal.RequireFromString("3")},
	})

	if !restored.HasRelatedOrder("o1") {
		t.Error("重建后应保留关联订单")
	}
	// 幂等记录一并恢复
	total := restored.ChargePnL("op-1", decimal.RequireFromString("3"))
	if !total.Equal(decimal.RequireFromString("3")) {
		t.Errorf("重建后重复计提不应叠加, 实际 %s", total)
	}
	if err := restored.StartClosing(OriginatorInvestor, "manual"); err != nil {
		t.Errorf("重建后状态机应可用: %v", err)
	}
}
