package position

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"margin-core/pkg/types"

	"github.com/shopspring/decimal"
)

type recordingListener struct {
	invalidated []string
}

func (l *recordingListener) InvalidateAccount(accountID string) {
	l.invalidated = append(l.invalidated, accountID)
}

func keeperPosition(id, accountID, instrument, volume string, openDate int64) *Position {
	p := NewPosition(id, accountID, "c1", instrument,
		decimal.RequireFromString(volume), decimal.RequireFromString("1.1000"), "open-"+id, "trade-"+id, "MM1")
	p.OpenDate = openDate
	return p
}

func TestKeeperAddRemove(t *testing.T) {
	k := NewKeeper(nil)
	k.Add(keeperPosition("p1", "acc1", "EURUSD", "5", 1))

	if _, ok := k.Get("p1"); !ok {
		t.Fatal("Get 未找到已登记仓位")
	}
	if got := k.GetByAccount("acc1"); len(got) != 1 {
		t.Errorf("期望账户仓位 1 个, 实际 %d", len(got))
	}

	k.Remove("p1")
	if _, ok := k.Get("p1"); ok {
		t.Error("注销后不应再找到仓位")
	}
	if got := k.GetByAccount("acc1"); len(got) != 0 {
		t.Errorf("注销后账户仓位应为空, 实际 %d", len(got))
	}

	// 注销不存在的仓位为空操作
	k.Remove("missing")
}

func TestGetOppositeActive(t *testing.T) {
	k := NewKeeper(nil)
	k.Add(keeperPosition("p2", "acc1", "EURUSD", "-3", 20))
	k.Add(keeperPosition("p1", "acc1", "EURUSD", "-5", 10))
	k.Add(keeperPosition("p3", "acc1", "EURUSD", "4", 5))  // 同方向
	k.Add(keeperPosition("p4", "acc2", "EURUSD", "-5", 5)) // 其他账户
	k.Add(keeperPosition("p5", "acc1", "BTCUSD", "-5", 5)) // 其他品种
	closing := keeperPosition("p6", "acc1", "EURUSD", "-5", 1)
	closing.StartClosing(OriginatorInvestor, "manual")
	k.Add(closing) // 非 Active

	got := k.GetOppositeActive("acc1", "EURUSD", types.DirectionBuy)
	if len(got) != 2 {
		t.Fatalf("期望 2 个反向仓位, 实际 %d", len(got))
	}
	// 先开先净
	if got[0].PositionID != "p1" || got[1].PositionID != "p2" {
		t.Errorf("期望按开仓时间排序 [p1 p2], 实际 [%s %s]", got[0].PositionID, got[1].PositionID)
	}
}

func TestSelect(t *testing.T) {
	k := NewKeeper(nil)
	k.Add(keeperPosition("p1", "acc1", "EURUSD", "5", 1))
	k.Add(keeperPosition("p2", "acc1", "EURUSD", "-3", 2))
	k.Add(keeperPosition("p3", "acc2", "EURUSD", "5", 3))

	got := k.Select(func(p *Position) bool {
		return p.AccountID == "acc1" && p.Direction == types.DirectionBuy
	})
	if len(got) != 1 || got[0].PositionID != "p1" {
		t.Errorf("期望筛选出 [p1], 实际 %d 个", len(got))
	}
}

func TestUpdateClosePricesByInstrument(t *testing.T) {
	listener := &recordingListener{}
	k := NewKeeper(listener)
	long := keeperPosition("p1", "acc1", "EURUSD", "5", 1)
	short := keeperPosition("p2", "acc2", "EURUSD", "-5", 2)
	other := keeperPosition("p3", "acc3", "BTCUSD", "5", 3)
	closed := keeperPosition("p4", "acc4", "EURUSD", "5", 4)
	closed.StartClosing(OriginatorInvestor, "manual")
	closed.Close("close-trade", decimal.RequireFromString("1.1000"), OriginatorInvestor, "manual")
	k.Add(long)
	k.Add(short)
	k.Add(other)
	k.Add(closed)

	bid := decimal.RequireFromString("1.0990")
	ask := decimal.RequireFromString("1.1010")
	k.UpdateClosePricesByInstrument("EURUSD", bid, ask)

	// 买入仓位以 bid 平, 卖出仓位以 ask 平
	if !long.Fpl.ClosePrice.Equal(bid) {
		t.Errorf("买入仓位期望参考价 %s, 实际 %s", bid, long.Fpl.ClosePrice)
	}
	if !short.Fpl.ClosePrice.Equal(ask) {
		t.Errorf("卖出仓位期望参考价 %s, 实际 %s", ask, short.Fpl.ClosePrice)
	}
	if !other.Fpl.ClosePrice.IsZero() {
		t.Error("其他品种的仓位不应被刷新")
	}
	if !closed.Fpl.ClosePrice.Equal(decimal.RequireFromString("1.1000")) {
		t.Error("已平仓位不应被刷新")
	}

	// 每个受影响账户通知一次失效, 全部已平的账户不通知
	if len(listener.invalidated) != 2 {
		t.Errorf("期望 2 次账户失效通知, 实际 %d", len(listener.invalidated))
	}
}

// 参考价刷新与持账户锁的仓位变更共用同一把锁, 并发执行不交叠
func TestUpdateClosePricesSerializedWithAccountLock(t *testing.T) {
	k := NewKeeper(nil)
	p := keeperPosition("p1", "acc1", "EURUSD", "100", 1)
	k.Add(p)

	bid := decimal.RequireFromString("1.0990")
	ask := decimal.RequireFromString("1.1010")
	small := decimal.RequireFromString("0.01")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			k.UpdateClosePricesByInstrument("EURUSD", bid, ask)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			lock := k.LockAccount("acc1")
			p.ChargePnL(fmt.Sprintf("swap-%d", i), small)
			lock.Unlock()
		}
	}()
	wg.Wait()

	if !p.Fpl.ClosePrice.Equal(bid) {
		t.Errorf("期望参考价 %s, 实际 %s", bid, p.Fpl.ClosePrice)
	}
	if !p.ChargedPnL().Equal(small.Mul(decimal.NewFromInt(200))) {
		t.Errorf("期望累计已扣盈亏 2, 实际 %s", p.ChargedPnL())
	}
}

func TestUpdateClosePrice(t *testing.T) {
	listener := &recordingListener{}
	k := NewKeeper(listener)
	p := keeperPosition("p1", "acc1", "EURUSD", "5", 1)
	k.Add(p)

	if err := k.UpdateClosePrice("p1", decimal.RequireFromString("1.1005")); err != nil {
		t.Fatalf("UpdateClosePrice 失败: %v", err)
	}
	if len(listener.invalidated) != 1 || listener.invalidated[0] != "acc1" {
		t.Errorf("期望通知 acc1 失效, 实际 %v", listener.invalidated)
	}

	if err := k.UpdateClosePrice("missing", decimal.Zero); err != ErrPositionNotFound {
		t.Errorf("期望 ErrPositionNotFound, 实际 %v", err)
	}
}

func TestSortStableOnEqualOpenDate(t *testing.T) {
	k := NewKeeper(nil)
	now := time.Now().UnixNano()
	k.Add(keeperPosition("pb", "acc1", "EURUSD", "-1", now))
	k.Add(keeperPosition("pa", "acc1", "EURUSD", "-1", now))

	got := k.GetOppositeActive("acc1", "EURUSD", types.DirectionBuy)
	if len(got) != 2 || got[0].PositionID != "pa" {
		t.Error("同开仓时间按仓位ID排序, 保证遍历确定性")
	}
}
