package position

import (
	"sort"
	"sync"

	"margin-core/pkg/types"

	"github.com/shopspring/decimal"
)

// AccountStateListener 账户级缓存失效通知。
// 平仓参考价变化后, 持有该账户盈亏缓存的一方必须重算。
type AccountStateListener interface {
	InvalidateAccount(accountID string)
}

// Keeper 仓位登记簿。
// 注册表本身用读写锁保护; 单个仓位的变更不在仓位内部加锁,
// 所有写入方(订单处理管道、参考价刷新)必须先通过 LockAccount
// 取得账户锁再操作该账户的仓位。
type Keeper struct {
	positions map[string]*Position
	byAccount map[string]map[string]*Position
	mu        sync.RWMutex
	listener  AccountStateListener

	accountLocks map[string]*sync.Mutex
	lockMu       sync.Mutex
}

// NewKeeper 创建登记簿
func NewKeeper(listener AccountStateListener) *Keeper {
	return &Keeper{
		positions:    make(map[string]*Position),
		byAccount:    make(map[string]map[string]*Position),
		listener:     listener,
		accountLocks: make(map[string]*sync.Mutex),
	}
}

// LockAccount 账户级互斥: 持锁期间独占该账户全部仓位的变更权,
// 调用方负责 Unlock。同一把锁同时串行化订单处理与参考价刷新。
func (k *Keeper) LockAccount(accountID string) *sync.Mutex {
	k.lockMu.Lock()
	lock, ok := k.accountLocks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		k.accountLocks[accountID] = lock
	}
	k.lockMu.Unlock()
	lock.Lock()
	return lock
}

// Add 登记新仓位
func (k *Keeper) Add(p *Position) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.positions[p.PositionID] = p
	if k.byAccount[p.AccountID] == nil {
		k.byAccount[p.AccountID] = make(map[string]*Position)
	}
	k.byAccount[p.AccountID][p.PositionID] = p
}

// Get 按ID获取
func (k *Keeper) Get(positionID string) (*Position, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	p, ok := k.positions[positionID]
	return p, ok
}

// Remove 注销仓位(终态清理)
func (k *Keeper) Remove(positionID string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	p, ok := k.positions[positionID]
	if !ok {
		return
	}
	delete(k.positions, positionID)
	if accountPositions, ok := k.byAccount[p.AccountID]; ok {
		delete(accountPositions, positionID)
		if len(accountPositions) == 0 {
			delete(k.byAccount, p.AccountID)
		}
	}
}

// GetByAccount 账户全部仓位, 按开仓时间排序
func (k *Keeper) GetByAccount(accountID string) []*Position {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return sortByOpenDate(k.collect(func(p *Position) bool {
		return p.AccountID == accountID
	}))
}

// GetOppositeActive 与订单同账户同品种、方向相反且 Active 的仓位,
// 按开仓时间先后排序(先开先净)。
func (k *Keeper) GetOppositeActive(accountID, instrument string, orderDirection types.OrderDirection) []*Position {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return sortByOpenDate(k.collect(func(p *Position) bool {
		return p.AccountID == accountID &&
			p.Instrument == instrument &&
			p.Status == StatusActive &&
			p.Direction == orderDirection.Opposite()
	}))
}

// GetByInstrument 品种全部仓位
func (k *Keeper) GetByInstrument(instrument string) []*Position {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return sortByOpenDate(k.collect(func(p *Position) bool {
		return p.Instrument == instrument
	}))
}

// Select 按谓词筛选(组平仓用)
func (k *Keeper) Select(match func(*Position) bool) []*Position {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return sortByOpenDate(k.collect(match))
}

// 必须在持锁状态下调用
func (k *Keeper) collect(match func(*Position) bool) []*Position {
	result := make([]*Position, 0, 8)
	for _, p := range k.positions {
		if match(p) {
			result = append(result, p)
		}
	}
	return result
}

func sortByOpenDate(positions []*Position) []*Position {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].OpenDate == positions[j].OpenDate {
			return positions[i].PositionID < positions[j].PositionID
		}
		return positions[i].OpenDate < positions[j].OpenDate
	})
	return positions
}

// UpdateClosePrice 更新仓位平仓参考价并通知账户缓存失效
func (k *Keeper) UpdateClosePrice(positionID string, price decimal.Decimal) error {
	k.mu.RLock()
	p, ok := k.positions[positionID]
	k.mu.RUnlock()
	if !ok {
		return ErrPositionNotFound
	}

	lock := k.LockAccount(p.AccountID)
	p.UpdateClosePrice(price)
	lock.Unlock()
	if k.listener != nil {
		k.listener.InvalidateAccount(p.AccountID)
	}
	return nil
}

// UpdateClosePricesByInstrument 品种最优价变动时批量刷新 Active/Closing 仓位的参考价。
// 逐账户取锁, 与同账户的订单处理事务互斥。
func (k *Keeper) UpdateClosePricesByInstrument(instrument string, bid, ask decimal.Decimal) {
	// 谓词只读不可变字段, 状态留到取得账户锁之后再判
	k.mu.RLock()
	positions := k.collect(func(p *Position) bool {
		return p.Instrument == instrument
	})
	k.mu.RUnlock()

	byAccount := make(map[string][]*Position)
	for _, p := range positions {
		byAccount[p.AccountID] = append(byAccount[p.AccountID], p)
	}
	for accountID, accountPositions := range byAccount {
		touched := false
		lock := k.LockAccount(accountID)
		for _, p := range accountPositions {
			if p.Status == StatusClosed {
				continue
			}
			// 买入仓位以 bid 平, 卖出仓位以 ask 平
			if p.Direction == types.DirectionBuy {
				p.UpdateClosePrice(bid)
			} else {
				p.UpdateClosePrice(ask)
			}
			touched = true
		}
		lock.Unlock()
		if touched && k.listener != nil {
			k.listener.InvalidateAccount(accountID)
		}
	}
}
