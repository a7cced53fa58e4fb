package logic

import (
	"context"
	"time"

	"github.com/blues/groupbuy/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

// Session 一次原子操作内可用的账本读写与转账
type Session interface {
	// Drop 读取团购记录，不存在时返回 nil, nil
	Drop(id common.Hash) (*model.Drop, error)
	// SaveDrop 写入团购记录
	SaveDrop(drop *model.Drop) error
	// Transfer 转出资金，失败时整个操作回滚
	Transfer(p model.Payout) error
	// Deposit 读取已记录的链上充值，不存在时返回 nil, nil
	Deposit(txHash string, logIndex int64) (*model.DepositEventModel, error)
	// SaveDeposit 写回充值处理结果，与入账或退回同时生效
	SaveDeposit(ev *model.DepositEventModel) error
}

// Backend 账本存储与出款的组合
type Backend interface {
	// Atomic 执行 fn，fn 返回错误时其中的写入和转账全部作废
	Atomic(ctx context.Context, fn func(s Session) error) error
	// Drop 只读查询，不加行锁，不存在时返回 nil, nil
	Drop(ctx context.Context, id common.Hash) (*model.Drop, error)
	// OpenDrops 未被标记为取消或结算的团购
	OpenDrops(ctx context.Context) ([]common.Hash, error)
	// Payouts 团购的出款记录
	Payouts(ctx context.Context, id common.Hash) ([]model.Payout, error)
}

// Locker 按团购加锁
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Clock 当前时间
type Clock interface {
	Now() time.Time
}

// SystemClock 系统时间
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// MockClock 测试用时钟，时间可控
type MockClock struct{ currentTime time.Time }

func NewMockClock(initial time.Time) *MockClock { return &MockClock{currentTime: initial} }

func (c *MockClock) Now() time.Time { return c.currentTime }

// Advance 推进时间
func (c *MockClock) Advance(d time.Duration) { c.currentTime = c.currentTime.Add(d) }

// Params 部署时确定的全局参数
type Params struct {
	Owner             common.Address
	MinFundingWindow  time.Duration
	MinOrderingWindow time.Duration
}
