package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DropState 团购状态，由持久化字段和当前时间推导，从不存储
type DropState string

const (
	DropStateFunding  DropState = "funding"  // 募资中
	DropStateOrdering DropState = "ordering" // 下单中
	DropStateSettled  DropState = "settled"  // 已结算
	DropStateCanceled DropState = "canceled" // 已取消
)

// FunderEntry 出资人账本条目，清空后地址为零地址、余额为0，但保留下标
type FunderEntry struct {
	Address common.Address `json:"address"`
	Amount  uint64         `json:"amount"`
}

// Active 条目是否仍然有效
func (e FunderEntry) Active() bool {
	return e.Address != (common.Address{})
}

// Drop 单个商品的一轮团购
type Drop struct {
	ProductID        common.Hash   `json:"productId"`
	Price            uint64        `json:"price"`
	MinAmount        uint64        `json:"minAmount"`
	FundingDeadline  time.Time     `json:"fundingDeadline"`
	OrderingDeadline time.Time     `json:"orderingDeadline"`
	Raised           uint64        `json:"raised"`
	Proof            common.Hash   `json:"proof"`
	Canceled         bool          `json:"canceled"`
	Settled          bool          `json:"settled"`
	Funders          []FunderEntry `json:"funders"`
}

// Exists price 为0的记录视为不存在
func (d *Drop) Exists() bool {
	return d != nil && d.Price > 0
}

// FunderIndex 查找出资人下标，不存在返回 -1
func (d *Drop) FunderIndex(addr common.Address) int {
	for i, f := range d.Funders {
		if f.Active() && f.Address == addr {
			return i
		}
	}
	return -1
}

// ClearFunder 清空指定下标的条目，不压缩数组
func (d *Drop) ClearFunder(i int) {
	d.Funders[i] = FunderEntry{}
}

// ActiveFunders 返回所有有效条目，键为下标
func (d *Drop) ActiveFunders() map[int]FunderEntry {
	result := make(map[int]FunderEntry)
	for i, f := range d.Funders {
		if f.Active() {
			result[i] = f
		}
	}
	return result
}

// Clone 深拷贝
func (d *Drop) Clone() *Drop {
	if d == nil {
		return nil
	}
	c := *d
	c.Funders = make([]FunderEntry, len(d.Funders))
	copy(c.Funders, d.Funders)
	return &c
}

// DeriveState 推导团购状态，规则按顺序匹配，顺序本身是约定的一部分
// settled 标记先于目标判断，因为结算会把 raised 清零
func DeriveState(d *Drop, now time.Time) DropState {
	if d.Canceled {
		return DropStateCanceled
	}
	if now.Before(d.FundingDeadline) {
		return DropStateFunding
	}
	if d.Settled {
		// 结算后 raised 已归零，不再参与目标判断
		if now.Before(d.OrderingDeadline) {
			return DropStateOrdering
		}
		return DropStateSettled
	}
	if d.Raised < d.Price {
		// 未达目标，隐式取消
		return DropStateCanceled
	}
	if now.Before(d.OrderingDeadline) {
		return DropStateOrdering
	}
	// 下单窗口内未结算
	return DropStateCanceled
}

// ProductID 使用 Keccak-256 对商品描述求哈希作为商品标识
func ProductID(description string) common.Hash {
	return crypto.Keccak256Hash([]byte(description))
}
