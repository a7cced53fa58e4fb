package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blues/groupbuy/internal/logic"
	"github.com/blues/groupbuy/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore 进程内账本，用于开发与测试
// Atomic 持有全局锁，写入先暂存，fn 成功后才生效
type MemoryStore struct {
	mu       sync.Mutex
	drops    map[common.Hash]*model.Drop
	payouts  []model.Payout
	nextID   int64
	events   map[string]model.DepositEventModel
	cursors  map[string]int64
	transfer func(p model.Payout) error
	deposit  func(ev model.DepositEventModel) error
}

// NewMemoryStore 创建进程内账本
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drops:   make(map[common.Hash]*model.Drop),
		events:  make(map[string]model.DepositEventModel),
		cursors: make(map[string]int64),
	}
}

// OnTransfer 设置转账钩子，返回错误即视为转账失败
func (m *MemoryStore) OnTransfer(fn func(p model.Payout) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfer = fn
}

// OnSaveDeposit 设置充值状态写回钩子，返回错误即视为写入失败
func (m *MemoryStore) OnSaveDeposit(fn func(ev model.DepositEventModel) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deposit = fn
}

type memorySession struct {
	store    *MemoryStore
	drops    map[common.Hash]*model.Drop
	payouts  []model.Payout
	deposits map[string]model.DepositEventModel
}

func (s *memorySession) Drop(id common.Hash) (*model.Drop, error) {
	if d, ok := s.drops[id]; ok {
		return d.Clone(), nil
	}
	return s.store.drops[id].Clone(), nil
}

func (s *memorySession) SaveDrop(d *model.Drop) error {
	s.drops[d.ProductID] = d.Clone()
	return nil
}

func (s *memorySession) Transfer(p model.Payout) error {
	if s.store.transfer != nil {
		if err := s.store.transfer(p); err != nil {
			return err
		}
	}
	s.payouts = append(s.payouts, p)
	return nil
}

func (s *memorySession) Deposit(txHash string, logIndex int64) (*model.DepositEventModel, error) {
	key := depositKey(txHash, logIndex)
	if ev, ok := s.deposits[key]; ok {
		return &ev, nil
	}
	if ev, ok := s.store.events[key]; ok {
		return &ev, nil
	}
	return nil, nil
}

func (s *memorySession) SaveDeposit(ev *model.DepositEventModel) error {
	if s.store.deposit != nil {
		if err := s.store.deposit(*ev); err != nil {
			return err
		}
	}
	s.deposits[depositKey(ev.TxHash, ev.LogIndex)] = *ev
	return nil
}

// Atomic 实现 logic.Backend
func (m *MemoryStore) Atomic(ctx context.Context, fn func(s logic.Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &memorySession{
		store:    m,
		drops:    make(map[common.Hash]*model.Drop),
		deposits: make(map[string]model.DepositEventModel),
	}
	if err := fn(s); err != nil {
		return err
	}
	for id, d := range s.drops {
		m.drops[id] = d
	}
	for key, ev := range s.deposits {
		m.events[key] = ev
	}
	for _, p := range s.payouts {
		m.nextID++
		p.ID = m.nextID
		if p.Status == "" {
			p.Status = model.PayoutStatusPending
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
		}
		p.UpdatedAt = p.CreatedAt
		m.payouts = append(m.payouts, p)
	}
	return nil
}

// Drop 实现 logic.Backend
func (m *MemoryStore) Drop(ctx context.Context, id common.Hash) (*model.Drop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops[id].Clone(), nil
}

// OpenDrops 实现 logic.Backend
func (m *MemoryStore) OpenDrops(ctx context.Context) ([]common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []common.Hash
	for id, d := range m.drops {
		if !d.Canceled && !d.Settled {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Hex() < ids[j].Hex() })
	return ids, nil
}

// Payouts 实现 logic.Backend
func (m *MemoryStore) Payouts(ctx context.Context, id common.Hash) ([]model.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []model.Payout
	for _, p := range m.payouts {
		if p.ProductID == id {
			result = append(result, p)
		}
	}
	return result, nil
}

// AllPayouts 所有出款，按写入顺序
func (m *MemoryStore) AllPayouts() []model.Payout {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]model.Payout, len(m.payouts))
	copy(result, m.payouts)
	return result
}

// ClaimPending 领取待发送出款
func (m *MemoryStore) ClaimPending(ctx context.Context, limit int) ([]model.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []model.Payout
	for i := range m.payouts {
		if len(claimed) >= limit {
			break
		}
		if m.payouts[i].Status == model.PayoutStatusPending {
			m.payouts[i].Status = model.PayoutStatusSending
			m.payouts[i].UpdatedAt = time.Now()
			claimed = append(claimed, m.payouts[i])
		}
	}
	return claimed, nil
}

// ReleaseStale 把 before 之前领取但未落库交易的出款放回待发送
func (m *MemoryStore) ReleaseStale(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for i := range m.payouts {
		p := &m.payouts[i]
		if p.Status == model.PayoutStatusSending && p.UpdatedAt.Before(before) {
			p.Status = model.PayoutStatusPending
			p.UpdatedAt = time.Now()
			released++
		}
	}
	return released, nil
}

// MarkSubmitted 广播前保存已签名交易
func (m *MemoryStore) MarkSubmitted(ctx context.Context, id int64, txHash common.Hash, nonce uint64, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.payoutByID(id)
	if err != nil {
		return err
	}
	if p.Status != model.PayoutStatusSending {
		return fmt.Errorf("payout %d is no longer sending", id)
	}
	p.Status = model.PayoutStatusSubmitted
	p.TxHash = txHash
	p.Nonce = nonce
	p.RawTx = append([]byte(nil), raw...)
	p.UpdatedAt = time.Now()
	return nil
}

// Submitted 已广播、等待核对的出款
func (m *MemoryStore) Submitted(ctx context.Context, limit int) ([]model.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []model.Payout
	for _, p := range m.payouts {
		if len(result) >= limit {
			break
		}
		if p.Status == model.PayoutStatusSubmitted {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *MemoryStore) payoutByID(id int64) (*model.Payout, error) {
	for i := range m.payouts {
		if m.payouts[i].ID == id {
			return &m.payouts[i], nil
		}
	}
	return nil, fmt.Errorf("payout %d not found", id)
}

// MarkSent 记录上链交易
func (m *MemoryStore) MarkSent(ctx context.Context, id int64, txHash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.payoutByID(id)
	if err != nil {
		return err
	}
	p.Status = model.PayoutStatusSent
	p.TxHash = txHash
	p.LastError = ""
	p.UpdatedAt = time.Now()
	return nil
}

// MarkRetry 发送失败，次数用尽后置为失败
func (m *MemoryStore) MarkRetry(ctx context.Context, id int64, cause error, maxAttempts int) (model.PayoutStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.payoutByID(id)
	if err != nil {
		return "", err
	}
	p.Attempts++
	p.LastError = cause.Error()
	p.Status = model.PayoutStatusPending
	if p.Attempts >= maxAttempts {
		p.Status = model.PayoutStatusFailed
	}
	p.UpdatedAt = time.Now()
	return p.Status, nil
}

func depositKey(txHash string, logIndex int64) string {
	return fmt.Sprintf("%s:%d", txHash, logIndex)
}

// RecordDeposit 记录充值事件，返回是否需要处理
func (m *MemoryStore) RecordDeposit(ctx context.Context, ev *model.DepositEventModel) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := depositKey(ev.TxHash, ev.LogIndex)
	if existing, ok := m.events[key]; ok {
		return existing.Status == model.DepositStatusPending, nil
	}
	if ev.Status == "" {
		ev.Status = model.DepositStatusPending
	}
	m.events[key] = *ev
	return true, nil
}

// Deposit 读取充值事件
func (m *MemoryStore) Deposit(txHash string, logIndex int64) (model.DepositEventModel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[depositKey(txHash, logIndex)]
	return ev, ok
}

// Cursor 读取扫描游标
func (m *MemoryStore) Cursor(ctx context.Context, name string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.cursors[name]
	return block, ok, nil
}

// SaveCursor 保存扫描游标
func (m *MemoryStore) SaveCursor(ctx context.Context, name string, block int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[name] = block
	return nil
}
