package logic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/blues/groupbuy/internal/logger"
	"github.com/blues/groupbuy/internal/metrics"
	"github.com/blues/groupbuy/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

// InitiateRequest 发起团购参数
type InitiateRequest struct {
	ProductID        common.Hash
	Price            uint64
	MinAmount        uint64
	FundingDeadline  time.Time
	OrderingDeadline time.Time
}

// Receipt 一次成功操作的结果
type Receipt struct {
	ProductID common.Hash     `json:"productId"`
	State     model.DropState `json:"state"`
	Payouts   []model.Payout  `json:"payouts"`

	// 仅链上充值入账时填写
	Deposit      model.DepositStatus `json:"deposit,omitempty"`
	RejectReason string              `json:"rejectReason,omitempty"`
}

// DropView 团购查询结果
type DropView struct {
	Drop    *model.Drop               `json:"drop"`
	State   model.DropState           `json:"state"`
	Funders map[int]model.FunderEntry `json:"funders"`
}

// DropLogic 团购托管业务逻辑
type DropLogic struct {
	backend Backend
	locker  Locker
	clock   Clock
	params  Params
}

// NewDropLogic 创建团购业务逻辑
func NewDropLogic(backend Backend, locker Locker, clock Clock, params Params) *DropLogic {
	if clock == nil {
		clock = SystemClock{}
	}
	return &DropLogic{
		backend: backend,
		locker:  locker,
		clock:   clock,
		params:  params,
	}
}

// Params 全局参数
func (l *DropLogic) Params() Params {
	return l.params
}

// Now 当前时间
func (l *DropLogic) Now() time.Time {
	return l.clock.Now()
}

// txn 一次加锁的原子操作上下文
type txn struct {
	session Session
	now     time.Time
	receipt *Receipt
}

// pay 记录一笔转出，金额为0时不转
func (t *txn) pay(to common.Address, amount uint64, kind model.PayoutKind) error {
	if amount == 0 {
		return nil
	}
	p := model.Payout{
		ProductID: t.receipt.ProductID,
		To:        to,
		Amount:    amount,
		Kind:      kind,
		Status:    model.PayoutStatusPending,
		CreatedAt: t.now,
	}
	if err := t.session.Transfer(p); err != nil {
		if errors.Is(err, ErrTransferFailed) {
			return err
		}
		return fmt.Errorf("%w: %s %d to %s: %v", ErrTransferFailed, kind, amount, to.Hex(), err)
	}
	t.receipt.Payouts = append(t.receipt.Payouts, p)
	return nil
}

// load 读取已存在的团购
func (t *txn) load() (*model.Drop, error) {
	d, err := t.session.Drop(t.receipt.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to load drop: %w", err)
	}
	if !d.Exists() {
		return nil, fmt.Errorf("%w: drop %s", ErrNotFound, t.receipt.ProductID.Hex())
	}
	return d, nil
}

// save 写回团购并在回执中记录写入后的状态
func (t *txn) save(d *model.Drop) error {
	if err := t.session.SaveDrop(d); err != nil {
		return fmt.Errorf("failed to save drop: %w", err)
	}
	t.receipt.State = model.DeriveState(d, t.now)
	return nil
}

// mutate 在单个团购的锁内执行原子操作，任何错误都不留下状态变更
func (l *DropLogic) mutate(ctx context.Context, op string, id common.Hash, fn func(t *txn) error) (*Receipt, error) {
	receipt, err := l.run(ctx, id, fn)
	metrics.DropOperations.WithLabelValues(op, ErrorKind(err)).Inc()
	if err != nil {
		if IsRejection(err) {
			logger.Debug("%s rejected for drop %s: %v", op, id.Hex(), err)
		} else {
			logger.Error("%s failed for drop %s: %v", op, id.Hex(), err)
		}
		return nil, err
	}
	for _, p := range receipt.Payouts {
		metrics.Payouts.WithLabelValues(string(p.Kind)).Inc()
	}
	logger.Info("%s drop %s: state=%s payouts=%d", op, id.Hex(), receipt.State, len(receipt.Payouts))
	return receipt, nil
}

func (l *DropLogic) run(ctx context.Context, id common.Hash, fn func(t *txn) error) (*Receipt, error) {
	unlock, err := l.locker.Lock(ctx, id.Hex())
	if err != nil {
		return nil, fmt.Errorf("failed to lock drop %s: %w", id.Hex(), err)
	}
	defer unlock()

	var receipt *Receipt
	err = l.backend.Atomic(ctx, func(s Session) error {
		receipt = &Receipt{ProductID: id}
		return fn(&txn{session: s, now: l.clock.Now(), receipt: receipt})
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (l *DropLogic) requireOwner(caller common.Address) error {
	if caller != l.params.Owner {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller.Hex())
	}
	return nil
}

// Initiate 发起团购，仅限发起人
func (l *DropLogic) Initiate(ctx context.Context, req InitiateRequest, caller common.Address) (*Receipt, error) {
	return l.mutate(ctx, "initiate", req.ProductID, func(t *txn) error {
		if err := l.requireOwner(caller); err != nil {
			return err
		}
		if req.Price == 0 {
			return fmt.Errorf("%w: price must be positive", ErrInvalidParameter)
		}

		existing, err := t.session.Drop(req.ProductID)
		if err != nil {
			return fmt.Errorf("failed to load drop: %w", err)
		}
		if existing.Exists() {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, req.ProductID.Hex())
		}

		if !req.FundingDeadline.After(t.now.Add(l.params.MinFundingWindow)) {
			return fmt.Errorf("%w: funding deadline must be later than %s", ErrInvalidParameter,
				t.now.Add(l.params.MinFundingWindow).Format(time.RFC3339))
		}
		if !req.OrderingDeadline.After(req.FundingDeadline) {
			return fmt.Errorf("%w: ordering deadline must be after funding deadline", ErrInvalidParameter)
		}
		if req.OrderingDeadline.Sub(req.FundingDeadline) <= l.params.MinOrderingWindow {
			return fmt.Errorf("%w: ordering window must exceed %s", ErrInvalidParameter, l.params.MinOrderingWindow)
		}

		return t.save(&model.Drop{
			ProductID:        req.ProductID,
			Price:            req.Price,
			MinAmount:        req.MinAmount,
			FundingDeadline:  req.FundingDeadline,
			OrderingDeadline: req.OrderingDeadline,
		})
	})
}

// Fund 出资，仅在募资期内
func (l *DropLogic) Fund(ctx context.Context, id common.Hash, value uint64, caller common.Address) (*Receipt, error) {
	return l.mutate(ctx, "fund", id, func(t *txn) error {
		return l.fund(t, value, caller)
	})
}

// fund 所有校验都在修改之前，返回拒绝类错误时账本未被触碰
func (l *DropLogic) fund(t *txn, value uint64, caller common.Address) error {
	if caller == (common.Address{}) {
		return fmt.Errorf("%w: empty caller", ErrInvalidParameter)
	}
	if value == 0 {
		return fmt.Errorf("%w: value must be positive", ErrInvalidParameter)
	}
	d, err := t.load()
	if err != nil {
		return err
	}
	if state := model.DeriveState(d, t.now); state != model.DropStateFunding {
		return fmt.Errorf("%w: fund in %s", ErrIllegalState, state)
	}

	idx := d.FunderIndex(caller)
	var balance uint64
	if idx >= 0 {
		balance = d.Funders[idx].Amount
	}
	if balance > math.MaxUint64-value || d.Raised > math.MaxUint64-value {
		return fmt.Errorf("%w: amount overflow", ErrInvalidParameter)
	}
	if balance+value < d.MinAmount {
		return fmt.Errorf("%w: balance %d below minimum %d", ErrInsufficientAmount, balance+value, d.MinAmount)
	}

	if idx < 0 {
		d.Funders = append(d.Funders, model.FunderEntry{Address: caller})
		idx = len(d.Funders) - 1
	}
	d.Funders[idx].Amount += value
	d.Raised += value
	return t.save(d)
}

// Withdraw 撤资，仅在募资期内；全部撤出时清空条目
func (l *DropLogic) Withdraw(ctx context.Context, id common.Hash, amount uint64, caller common.Address) (*Receipt, error) {
	return l.mutate(ctx, "withdraw", id, func(t *txn) error {
		if amount == 0 {
			return fmt.Errorf("%w: amount must be positive", ErrInvalidParameter)
		}
		d, err := t.load()
		if err != nil {
			return err
		}
		if state := model.DeriveState(d, t.now); state != model.DropStateFunding {
			return fmt.Errorf("%w: withdraw in %s", ErrIllegalState, state)
		}

		idx := d.FunderIndex(caller)
		if idx < 0 {
			return fmt.Errorf("%w: no funder entry for %s", ErrNotFound, caller.Hex())
		}
		balance := d.Funders[idx].Amount
		if amount > balance {
			return fmt.Errorf("%w: withdraw %d exceeds balance %d", ErrExcessAmount, amount, balance)
		}

		if amount == balance {
			d.ClearFunder(idx)
		} else {
			if balance-amount < d.MinAmount {
				return fmt.Errorf("%w: remaining %d below minimum %d", ErrInsufficientAmount, balance-amount, d.MinAmount)
			}
			d.Funders[idx].Amount -= amount
		}
		d.Raised -= amount

		if err := t.pay(caller, amount, model.PayoutKindWithdraw); err != nil {
			return err
		}
		return t.save(d)
	})
}

// refundAll 倒序全额退回所有有效条目
func (t *txn) refundAll(d *model.Drop) error {
	for i := len(d.Funders) - 1; i >= 0; i-- {
		f := d.Funders[i]
		if !f.Active() {
			continue
		}
		d.ClearFunder(i)
		if err := t.pay(f.Address, f.Amount, model.PayoutKindRefund); err != nil {
			return err
		}
	}
	d.Raised = 0
	d.Canceled = true
	return nil
}

// Cancel 取消团购并全额退款，仅限发起人
func (l *DropLogic) Cancel(ctx context.Context, id common.Hash, caller common.Address) (*Receipt, error) {
	return l.mutate(ctx, "cancel", id, func(t *txn) error {
		if err := l.requireOwner(caller); err != nil {
			return err
		}
		d, err := t.load()
		if err != nil {
			return err
		}
		state := model.DeriveState(d, t.now)
		if state != model.DropStateFunding && state != model.DropStateOrdering {
			return fmt.Errorf("%w: cancel in %s", ErrIllegalState, state)
		}
		if d.Settled {
			return fmt.Errorf("%w: drop already settled", ErrIllegalState)
		}
		if err := t.refundAll(d); err != nil {
			return err
		}
		return t.save(d)
	})
}

// SettleUp 结算：向发起人支付 spent，剩余部分按比例退回
func (l *DropLogic) SettleUp(ctx context.Context, id common.Hash, proof common.Hash, spent uint64, caller common.Address) (*Receipt, error) {
	return l.mutate(ctx, "settle", id, func(t *txn) error {
		if err := l.requireOwner(caller); err != nil {
			return err
		}
		d, err := t.load()
		if err != nil {
			return err
		}
		if state := model.DeriveState(d, t.now); state != model.DropStateOrdering {
			return fmt.Errorf("%w: settle in %s", ErrIllegalState, state)
		}
		if d.Settled {
			return fmt.Errorf("%w: drop already settled", ErrIllegalState)
		}
		if spent > d.Price {
			return fmt.Errorf("%w: spent %d exceeds price %d", ErrExcessAmount, spent, d.Price)
		}

		lines := planSettlement(d, spent)
		if err := t.pay(l.params.Owner, spent, model.PayoutKindSettleOwner); err != nil {
			return err
		}
		for _, line := range lines {
			d.ClearFunder(line.Index)
			if err := t.pay(line.To, line.Refund, model.PayoutKindSettleRefund); err != nil {
				return err
			}
		}

		d.Raised = 0
		d.Proof = proof
		d.Settled = true
		return t.save(d)
	})
}

// Expire 释放被隐式取消的团购资金，任何人可调用
func (l *DropLogic) Expire(ctx context.Context, id common.Hash) (*Receipt, error) {
	return l.mutate(ctx, "expire", id, func(t *txn) error {
		d, err := t.load()
		if err != nil {
			return err
		}
		if d.Canceled || d.Settled {
			return fmt.Errorf("%w: drop already closed", ErrIllegalState)
		}
		if state := model.DeriveState(d, t.now); state != model.DropStateCanceled {
			return fmt.Errorf("%w: expire in %s", ErrIllegalState, state)
		}
		if err := t.refundAll(d); err != nil {
			return err
		}
		return t.save(d)
	})
}

// CreditDeposit 处理一笔已记录的链上充值：能出资就入账，否则原路退回
// 入账或退回与充值记录的状态写回在同一个原子操作中，已处理过的充值返回 ErrAlreadyExists
func (l *DropLogic) CreditDeposit(ctx context.Context, ev *model.DepositEventModel) (*Receipt, error) {
	id := common.HexToHash(ev.ProductId)
	funder := common.HexToAddress(ev.Funder)
	return l.mutate(ctx, "credit_deposit", id, func(t *txn) error {
		current, err := t.session.Deposit(ev.TxHash, ev.LogIndex)
		if err != nil {
			return fmt.Errorf("failed to load deposit: %w", err)
		}
		if current == nil {
			return fmt.Errorf("%w: deposit %s#%d not recorded", ErrNotFound, ev.TxHash, ev.LogIndex)
		}
		if current.Status != model.DepositStatusPending {
			return fmt.Errorf("%w: deposit %s#%d already %s", ErrAlreadyExists, ev.TxHash, ev.LogIndex, current.Status)
		}

		fundErr := l.fund(t, current.Amount, funder)
		switch {
		case fundErr == nil:
			current.Status = model.DepositStatusAccepted
			current.RejectReason = ""
		case IsRejection(fundErr):
			// 零地址无法退回，只记录结果
			if funder != (common.Address{}) {
				if err := t.pay(funder, current.Amount, model.PayoutKindBounce); err != nil {
					return err
				}
			}
			if d, err := t.session.Drop(id); err == nil && d.Exists() {
				t.receipt.State = model.DeriveState(d, t.now)
			}
			current.Status = model.DepositStatusBounced
			current.RejectReason = fundErr.Error()
		default:
			return fundErr
		}

		if err := t.session.SaveDeposit(current); err != nil {
			return fmt.Errorf("failed to save deposit: %w", err)
		}
		t.receipt.Deposit = current.Status
		t.receipt.RejectReason = current.RejectReason
		return nil
	})
}

// GetDrop 查询团购及当前推导状态
func (l *DropLogic) GetDrop(ctx context.Context, id common.Hash) (*DropView, error) {
	d, err := l.backend.Drop(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load drop: %w", err)
	}
	if !d.Exists() {
		return nil, fmt.Errorf("%w: drop %s", ErrNotFound, id.Hex())
	}
	return &DropView{
		Drop:    d,
		State:   model.DeriveState(d, l.clock.Now()),
		Funders: d.ActiveFunders(),
	}, nil
}

// ListPayouts 查询团购出款记录
func (l *DropLogic) ListPayouts(ctx context.Context, id common.Hash) ([]model.Payout, error) {
	if _, err := l.GetDrop(ctx, id); err != nil {
		return nil, err
	}
	payouts, err := l.backend.Payouts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	return payouts, nil
}

// ExpiredDrops 扫描所有未关闭团购，返回推导为已取消、需要释放资金的团购
func (l *DropLogic) ExpiredDrops(ctx context.Context) ([]common.Hash, error) {
	ids, err := l.backend.OpenDrops(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open drops: %w", err)
	}
	now := l.clock.Now()
	var due []common.Hash
	for _, id := range ids {
		view, err := l.GetDrop(ctx, id)
		if err != nil {
			logger.Warn("Failed to load open drop %s: %v", id.Hex(), err)
			continue
		}
		if model.DeriveState(view.Drop, now) == model.DropStateCanceled {
			due = append(due, id)
		}
	}
	return due, nil
}
