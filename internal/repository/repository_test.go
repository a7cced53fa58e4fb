package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/blues/groupbuy/internal/config"
	"github.com/blues/groupbuy/internal/lock"
	"github.com/blues/groupbuy/internal/logic"
	"github.com/blues/groupbuy/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	owner   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	product = model.ProductID("repository test product")
	start   = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// 每个测试独立的共享内存库，单连接避免表锁冲突
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: path})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestLogic(t *testing.T, db *gorm.DB) (*logic.DropLogic, *logic.MockClock) {
	t.Helper()
	clock := logic.NewMockClock(start)
	l := logic.NewDropLogic(NewDropRepository(db), lock.NewLocal(), clock, logic.Params{
		Owner:             owner,
		MinFundingWindow:  time.Hour,
		MinOrderingWindow: time.Hour,
	})
	return l, clock
}

func initiate(t *testing.T, l *logic.DropLogic) {
	t.Helper()
	_, err := l.Initiate(context.Background(), logic.InitiateRequest{
		ProductID:        product,
		Price:            10000,
		MinAmount:        500,
		FundingDeadline:  start.Add(48 * time.Hour),
		OrderingDeadline: start.Add(96 * time.Hour),
	}, owner)
	require.NoError(t, err)
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestDropRepositoryRoundTrip(t *testing.T) {
	db := newTestDB(t)
	l, _ := newTestLogic(t, db)
	ctx := context.Background()

	view, err := l.GetDrop(ctx, product)
	assert.ErrorIs(t, err, logic.ErrNotFound)
	assert.Nil(t, view)

	initiate(t, l)
	_, err = l.Fund(ctx, product, 1000, alice)
	require.NoError(t, err)
	_, err = l.Fund(ctx, product, 2000, bob)
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, product, 1000, alice)
	require.NoError(t, err)

	view, err = l.GetDrop(ctx, product)
	require.NoError(t, err)
	assert.Equal(t, uint64(10000), view.Drop.Price)
	assert.True(t, view.Drop.FundingDeadline.Equal(start.Add(48*time.Hour)))
	assert.Equal(t, uint64(2000), view.Drop.Raised)
	require.Len(t, view.Drop.Funders, 2)
	assert.False(t, view.Drop.Funders[0].Active(), "cleared slot survives the round trip")
	assert.Equal(t, bob, view.Drop.Funders[1].Address)
	assert.Equal(t, model.DropStateFunding, view.State)

	var slots int64
	require.NoError(t, db.Model(&model.DropFunderModel{}).Count(&slots).Error)
	assert.Equal(t, int64(2), slots)

	payouts, err := l.ListPayouts(ctx, product)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, alice, payouts[0].To)
	assert.Equal(t, model.PayoutStatusPending, payouts[0].Status)
	assert.NotZero(t, payouts[0].ID)
}

func TestDropRepositoryRollback(t *testing.T) {
	db := newTestDB(t)
	l, _ := newTestLogic(t, db)
	initiate(t, l)
	ctx := context.Background()

	repo := NewDropRepository(db)
	boom := errors.New("boom")
	err := repo.Atomic(ctx, func(s logic.Session) error {
		d, err := s.Drop(product)
		require.NoError(t, err)
		d.Raised = 42
		require.NoError(t, s.SaveDrop(d))
		require.NoError(t, s.Transfer(model.Payout{ProductID: product, To: alice, Amount: 42, Kind: model.PayoutKindRefund}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	view, err := l.GetDrop(ctx, product)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), view.Drop.Raised)

	payouts, err := repo.Payouts(ctx, product)
	require.NoError(t, err)
	assert.Empty(t, payouts)
}

func TestDropRepositoryOpenDrops(t *testing.T) {
	db := newTestDB(t)
	l, clock := newTestLogic(t, db)
	initiate(t, l)
	ctx := context.Background()
	repo := NewDropRepository(db)

	ids, err := repo.OpenDrops(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{product}, ids)

	_, err = l.Fund(ctx, product, 600, alice)
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	_, err = l.Expire(ctx, product)
	require.NoError(t, err)

	ids, err = repo.OpenDrops(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPayoutQueue(t *testing.T) {
	db := newTestDB(t)
	l, clock := newTestLogic(t, db)
	initiate(t, l)
	ctx := context.Background()

	for _, a := range []common.Address{alice, bob} {
		_, err := l.Fund(ctx, product, 6000, a)
		require.NoError(t, err)
	}
	clock.Advance(50 * time.Hour)
	_, err := l.SettleUp(ctx, product, common.HexToHash("0x01"), 9000, owner)
	require.NoError(t, err)

	queue := NewPayoutRepository(db)
	claimed, err := queue.ClaimPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, model.PayoutKindSettleOwner, claimed[0].Kind)
	assert.Equal(t, model.PayoutStatusSending, claimed[0].Status)

	rest, err := queue.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)

	tx := common.HexToHash("0xabc")
	require.NoError(t, queue.MarkSent(ctx, claimed[0].ID, tx))

	status, err := queue.MarkRetry(ctx, claimed[1].ID, errors.New("nonce too low"), 2)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusPending, status)
	status, err = queue.MarkRetry(ctx, claimed[1].ID, errors.New("nonce too low"), 2)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusFailed, status)

	payouts, err := l.ListPayouts(ctx, product)
	require.NoError(t, err)
	require.Len(t, payouts, 3)
	assert.Equal(t, model.PayoutStatusSent, payouts[0].Status)
	assert.Equal(t, tx, payouts[0].TxHash)
	assert.Equal(t, model.PayoutStatusFailed, payouts[1].Status)
	assert.Equal(t, 2, payouts[1].Attempts)
	assert.Equal(t, "nonce too low", payouts[1].LastError)
	assert.Equal(t, model.PayoutStatusSending, payouts[2].Status)

	// 领取后未落库交易的出款可以放回队列
	released, err := queue.ReleaseStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, released)
	released, err = queue.ReleaseStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Error(t, queue.MarkSubmitted(ctx, rest[0].ID, common.HexToHash("0xdef"), 7, []byte{0x01}),
		"released payout is no longer sending")

	again, err := queue.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	raw := []byte{0xf8, 0x6b, 0x07}
	require.NoError(t, queue.MarkSubmitted(ctx, again[0].ID, common.HexToHash("0xdef"), 7, raw))
	assert.Error(t, queue.MarkSubmitted(ctx, again[0].ID, common.HexToHash("0xfed"), 8, raw))

	submitted, err := queue.Submitted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	assert.Equal(t, model.PayoutStatusSubmitted, submitted[0].Status)
	assert.Equal(t, common.HexToHash("0xdef"), submitted[0].TxHash)
	assert.Equal(t, uint64(7), submitted[0].Nonce)
	assert.Equal(t, raw, submitted[0].RawTx)

	pending, err := queue.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "submitted payouts are not reclaimed")
	released, err = queue.ReleaseStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, released, "submitted payouts are never released")
}

func TestEventRepository(t *testing.T) {
	db := newTestDB(t)
	repo := NewEventRepository(db)
	ctx := context.Background()

	_, ok, err := repo.Cursor(ctx, "deposit")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SaveCursor(ctx, "deposit", 100))
	require.NoError(t, repo.SaveCursor(ctx, "deposit", 120))
	block, ok, err := repo.Cursor(ctx, "deposit")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(120), block)

	ev := &model.DepositEventModel{
		ProductId: product.Hex(),
		Funder:    alice.Hex(),
		Amount:    700,
		TxHash:    common.HexToHash("0x77").Hex(),
		LogIndex:  3,
		BlockNum:  101,
	}
	created, err := repo.RecordDeposit(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)

	// 未处理完的事件再次出现时需要重试
	dup := *ev
	dup.Id = 0
	created, err = repo.RecordDeposit(ctx, &dup)
	require.NoError(t, err)
	assert.True(t, created)

	drops := NewDropRepository(db)
	require.NoError(t, drops.Atomic(ctx, func(s logic.Session) error {
		current, err := s.Deposit(ev.TxHash, ev.LogIndex)
		require.NoError(t, err)
		require.NotNil(t, current)
		current.Status = model.DepositStatusAccepted
		return s.SaveDeposit(current)
	}))
	require.Error(t, drops.Atomic(ctx, func(s logic.Session) error {
		missing, err := s.Deposit("0xmissing", 0)
		require.NoError(t, err)
		assert.Nil(t, missing)
		return s.SaveDeposit(&model.DepositEventModel{TxHash: "0xmissing"})
	}))
	var stored model.DepositEventModel
	require.NoError(t, db.Where("tx_hash = ?", ev.TxHash).First(&stored).Error)
	assert.Equal(t, model.DepositStatusAccepted, stored.Status)

	dup.Id = 0
	created, err = repo.RecordDeposit(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)

	var count int64
	require.NoError(t, db.Model(&model.DepositEventModel{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestMemoryStorePayoutQueue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Atomic(ctx, func(s logic.Session) error {
		return s.Transfer(model.Payout{ProductID: product, To: alice, Amount: 1, Kind: model.PayoutKindBounce})
	}))

	claimed, err := store.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, int64(1), claimed[0].ID)

	again, err := store.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	status, err := store.MarkRetry(ctx, 1, errors.New("timeout"), 3)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusPending, status)
	assert.Error(t, store.MarkSubmitted(ctx, 1, common.HexToHash("0x1"), 0, nil))

	_, err = store.ClaimPending(ctx, 10)
	require.NoError(t, err)
	released, err := store.ReleaseStale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, released)
	require.NoError(t, store.MarkSubmitted(ctx, 1, common.HexToHash("0x1"), 3, []byte{0x01}))
	submitted, err := store.Submitted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	assert.Equal(t, uint64(3), submitted[0].Nonce)

	require.NoError(t, store.MarkSent(ctx, 1, common.HexToHash("0x1")))
	assert.Equal(t, model.PayoutStatusSent, store.AllPayouts()[0].Status)

	created, err := store.RecordDeposit(ctx, &model.DepositEventModel{TxHash: "0x1", LogIndex: 0})
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, store.Atomic(ctx, func(s logic.Session) error {
		return s.SaveDeposit(&model.DepositEventModel{TxHash: "0x1", LogIndex: 0, Status: model.DepositStatusBounced})
	}))
	created, err = store.RecordDeposit(ctx, &model.DepositEventModel{TxHash: "0x1", LogIndex: 0})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestCreditDepositInOneTransaction(t *testing.T) {
	db := newTestDB(t)
	l, _ := newTestLogic(t, db)
	initiate(t, l)
	events := NewEventRepository(db)
	ctx := context.Background()

	ev := &model.DepositEventModel{
		ProductId: product.Hex(),
		Funder:    alice.Hex(),
		Amount:    6000,
		TxHash:    common.HexToHash("0x88").Hex(),
		LogIndex:  0,
		BlockNum:  101,
	}
	pending, err := events.RecordDeposit(ctx, ev)
	require.NoError(t, err)
	require.True(t, pending)

	receipt, err := l.CreditDeposit(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, model.DepositStatusAccepted, receipt.Deposit)

	view, err := l.GetDrop(ctx, product)
	require.NoError(t, err)
	assert.Equal(t, uint64(6000), view.Drop.Raised)

	pending, err = events.RecordDeposit(ctx, &model.DepositEventModel{
		ProductId: ev.ProductId, Funder: ev.Funder, Amount: ev.Amount, TxHash: ev.TxHash, LogIndex: 0,
	})
	require.NoError(t, err)
	assert.False(t, pending)
	_, err = l.CreditDeposit(ctx, ev)
	assert.ErrorIs(t, err, logic.ErrAlreadyExists)
}
