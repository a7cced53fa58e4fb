package model

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0    = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func newDrop() *Drop {
	return &Drop{
		ProductID:        ProductID("sample"),
		Price:            1000,
		MinAmount:        100,
		FundingDeadline:  t0.Add(time.Hour),
		OrderingDeadline: t0.Add(2 * time.Hour),
	}
}

func TestDeriveState(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Drop)
		now    time.Time
		want   DropState
	}{
		{"canceled overrides everything", func(d *Drop) { d.Canceled = true }, t0, DropStateCanceled},
		{"before funding deadline", func(d *Drop) {}, t0, DropStateFunding},
		{"goal missed", func(d *Drop) { d.Raised = 999 }, t0.Add(time.Hour), DropStateCanceled},
		{"goal met at deadline", func(d *Drop) { d.Raised = 1000 }, t0.Add(time.Hour), DropStateOrdering},
		{"settled while ordering window open", func(d *Drop) { d.Raised = 1000; d.Settled = true }, t0.Add(90 * time.Minute), DropStateOrdering},
		{"ordering lapsed", func(d *Drop) { d.Raised = 1000 }, t0.Add(2 * time.Hour), DropStateCanceled},
		{"settled and drained while window open", func(d *Drop) { d.Settled = true }, t0.Add(90 * time.Minute), DropStateOrdering},
		{"settled and drained after window", func(d *Drop) { d.Settled = true }, t0.Add(3 * time.Hour), DropStateSettled},
		{"settled at ordering deadline", func(d *Drop) { d.Settled = true }, t0.Add(2 * time.Hour), DropStateSettled},
		{"settled flag ignored before funding deadline", func(d *Drop) { d.Settled = true }, t0, DropStateFunding},
		{"canceled beats settled", func(d *Drop) { d.Settled = true; d.Canceled = true }, t0.Add(3 * time.Hour), DropStateCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDrop()
			tt.mutate(d)
			assert.Equal(t, tt.want, DeriveState(d, tt.now))
		})
	}
}

func TestFunderSlots(t *testing.T) {
	d := newDrop()
	assert.True(t, d.Exists())
	assert.False(t, (&Drop{}).Exists())
	assert.False(t, (*Drop)(nil).Exists())

	d.Funders = []FunderEntry{{Address: alice, Amount: 100}, {Address: bob, Amount: 200}}
	assert.Equal(t, 1, d.FunderIndex(bob))
	assert.Equal(t, -1, d.FunderIndex(common.HexToAddress("0x03")))

	d.ClearFunder(0)
	assert.Len(t, d.Funders, 2)
	assert.Equal(t, -1, d.FunderIndex(alice))
	assert.Equal(t, -1, d.FunderIndex(common.Address{}), "cleared slots never match")
	assert.Equal(t, map[int]FunderEntry{1: {Address: bob, Amount: 200}}, d.ActiveFunders())
}

func TestClone(t *testing.T) {
	d := newDrop()
	d.Funders = []FunderEntry{{Address: alice, Amount: 100}}
	c := d.Clone()
	c.Funders[0].Amount = 5
	c.Raised = 7
	assert.Equal(t, uint64(100), d.Funders[0].Amount)
	assert.Equal(t, uint64(0), d.Raised)
	assert.Nil(t, (*Drop)(nil).Clone())
}

func TestProductID(t *testing.T) {
	// keccak256("")
	assert.Equal(t,
		"0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		ProductID("").Hex())
	assert.NotEqual(t, ProductID("a"), ProductID("b"))
}

func TestDropModelConversion(t *testing.T) {
	d := newDrop()
	d.Raised = 300
	d.Proof = common.HexToHash("0xfeed")
	d.Funders = []FunderEntry{{}, {Address: bob, Amount: 300}}

	row, funders := NewDropModel(d)
	assert.Equal(t, d.ProductID.Hex(), row.ProductId)
	require.Len(t, funders, 2)
	assert.Equal(t, 1, funders[1].Slot)

	// 倒序传入也按 slot 还原
	back := row.ToDrop([]DropFunderModel{funders[1], funders[0]})
	assert.Equal(t, d.ProductID, back.ProductID)
	assert.Equal(t, d.Proof, back.Proof)
	assert.False(t, back.Funders[0].Active())
	assert.Equal(t, bob, back.Funders[1].Address)
	assert.True(t, back.FundingDeadline.Equal(d.FundingDeadline))
}

func TestPayoutModelConversion(t *testing.T) {
	p := Payout{ProductID: ProductID("x"), To: alice, Amount: 9, Kind: PayoutKindSettleRefund}
	row := NewPayoutModel(p)
	assert.Equal(t, PayoutStatusPending, row.Status)
	back := row.ToPayout()
	assert.Equal(t, p.To, back.To)
	assert.Equal(t, p.ProductID, back.ProductID)
	assert.Equal(t, common.Hash{}, back.TxHash)
	assert.Nil(t, back.RawTx)

	row.TxHash = common.HexToHash("0xbeef").Hex()
	row.Nonce = 7
	row.RawTx = "0xf86c07"
	back = row.ToPayout()
	assert.Equal(t, common.HexToHash("0xbeef"), back.TxHash)
	assert.Equal(t, uint64(7), back.Nonce)
	assert.Equal(t, []byte{0xf8, 0x6c, 0x07}, back.RawTx)
}
