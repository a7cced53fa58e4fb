package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DropModel 团购记录表
type DropModel struct {
	ProductId string    `json:"product_id" gorm:"primaryKey;size:66"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Price            uint64    `json:"price" gorm:"not null"`
	MinAmount        uint64    `json:"min_amount" gorm:"not null"`
	FundingDeadline  time.Time `json:"funding_deadline" gorm:"not null"`
	OrderingDeadline time.Time `json:"ordering_deadline" gorm:"not null"`
	Raised           uint64    `json:"raised" gorm:"not null"`
	Proof            string    `json:"proof" gorm:"size:66"`
	Canceled         bool      `json:"canceled" gorm:"not null;index:idx_drop_open"`
	Settled          bool      `json:"settled" gorm:"not null;index:idx_drop_open"`
}

// TableName 自定义表名
func (DropModel) TableName() string {
	return "group_drop"
}

// DropFunderModel 出资人账本槽位，按 slot 保序
type DropFunderModel struct {
	Id        int64  `json:"id" gorm:"primaryKey"`
	ProductId string `json:"product_id" gorm:"size:66;not null;uniqueIndex:idx_drop_slot"`
	Slot      int    `json:"slot" gorm:"not null;uniqueIndex:idx_drop_slot"`
	Address   string `json:"address" gorm:"size:42;not null"`
	Amount    uint64 `json:"amount" gorm:"not null"`
}

// TableName 自定义表名
func (DropFunderModel) TableName() string {
	return "drop_funder"
}

// NewDropModel 领域对象转换为表记录
func NewDropModel(d *Drop) (DropModel, []DropFunderModel) {
	row := DropModel{
		ProductId:        d.ProductID.Hex(),
		Price:            d.Price,
		MinAmount:        d.MinAmount,
		FundingDeadline:  d.FundingDeadline.UTC(),
		OrderingDeadline: d.OrderingDeadline.UTC(),
		Raised:           d.Raised,
		Canceled:         d.Canceled,
		Settled:          d.Settled,
	}
	if d.Proof != (common.Hash{}) {
		row.Proof = d.Proof.Hex()
	}

	funders := make([]DropFunderModel, len(d.Funders))
	for i, f := range d.Funders {
		funders[i] = DropFunderModel{
			ProductId: row.ProductId,
			Slot:      i,
			Address:   f.Address.Hex(),
			Amount:    f.Amount,
		}
	}
	return row, funders
}

// ToDrop 表记录转换为领域对象，funders 需按 slot 升序
func (m DropModel) ToDrop(funders []DropFunderModel) *Drop {
	d := &Drop{
		ProductID:        common.HexToHash(m.ProductId),
		Price:            m.Price,
		MinAmount:        m.MinAmount,
		FundingDeadline:  m.FundingDeadline,
		OrderingDeadline: m.OrderingDeadline,
		Raised:           m.Raised,
		Canceled:         m.Canceled,
		Settled:          m.Settled,
	}
	if m.Proof != "" {
		d.Proof = common.HexToHash(m.Proof)
	}

	d.Funders = make([]FunderEntry, len(funders))
	for _, f := range funders {
		if f.Slot < 0 || f.Slot >= len(funders) {
			continue
		}
		d.Funders[f.Slot] = FunderEntry{
			Address: common.HexToAddress(f.Address),
			Amount:  f.Amount,
		}
	}
	return d
}
