package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PayoutModel 出款记录，与账本变更在同一事务中写入
type PayoutModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProductId string       `json:"product_id" gorm:"size:66;not null;index"`
	Recipient string       `json:"recipient" gorm:"size:42;not null"`
	Amount    uint64       `json:"amount" gorm:"not null"`
	Kind      PayoutKind   `json:"kind" gorm:"size:32;not null"`
	Status    PayoutStatus `json:"status" gorm:"size:16;not null;index;default:'pending'"`
	TxHash    string       `json:"tx_hash" gorm:"size:66"`
	Nonce     uint64       `json:"nonce" gorm:"not null;default:0"`
	RawTx     string       `json:"raw_tx" gorm:"type:text"`
	Attempts  int          `json:"attempts" gorm:"not null;default:0"`
	LastError string       `json:"last_error" gorm:"type:text"`
}

// TableName 自定义表名
func (PayoutModel) TableName() string {
	return "payout"
}

// NewPayoutModel 领域对象转换为表记录
func NewPayoutModel(p Payout) PayoutModel {
	status := p.Status
	if status == "" {
		status = PayoutStatusPending
	}
	return PayoutModel{
		ProductId: p.ProductID.Hex(),
		Recipient: p.To.Hex(),
		Amount:    p.Amount,
		Kind:      p.Kind,
		Status:    status,
	}
}

// ToPayout 表记录转换为领域对象
func (m PayoutModel) ToPayout() Payout {
	p := Payout{
		ID:        m.Id,
		ProductID: common.HexToHash(m.ProductId),
		To:        common.HexToAddress(m.Recipient),
		Amount:    m.Amount,
		Kind:      m.Kind,
		Status:    m.Status,
		Nonce:     m.Nonce,
		Attempts:  m.Attempts,
		LastError: m.LastError,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if m.TxHash != "" {
		p.TxHash = common.HexToHash(m.TxHash)
	}
	if m.RawTx != "" {
		p.RawTx = common.FromHex(m.RawTx)
	}
	return p
}
