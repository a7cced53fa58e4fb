package model

import (
	"time"
)

// DepositStatus 充值事件处理结果
type DepositStatus string

const (
	DepositStatusPending  DepositStatus = "pending"  // 已记录，尚未入账
	DepositStatusAccepted DepositStatus = "accepted" // 已计入账本
	DepositStatusBounced  DepositStatus = "bounced"  // 被拒绝并原路退回
)

// DepositEventModel 已处理的链上充值事件，tx_hash + log_index 唯一
type DepositEventModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	ContractAddress string        `json:"contract_address" gorm:"size:42;not null"`
	ProductId       string        `json:"product_id" gorm:"size:66;not null;index"`
	Funder          string        `json:"funder" gorm:"size:42;not null"`
	Amount          uint64        `json:"amount" gorm:"not null"`
	TxHash          string        `json:"tx_hash" gorm:"size:66;not null;uniqueIndex:idx_deposit_log"`
	LogIndex        int64         `json:"log_index" gorm:"not null;uniqueIndex:idx_deposit_log"`
	BlockNum        int64         `json:"block_num" gorm:"not null"`
	Status          DepositStatus `json:"status" gorm:"size:16;not null;default:'pending'"`
	RejectReason    string        `json:"reject_reason" gorm:"type:text"`
}

// TableName 自定义表名
func (DepositEventModel) TableName() string {
	return "deposit_event"
}

// ChainCursorModel 区块扫描游标
type ChainCursorModel struct {
	Name      string    `json:"name" gorm:"primaryKey;size:64"`
	BlockNum  int64     `json:"block_num" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 自定义表名
func (ChainCursorModel) TableName() string {
	return "chain_cursor"
}
