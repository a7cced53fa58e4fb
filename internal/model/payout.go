package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PayoutKind 出款类型
type PayoutKind string

const (
	PayoutKindWithdraw     PayoutKind = "withdraw"      // 出资人撤资
	PayoutKindRefund       PayoutKind = "refund"        // 取消或过期全额退款
	PayoutKindSettleOwner  PayoutKind = "settle_owner"  // 结算付给发起人
	PayoutKindSettleRefund PayoutKind = "settle_refund" // 结算按比例退回
	PayoutKindBounce       PayoutKind = "bounce"        // 被拒绝的链上充值原路退回
)

// PayoutStatus 出款状态
type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "pending"   // 待发送
	PayoutStatusSending   PayoutStatus = "sending"   // 已领取，尚未广播
	PayoutStatusSubmitted PayoutStatus = "submitted" // 已签名落库并广播，等待回执
	PayoutStatusSent      PayoutStatus = "sent"      // 已上链
	PayoutStatusFailed    PayoutStatus = "failed"    // 超过重试次数
)

// Payout 一笔资金转出
type Payout struct {
	ID        int64          `json:"id"`
	ProductID common.Hash    `json:"productId"`
	To        common.Address `json:"to"`
	Amount    uint64         `json:"amount"`
	Kind      PayoutKind     `json:"kind"`
	Status    PayoutStatus   `json:"status"`
	TxHash    common.Hash    `json:"txHash"`
	Nonce     uint64         `json:"nonce"`
	RawTx     []byte         `json:"-"` // 已签名交易，用于原样重新广播
	Attempts  int            `json:"attempts"`
	LastError string         `json:"lastError,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}
