package handler

import (
	"sort"
	"time"

	"github.com/blues/groupbuy/internal/logic"
	"github.com/blues/groupbuy/internal/model"
)

// 通用响应结构
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// InitiateRequest 发起团购请求，productId 与 description 二选一
type InitiateRequest struct {
	ProductID        string    `json:"productId"`
	Description      string    `json:"description"`
	Price            uint64    `json:"price" binding:"required"`
	MinAmount        uint64    `json:"minAmount"`
	FundingDeadline  time.Time `json:"fundingDeadline" binding:"required"`
	OrderingDeadline time.Time `json:"orderingDeadline" binding:"required"`
}

// FundRequest 出资请求
type FundRequest struct {
	Value uint64 `json:"value" binding:"required"`
}

// WithdrawRequest 撤资请求
type WithdrawRequest struct {
	Amount uint64 `json:"amount" binding:"required"`
}

// SettleRequest 结算请求
type SettleRequest struct {
	Proof string `json:"proof" binding:"required"`
	Spent uint64 `json:"spent"`
}

// FunderResponse 出资人条目
type FunderResponse struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// DropResponse 团购详情
type DropResponse struct {
	ProductID        string           `json:"productId"`
	Price            uint64           `json:"price"`
	MinAmount        uint64           `json:"minAmount"`
	FundingDeadline  time.Time        `json:"fundingDeadline"`
	OrderingDeadline time.Time        `json:"orderingDeadline"`
	Raised           uint64           `json:"raised"`
	Proof            string           `json:"proof,omitempty"`
	Canceled         bool             `json:"canceled"`
	Settled          bool             `json:"settled"`
	State            model.DropState  `json:"state"`
	Funders          []FunderResponse `json:"funders"`
}

// PayoutResponse 出款记录
type PayoutResponse struct {
	ID        int64              `json:"id"`
	To        string             `json:"to"`
	Amount    uint64             `json:"amount"`
	Kind      model.PayoutKind   `json:"kind"`
	Status    model.PayoutStatus `json:"status"`
	TxHash    string             `json:"txHash,omitempty"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"lastError,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

// ReceiptResponse 操作结果
type ReceiptResponse struct {
	ProductID string           `json:"productId"`
	State     model.DropState  `json:"state"`
	Payouts   []PayoutResponse `json:"payouts"`
}

func newDropResponse(view *logic.DropView) DropResponse {
	d := view.Drop
	resp := DropResponse{
		ProductID:        d.ProductID.Hex(),
		Price:            d.Price,
		MinAmount:        d.MinAmount,
		FundingDeadline:  d.FundingDeadline,
		OrderingDeadline: d.OrderingDeadline,
		Raised:           d.Raised,
		Canceled:         d.Canceled,
		Settled:          d.Settled,
		State:            view.State,
		Funders:          make([]FunderResponse, 0, len(view.Funders)),
	}
	if d.Settled {
		resp.Proof = d.Proof.Hex()
	}
	for i, f := range view.Funders {
		resp.Funders = append(resp.Funders, FunderResponse{Index: i, Address: f.Address.Hex(), Amount: f.Amount})
	}
	sort.Slice(resp.Funders, func(i, j int) bool { return resp.Funders[i].Index < resp.Funders[j].Index })
	return resp
}

func newPayoutResponse(p model.Payout) PayoutResponse {
	resp := PayoutResponse{
		ID:        p.ID,
		To:        p.To.Hex(),
		Amount:    p.Amount,
		Kind:      p.Kind,
		Status:    p.Status,
		Attempts:  p.Attempts,
		LastError: p.LastError,
		CreatedAt: p.CreatedAt,
	}
	if p.Status == model.PayoutStatusSent {
		resp.TxHash = p.TxHash.Hex()
	}
	return resp
}

func newReceiptResponse(r *logic.Receipt) ReceiptResponse {
	resp := ReceiptResponse{
		ProductID: r.ProductID.Hex(),
		State:     r.State,
		Payouts:   make([]PayoutResponse, 0, len(r.Payouts)),
	}
	for _, p := range r.Payouts {
		resp.Payouts = append(resp.Payouts, newPayoutResponse(p))
	}
	return resp
}
