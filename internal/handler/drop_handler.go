package handler

import (
	"net/http"
	"strings"

	"github.com/blues/groupbuy/internal/logic"
	"github.com/blues/groupbuy/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
)

// CallerHeader 调用者地址，由前置网关完成认证后写入
const CallerHeader = "X-Caller-Address"

type DropHandler struct {
	dropLogic *logic.DropLogic
}

func NewDropHandler(dropLogic *logic.DropLogic) *DropHandler {
	return &DropHandler{dropLogic: dropLogic}
}

// parseHash 解析32字节十六进制
func parseHash(s string) (common.Hash, bool) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func productID(c *gin.Context) (common.Hash, bool) {
	id, ok := parseHash(c.Param("id"))
	if !ok {
		ErrorResponse(c, http.StatusBadRequest, "无效的商品ID")
	}
	return id, ok
}

func caller(c *gin.Context) (common.Address, bool) {
	raw := strings.TrimSpace(c.GetHeader(CallerHeader))
	if !common.IsHexAddress(raw) {
		ErrorResponse(c, http.StatusBadRequest, "无效的调用者地址")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// Initiate 发起团购
func (h *DropHandler) Initiate(c *gin.Context) {
	who, ok := caller(c)
	if !ok {
		return
	}
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	var id common.Hash
	switch {
	case req.ProductID != "":
		if id, ok = parseHash(req.ProductID); !ok {
			ErrorResponse(c, http.StatusBadRequest, "无效的商品ID")
			return
		}
	case req.Description != "":
		id = model.ProductID(req.Description)
	default:
		ErrorResponse(c, http.StatusBadRequest, "商品ID和商品描述不能同时为空")
		return
	}

	receipt, err := h.dropLogic.Initiate(c.Request.Context(), logic.InitiateRequest{
		ProductID:        id,
		Price:            req.Price,
		MinAmount:        req.MinAmount,
		FundingDeadline:  req.FundingDeadline,
		OrderingDeadline: req.OrderingDeadline,
	}, who)
	if err != nil {
		LogicErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusCreated, "团购创建成功", newReceiptResponse(receipt))
}

// GetDrop 获取团购详情
func (h *DropHandler) GetDrop(c *gin.Context) {
	id, ok := productID(c)
	if !ok {
		return
	}
	view, err := h.dropLogic.GetDrop(c.Request.Context(), id)
	if err != nil {
		LogicErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "获取团购详情成功", newDropResponse(view))
}

// Fund 出资
func (h *DropHandler) Fund(c *gin.Context) {
	id, ok := productID(c)
	if !ok {
		return
	}
	who, ok := caller(c)
	if !ok {
		return
	}
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	receipt, err := h.dropLogic.Fund(c.Request.Context(), id, req.Value, who)
	if err != nil {
		LogicErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "出资成功", newReceiptResponse(receipt))
}

// Withdraw 撤资
func (h *DropHandler) Withdraw(c *gin.Context) {
	id, ok := productID(c)
	if !ok {
		return
	}
	who, ok := caller(c)
	if !ok {
		return
	}
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	receipt, err := h.dropLogic.Withdraw(c.Request.Context(), id, req.Amount, who)
	if err != nil {
		LogicErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "撤资成功", newReceiptResponse(receipt))
}

// Cancel 取消团购
func (h *DropHandler) Cancel(c *gin.Context) {
	id, ok := productID(c)
	if !ok {
		return
	}
	who, ok := caller(c)
	if !ok {
		return
	}

	receipt, err := h.dropLogic.Cancel(c.Request.Context(), id, who)
	if err != nil {
		LogicErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "团购已取消", newReceiptResponse(receipt))
}

// Settle 结算团购
func (h *DropHandler) Settle(c *gin.Context) {
	id, ok := productID(c)
	if !ok {
		return
	}
	who, ok := caller(c)
	if !ok {
		return
	}
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	proof, ok := parseHash(req.Proof)
	if !ok {
		ErrorResponse(c, http.StatusBadRequest, "无效的购买凭证")
		return
	}

	receipt, err := h.dropLogic.SettleUp(c.Request.Context(), id, proof, req.Spent, who)
	if err != nil {
		LogicErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "团购结算成功", newReceiptResponse(receipt))
}

// Expire 释放过期团购资金，任何人可调用
func (h *DropHandler) Expire(c *gin.Context) {
	id, ok := productID(c)
	if !ok {
		return
	}

	receipt, err := h.dropLogic.Expire(c.Request.Context(), id)
	if err != nil {
		LogicErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "过期团购已退款", newReceiptResponse(receipt))
}

// GetPayouts 获取团购出款记录
func (h *DropHandler) GetPayouts(c *gin.Context) {
	id, ok := productID(c)
	if !ok {
		return
	}

	payouts, err := h.dropLogic.ListPayouts(c.Request.Context(), id)
	if err != nil {
		LogicErrorResponse(c, err)
		return
	}
	resp := make([]PayoutResponse, 0, len(payouts))
	for _, p := range payouts {
		resp = append(resp, newPayoutResponse(p))
	}
	SuccessResponse(c, http.StatusOK, "获取出款记录成功", resp)
}
