package logic

import (
	"errors"
)

// 团购操作的错误分类，失败时不产生任何状态变更
var (
	ErrUnauthorized       = errors.New("groupbuy: caller is not the owner")
	ErrNotFound           = errors.New("groupbuy: not found")
	ErrAlreadyExists      = errors.New("groupbuy: drop already exists")
	ErrInvalidParameter   = errors.New("groupbuy: invalid parameter")
	ErrIllegalState       = errors.New("groupbuy: operation not allowed in current state")
	ErrInsufficientAmount = errors.New("groupbuy: amount below minimum")
	ErrExcessAmount       = errors.New("groupbuy: amount exceeds limit")
	ErrTransferFailed     = errors.New("groupbuy: transfer failed")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrUnauthorized, "unauthorized"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyExists, "already_exists"},
	{ErrInvalidParameter, "invalid_parameter"},
	{ErrIllegalState, "illegal_state"},
	{ErrInsufficientAmount, "insufficient_amount"},
	{ErrExcessAmount, "excess_amount"},
	{ErrTransferFailed, "transfer_failed"},
}

// ErrorKind 返回错误类别，nil 为 ok，未归类的为 internal
func ErrorKind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

// IsRejection 是否为业务规则拒绝（而非基础设施故障）
func IsRejection(err error) bool {
	switch ErrorKind(err) {
	case "ok", "internal", "transfer_failed":
		return false
	default:
		return true
	}
}
