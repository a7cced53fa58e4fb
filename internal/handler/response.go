package handler

import (
	"errors"
	"net/http"

	"github.com/blues/groupbuy/internal/logic"
	"github.com/gin-gonic/gin"
)

// SuccessResponse 成功响应
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// ErrorResponse 错误响应
func ErrorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, Response{
		Success: false,
		Message: message,
		Data:    nil,
	})
}

var errorStatus = []struct {
	err     error
	status  int
	message string
}{
	{logic.ErrUnauthorized, http.StatusForbidden, "无权执行该操作"},
	{logic.ErrNotFound, http.StatusNotFound, "记录不存在"},
	{logic.ErrAlreadyExists, http.StatusConflict, "团购已存在"},
	{logic.ErrInvalidParameter, http.StatusBadRequest, "参数无效"},
	{logic.ErrIllegalState, http.StatusConflict, "当前状态不允许该操作"},
	{logic.ErrInsufficientAmount, http.StatusUnprocessableEntity, "金额低于最低限制"},
	{logic.ErrExcessAmount, http.StatusUnprocessableEntity, "金额超过限制"},
	{logic.ErrTransferFailed, http.StatusBadGateway, "转账失败"},
}

// LogicErrorResponse 按业务错误类别返回
func LogicErrorResponse(c *gin.Context, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			ErrorResponse(c, e.status, e.message+": "+err.Error())
			return
		}
	}
	_ = c.Error(err)
	ErrorResponse(c, http.StatusInternalServerError, "服务内部错误")
}
