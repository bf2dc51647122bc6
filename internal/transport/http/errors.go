package httptransport

import (
	"errors"
	"net/http"

	"onlycat/backend/internal/service"
)

// 通用错误消息
const (
	MsgInvalidJSON       = "invalid JSON body"
	MsgMissingFields     = "email, password, provider and userId are required"
	MsgUnknownProvider   = "unknown email provider"
	MsgInvalidEmail      = "email is not a valid address"
	MsgInvalidUserID     = "userId is not a valid user id"
	MsgUserMismatch      = "userId does not match the authenticated user"
	MsgRateLimited       = "too many sync requests, try again later"
	MsgMissingUserID     = "userId is required"
	MsgInvalidPagination = "limit and offset must be non-negative integers"
	MsgInvalidDays       = "days must be an integer between 1 and 365"
	MsgInternalError     = "internal server error"
)

// statusByError 业务错误到 HTTP 状态码的映射
var statusByError = []struct {
	err    error
	status int
}{
	{service.ErrInvalidSyncRequest, http.StatusBadRequest},
	{service.ErrInvalidSummaryWindow, http.StatusBadRequest},
	{service.ErrSyncInProgress, http.StatusConflict},
}

// StatusFor 返回错误对应的状态码，未知错误为 500
//
// 连接、超时、搜索等流水线错误统一返回 500，错误信息原样返回给客户端。
func StatusFor(err error) int {
	for _, m := range statusByError {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
