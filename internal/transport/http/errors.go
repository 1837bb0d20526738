package httptransport

import (
	"errors"
	"net/http"

	"otprelay/backend/internal/domain"
	"otprelay/backend/internal/mailbox"
	"otprelay/backend/internal/monitor"
	"otprelay/backend/internal/provider"
)

// errorMapping 业务错误 -> HTTP 状态码与中文消息
type errorMapping struct {
	err    error
	status int
	msg    string
}

// 按顺序匹配，包装链中的第一个命中生效
var errorMappings = []errorMapping{
	{domain.ErrMalformedEvent, http.StatusBadRequest, MsgInvalidPayload},
	{provider.ErrUnknownProvider, http.StatusBadRequest, "不支持的邮箱服务商"},
	{monitor.ErrNoSession, http.StatusNotFound, MsgSessionNotFound},
	{monitor.ErrTooManySessions, http.StatusServiceUnavailable, "监控会话已达上限，请稍后重试"},
	{mailbox.ErrAllProvidersExhausted, http.StatusBadGateway, MsgAllProvidersFailed},
	{provider.ErrProviderUnavailable, http.StatusBadGateway, MsgAllProvidersFailed},
	{provider.ErrNoActiveMailbox, http.StatusNotFound, MsgSessionNotFound},
}

// GetErrorMessage 获取错误的中文消息，未知错误不暴露内部细节
func GetErrorMessage(err error) string {
	_, msg := classify(err)
	return msg
}

func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.msg
		}
	}
	return http.StatusInternalServerError, MsgInternalError
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgInvalidPayload = "推送内容校验失败"
	MsgInvalidUserID  = "无效的用户ID"

	MsgSessionNotFound    = "会话不存在，请先生成邮箱地址"
	MsgAllProvidersFailed = "所有邮箱服务商均不可用，请稍后重试"
	MsgInboxFailed        = "获取收件箱失败"

	MsgInternalError = "服务器内部错误，请稍后重试"
)
