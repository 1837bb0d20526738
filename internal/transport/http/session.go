package httptransport

import (
	"context"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"otprelay/backend/internal/domain"
	"otprelay/backend/internal/monitor"
	"otprelay/backend/internal/provider"
)

// Sessions 会话管理，*monitor.Manager 实现该接口
type Sessions interface {
	NewAddress(ctx context.Context, userID string, kind provider.Kind) (monitor.SessionInfo, error)
	Status(userID string) (monitor.SessionInfo, error)
	StartMonitoring(userID string) (bool, error)
	StopMonitoring(userID string) (bool, error)
	CheckInbox(ctx context.Context, userID string) ([]domain.Message, error)
}

type createSessionRequest struct {
	Provider string `json:"provider"`
}

type monitorResponse struct {
	Monitoring bool `json:"monitoring"`
	Changed    bool `json:"changed"`
}

type inboxResponse struct {
	Items []domain.Message `json:"items"`
	Count int              `json:"count"`
}

// sessionHandler 会话控制接口
type sessionHandler struct {
	sessions Sessions
	logger   *zap.Logger
}

// createSession 为用户生成新的临时邮箱并开始监控
func (h *sessionHandler) createSession(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	kind, err := provider.ParseKind(req.Provider)
	if err != nil {
		BadRequest(c, GetErrorMessage(err))
		return
	}

	info, err := h.sessions.NewAddress(c.Request.Context(), userID, kind)
	switch {
	case err == nil:
		Created(c, info)
	case errors.Is(err, monitor.ErrTooManySessions):
		// 地址已生成，只是监控未能启动
		ServiceUnavailable(c, GetErrorMessage(err), info)
	default:
		h.fail(c, userID, err)
	}
}

// getSession 查询会话
func (h *sessionHandler) getSession(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	info, err := h.sessions.Status(userID)
	if err != nil {
		h.fail(c, userID, err)
		return
	}
	Success(c, info)
}

// startMonitoring 重新开始监控
func (h *sessionHandler) startMonitoring(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	started, err := h.sessions.StartMonitoring(userID)
	if err != nil {
		h.fail(c, userID, err)
		return
	}
	msg := "已开始监控"
	if !started {
		msg = "已在监控中"
	}
	SuccessWithMsg(c, msg, monitorResponse{Monitoring: true, Changed: started})
}

// stopMonitoring 停止监控
func (h *sessionHandler) stopMonitoring(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	stopped, err := h.sessions.StopMonitoring(userID)
	if err != nil {
		h.fail(c, userID, err)
		return
	}
	msg := "已停止监控"
	if !stopped {
		msg = "未在监控"
	}
	SuccessWithMsg(c, msg, monitorResponse{Monitoring: false, Changed: stopped})
}

// inbox 手动查看收件箱
func (h *sessionHandler) inbox(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	messages, err := h.sessions.CheckInbox(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, userID, err)
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	Success(c, inboxResponse{Items: messages, Count: len(messages)})
}

// fail 按错误类型响应，内部细节只写日志
func (h *sessionHandler) fail(c *gin.Context, userID string, err error) {
	status, msg := classify(err)
	if status >= 500 {
		h.logger.Error("Session request failed", zap.String("user_id", userID), zap.String("path", c.FullPath()), zap.Error(err))
	}
	Error(c, status, msg)
}

func userIDParam(c *gin.Context) (string, bool) {
	userID := c.Param("user_id")
	if strings.TrimSpace(userID) == "" || utf8.RuneCountInString(userID) > domain.MaxUserIDLength {
		BadRequest(c, MsgInvalidUserID)
		return "", false
	}
	return userID, true
}
