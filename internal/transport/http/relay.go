package httptransport

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"otprelay/backend/internal/bridge"
	"otprelay/backend/internal/domain"
	"otprelay/backend/internal/otp"
)

// ServiceName 服务名称
const ServiceName = "OTP Relay Server"

// Relay 投递桥，*bridge.Bridge 实现该接口
type Relay interface {
	Publish(ctx context.Context, userID string, ev domain.Event) bool
	RegisterEmail(userID, email string)
	Email(userID string) (string, bool)
	IsConnected(userID string) bool
	HasPending(ctx context.Context, userID string) bool
	Status(ctx context.Context) bridge.Snapshot
}

type publishResponse struct {
	Status string `json:"status"`
	UserID string `json:"user_id"`
}

type registerEmailResponse struct {
	Status    string `json:"status"`
	Email     string `json:"email"`
	Delivered bool   `json:"delivered"`
}

type userStatusResponse struct {
	Connected  bool    `json:"connected"`
	Email      *string `json:"email"`
	HasPending bool    `json:"has_pending"`
}

type serverStatusResponse struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	ConnectedUsers int    `json:"connected_users"`
	PendingOTPs    int    `json:"pending_otps"`
}

// relayHandler 推送接口
type relayHandler struct {
	relay  Relay
	logger *zap.Logger
}

// publishOTP 接收推送方的验证码
func (h *relayHandler) publishOTP(c *gin.Context) {
	var req domain.OTPPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if err := req.Validate(); err != nil {
		h.rejectPayload(c, err)
		return
	}

	status := "pending"
	if h.relay.Publish(c.Request.Context(), req.UserID, req.Event()) {
		status = "delivered"
	}
	h.logger.Info("OTP received",
		zap.String("user_id", req.UserID),
		zap.String("otp", otp.Mask(req.OTP)),
		zap.String("status", status),
	)

	Success(c, publishResponse{Status: status, UserID: req.UserID})
}

// registerEmail 登记用户的当前邮箱并通知扩展
func (h *relayHandler) registerEmail(c *gin.Context) {
	var req domain.EmailPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if err := req.Validate(); err != nil {
		h.rejectPayload(c, err)
		return
	}

	h.relay.RegisterEmail(req.UserID, req.Email)
	delivered := h.relay.Publish(c.Request.Context(), req.UserID, req.Event())

	Success(c, registerEmailResponse{Status: "registered", Email: req.Email, Delivered: delivered})
}

// userStatus 用户连接状态
func (h *relayHandler) userStatus(c *gin.Context) {
	userID := c.Param("user_id")
	resp := userStatusResponse{
		Connected:  h.relay.IsConnected(userID),
		HasPending: h.relay.HasPending(c.Request.Context(), userID),
	}
	if email, ok := h.relay.Email(userID); ok {
		resp.Email = &email
	}
	Success(c, resp)
}

// dashboard 服务器状态
func (h *relayHandler) dashboard(c *gin.Context) {
	snap := h.relay.Status(c.Request.Context())
	Success(c, serverStatusResponse{
		Status:         "running",
		Service:        ServiceName,
		ConnectedUsers: snap.Connected,
		PendingOTPs:    snap.Pending,
	})
}

func (h *relayHandler) rejectPayload(c *gin.Context, err error) {
	h.logger.Warn("Malformed payload rejected", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusBadRequest, Response{
		Code: CodeBadRequest,
		Msg:  GetErrorMessage(err),
		Data: gin.H{"error": err.Error()},
	})
}
