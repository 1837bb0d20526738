package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"otprelay/backend/internal/bridge"
	"otprelay/backend/internal/domain"
)

// Registry 连接注册表，*bridge.Bridge 实现该接口
type Registry interface {
	Register(ctx context.Context, userID string, conn bridge.Connection)
	Detach(userID string, conn bridge.Connection) bool
	Email(userID string) (string, bool)
}

// Handler 处理 /ws/:user_id 连接
type Handler struct {
	registry Registry
	upgrader websocket.Upgrader
	idle     time.Duration
	log      *zap.Logger
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || strings.EqualFold(origin, requestOrigin) {
					return true
				}
			}
			return false
		},
	}
}

// NewHandler 创建连接处理器
//
// 参数:
//   - registry: 投递桥
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有来源
//   - idle: 入站静默多久后发送 ping 探测
func NewHandler(registry Registry, allowedOrigins []string, idle time.Duration, log *zap.Logger) *Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if idle <= 0 {
		idle = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		registry: registry,
		upgrader: upgraderFactory(allowedOrigins),
		idle:     idle,
		log:      log,
	}
}

// Handle 升级连接并登记到投递桥
func (h *Handler) Handle(c *gin.Context) {
	userID := c.Param("user_id")
	if strings.TrimSpace(userID) == "" || utf8.RuneCountInString(userID) > domain.MaxUserIDLength {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "msg": "无效的用户ID"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade connection",
			zap.Error(err),
			zap.String("origin", c.Request.Header.Get("Origin")),
			zap.String("remote_addr", c.ClientIP()))
		return
	}

	client := newClient(uuid.NewString(), userID, conn, h.idle, h.log)

	go client.writePump()
	h.registry.Register(c.Request.Context(), userID, client)

	email := func() string {
		addr, _ := h.registry.Email(userID)
		return addr
	}
	go client.readPump(email, func() {
		h.registry.Detach(userID, client)
	})
}
