package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "otprelay/backend/internal/auth/jwt"
	"otprelay/backend/internal/config"
	"otprelay/backend/internal/health"
	"otprelay/backend/internal/middleware"
	"otprelay/backend/internal/monitoring"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config     *config.Config
	Relay      Relay
	Sessions   Sessions
	WebSocket  gin.HandlerFunc         // /ws/:user_id，nil 时不注册
	Health     *health.HealthChecker   // nil 时只提供简单的 /health
	Metrics    *monitoring.Metrics     // nil 时不暴露 /metrics
	JWTManager *jwtpkg.Manager         // nil 时推送接口不校验令牌
	Logger     *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	mm := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
	router.Use(mm.PanicRecovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(mm.HTTPMetrics())
	router.Use(middleware.SecurityHeaders())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			corsConfig.AllowAllOrigins = true
			corsConfig.AllowOrigins = nil
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	relay := &relayHandler{relay: deps.Relay, logger: logger}
	sessions := &sessionHandler{sessions: deps.Sessions, logger: logger}
	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, logger)

	// 服务器状态
	router.GET("/", relay.dashboard)

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		if deps.Health == nil {
			Success(c, gin.H{"status": "ok"})
			return
		}
		results := deps.Health.CheckHealth()
		if !health.Healthy(results) {
			ServiceUnavailable(c, "服务不可用", results)
			return
		}
		Success(c, results)
	})
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// ========== WebSocket Routes ==========
	if deps.WebSocket != nil {
		router.GET("/ws/:user_id", deps.WebSocket)
	}

	api := router.Group("/api")
	api.Use(jwtAuth.RequireProducer())
	{
		api.GET("/dashboard", relay.dashboard)
		api.GET("/status/:user_id", relay.userStatus)

		// ========== Producer Routes ==========
		producer := api.Group("")
		producer.Use(
			middleware.BodySizeLimit(middleware.DefaultBodyLimit),
			middleware.ValidateContentType("application/json"),
		)
		{
			producer.POST("/otp", relay.publishOTP)
			producer.POST("/email", relay.registerEmail)
		}

		// ========== Session Routes ==========
		if deps.Sessions != nil {
			sessionRoutes := api.Group("/sessions/:user_id")
			sessionRoutes.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))
			{
				sessionRoutes.POST("", sessions.createSession)
				sessionRoutes.GET("", sessions.getSession)
				sessionRoutes.POST("/monitor", sessions.startMonitoring)
				sessionRoutes.DELETE("/monitor", sessions.stopMonitoring)
				sessionRoutes.GET("/inbox", sessions.inbox)
			}
		}
	}

	router.NoRoute(func(c *gin.Context) {
		Error(c, http.StatusNotFound, "接口不存在")
	})

	return router
}
