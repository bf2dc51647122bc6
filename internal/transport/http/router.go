package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"onlycat/backend/internal/auth/jwt"
	"onlycat/backend/internal/config"
	"onlycat/backend/internal/health"
	"onlycat/backend/internal/middleware"
	"onlycat/backend/internal/monitoring"
	"onlycat/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       *config.Config
	Syncer       Syncer
	Sales        SalesQuerier
	Providers    *config.ProviderTable
	JWTManager   *jwt.Manager // 为 nil 时不校验令牌
	RateLimiter  *middleware.KeyedRateLimiter
	WebSocketHub *websocket.Hub        // 可选
	Health       *health.HealthChecker // 可选
	Metrics      *monitoring.Metrics   // 可选
	Logger       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(monitor.HTTPMetrics())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	router.Use(gincors.New(corsConfig))

	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, deps.Logger)
	syncHandler := NewSyncHandler(deps.Syncer, deps.Providers, deps.Config.IMAP, deps.RateLimiter, deps.Logger)
	salesHandler := NewSalesHandler(deps.Sales, deps.Logger)

	registerHealthRoutes(router, deps)

	bodyLimit := middleware.BodySizeLimit(middleware.SmallBodyLimit)
	jsonOnly := middleware.ValidateContentType("application/json")

	// 前端现有调用路径
	router.POST("/api/email/sync", bodyLimit, jsonOnly, jwtAuth.RequireAuth(), syncHandler.Sync)

	v1 := router.Group("/v1")
	{
		v1.GET("/providers", ProvidersHandler(deps.Providers))

		sales := v1.Group("/sales", jwtAuth.RequireAuth())
		{
			sales.POST("/sync", bodyLimit, jsonOnly, syncHandler.Sync)
			sales.GET("", salesHandler.List)
			sales.GET("/summary", salesHandler.Summary)
		}

		if deps.WebSocketHub != nil {
			v1.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}
	}

	return router
}

func registerHealthRoutes(router *gin.Engine, deps RouterDependencies) {
	router.GET("/health", func(c *gin.Context) {
		if deps.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		checks, healthy := deps.Health.CheckHealth()
		status := http.StatusOK
		state := "ok"
		if !healthy {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
		c.JSON(status, gin.H{"status": state, "checks": checks, "timestamp": time.Now().UTC()})
	})

	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}
}
