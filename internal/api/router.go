package api

import (
	"time"

	"github.com/apk-analysis/hookshell/internal/api/handlers"
	"github.com/apk-analysis/hookshell/internal/config"
	"github.com/apk-analysis/hookshell/internal/metrics"
	"github.com/apk-analysis/hookshell/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Handlers 路由用到的处理器, 为 nil 的处理器不注册对应路由
type Handlers struct {
	Hooks    *handlers.HookHandler
	Exec     *handlers.ExecHandler
	Transact *handlers.TransactHandler
	Status   *handlers.StatusHandler
}

// SetupRouter 创建管理 API 路由
func SetupRouter(cfg *config.HTTPConfig, logger *logrus.Logger, m *metrics.Metrics, h Handlers, version string) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	if m != nil {
		r.Use(m.HTTPMiddleware())
	}

	// 性能监控端点 (仅在非生产环境)
	if cfg.Mode != "release" {
		middleware.RegisterPprof(r)
		logger.Info("pprof endpoints registered at /debug/pprof/*")
	}

	// Prometheus 指标端点
	if m != nil {
		r.GET("/metrics", m.Handler())
	}

	// 健康检查（无需认证）
	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"version": version,
		})
	})

	auth := middleware.TokenAuth(cfg.Token)

	v1 := r.Group("/api/v1", auth)
	{
		if h.Hooks != nil {
			v1.GET("/hooks", h.Hooks.ListHooks)
			v1.POST("/hooks", h.Hooks.AddHook)
			v1.GET("/hooks/:id", h.Hooks.GetHook)
			v1.DELETE("/hooks/:id", h.Hooks.DeleteHook)
			v1.POST("/hooks/:id/enable", h.Hooks.EnableHook)
			v1.POST("/hooks/:id/disable", h.Hooks.DisableHook)
			v1.GET("/hooks/:id/output", h.Hooks.GetOutput)
		}

		if h.Status != nil {
			v1.GET("/boot", h.Status.GetBootStatus)
			v1.GET("/stats", h.Status.GetStats)
			v1.GET("/documents/:name", h.Status.GetDocument)
			v1.PUT("/documents/client_hook_config", h.Status.PutClientConfig)
		}

		if h.Exec != nil {
			v1.POST("/exec", h.Exec.Exec)
		}

		if h.Transact != nil {
			v1.POST("/transact/:code", h.Transact.Transact)
		}
	}

	// 交互式命令（WebSocket）
	if h.Exec != nil {
		r.GET("/ws/exec", auth, h.Exec.HandleWebSocket)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		method := c.Request.Method
		path := c.Request.URL.Path

		logger.WithFields(logrus.Fields{
			"status":  statusCode,
			"method":  method,
			"path":    path,
			"latency": latency.Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
