package api

import (
	"net/http"
	"strings"
	"time"

	"petportrait/internal/config"
	"petportrait/internal/metrics"
	"petportrait/internal/ratelimit"
	"petportrait/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// 限流策略名
const (
	PolicyUpload = "upload"
	PolicyStatus = "status"
	PolicyAPI    = "api"
)

// Services 汇总 HTTP 层依赖的服务
type Services struct {
	Sessions    *service.SessionService
	Identity    *service.IdentityService
	Generations *service.GenerationService
	Queries     *service.QueryService
	Credits     *service.CreditService
	// 按策略名索引，缺失的策略不限流
	Limiters map[string]ratelimit.Limiter
}

// HTTPHandler HTTP 请求处理器
type HTTPHandler struct {
	cfg config.Config

	sessions    *service.SessionService
	identity    *service.IdentityService
	generations *service.GenerationService
	queries     *service.QueryService
	credits     *service.CreditService
	limiters    map[string]ratelimit.Limiter

	allowedOrigins map[string]bool
}

// NewHTTPHandler 创建 HTTP 处理器实例
func NewHTTPHandler(cfg config.Config, svc Services) *HTTPHandler {
	limiters := svc.Limiters
	if limiters == nil || !cfg.RateLimitEnabled {
		limiters = map[string]ratelimit.Limiter{}
	}
	origins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:5173": true,
	}
	if frontend := strings.TrimRight(strings.TrimSpace(cfg.FrontendURL), "/"); frontend != "" {
		origins[frontend] = true
	}
	return &HTTPHandler{
		cfg:            cfg,
		sessions:       svc.Sessions,
		identity:       svc.Identity,
		generations:    svc.Generations,
		queries:        svc.Queries,
		credits:        svc.Credits,
		limiters:       limiters,
		allowedOrigins: origins,
	}
}

// Router 构建完整的 gin 路由
func (h *HTTPHandler) Router() *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware())
	r.Use(h.CORSMiddleware())
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	apiGroup := r.Group("/api")

	authGroup := apiGroup.Group("/auth")
	authGroup.Use(h.RateLimit(PolicyAPI))
	authGroup.GET("/google", h.GoogleRedirect)
	authGroup.GET("/google/callback", h.GoogleCallback)
	authGroup.POST("/google/token", h.GoogleToken)
	authGroup.POST("/google/token/refresh", h.RefreshToken)

	signedIn := authGroup.Group("")
	signedIn.Use(h.RequireAuth())
	signedIn.GET("/verify", h.Verify)
	signedIn.GET("/profile", h.Profile)
	signedIn.GET("/sessions", h.Sessions)
	signedIn.POST("/logout", h.Logout)
	signedIn.POST("/logout-all", h.LogoutAll)

	// 上传计入匿名配额，其余只刷新活跃时间
	read := h.ResolveIdentity(false)
	images := apiGroup.Group("/images")
	images.POST("/process", h.ResolveIdentity(true), h.RateLimit(PolicyAPI), h.RateLimit(PolicyUpload), h.ProcessImage)
	images.GET("/generations", read, h.RateLimit(PolicyAPI), h.ListGenerations)
	images.GET("/generations/:requestId", read, h.RateLimit(PolicyStatus), h.PollGeneration)
	images.POST("/generations/:requestId/cancel", read, h.RateLimit(PolicyAPI), h.CancelGeneration)
	images.GET("", read, h.RateLimit(PolicyAPI), h.ListImages)
	images.GET("/stats", read, h.RateLimit(PolicyAPI), h.ImageStats)
	images.GET("/:filename", read, h.RateLimit(PolicyAPI), h.GetImage)
	images.DELETE("/:filename", read, h.RateLimit(PolicyAPI), h.DeleteImage)

	admin := apiGroup.Group("/admin")
	admin.Use(h.RequireAuth(), h.RequireAdmin())
	admin.POST("/users/:id/credits", h.GrantCredits)

	return r
}

// CORSMiddleware 只回显允许的来源，以便携带 cookie
func (h *HTTPHandler) CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := strings.TrimRight(c.GetHeader("Origin"), "/")
		if origin != "" && h.allowedOrigins[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-Anonymous-ID")
		c.Header("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggingMiddleware 日志记录中间件
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)
		logrus.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"duration":  duration.String(),
			"size":      c.Writer.Size(),
			"client_ip": c.ClientIP(),
		}).Info("http_request")
	}
}
