package app

import (
	"error_book_backend/internal/config"
	"error_book_backend/internal/middleware"
	"error_book_backend/internal/util"
	"error_book_backend/pkg/monitoring"
	"error_book_backend/pkg/security"
	"error_book_backend/pkg/tracing"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// NewRouter 注册中间件与全部路由
func NewRouter(cfg *config.Config, s *Services, db *gorm.DB) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	setupMiddlewares(router, cfg)
	registerRoutes(router, initControllers(s, db), cfg)

	if cfg.Storage.Type == util.StorageLocal && cfg.Storage.LocalPath != "" {
		router.Static("/uploads", cfg.Storage.LocalPath)
	}
	return router
}

func setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())

	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

// userKey 认证后的接口按用户限流
func userKey(c *gin.Context) string {
	if user := util.GetUserFromContext(c); user != nil {
		return "user:" + strconv.FormatUint(uint64(user.UserID), 10)
	}
	return ""
}

func registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	router.GET("/health", c.health.HealthCheck)
	router.GET("/metrics", monitoring.PrometheusHandler())

	window := time.Duration(cfg.RateLimit.WindowMinutes) * time.Minute
	if window <= 0 {
		window = time.Minute
	}
	maxRequests := cfg.RateLimit.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 120
	}

	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg.JWT.Secret))
	api.Use(security.RateLimiter(maxRequests, window, userKey))
	{
		mistakes := api.Group("/mistakes")
		{
			mistakes.POST("", c.mistake.Create)
			mistakes.GET("", c.mistake.List)
			mistakes.GET("/due", c.mistake.Due)
			mistakes.GET("/:id", c.mistake.Get)
			mistakes.PUT("/:id", c.mistake.Update)
			mistakes.DELETE("/:id", c.mistake.Delete)
			mistakes.POST("/:id/review", c.mistake.Review)
		}

		learning := api.Group("/learning")
		{
			learning.POST("/ask", c.learning.Ask)
			// WebSocket 握手必须是 GET
			learning.GET("/ask-stream", c.learning.AskStream)
		}

		api.POST("/homework/correct", c.homework.Correct)

		reviews := api.Group("/reviews")
		{
			reviews.POST("", c.review.Start)
			reviews.GET("/:session_id", c.review.Get)
			reviews.POST("/:session_id/submit", c.review.Submit)
			reviews.POST("/:session_id/abandon", c.review.Abandon)
		}

		graph := api.Group("/knowledge-graph")
		{
			graph.GET("/graphs/:subject", c.graph.Graph)
			graph.GET("/snapshots/latest", c.graph.LatestSnapshot)
			graph.GET("/snapshots/history", c.graph.SnapshotHistory)
			graph.GET("/snapshots/compare", c.graph.CompareSnapshots)
			graph.POST("/snapshots", c.graph.CreateSnapshot)
			graph.GET("/snapshots/:id", c.graph.GetSnapshot)
		}

		revisions := api.Group("/revisions")
		{
			revisions.POST("/generate", c.revision.Generate)
			revisions.GET("", c.revision.List)
			revisions.GET("/:id", c.revision.Get)
			revisions.GET("/:id/download", c.revision.Download)
			revisions.POST("/:id/publish", c.revision.Publish)
			revisions.POST("/:id/complete", c.revision.Complete)
			revisions.DELETE("/:id", c.revision.Delete)
		}

		analytics := api.Group("/analytics")
		{
			analytics.GET("/progress", c.analytics.GetProgress)
			analytics.GET("/subjects", c.analytics.GetSubjects)
			analytics.GET("/knowledge-points", c.analytics.GetKnowledgePoints)
			analytics.GET("/trends", c.analytics.GetTrends)
		}
	}
}
