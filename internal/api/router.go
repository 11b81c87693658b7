// internal/api/router.go
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Corphon/EduQuestMCP/internal/di"
	"github.com/Corphon/EduQuestMCP/internal/services"
	"github.com/Corphon/EduQuestMCP/internal/utils"
)

// NewHandler 从DI容器装配请求处理器
func NewHandler() *Handler {
	container := di.GetContainer()

	adventureService, _ := container.Get("adventure").(*services.AdventureService)
	llmService, _ := container.Get("llm").(*services.LLMService)
	statsService, _ := container.Get("stats").(*services.StatsService)

	return &Handler{
		AdventureService: adventureService,
		LLMService:       llmService,
		StatsService:     statsService,
		WebSocketHandler: NewWebSocketHandler(adventureService),
		Response:         NewResponseHelper(),
	}
}

// requestIDMiddleware 为每个请求分配追踪ID
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// metricsMiddleware 记录每个请求的端点、状态码和耗时
func metricsMiddleware(metrics *utils.APIMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordAPIRequest(endpoint, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// SetupRouter 配置路由
func SetupRouter(handler *Handler) *gin.Engine {
	r := gin.Default()

	r.Use(requestIDMiddleware())
	r.Use(metricsMiddleware(utils.NewAPIMetrics()))
	r.Use(IdentityMiddleware())

	// 健康检查
	r.GET("/health", handler.HealthCheck)

	api := r.Group("/api")
	api.Use(DefaultRateLimit())
	{
		// 认证
		api.POST("/auth/token", handler.IssueToken)

		// 冒险记录
		adventures := api.Group("/adventures")
		{
			adventures.POST("", handler.StoreAdventure)
			adventures.PUT("/:id", handler.UpdateAdventure)
			adventures.GET("/:id/summary", SummaryRateLimit(), handler.GetAdventureSummary)
			adventures.POST("/sweep", handler.SweepAbandoned)
		}

		// LLM服务
		api.GET("/llm/status", handler.GetLLMStatus)
		api.PUT("/llm/config", handler.UpdateLLMConfig)

		// 使用统计
		api.GET("/stats", handler.GetStats)
	}

	// 章节流式生成
	ws := r.Group("/ws")
	ws.Use(GenerationRateLimit())
	{
		ws.GET("/adventures/chapter", handler.ChapterWebSocket)
	}

	return r
}
