// internal/api/handlers.go
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/EduQuestMCP/internal/config"
	apperrors "github.com/Corphon/EduQuestMCP/internal/errors"
	"github.com/Corphon/EduQuestMCP/internal/models"
	"github.com/Corphon/EduQuestMCP/internal/services"
	"github.com/Corphon/EduQuestMCP/internal/utils"
)

// Handler 处理API请求
type Handler struct {
	AdventureService *services.AdventureService // 冒险编排服务
	LLMService       *services.LLMService       // LLM服务
	StatsService     *services.StatsService     // 统计服务
	WebSocketHandler *WebSocketHandler          // WebSocket 处理器
	Response         *ResponseHelper            // 响应助手
}

// StoreAdventureRequest 持久化冒险状态的请求结构
type StoreAdventureRequest struct {
	State         *models.AdventureState `json:"state" binding:"required"`
	StoryCategory string                 `json:"story_category"`
	LessonTopic   string                 `json:"lesson_topic"`
}

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ------------------------------------------------
// handleServiceError 把服务层错误映射为HTTP响应
func (h *Handler) handleServiceError(c *gin.Context, err error) {
	switch {
	case apperrors.IsStateNotFoundError(err):
		h.Response.Error(c, http.StatusNotFound, ErrorAdventureNotFound, "冒险不存在")
	case apperrors.IsAccessDeniedError(err):
		h.Response.Error(c, http.StatusForbidden, ErrorAdventureAccess, "无权访问该冒险")
	case apperrors.IsValidationError(err):
		h.Response.Error(c, http.StatusBadRequest, ErrorAdventureInvalid, err.Error())
	case apperrors.IsConfigurationError(err):
		h.Response.Error(c, http.StatusBadRequest, ErrorChapterConfigInvalid, err.Error())
	case apperrors.IsProviderError(err):
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorLLMServiceUnavailable, "生成服务暂不可用")
	case apperrors.IsSummaryError(err):
		h.Response.Error(c, http.StatusInternalServerError, ErrorSummaryFailed, "摘要处理失败")
	default:
		h.Response.InternalError(c, "服务内部错误")
	}
}

// StoreAdventure 创建一条冒险记录
// 同一归属者的其他未完成冒险会被标记为已废弃
func (h *Handler) StoreAdventure(c *gin.Context) {
	var req StoreAdventureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式无效", err.Error())
		return
	}

	id, err := h.AdventureService.StoreAdventure(c.Request.Context(), services.StoreRequest{
		State:            req.State,
		OwnerID:          currentUserID(c),
		ClientIdentifier: currentClientID(c),
		StoryCategory:    req.StoryCategory,
		LessonTopic:      req.LessonTopic,
	})
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	h.Response.Created(c, gin.H{"adventure_id": id})
}

// UpdateAdventure 原地更新一条已有的冒险记录
func (h *Handler) UpdateAdventure(c *gin.Context) {
	adventureID := c.Param("id")
	if adventureID == "" {
		h.Response.BadRequest(c, "缺少冒险ID")
		return
	}

	var req StoreAdventureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式无效", err.Error())
		return
	}

	id, err := h.AdventureService.StoreAdventure(c.Request.Context(), services.StoreRequest{
		State:            req.State,
		AdventureID:      adventureID,
		OwnerID:          currentUserID(c),
		ClientIdentifier: currentClientID(c),
		StoryCategory:    req.StoryCategory,
		LessonTopic:      req.LessonTopic,
	})
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	h.Response.Success(c, gin.H{"adventure_id": id})
}

// GetAdventureSummary 加载冒险并组合回顾摘要
func (h *Handler) GetAdventureSummary(c *gin.Context) {
	adventureID := c.Param("id")
	if adventureID == "" {
		h.Response.BadRequest(c, "缺少冒险ID")
		return
	}

	requester := currentUserID(c)
	if requester == "" {
		requester = currentClientID(c)
	}

	summary, err := h.AdventureService.RetrieveAndCompose(c.Request.Context(), adventureID, requester)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	h.Response.Success(c, summary)
}

// SweepAbandoned 废弃闲置超时的未完成冒险
func (h *Handler) SweepAbandoned(c *gin.Context) {
	abandoned, err := h.AdventureService.AbandonStale(c.Request.Context())
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	h.Response.Success(c, gin.H{"abandoned": abandoned})
}

// ChapterWebSocket 处理章节流式生成的 WebSocket 连接
func (h *Handler) ChapterWebSocket(c *gin.Context) {
	h.WebSocketHandler.ChapterWebSocket(c)
}

// GetLLMStatus 返回LLM服务的就绪状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	ready, state := h.LLMService.GetProviderStatus()
	h.Response.Success(c, gin.H{
		"ready":    ready,
		"state":    state,
		"provider": h.LLMService.GetProviderName(),
		"model":    h.LLMService.GetDefaultModel(),
	})
}

// UpdateLLMConfig 更新LLM提供商配置
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req struct {
		Provider string            `json:"provider" binding:"required"`
		Config   map[string]string `json:"config" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式无效", err.Error())
		return
	}

	if err := h.LLMService.UpdateProvider(req.Provider, req.Config); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorLLMConfigInvalid, "提供商配置无效", err.Error())
		return
	}

	if err := config.UpdateLLMConfig(req.Provider, req.Config); err != nil {
		h.Response.InternalError(c, "保存配置失败")
		return
	}

	h.Response.Success(c, nil, "配置已更新")
}

// GetStats 返回生成接口使用统计和进程内指标
func (h *Handler) GetStats(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"usage":   h.StatsService.GetUsageStats(),
		"metrics": utils.GetMetricsCollector().GetMetrics(),
	})
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorConfigNotLoaded, "配置未加载")
		return
	}

	ready, state := h.LLMService.GetProviderStatus()
	h.Response.Success(c, gin.H{
		"status":    "ok",
		"llm_ready": ready,
		"llm_state": state,
	})
}
