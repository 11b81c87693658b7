// internal/api/websocket.go
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Corphon/EduQuestMCP/internal/models"
	"github.com/Corphon/EduQuestMCP/internal/services"
	"github.com/Corphon/EduQuestMCP/internal/utils"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 在生产环境中应该进行更严格的检查
		return true
	},
}

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 5 * time.Minute
)

// WebSocketHandler 处理章节流式生成的 WebSocket 连接
type WebSocketHandler struct {
	adventureService *services.AdventureService
	metrics          *utils.APIMetrics
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler(adventureService *services.AdventureService) *WebSocketHandler {
	return &WebSocketHandler{
		adventureService: adventureService,
		metrics:          utils.NewAPIMetrics(),
	}
}

// chapterStreamRequest 客户端发起一次章节生成的请求
type chapterStreamRequest struct {
	State              *models.AdventureState `json:"state"`
	StoryCategory      string                 `json:"story_category"`
	LessonTopic        string                 `json:"lesson_topic"`
	AvailableQuestions int                    `json:"available_questions"`
}

// ChapterWebSocket 升级连接并流式生成下一章
// 协议：客户端发送一条 chapterStreamRequest，
// 服务端依次发送 role、若干 fragment，最后 done 或 error
func (h *WebSocketHandler) ChapterWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.GetLogger().Warn("websocket upgrade failed", map[string]interface{}{"err": err.Error()})
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

	var req chapterStreamRequest
	if err := conn.ReadJSON(&req); err != nil {
		h.writeError(conn, "请求格式无效")
		return
	}
	if req.State == nil {
		req.State = &models.AdventureState{}
	}

	ctx := c.Request.Context()
	fragments, role, err := h.adventureService.StreamChapter(
		ctx, req.State, req.StoryCategory, req.LessonTopic, req.AvailableQuestions)
	if err != nil {
		h.writeError(conn, err.Error())
		return
	}

	if !h.writeMessage(conn, map[string]interface{}{
		"type":         "role",
		"chapter_type": role,
	}) {
		return
	}

	for fragment := range fragments {
		if fragment.Err != nil {
			h.writeError(conn, fragment.Err.Error())
			return
		}
		if !h.writeMessage(conn, map[string]interface{}{
			"type": "fragment",
			"text": fragment.Text,
		}) {
			return
		}
	}

	h.metrics.RecordChapterStream(string(role))
	h.writeMessage(conn, map[string]interface{}{
		"type":      "done",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// writeMessage 带写超时发送消息，失败时返回false
func (h *WebSocketHandler) writeMessage(conn *websocket.Conn, message map[string]interface{}) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(message); err != nil {
		utils.GetLogger().Warn("websocket write failed", map[string]interface{}{"err": err.Error()})
		return false
	}
	return true
}

// writeError 发送错误消息
func (h *WebSocketHandler) writeError(conn *websocket.Conn, errorMsg string) {
	h.writeMessage(conn, map[string]interface{}{
		"type":      "error",
		"error":     errorMsg,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
