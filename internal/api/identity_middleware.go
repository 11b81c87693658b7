// internal/api/identity_middleware.go
package api

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Corphon/EduQuestMCP/internal/auth"
	"github.com/Corphon/EduQuestMCP/internal/config"
)

var tokenConfig *auth.TokenConfig

const clientIDCookie = "eduquest_client_id"

// InitializeAuth 初始化认证系统
func InitializeAuth() error {
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	var secret []byte
	var err error

	// 优先使用环境变量中的密钥
	envSecret := os.Getenv("AUTH_SECRET_KEY")
	if envSecret != "" {
		secret = []byte(envSecret)
	} else if cfg.DebugMode {
		// 开发模式使用固定密钥，避免重启后会话失效
		secret = []byte("dev_auth_key_for_testing_purposes_only_")
		log.Printf("⚠️ 警告: 开发模式下使用固定认证密钥，生产环境请通过环境变量设置 AUTH_SECRET_KEY")
	} else {
		secret, err = auth.GenerateSecureKey(32)
		if err != nil {
			entropy := fmt.Sprintf("%s_%d_%d", cfg.DataDir, time.Now().UnixNano(), os.Getpid())
			secret = []byte(entropy)
			log.Printf("Warning: When using derived keys, it is recommended to set them in environment variables AUTH_SECRET_KEY")
		}
	}

	// 密钥长度固定为32字节
	if len(secret) < 32 {
		padded := make([]byte, 32)
		copy(padded, secret)
		secret = padded
	} else if len(secret) > 32 {
		secret = secret[:32]
	}

	tokenConfig = &auth.TokenConfig{
		Secret:     secret,
		Expiration: 7 * 24 * time.Hour,
	}
	return nil
}

// IdentityMiddleware 解析请求者身份：
// Bearer令牌对应认证用户，匿名会话通过客户端标识Cookie归属
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 认证用户
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			tokenString := strings.TrimPrefix(header, "Bearer ")
			if tokenConfig != nil {
				if token, err := auth.ParseToken(tokenString, tokenConfig); err == nil {
					c.Set("user_id", token.UserID)
				}
			}
		}

		// 匿名客户端标识：优先请求头，其次Cookie，都没有则发放新的
		clientID := c.GetHeader("X-Client-ID")
		if clientID == "" {
			if cookie, err := c.Cookie(clientIDCookie); err == nil {
				clientID = cookie
			}
		}
		if clientID == "" {
			clientID = uuid.NewString()
			c.SetCookie(clientIDCookie, clientID, int((30 * 24 * time.Hour).Seconds()), "/", "", false, true)
		}
		c.Set("client_id", clientID)

		c.Next()
	}
}

// IssueToken 为指定用户签发访问令牌
func (h *Handler) IssueToken(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式无效", err.Error())
		return
	}

	if tokenConfig == nil {
		h.Response.InternalError(c, "认证系统未初始化")
		return
	}

	token, err := auth.GenerateToken(req.UserID, tokenConfig)
	if err != nil {
		h.Response.InternalError(c, "签发令牌失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(tokenConfig.Expiration.Seconds()),
	})
}

// currentUserID 返回认证用户ID（未认证时为空）
func currentUserID(c *gin.Context) string {
	return c.GetString("user_id")
}

// currentClientID 返回匿名客户端标识
func currentClientID(c *gin.Context) string {
	return c.GetString("client_id")
}
