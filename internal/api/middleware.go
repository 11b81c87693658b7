// internal/api/middleware.go
package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// rateWindow 一个调用方在当前固定窗口内的剩余额度
type rateWindow struct {
	remaining int
	resetAt   time.Time
}

// rateLimiter 固定窗口限流器，按调用方标识分桶
// 过期窗口在访问时顺带清理，不另起清理协程
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{windows: map[string]*rateWindow{}}
}

// take 尝试消耗一次额度，返回是否放行、剩余额度与窗口重置时间
func (rl *rateLimiter) take(key string, limit int, window time.Duration) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.windows[key]
	if !ok || now.After(w.resetAt) {
		if len(rl.windows) > 4096 {
			rl.prune(now)
		}
		w = &rateWindow{remaining: limit, resetAt: now.Add(window)}
		rl.windows[key] = w
	}

	if w.remaining <= 0 {
		return false, 0, w.resetAt
	}
	w.remaining--
	return true, w.remaining, w.resetAt
}

// prune 调用方必须持有锁
func (rl *rateLimiter) prune(now time.Time) {
	for key, w := range rl.windows {
		if now.After(w.resetAt) {
			delete(rl.windows, key)
		}
	}
}

var limiter = newRateLimiter()

// callerKey 限流分桶标识：认证用户、匿名客户端标识或来源IP
func callerKey(c *gin.Context) string {
	if id := currentUserID(c); id != "" {
		return id
	}
	if id := currentClientID(c); id != "" {
		return id
	}
	return c.ClientIP()
}

// rateLimit 按调用方标识做固定窗口限流
func rateLimit(limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining, resetAt := limiter.take(callerKey(c), limit, window)

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":   false,
				"error":     "请求过于频繁，请稍后重试",
				"code":      ErrorRateLimited,
				"timestamp": time.Now().Format(time.RFC3339),
			})
			return
		}
		c.Next()
	}
}

// DefaultRateLimit 常规API端点的限流
func DefaultRateLimit() gin.HandlerFunc {
	return rateLimit(100, time.Minute)
}

// GenerationRateLimit 章节生成端点的限流
func GenerationRateLimit() gin.HandlerFunc {
	return rateLimit(30, time.Minute)
}

// SummaryRateLimit 摘要组合端点的限流，组合可能触发生成调用
func SummaryRateLimit() gin.HandlerFunc {
	return rateLimit(60, time.Hour)
}
