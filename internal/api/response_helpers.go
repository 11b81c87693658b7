// internal/api/response_helpers.go
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// ResponseHelper 统一API响应的形状和敏感信息过滤
type ResponseHelper struct{}

func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

// 错误消息里出现这些词时整条替换，避免把密钥细节带给客户端
var leakyWords = []string{"api_key", "apikey", "secret", "token", "password"}

func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, word := range leakyWords {
		if strings.Contains(lower, word) {
			return "An internal error occurred"
		}
	}
	return message
}

// write 补齐时间戳和请求ID后发出响应
func (rh *ResponseHelper) write(c *gin.Context, status int, resp *APIResponse) {
	resp.Timestamp = time.Now()
	resp.RequestID = c.GetString("request_id")
	c.JSON(status, resp)
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	resp := &APIResponse{Success: true, Data: data}
	if len(message) > 0 {
		resp.Message = message[0]
	}
	rh.write(c, http.StatusOK, resp)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	resp := &APIResponse{Success: true, Data: data, Message: "资源创建成功"}
	if len(message) > 0 {
		resp.Message = message[0]
	}
	rh.write(c, http.StatusCreated, resp)
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...string) {
	apiError := &APIError{
		Code:    errorCode,
		Message: sanitizeErrorMessage(message),
	}
	if len(details) > 0 {
		apiError.Details = sanitizeErrorMessage(details[0])
	}
	rh.write(c, statusCode, &APIResponse{Success: false, Error: apiError})
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// InternalError 500错误响应
func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}
