// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 区分冒险引擎的几类失败，调用方据此决定重试或上报
type ErrorType string

const (
	// ErrorTypeConfiguration 无效配置（如章节总数小于5）
	ErrorTypeConfiguration ErrorType = "configuration_error"
	// ErrorTypeProvider 生成提供商的瞬时故障，按重试策略处理
	ErrorTypeProvider ErrorType = "provider_error"
	// ErrorTypeGeneration 所有重试层级耗尽且未产生任何文本
	ErrorTypeGeneration ErrorType = "generation_error"
	// ErrorTypeNotFound 冒险记录不存在
	ErrorTypeNotFound ErrorType = "state_not_found"
	// ErrorTypeForbidden 所有权校验失败
	ErrorTypeForbidden ErrorType = "access_denied"
	// ErrorTypeSummary 摘要组合/持久化在所有本地恢复之后仍然失败
	ErrorTypeSummary ErrorType = "summary_generation_error"
	// ErrorTypeValidation 请求参数校验错误
	ErrorTypeValidation ErrorType = "validation_error"
)

// AppError 携带类型标签的领域错误，支持errors.As链式匹配
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func newError(errType ErrorType, message string, cause error) *AppError {
	return &AppError{Type: errType, Message: message, Err: cause}
}

// NewConfigurationError 创建配置错误
func NewConfigurationError(message string, cause error) *AppError {
	return newError(ErrorTypeConfiguration, message, cause)
}

// NewProviderError 创建生成提供商错误
func NewProviderError(message string, cause error) *AppError {
	return newError(ErrorTypeProvider, message, cause)
}

// NewGenerationError 创建生成失败错误（不可恢复）
func NewGenerationError(message string, cause error) *AppError {
	return newError(ErrorTypeGeneration, message, cause)
}

// NewStateNotFoundError 创建记录未找到错误
func NewStateNotFoundError(message string, cause error) *AppError {
	return newError(ErrorTypeNotFound, message, cause)
}

// NewAccessDeniedError 创建所有权校验错误
func NewAccessDeniedError(message string, cause error) *AppError {
	return newError(ErrorTypeForbidden, message, cause)
}

// NewSummaryError 创建摘要组合错误
func NewSummaryError(message string, cause error) *AppError {
	return newError(ErrorTypeSummary, message, cause)
}

// NewValidationError 创建验证错误
func NewValidationError(message string, cause error) *AppError {
	return newError(ErrorTypeValidation, message, cause)
}

func hasType(err error, errType ErrorType) bool {
	var appError *AppError
	return errors.As(err, &appError) && appError.Type == errType
}

// IsConfigurationError 检查是否为配置错误
func IsConfigurationError(err error) bool {
	return hasType(err, ErrorTypeConfiguration)
}

// IsProviderError 检查是否为提供商错误
func IsProviderError(err error) bool {
	return hasType(err, ErrorTypeProvider)
}

// IsGenerationError 检查是否为生成失败错误
func IsGenerationError(err error) bool {
	return hasType(err, ErrorTypeGeneration)
}

// IsStateNotFoundError 检查是否为记录未找到错误
func IsStateNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsAccessDeniedError 检查是否为所有权错误
func IsAccessDeniedError(err error) bool {
	return hasType(err, ErrorTypeForbidden)
}

// IsSummaryError 检查是否为摘要组合错误
func IsSummaryError(err error) bool {
	return hasType(err, ErrorTypeSummary)
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}
