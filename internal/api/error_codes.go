// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 冒险相关错误
	ErrorAdventureNotFound = "ADVENTURE_NOT_FOUND"
	ErrorAdventureInvalid  = "ADVENTURE_INVALID"
	ErrorAdventureAccess   = "ADVENTURE_ACCESS_DENIED"

	// 章节生成相关错误
	ErrorChapterConfigInvalid = "CHAPTER_CONFIG_INVALID"
	ErrorSummaryFailed        = "SUMMARY_FAILED"

	// LLM服务相关错误
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
	ErrorLLMConfigInvalid      = "LLM_CONFIG_INVALID"
	ErrorConfigNotLoaded       = "CONFIG_NOT_LOADED"
)
