// internal/services/llm_service.go
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/Corphon/EduQuestMCP/internal/config"
	apperrors "github.com/Corphon/EduQuestMCP/internal/errors"
	"github.com/Corphon/EduQuestMCP/internal/llm"
	"github.com/Corphon/EduQuestMCP/internal/utils"

	// 注册所有可用的提供商实现
	_ "github.com/Corphon/EduQuestMCP/internal/llm/providers/anthropic"
	_ "github.com/Corphon/EduQuestMCP/internal/llm/providers/openai"
)

var ErrLLMNotReady = errors.New("llm service not ready")

// 未在配置中指定模型时各提供商的回退选择
var fallbackModels = map[string]string{
	"openai":    "gpt-4.1",
	"anthropic": "claude-haiku-4.5",
}

const (
	structuredCacheTTL = 30 * time.Minute
	structuredCacheCap = 1000
	defaultTemperature = 0.7
	// 结构化输出要求低温以稳定JSON形状
	structuredTemperature = 0.3
)

// UsageRecorder 记录生成请求的用量
type UsageRecorder interface {
	RecordGeneration(provider, model string, promptTokens, completionTokens int)
}

// LLMService 提供统一的大语言模型调用接口
type LLMService struct {
	mu           sync.RWMutex
	provider     llm.Provider
	providerName string
	defaultModel string
	ready        bool
	readyNote    string
	recorder     UsageRecorder
	structured   *structuredCache
}

// NewLLMService 从当前配置初始化服务。配置不完整或提供商初始化
// 失败时返回一个未就绪的实例而不是错误，等待运行时重新配置。
func NewLLMService() (*LLMService, error) {
	s := blankLLMService()

	cfg := config.GetCurrentConfig()
	if cfg == nil {
		s.readyNote = "Failed to retrieve configuration"
		return s, nil
	}
	if cfg.LLMProvider == "" || (cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] == "") {
		s.readyNote = "API key not configured"
		return s, nil
	}

	provider, err := llm.GetProvider(cfg.LLMProvider, cfg.LLMConfig)
	if err != nil {
		s.readyNote = fmt.Sprintf("Initialization failed: %v", err)
		return s, nil
	}

	s.adopt(provider, cfg.LLMProvider, cfg.LLMConfig)
	return s, nil
}

// NewEmptyLLMService 创建一个空的LLM服务实例作为后备方案
func NewEmptyLLMService() *LLMService {
	s := blankLLMService()
	s.providerName = "empty"
	s.readyNote = "Standby Service Mode – Please configure the API key in settings"
	return s
}

func blankLLMService() *LLMService {
	return &LLMService{
		readyNote:  "Uninitialized",
		structured: newStructuredCache(),
	}
}

// adopt 装入新的提供商并重置结构化输出缓存，调用方持有写锁或独占实例
func (s *LLMService) adopt(provider llm.Provider, name string, cfg map[string]string) {
	s.provider = provider
	s.providerName = name
	s.defaultModel = configuredModel(cfg)
	s.ready = true
	s.readyNote = "Ready"
	s.structured = newStructuredCache()
}

// SetUsageRecorder 注入用量记录器
func (s *LLMService) SetUsageRecorder(recorder UsageRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = recorder
}

// missingSettings 检查全局配置里生成所需的设置，齐备时返回空串
func missingSettings() string {
	cfg := config.GetCurrentConfig()
	switch {
	case cfg == nil:
		return "Cannot get configuration"
	case cfg.LLMProvider == "":
		return "LLM provider not configured"
	case cfg.LLMConfig == nil || cfg.LLMConfig["api_key"] == "":
		return "API key not configured"
	}
	return ""
}

// IsReady 返回服务是否已就绪。提供商尚未实例化但配置齐备时也视为
// 就绪，首次配置更新会完成实际初始化。
func (s *LLMService) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ready && s.provider != nil {
		return true
	}
	return missingSettings() == ""
}

// GetReadyState 返回服务就绪状态描述
func (s *LLMService) GetReadyState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if note := missingSettings(); note != "" {
		return note
	}
	if s.ready && s.provider != nil {
		return "Ready"
	}
	return "Waiting for initialization"
}

// GetProviderStatus 返回服务是否就绪以及可读描述
func (s *LLMService) GetProviderStatus() (bool, string) {
	if s == nil {
		return false, "LLM服务实例未初始化"
	}
	if s.IsReady() {
		return true, "Ready"
	}
	return false, s.GetReadyState()
}

// UpdateProvider 更新LLM服务的提供商
func (s *LLMService) UpdateProvider(providerName string, cfg map[string]string) error {
	provider, err := llm.GetProvider(providerName, cfg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.ready = false
		s.readyNote = fmt.Sprintf("Configuration failed: %v", err)
		return err
	}
	s.adopt(provider, providerName, cfg)
	return nil
}

// activeProvider 返回当前提供商，未就绪时报配置类错误
func (s *LLMService) activeProvider() (llm.Provider, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready || s.provider == nil {
		return nil, "", apperrors.NewConfigurationError(fmt.Sprintf("LLM服务未就绪: %s", s.readyNote), ErrLLMNotReady)
	}
	return s.provider, s.providerName, nil
}

// GenerateOnce 非流式生成：一次调用返回完整文本
// 提供商失败统一包装为 ProviderError，由调用方的重试策略处理
func (s *LLMService) GenerateOnce(ctx context.Context, prompt string) (string, error) {
	provider, providerName, err := s.activeProvider()
	if err != nil {
		return "", err
	}

	model := s.pickModel("")
	resp, err := provider.CompleteText(ctx, llm.CompletionRequest{
		Model:       model,
		Prompt:      prompt,
		Temperature: defaultTemperature,
	})
	if err != nil {
		return "", apperrors.NewProviderError("文本生成失败", err)
	}

	s.recordUsage(providerName, model, resp.PromptTokens, resp.OutputTokens)
	return resp.Text, nil
}

// GenerateStream 流式生成：返回文本片段通道
// 通道在生成结束或出错时关闭；建立连接失败包装为 ProviderError
func (s *LLMService) GenerateStream(ctx context.Context, prompt string) (<-chan llm.StreamResponse, error) {
	provider, providerName, err := s.activeProvider()
	if err != nil {
		return nil, err
	}

	model := s.pickModel("")
	stream, err := provider.StreamCompletion(ctx, llm.CompletionRequest{
		Model:       model,
		Prompt:      prompt,
		Temperature: defaultTemperature,
	})
	if err != nil {
		return nil, apperrors.NewProviderError("建立流式生成失败", err)
	}

	out := make(chan llm.StreamResponse)
	go func() {
		defer close(out)
		for chunk := range stream {
			if chunk.Err != nil {
				utils.GetLogger().Warn("stream chunk error", map[string]interface{}{
					"provider": providerName,
					"err":      chunk.Err.Error(),
				})
				// 中断不静默吞掉，包装后交给下游决定如何处理
				wrapped := llm.StreamResponse{
					Err: apperrors.NewGenerationError("流式生成中断", chunk.Err),
				}
				select {
				case <-ctx.Done():
				case out <- wrapped:
				}
				return
			}
			if chunk.Text == "" && !chunk.Done {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- chunk:
			}
		}
		s.recordUsage(providerName, model, 0, 0)
	}()

	return out, nil
}

// CreateStructuredCompletion 请求一次结构化输出并解析到给定结构
// 相同提示词的结果在缓存有效期内直接复用，不重复计费
func (s *LLMService) CreateStructuredCompletion(ctx context.Context, prompt string, systemPrompt string, outputSchema interface{}) error {
	provider, providerName, err := s.activeProvider()
	if err != nil {
		return err
	}

	model := s.pickModel("")
	key := s.structuredKey(prompt, systemPrompt, model)

	s.mu.RLock()
	cache := s.structured
	s.mu.RUnlock()

	if body, ok := cache.get(key); ok && outputSchema != nil {
		if json.Unmarshal(body, outputSchema) == nil {
			utils.GetLogger().Info("DEBUG:LLM cache hit", map[string]interface{}{"cache_key_prefix": key[:8]})
			return nil
		}
	}

	resp, err := provider.CompleteText(ctx, llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: structuredDirective(systemPrompt),
		Temperature:  structuredTemperature,
		Model:        model,
	})
	if err != nil {
		return apperrors.NewProviderError("结构化生成失败", err)
	}
	s.recordUsage(providerName, model, resp.PromptTokens, resp.OutputTokens)

	text := sanitizeModelJSON(resp.Text)
	if err := json.Unmarshal([]byte(text), outputSchema); err != nil {
		return fmt.Errorf("failed to parse AI response into structured data: %w\nAI return: %s", err, text)
	}

	if body, err := json.Marshal(outputSchema); err == nil {
		cache.put(key, body)
	} else {
		utils.GetLogger().Error("Failed to serialize cached response", map[string]interface{}{"err": err})
	}
	return nil
}

// structuredDirective 在系统提示后追加JSON输出约束
func structuredDirective(systemPrompt string) string {
	directive := "Return your response in valid JSON format, following the provided output schema, without adding explanations or preambles."
	if systemPrompt == "" {
		return directive
	}
	return systemPrompt + "\n\n" + directive
}

// recordUsage 上报生成用量（未注入记录器时只记录进程内指标）
func (s *LLMService) recordUsage(provider, model string, promptTokens, completionTokens int) {
	utils.GetMetricsCollector().IncrementCounter("llm_requests_" + provider)
	utils.GetMetricsCollector().AddCounter("llm_tokens_total", int64(promptTokens+completionTokens))

	s.mu.RLock()
	recorder := s.recorder
	s.mu.RUnlock()
	if recorder != nil {
		recorder.RecordGeneration(provider, model, promptTokens, completionTokens)
	}
}

// GetProvider 返回内部的Provider实例
func (s *LLMService) GetProvider() llm.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider
}

// GetProviderName 返回当前LLM提供商名称
func (s *LLMService) GetProviderName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providerName
}

// GetDefaultModel 获取当前配置的默认模型
func (s *LLMService) GetDefaultModel() string {
	return s.pickModel("")
}

// pickModel 按优先级确定生成用的模型：请求显式指定 > 提供商配置
// 的默认模型 > 提供商自报的首个模型 > 全局配置 > 内置回退表。
func (s *LLMService) pickModel(requested string) string {
	if m := strings.TrimSpace(requested); m != "" {
		return m
	}

	s.mu.RLock()
	provider := s.provider
	providerName := s.providerName
	configured := s.defaultModel
	s.mu.RUnlock()

	if configured != "" {
		return configured
	}
	if provider != nil {
		if models := provider.GetSupportedModels(); len(models) > 0 {
			if m := strings.TrimSpace(models[0]); m != "" {
				return m
			}
		}
	}
	if cfg := config.GetCurrentConfig(); cfg != nil && cfg.LLMProvider == providerName {
		if m := configuredModel(cfg.LLMConfig); m != "" {
			return m
		}
	}
	if m := strings.TrimSpace(fallbackModels[providerName]); m != "" {
		return m
	}
	return "gpt-4.1"
}

// configuredModel 读取提供商配置里的模型名，兼容两种键名
func configuredModel(cfg map[string]string) string {
	for _, key := range []string{"default_model", "model"} {
		if m := strings.TrimSpace(cfg[key]); m != "" {
			return m
		}
	}
	return ""
}

// structuredKey 由请求内容和当前提供商派生缓存键
func (s *LLMService) structuredKey(prompt, systemPrompt, model string) string {
	s.mu.RLock()
	providerName := s.providerName
	s.mu.RUnlock()

	sum := sha256.Sum256([]byte(prompt + "\x00" + systemPrompt + "\x00" + model + "\x00" + providerName))
	return hex.EncodeToString(sum[:])
}

// structuredCache 缓存结构化输出的JSON字节，带TTL和容量上限
type structuredCache struct {
	mu      sync.Mutex
	entries map[string]structuredEntry
}

type structuredEntry struct {
	body     []byte
	storedAt time.Time
}

func newStructuredCache() *structuredCache {
	return &structuredCache{entries: make(map[string]structuredEntry)}
}

func (c *structuredCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) > structuredCacheTTL {
		delete(c.entries, key)
		return nil, false
	}
	return entry.body, true
}

func (c *structuredCache) put(key string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= structuredCacheCap {
		c.evictLocked()
	}
	c.entries[key] = structuredEntry{body: body, storedAt: time.Now()}
}

// evictLocked 先清过期项，仍然满载时删除最旧的一项
func (c *structuredCache) evictLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if time.Since(e.storedAt) > structuredCacheTTL {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.storedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.storedAt
		}
	}
	if len(c.entries) >= structuredCacheCap && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// ---- 模型输出的JSON清洗 ----
//
// 模型偶尔会在JSON前后夹杂Markdown围栏、说明文字，或把结构性标点
// 写成全角形式。sanitizeModelJSON 把这类输出还原成可解析的JSON。

// 全角/变体标点到ASCII结构符号的映射，仅在字符串字面量之外生效
var widePunct = map[rune]rune{
	'：': ':', '﹕': ':',
	'，': ',', '﹐': ',',
	'；': ';', '﹔': ';',
	'【': '[', '】': ']',
	'［': '[', '］': ']',
	'｛': '{', '｝': '}',
	'（': '(', '）': ')',
}

// 各类弯引号/书名引号及其对应的闭合形式，开闭号统一折叠为ASCII双引号
var wideQuoteClosers = map[rune]rune{
	'"': '"',
	'“': '”', '”': '”', '„': '”', '‟': '”',
	'「': '」', '」': '」',
	'『': '』',
	'﹁': '﹂', '﹂': '﹂',
}

// asciifyStructure 逐字符扫描：字符串内原样保留（转义感知），字符串
// 外替换全角标点、折叠弯引号并丢弃其余非ASCII非空白字符。
func asciifyStructure(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	closer := '"'

	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
				b.WriteRune(r)
			case r == '\\':
				escaped = true
				b.WriteRune(r)
			case r == closer || r == '"':
				inString = false
				closer = '"'
				b.WriteRune('"')
			default:
				b.WriteRune(r)
			}
			continue
		}

		if repl, ok := widePunct[r]; ok {
			b.WriteRune(repl)
			continue
		}
		if c, ok := wideQuoteClosers[r]; ok {
			inString = true
			closer = c
			b.WriteRune('"')
			continue
		}
		if r > unicode.MaxASCII && !unicode.IsSpace(r) {
			// 字符串外的装饰性Unicode字符（如 •、æ）直接丢弃
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var fenceStripper = strings.NewReplacer("```json", "", "```", "")

// stripNoiseRunes 去除BOM、零宽字符和控制字符，统一异常空白
func stripNoiseRunes(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\uFEFF', '\u200B', '\u200C', '\u200D', '\u2060':
			return -1
		case '\u3000':
			return ' '
		case '\u2028', '\u2029':
			return '\n'
		case '\n', '\r', '\t':
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// clipBalanced 从首个括号起做转义感知的括号配平，返回首个完整的
// JSON值；始终未配平时回退到最后一个闭合符
func clipBalanced(s string) string {
	if s == "" {
		return s
	}

	opener, closer := byte('{'), byte('}')
	if s[0] == '[' {
		opener, closer = '[', ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == opener:
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[:i+1])
			}
		}
	}

	if end := strings.LastIndexByte(s, closer); end != -1 {
		return strings.TrimSpace(s[:end+1])
	}
	return strings.TrimSpace(s)
}

func sanitizeModelJSON(s string) string {
	if s == "" {
		return s
	}

	s = fenceStripper.Replace(s)
	s = strings.TrimSpace(stripNoiseRunes(s))

	// JSON值之前的前导说明文字全部丢弃
	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return s
	}
	s = strings.TrimSpace(s[start:])
	if s == "" {
		return s
	}

	return clipBalanced(asciifyStructure(s))
}
