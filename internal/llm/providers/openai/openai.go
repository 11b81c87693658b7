// internal/llm/providers/openai/openai.go
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/EduQuestMCP/internal/llm"
)

// 章节生成的输出上限：一章正文加提示词余量
const defaultChapterMaxTokens = 2048

func init() {
	llm.Register("openai", func() llm.Provider {
		return &Provider{
			baseURL: "https://api.openai.com/v1",
			recommendedModels: []string{
				"gpt-4.1",
				"gpt-4.1-mini",
				"gpt-4o",
				"gpt-4o-mini",
			},
		}
	})
}

type Provider struct {
	apiKey            string
	baseURL           string
	client            *http.Client
	defaultModel      string
	recommendedModels []string
	availableModels   []string
}

func (p *Provider) Initialize(config map[string]string) error {
	key := config["api_key"]
	if key == "" {
		return errors.New("OpenAI API密钥未提供")
	}
	p.apiKey = key
	p.client = &http.Client{Timeout: 120 * time.Second}

	p.defaultModel = config["default_model"]
	if p.defaultModel == "" {
		p.defaultModel = "gpt-4.1"
	}
	if url := config["base_url"]; url != "" {
		p.baseURL = strings.TrimSuffix(url, "/")
	}
	if raw := config["custom_models"]; raw != "" {
		var models []string
		if err := json.Unmarshal([]byte(raw), &models); err == nil && len(models) > 0 {
			p.availableModels = models
		}
	}
	return nil
}

func (p *Provider) GetName() string {
	return "OpenAI"
}

func (p *Provider) GetSupportedModels() []string {
	if len(p.availableModels) > 0 {
		return p.availableModels
	}
	return p.recommendedModels
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// newChatRequest 把统一请求映射为 chat/completions 请求体
// 未指定输出上限时使用面向单章正文的默认值
func (p *Provider) newChatRequest(req llm.CompletionRequest, stream bool) chatRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultChapterMaxTokens
	}

	return chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
		TopP:        req.TopP,
		Stop:        req.StopWords,
		Stream:      stream,
	}
}

func (p *Provider) post(ctx context.Context, body chatRequest, sse bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if sse {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("OpenAI API错误(%d): %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.post(ctx, p.newChatRequest(req, false), false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var completion struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("OpenAI未返回任何结果")
	}

	return &llm.CompletionResponse{
		Text:         completion.Choices[0].Message.Content,
		FinishReason: completion.Choices[0].FinishReason,
		TokensUsed:   completion.Usage.TotalTokens,
		PromptTokens: completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
		ModelName:    completion.Model,
		ProviderName: p.GetName(),
	}, nil
}

// streamDelta 是 SSE 数据行的增量载荷
type streamDelta struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// StreamCompletion 流式生成章节正文
// 读取中断时在通道上发送携带错误的最后一个片段，随后关闭通道
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	resp, err := p.post(ctx, p.newChatRequest(req, true), true)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamResponse)
	go func() {
		defer resp.Body.Close()
		defer close(out)

		emit := func(r llm.StreamResponse) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- r:
				return true
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		modelName := ""
		finished := false

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				if !finished {
					emit(llm.StreamResponse{FinishReason: "stop", ModelName: modelName, Done: true})
				}
				return
			}

			var delta streamDelta
			if err := json.Unmarshal([]byte(data), &delta); err != nil {
				continue
			}
			if modelName == "" {
				modelName = delta.Model
			}
			if len(delta.Choices) == 0 {
				continue
			}

			if content := delta.Choices[0].Delta.Content; content != "" {
				if !emit(llm.StreamResponse{Text: content, ModelName: modelName}) {
					return
				}
			}
			if reason := delta.Choices[0].FinishReason; reason != nil {
				finished = true
				if !emit(llm.StreamResponse{FinishReason: *reason, ModelName: modelName, Done: true}) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil && !finished {
			emit(llm.StreamResponse{
				Done: true,
				Err:  fmt.Errorf("OpenAI流式响应中断: %w", err),
			})
		}
	}()

	return out, nil
}
