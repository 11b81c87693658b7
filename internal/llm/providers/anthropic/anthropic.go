// internal/llm/providers/anthropic/anthropic.go
package anthropic

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

// Anthropic 要求显式的输出上限，默认按单章正文给定
const defaultChapterMaxTokens = 2048

func init() {
	llm.Register("anthropic", func() llm.Provider {
		return &Provider{
			baseURL:    "https://api.anthropic.com",
			apiVersion: "2023-06-01",
			recommendedModels: []string{
				"claude-sonnet-4-20250514",
				"claude-3-7-sonnet-20250219",
				"claude-3-5-haiku-20241022",
			},
		}
	})
}

type Provider struct {
	apiKey            string
	baseURL           string
	apiVersion        string
	client            *http.Client
	defaultModel      string
	recommendedModels []string
	availableModels   []string
}

func (p *Provider) Initialize(config map[string]string) error {
	key := config["api_key"]
	if key == "" {
		return errors.New("anthropic api密钥未提供")
	}
	p.apiKey = key
	p.client = &http.Client{Timeout: 120 * time.Second}

	p.defaultModel = config["default_model"]
	if p.defaultModel == "" {
		p.defaultModel = "claude-3-5-haiku-20241022"
	}
	if url := config["base_url"]; url != "" {
		p.baseURL = strings.TrimSuffix(url, "/")
	}
	if version := config["api_version"]; version != "" {
		p.apiVersion = version
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
	return "Anthropic Claude"
}

func (p *Provider) GetSupportedModels() []string {
	if len(p.availableModels) > 0 {
		return p.availableModels
	}
	return p.recommendedModels
}

type messageContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string           `json:"model"`
	Messages    []messageContent `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float32          `json:"temperature"`
	System      string           `json:"system,omitempty"`
	TopP        float32          `json:"top_p,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

// newMessagesRequest 把统一请求映射为 /v1/messages 请求体
func (p *Provider) newMessagesRequest(req llm.CompletionRequest, stream bool) messagesRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultChapterMaxTokens
	}

	return messagesRequest{
		Model:       model,
		Messages:    []messageContent{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      req.SystemPrompt,
		TopP:        req.TopP,
		Stream:      stream,
	}
}

func (p *Provider) post(ctx context.Context, body messagesRequest, sse bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", p.apiKey)
	httpReq.Header.Set("Anthropic-Version", p.apiVersion)
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
		return nil, fmt.Errorf("anthropic api错误(%d): %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.post(ctx, p.newMessagesRequest(req, false), false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var message struct {
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&message); err != nil {
		return nil, err
	}

	text := ""
	for _, block := range message.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, errors.New("Anthropic未返回文本内容")
	}

	return &llm.CompletionResponse{
		Text:         text,
		FinishReason: message.StopReason,
		TokensUsed:   message.Usage.InputTokens + message.Usage.OutputTokens,
		PromptTokens: message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
		ModelName:    message.Model,
		ProviderName: p.GetName(),
	}, nil
}

// streamEvent 是 SSE 数据行的事件载荷
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

// StreamCompletion 流式生成章节正文
// 读取中断时在通道上发送携带错误的最后一个片段，随后关闭通道
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	resp, err := p.post(ctx, p.newMessagesRequest(req, true), true)
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
		finished := false

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(line[6:]), &event); err != nil {
				continue
			}

			switch event.Type {
			case "content_block_delta":
				if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					if !emit(llm.StreamResponse{Text: event.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				if event.Delta.StopReason != "" {
					finished = true
					emit(llm.StreamResponse{FinishReason: event.Delta.StopReason, Done: true})
					return
				}
			case "message_stop":
				finished = true
				emit(llm.StreamResponse{FinishReason: "stop", Done: true})
				return
			}
		}

		if err := scanner.Err(); err != nil && !finished {
			emit(llm.StreamResponse{
				Done: true,
				Err:  fmt.Errorf("anthropic流式响应中断: %w", err),
			})
		}
	}()

	return out, nil
}
