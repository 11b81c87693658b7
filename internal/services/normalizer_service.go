// internal/services/normalizer_service.go
package services

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	apperrors "github.com/Corphon/EduQuestMCP/internal/errors"
	"github.com/Corphon/EduQuestMCP/internal/llm"
	"github.com/Corphon/EduQuestMCP/internal/utils"
)

const (
	// 缓冲阈值：累积到这么多字符后评估是否需要分段修复
	normalizerBufferThreshold = 1000
	// 低于这个长度的文本不做分段判断
	normalizerMinLength = 200
	// 句界模式数量超过该值视为"应当分段"
	sentencePatternThreshold = 3
	// 引号对话段数量超过该值视为"应当分段"
	quotedSpanThreshold = 2
)

var (
	// 句号/问号/叹号后跟空白再跟大写字母，粗略对应一个段落候选边界
	sentenceBoundaryPattern = regexp.MustCompile(`[.!?]["']?\s+[A-Z]`)
	// 引号包裹的对话段
	quotedSpanPattern = regexp.MustCompile(`"[^"\n]{2,}"`)
)

// RegenerateFunc 使用原始提示词重新做一次非流式生成
type RegenerateFunc func(ctx context.Context) (string, error)

// ReformatFunc 请求提供商为已生成文本插入段落分隔
// attempt 从0开始，实现方应随尝试次数使用更明确的格式化指令
type ReformatFunc func(ctx context.Context, text string, attempt int) (string, error)

// NormalizedFragment 修正后流中的一个片段
type NormalizedFragment struct {
	Text string
	Err  error
}

// NormalizerService 消费生成调用返回的惰性片段序列，
// 检测缺失段落分隔的文本并通过有界的再生成/重排修复，
// 调用方看到的要么是原始流原样通过，要么是一个完整缓冲后的修正替换，
// 永远不会是两者的混合
type NormalizerService struct {
	policy RetryPolicy
}

// NewNormalizerService 创建流修复服务
func NewNormalizerService(policy RetryPolicy) *NormalizerService {
	return &NormalizerService{policy: policy}
}

// needsParagraphing 判断已收集的文本是否缺失段落分隔
func needsParagraphing(collected string) bool {
	if utf8.RuneCountInString(collected) < normalizerMinLength {
		return false
	}
	if strings.Contains(collected, "\n\n") {
		return false
	}

	sentences := len(sentenceBoundaryPattern.FindAllString(collected, -1))
	quotes := len(quotedSpanPattern.FindAllString(collected, -1))
	return sentences > sentencePatternThreshold || quotes > quotedSpanThreshold
}

// Normalize 把单趟的输入片段流转换为修正后的单趟输出流
// 输入流是有限、不可重放的；输出流同样单趟有限
// 上游片段携带错误时把错误透传给下游后结束，不静默截断
func (n *NormalizerService) Normalize(ctx context.Context, fragments <-chan llm.StreamResponse, regenerate RegenerateFunc, reformat ReformatFunc) <-chan NormalizedFragment {
	out := make(chan NormalizedFragment)

	go func() {
		defer close(out)

		// 阶段1：缓冲到阈值或流结束
		// 字符计数随片段增量维护，避免每个片段都重扫整个缓冲区
		var builder strings.Builder
		runeCount := 0
		streamEnded := false
		for !streamEnded && runeCount < normalizerBufferThreshold {
			select {
			case <-ctx.Done():
				return
			case fragment, ok := <-fragments:
				if !ok {
					streamEnded = true
					break
				}
				if fragment.Err != nil {
					emitFragment(ctx, out, NormalizedFragment{Err: fragment.Err})
					return
				}
				builder.WriteString(fragment.Text)
				runeCount += utf8.RuneCountInString(fragment.Text)
			}
		}
		collected := builder.String()

		// 阶段2：判断是否需要修复
		if !needsParagraphing(collected) {
			// 原样通过：先发已缓冲的部分，再透传剩余片段
			if collected != "" {
				if !emitFragment(ctx, out, NormalizedFragment{Text: collected}) {
					return
				}
			}
			for {
				select {
				case <-ctx.Done():
					return
				case fragment, ok := <-fragments:
					if !ok {
						return
					}
					if fragment.Err != nil {
						emitFragment(ctx, out, NormalizedFragment{Err: fragment.Err})
						return
					}
					if fragment.Text == "" {
						continue
					}
					if !emitFragment(ctx, out, NormalizedFragment{Text: fragment.Text}) {
						return
					}
				}
			}
		}

		// 阶段3：需要修复，先吞掉整个剩余输入流（期间不输出任何内容）
		for !streamEnded {
			select {
			case <-ctx.Done():
				return
			case fragment, ok := <-fragments:
				if !ok {
					streamEnded = true
					break
				}
				if fragment.Err != nil {
					emitFragment(ctx, out, NormalizedFragment{Err: fragment.Err})
					return
				}
				builder.WriteString(fragment.Text)
			}
		}
		fullText := builder.String()

		replacement, err := n.repair(ctx, fullText, regenerate, reformat)
		if err != nil {
			emitFragment(ctx, out, NormalizedFragment{Err: err})
			return
		}
		emitFragment(ctx, out, NormalizedFragment{Text: replacement})
	}()

	return out
}

// repair 依次执行再生成层、重排层和兜底层
func (n *NormalizerService) repair(ctx context.Context, fullText string, regenerate RegenerateFunc, reformat ReformatFunc) (string, error) {
	logger := utils.GetLogger()

	// 层级a：重新生成（全新的非流式生成，沿用原始提示词）
	if regenerate != nil {
		for attempt := 0; attempt < n.policy.Attempts(); attempt++ {
			if attempt > 0 {
				if err := n.policy.Wait(ctx, attempt); err != nil {
					return "", err
				}
			}

			result, err := regenerate(ctx)
			if err != nil {
				// 提供商错误按失败尝试计数，不视为致命
				logger.Warn("regeneration attempt failed", map[string]interface{}{
					"attempt": attempt + 1,
					"err":     err.Error(),
				})
				continue
			}
			if strings.Contains(result, "\n\n") {
				return result, nil
			}
		}
	}

	// 层级b：请提供商为已有文本重排段落
	if reformat != nil {
		for attempt := 0; attempt < n.policy.Attempts(); attempt++ {
			if attempt > 0 {
				if err := n.policy.Wait(ctx, attempt); err != nil {
					return "", err
				}
			}

			result, err := reformat(ctx, fullText, attempt)
			if err != nil {
				logger.Warn("reformat attempt failed", map[string]interface{}{
					"attempt": attempt + 1,
					"err":     err.Error(),
				})
				continue
			}
			if strings.Contains(result, "\n\n") {
				return result, nil
			}
		}
	}

	// 层级c：兜底，原文不变
	if fullText != "" {
		return fullText, nil
	}

	// 所有层级耗尽且从未产生任何文本
	return "", apperrors.NewGenerationError("所有修复层级均未产生文本", nil)
}

// emitFragment 发送片段，上下文取消时返回false
func emitFragment(ctx context.Context, out chan<- NormalizedFragment, f NormalizedFragment) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- f:
		return true
	}
}
