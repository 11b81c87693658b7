// internal/services/summary_service.go
package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Corphon/EduQuestMCP/internal/models"
	"github.com/Corphon/EduQuestMCP/internal/utils"
)

// conclusionChoicePlaceholder 结局章节没有读者选择，使用固定占位文本
const conclusionChoicePlaceholder = "End of story"

// summaryFallbackRunes 生成失败时截取章节内容的前多少个字符做摘要
const summaryFallbackRunes = 150

// TextGenerator 摘要重建所需的最小生成能力
type TextGenerator interface {
	GenerateOnce(ctx context.Context, prompt string) (string, error)
}

// SummaryService 从章节列表确定性地重建每章的标题与摘要
// 已存在的条目逐字复用，缺失的条目通过生成协作方补齐，
// 生成失败时退化为内容截断，整个操作是幂等的
type SummaryService struct {
	generator TextGenerator
	policy    RetryPolicy
}

// NewSummaryService 创建摘要重建服务
func NewSummaryService(generator TextGenerator, policy RetryPolicy) *SummaryService {
	return &SummaryService{
		generator: generator,
		policy:    policy,
	}
}

// EnsureConclusion 结局强制：没有任何结局章节时，把编号最大的章节改为结局；
// 已有一个或多个时保持原样，不做消歧
// 只应在冒险到达计划章节总数或组合摘要时调用，
// 进行中的冒险每章落盘一次，落盘路径不得改写章节类型
func (s *SummaryService) EnsureConclusion(state *models.AdventureState) {
	if state == nil || len(state.Chapters) == 0 {
		return
	}

	highest := -1
	for i, chapter := range state.Chapters {
		if chapter.ChapterType == models.ChapterConclusion {
			return
		}
		if highest < 0 || chapter.ChapterNumber > state.Chapters[highest].ChapterNumber {
			highest = i
		}
	}
	state.Chapters[highest].ChapterType = models.ChapterConclusion
}

// Reconstruct 按章节编号升序重建 {编号, 标题, 摘要, 类型} 列表
// state.ChapterSummaries / state.SummaryChapterTitles 中已有的条目逐字复用，
// 因此对同一状态重复调用产生完全相同的结果
func (s *SummaryService) Reconstruct(ctx context.Context, state *models.AdventureState) []models.ChapterSummaryEntry {
	if state == nil || len(state.Chapters) == 0 {
		return []models.ChapterSummaryEntry{}
	}

	chapters := make([]models.Chapter, len(state.Chapters))
	copy(chapters, state.Chapters)
	sort.Slice(chapters, func(i, j int) bool {
		return chapters[i].ChapterNumber < chapters[j].ChapterNumber
	})

	entries := make([]models.ChapterSummaryEntry, 0, len(chapters))
	for i, chapter := range chapters {
		entry := models.ChapterSummaryEntry{
			ChapterNumber: chapter.ChapterNumber,
			ChapterType:   models.ParseChapterType(chapter.ChapterType),
		}

		existingSummary := ""
		if i < len(state.ChapterSummaries) {
			existingSummary = state.ChapterSummaries[i]
		}
		existingTitle := ""
		if i < len(state.SummaryChapterTitles) {
			existingTitle = state.SummaryChapterTitles[i]
		}

		if existingSummary != "" {
			entry.Summary = existingSummary
			entry.Title = existingTitle
			if entry.Title == "" {
				entry.Title = fallbackTitle(chapter)
			}
			entries = append(entries, entry)
			continue
		}

		title, summary := s.generateTitleAndSummary(ctx, chapter)
		if existingTitle != "" {
			title = existingTitle
		}
		entry.Title = title
		entry.Summary = summary
		entries = append(entries, entry)
	}

	return entries
}

// BackfillState 用重建结果补齐状态上缺失的尾部摘要/标题条目
// 只追加，从不覆盖已有条目
func (s *SummaryService) BackfillState(ctx context.Context, state *models.AdventureState) []models.ChapterSummaryEntry {
	entries := s.Reconstruct(ctx, state)
	for i := len(state.ChapterSummaries); i < len(entries); i++ {
		state.ChapterSummaries = append(state.ChapterSummaries, entries[i].Summary)
	}
	for i := len(state.SummaryChapterTitles); i < len(entries); i++ {
		state.SummaryChapterTitles = append(state.SummaryChapterTitles, entries[i].Title)
	}
	return entries
}

// generateTitleAndSummary 为单个章节调用生成协作方获取标题与摘要
// 任何不可恢复的失败都退化为确定性的本地内容
func (s *SummaryService) generateTitleAndSummary(ctx context.Context, chapter models.Chapter) (string, string) {
	if s.generator == nil || strings.TrimSpace(chapter.Content) == "" {
		return fallbackTitle(chapter), fallbackSummary(chapter)
	}

	prompt := buildSummaryPrompt(chapter)
	logger := utils.GetLogger()

	for attempt := 0; attempt < s.policy.Attempts(); attempt++ {
		if attempt > 0 {
			if err := s.policy.Wait(ctx, attempt); err != nil {
				break
			}
		}

		raw, err := s.generator.GenerateOnce(ctx, prompt)
		if err != nil {
			logger.Warn("chapter summary generation failed", map[string]interface{}{
				"chapter": chapter.ChapterNumber,
				"attempt": attempt + 1,
				"err":     err.Error(),
			})
			continue
		}

		title, summary := splitTitleSummary(raw)
		return title, summary
	}

	return fallbackTitle(chapter), fallbackSummary(chapter)
}

// buildSummaryPrompt 组装摘要请求：章节内容、读者的选择及该选择是否答对
func buildSummaryPrompt(chapter models.Chapter) string {
	choice := chapter.Choice
	if models.ParseChapterType(chapter.ChapterType) == models.ChapterConclusion || choice == "" {
		choice = conclusionChoicePlaceholder
	}

	var sb strings.Builder
	sb.WriteString("Summarize the following adventure chapter for a review screen.\n")
	sb.WriteString("Respond with exactly two sections:\n")
	sb.WriteString("TITLE: a short evocative chapter title\n")
	sb.WriteString("SUMMARY: two or three sentences capturing what happened\n\n")
	fmt.Fprintf(&sb, "Reader's choice: %s\n", choice)
	if chapter.Response != nil {
		fmt.Fprintf(&sb, "The choice was %s.\n", correctnessWord(chapter.Response.IsCorrect))
	}
	sb.WriteString("\nChapter content:\n")
	sb.WriteString(chapter.Content)
	return sb.String()
}

func correctnessWord(correct bool) string {
	if correct {
		return "correct"
	}
	return "incorrect"
}

// splitTitleSummary 两段式解析：寻找 TITLE/SUMMARY 两个段落标记
// 任一段落无法解析时，标题退化为通用字符串，摘要退化为完整原始响应
func splitTitleSummary(raw string) (string, string) {
	title := ""
	summary := ""

	lines := strings.Split(raw, "\n")
	section := ""
	var summaryLines []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, "TITLE:"):
			section = "title"
			title = strings.TrimSpace(trimmed[len("TITLE:"):])
		case strings.HasPrefix(upper, "SUMMARY:"):
			section = "summary"
			rest := strings.TrimSpace(trimmed[len("SUMMARY:"):])
			if rest != "" {
				summaryLines = append(summaryLines, rest)
			}
		default:
			switch section {
			case "title":
				if title == "" && trimmed != "" {
					title = trimmed
				}
			case "summary":
				if trimmed != "" {
					summaryLines = append(summaryLines, trimmed)
				}
			}
		}
	}
	summary = strings.Join(summaryLines, " ")

	if title == "" {
		title = "Chapter Summary"
	}
	if summary == "" {
		summary = strings.TrimSpace(raw)
	}
	return title, summary
}

// fallbackTitle 生成失败时的确定性标题
func fallbackTitle(chapter models.Chapter) string {
	return fmt.Sprintf("Chapter %d: %s", chapter.ChapterNumber, models.ParseChapterType(chapter.ChapterType))
}

// fallbackSummary 生成失败时截取章节内容开头做摘要
func fallbackSummary(chapter models.Chapter) string {
	runes := []rune(chapter.Content)
	if len(runes) > summaryFallbackRunes {
		runes = runes[:summaryFallbackRunes]
	}
	return string(runes) + "..."
}
