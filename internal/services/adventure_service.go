// internal/services/adventure_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Corphon/EduQuestMCP/internal/errors"
	"github.com/Corphon/EduQuestMCP/internal/llm"
	"github.com/Corphon/EduQuestMCP/internal/models"
	"github.com/Corphon/EduQuestMCP/internal/storage"
	"github.com/Corphon/EduQuestMCP/internal/utils"
)

// ChapterGenerator 冒险编排所需的生成能力
type ChapterGenerator interface {
	TextGenerator
	GenerateStream(ctx context.Context, prompt string) (<-chan llm.StreamResponse, error)
	CreateStructuredCompletion(ctx context.Context, prompt string, systemPrompt string, outputSchema interface{}) error
}

// StoreRequest 持久化一次冒险状态的请求
type StoreRequest struct {
	State            *models.AdventureState
	AdventureID      string // 非空时原地更新该记录
	OwnerID          string // 认证用户ID
	ClientIdentifier string // 匿名会话的客户端标识
	StoryCategory    string
	LessonTopic      string
}

// AdventureService 冒险编排服务：
// 持久化冒险记录（含所有权/废弃规则）、组合摘要、驱动章节生成
type AdventureService struct {
	Store       storage.AdventureStore
	LLM         ChapterGenerator
	Planner     *PlannerService
	Normalizer  *NormalizerService
	Summarizer  *SummaryService
	Extractor   *ExtractorService
	Calculator  *CalculatorService
	LockManager *LockManager

	TotalChapters   int
	IdleAbandonTime time.Duration
}

// NewAdventureService 创建冒险编排服务
func NewAdventureService(
	store storage.AdventureStore,
	llm ChapterGenerator,
	planner *PlannerService,
	normalizer *NormalizerService,
	summarizer *SummaryService,
	extractor *ExtractorService,
	calculator *CalculatorService,
	lockManager *LockManager,
	totalChapters int,
	idleAbandonTime time.Duration,
) *AdventureService {
	return &AdventureService{
		Store:           store,
		LLM:             llm,
		Planner:         planner,
		Normalizer:      normalizer,
		Summarizer:      summarizer,
		Extractor:       extractor,
		Calculator:      calculator,
		LockManager:     lockManager,
		TotalChapters:   totalChapters,
		IdleAbandonTime: idleAbandonTime,
	}
}

// ownerIdentity 返回记录的归属标识：认证用户优先，其次匿名客户端标识
func (req *StoreRequest) ownerIdentity() string {
	if req.OwnerID != "" {
		return req.OwnerID
	}
	return req.ClientIdentifier
}

// StoreAdventure 持久化一次冒险状态
// 给定 AdventureID 时原地更新；否则先把同一归属者的其他未完成记录
// 标记为已废弃（is_complete=true），再插入新记录
// 写入前只补齐缺失或短于章节数的派生数组，从不重新生成完整数据
func (s *AdventureService) StoreAdventure(ctx context.Context, req StoreRequest) (string, error) {
	if req.State == nil {
		return "", apperrors.NewValidationError("冒险状态不能为空", nil)
	}

	// 派生数组补齐：缺失或比章节数短时追加，已完整时不触碰
	s.backfillDerived(ctx, req.State)

	// 归属标识：认证用户优先，匿名会话退化为客户端标识
	// 匿名记录因此同样受所有权与废弃规则约束
	record := &models.AdventureRecord{
		ID:                    req.AdventureID,
		OwnerID:               req.ownerIdentity(),
		ClientIdentifier:      req.ClientIdentifier,
		State:                 *req.State,
		StoryCategory:         req.StoryCategory,
		LessonTopic:           req.LessonTopic,
		IsComplete:            s.isComplete(req.State),
		CompletedChapterCount: completedChapterCount(req.State),
	}

	if req.AdventureID != "" {
		err := s.LockManager.ExecuteWithAdventureLock(req.AdventureID, func() error {
			return s.Store.Update(ctx, req.AdventureID, map[string]interface{}{
				"state":                   record.State,
				"is_complete":             record.IsComplete,
				"completed_chapter_count": record.CompletedChapterCount,
			})
		})
		if err != nil {
			return "", err
		}
		return req.AdventureID, nil
	}

	// 同一归属者最多一条活跃冒险：先废弃其他未完成记录
	// 扫描-更新不是原子操作，并发请求下该约束是尽力而为的
	if owner := req.ownerIdentity(); owner != "" {
		if err := s.abandonIncompleteFor(ctx, owner); err != nil {
			utils.GetLogger().Warn("failed to abandon prior adventures", map[string]interface{}{
				"owner": owner,
				"err":   err.Error(),
			})
		}
	}

	id, err := s.Store.Insert(ctx, record)
	if err != nil {
		return "", apperrors.NewSummaryError("保存冒险记录失败", err)
	}
	return id, nil
}

// abandonIncompleteFor 废弃指定归属者的全部未完成记录
func (s *AdventureService) abandonIncompleteFor(ctx context.Context, owner string) error {
	stale, err := s.Store.FindMany(ctx, storage.Filter{
		OwnerID:    owner,
		IsComplete: storage.BoolPtr(false),
	}, storage.SortNone, 0)
	if err != nil {
		return err
	}

	for _, record := range stale {
		if err := s.Store.Update(ctx, record.ID, map[string]interface{}{"is_complete": true}); err != nil {
			return err
		}
	}
	return nil
}

// backfillDerived 补齐缺失的派生数组：章节摘要/标题和测验问题
// 结局强制只在冒险到达计划章节总数后执行，
// 进行中的冒险每章落盘一次，中途落盘不得改写章节类型
func (s *AdventureService) backfillDerived(ctx context.Context, state *models.AdventureState) {
	chapterCount := len(state.Chapters)
	if chapterCount == 0 {
		return
	}

	if chapterCount >= s.TotalChapters {
		s.Summarizer.EnsureConclusion(state)
	}

	if len(state.ChapterSummaries) < chapterCount || len(state.SummaryChapterTitles) < chapterCount {
		s.Summarizer.BackfillState(ctx, state)
	}

	if len(state.LessonQuestions) == 0 {
		results := s.Extractor.Extract(state)
		for _, result := range results {
			entry := map[string]interface{}{
				"question":    result.Question,
				"user_answer": result.UserAnswer,
				"is_correct":  result.IsCorrect,
			}
			if result.Explanation != "" {
				entry["explanation"] = result.Explanation
			}
			if result.CorrectAnswer != "" {
				entry["correct_answer"] = result.CorrectAnswer
			}
			state.LessonQuestions = append(state.LessonQuestions, entry)
		}
	}
}

// isComplete 冒险包含结局章节即视为完成
func (s *AdventureService) isComplete(state *models.AdventureState) bool {
	for _, chapter := range state.Chapters {
		if models.ParseChapterType(chapter.ChapterType) == models.ChapterConclusion {
			return true
		}
	}
	return false
}

// completedChapterCount 摘要章节不计入完成数
func completedChapterCount(state *models.AdventureState) int {
	count := 0
	for _, chapter := range state.Chapters {
		if models.ParseChapterType(chapter.ChapterType) != models.ChapterSummary {
			count++
		}
	}
	return count
}

// RetrieveAndCompose 加载冒险记录并组合摘要
// 记录有归属者且与请求者不同时拒绝访问；无归属者的记录对所有人开放
func (s *AdventureService) RetrieveAndCompose(ctx context.Context, stateID, requesterID string) (*models.AdventureSummary, error) {
	record, err := s.Store.FindOne(ctx, storage.Filter{ID: stateID})
	if err != nil {
		return nil, err
	}

	if record.OwnerID != "" && record.OwnerID != requesterID {
		return nil, apperrors.NewAccessDeniedError(
			fmt.Sprintf("冒险 %s 不属于当前请求者", stateID), nil)
	}

	// 组合时在本地副本上强制结局，不写回存储
	state := record.State
	state.Chapters = append([]models.Chapter(nil), record.State.Chapters...)
	s.Summarizer.EnsureConclusion(&state)
	entries := s.Summarizer.Reconstruct(ctx, &state)
	questions := s.Extractor.Extract(&state)
	stats := s.Calculator.Calculate(state.Chapters, questions, timeSpentFromMetadata(&state))

	return &models.AdventureSummary{
		AdventureID:      record.ID,
		StoryCategory:    record.StoryCategory,
		LessonTopic:      record.LessonTopic,
		ChapterSummaries: entries,
		QuizResults:      questions,
		Statistics:       stats,
	}, nil
}

// timeSpentFromMetadata 从状态元数据中读取调用方记录的实际耗时
func timeSpentFromMetadata(state *models.AdventureState) int {
	if state.Metadata == nil {
		return 0
	}
	switch v := state.Metadata["time_spent_seconds"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// AbandonStale 把闲置超过阈值的未完成冒险标记为已废弃，返回处理条数
func (s *AdventureService) AbandonStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.IdleAbandonTime)
	stale, err := s.Store.FindMany(ctx, storage.Filter{
		IsComplete:    storage.BoolPtr(false),
		UpdatedBefore: cutoff,
	}, storage.SortUpdatedAsc, 0)
	if err != nil {
		return 0, err
	}

	abandoned := 0
	for _, record := range stale {
		if err := s.Store.Update(ctx, record.ID, map[string]interface{}{"is_complete": true}); err != nil {
			utils.GetLogger().Warn("failed to abandon stale adventure", map[string]interface{}{
				"id":  record.ID,
				"err": err.Error(),
			})
			continue
		}
		abandoned++
	}
	return abandoned, nil
}

// NextChapterRole 返回下一章应扮演的叙事角色
func (s *AdventureService) NextChapterRole(state *models.AdventureState, availableQuestions int) (models.ChapterType, error) {
	return s.Planner.NextChapterRole(s.TotalChapters, availableQuestions, len(state.Chapters))
}

// StreamChapter 生成下一章并通过修复层输出片段流
// 取消时放弃在途生成，不回滚已写入的章节
func (s *AdventureService) StreamChapter(ctx context.Context, state *models.AdventureState, category, topic string, availableQuestions int) (<-chan NormalizedFragment, models.ChapterType, error) {
	role, err := s.NextChapterRole(state, availableQuestions)
	if err != nil {
		return nil, "", err
	}

	prompt := buildChapterPrompt(state, role, category, topic, s.TotalChapters)

	stream, err := s.LLM.GenerateStream(ctx, prompt)
	if err != nil {
		return nil, "", err
	}

	regenerate := func(ctx context.Context) (string, error) {
		return s.LLM.GenerateOnce(ctx, prompt)
	}
	reformat := func(ctx context.Context, text string, attempt int) (string, error) {
		return s.LLM.GenerateOnce(ctx, buildReformatPrompt(text, attempt))
	}

	return s.Normalizer.Normalize(ctx, stream, regenerate, reformat), role, nil
}

// GenerateQuizQuestion 为教学章节生成一道结构化测验问题
func (s *AdventureService) GenerateQuizQuestion(ctx context.Context, topic, chapterContent string) (*models.QuizQuestion, error) {
	question := &models.QuizQuestion{}

	systemPrompt := `You are an educational content designer. Produce a single multiple-choice question as JSON:
{
	"question": "string",
	"options": ["string", "string", "string", "string"],
	"correct_option": 0,
	"explanation": "string"
}`

	prompt := fmt.Sprintf(`Write one age-appropriate quiz question about "%s" that follows naturally from this chapter:

%s

The question must have exactly four options and one correct answer.`, topic, chapterContent)

	if err := s.LLM.CreateStructuredCompletion(ctx, prompt, systemPrompt, question); err != nil {
		return nil, err
	}
	if strings.TrimSpace(question.Question) == "" || len(question.Options) == 0 {
		return nil, apperrors.NewGenerationError("生成的测验问题不完整", nil)
	}
	return question, nil
}

// buildChapterPrompt 组装章节生成提示词
func buildChapterPrompt(state *models.AdventureState, role models.ChapterType, category, topic string, totalChapters int) string {
	var sb strings.Builder
	chapterNumber := len(state.Chapters) + 1

	fmt.Fprintf(&sb, "You are writing chapter %d of %d in a choice-driven educational adventure.\n", chapterNumber, totalChapters)
	if category != "" {
		fmt.Fprintf(&sb, "Story category: %s\n", category)
	}
	if topic != "" {
		fmt.Fprintf(&sb, "Educational topic: %s\n", topic)
	}

	switch role {
	case models.ChapterLesson:
		sb.WriteString("This chapter weaves the educational topic into the story and leads into a quiz question.\n")
	case models.ChapterConclusion:
		sb.WriteString("This is the final chapter: resolve the story with a satisfying conclusion.\n")
	case models.ChapterReflect:
		sb.WriteString("This chapter has the protagonist reflect on what has been learned so far.\n")
	default:
		sb.WriteString("This chapter advances the story and ends with a meaningful choice for the reader.\n")
	}

	if n := len(state.Chapters); n > 0 {
		prev := state.Chapters[n-1]
		sb.WriteString("\nPrevious chapter:\n")
		sb.WriteString(prev.Content)
		if prev.Choice != "" {
			fmt.Fprintf(&sb, "\nThe reader chose: %s\n", prev.Choice)
		}
	}

	sb.WriteString("\nWrite the chapter as flowing prose split into paragraphs separated by blank lines.")
	return sb.String()
}

// buildReformatPrompt 重排提示词，随尝试次数使用更明确的指令
func buildReformatPrompt(text string, attempt int) string {
	instructions := []string{
		"Insert paragraph breaks into the following story text. Keep every word unchanged, only add blank lines between paragraphs.",
		"The following story text is missing paragraph breaks. Split it into paragraphs of 2-4 sentences each, separated by a blank line. Do not rewrite anything.",
		"Reformat the text below. You MUST output the exact same words with blank lines (\"\\n\\n\") inserted between logical paragraphs. Output nothing else.",
	}
	idx := attempt
	if idx >= len(instructions) {
		idx = len(instructions) - 1
	}
	return instructions[idx] + "\n\n" + text
}
