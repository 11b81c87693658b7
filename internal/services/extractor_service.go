// internal/services/extractor_service.go
package services

import (
	"sort"

	"github.com/Corphon/EduQuestMCP/internal/models"
)

// legacyMetadataKeys 旧版记录在 metadata 里存放测验数据的历史位置
var legacyMetadataKeys = []string{"quiz_results", "lesson_questions", "questions"}

// ExtractorService 从冒险状态中提取规范化的测验结果列表
// 按来源优先级取第一个非空来源，保证输出永不为空
type ExtractorService struct{}

// NewExtractorService 创建测验提取服务
func NewExtractorService() *ExtractorService {
	return &ExtractorService{}
}

// Extract 按来源优先级提取测验结果：
// 1. 状态顶层的预提取问题列表
// 2. 按章节编号扫描所有教学章节的问题/作答对
// 3. metadata 下的旧版嵌套位置
// 4. 合成兜底问题（保证非空）
func (e *ExtractorService) Extract(state *models.AdventureState) []models.QuizResult {
	if state != nil {
		if results := normalizeEntryList(rawMapsToEntries(state.LessonQuestions)); len(results) > 0 {
			return results
		}
		if results := e.extractFromLessonChapters(state); len(results) > 0 {
			return results
		}
		if results := e.extractFromLegacyMetadata(state); len(results) > 0 {
			return results
		}
	}
	return e.synthesize(state)
}

// extractFromLessonChapters 按章节编号升序配对教学章节的问题与作答
func (e *ExtractorService) extractFromLessonChapters(state *models.AdventureState) []models.QuizResult {
	chapters := make([]models.Chapter, len(state.Chapters))
	copy(chapters, state.Chapters)
	sort.Slice(chapters, func(i, j int) bool {
		return chapters[i].ChapterNumber < chapters[j].ChapterNumber
	})

	var results []models.QuizResult
	for _, chapter := range chapters {
		if models.ParseChapterType(chapter.ChapterType) != models.ChapterLesson {
			continue
		}
		if chapter.Question == nil {
			continue
		}
		var response interface{}
		if chapter.Response != nil {
			response = chapter.Response
		}
		if result, ok := models.NormalizeQuizEntry(chapter.Question, response); ok {
			results = append(results, result)
		}
	}
	return results
}

// extractFromLegacyMetadata 检查 metadata 下历史上用过的几个嵌套位置
func (e *ExtractorService) extractFromLegacyMetadata(state *models.AdventureState) []models.QuizResult {
	if state.Metadata == nil {
		return nil
	}
	for _, key := range legacyMetadataKeys {
		raw, ok := state.Metadata[key]
		if !ok {
			continue
		}
		if results := normalizeEntryList(rawToEntries(raw)); len(results) > 0 {
			return results
		}
	}
	return nil
}

// synthesize 合成兜底问题：
// 完全没有教学章节时合成一条"是否喜欢这次冒险"，
// 有教学章节但没有可用数据时合成一条通用教育兜底问题，
// 两者都标记为答对
func (e *ExtractorService) synthesize(state *models.AdventureState) []models.QuizResult {
	hasLesson := false
	if state != nil {
		for _, chapter := range state.Chapters {
			if models.ParseChapterType(chapter.ChapterType) == models.ChapterLesson {
				hasLesson = true
				break
			}
		}
	}

	if !hasLesson {
		return []models.QuizResult{{
			Question:   "Did you enjoy this adventure?",
			UserAnswer: "Yes, it was great!",
			IsCorrect:  true,
		}}
	}
	return []models.QuizResult{{
		Question:   "What did you learn from this adventure?",
		UserAnswer: "I completed all the lesson chapters.",
		IsCorrect:  true,
	}}
}

// rawMapsToEntries 把映射列表转为通用条目列表
func rawMapsToEntries(maps []map[string]interface{}) []interface{} {
	entries := make([]interface{}, 0, len(maps))
	for _, m := range maps {
		entries = append(entries, m)
	}
	return entries
}

// rawToEntries 容忍 []interface{} 和 []map[string]interface{} 两种列表形式
func rawToEntries(raw interface{}) []interface{} {
	switch v := raw.(type) {
	case []interface{}:
		return v
	case []map[string]interface{}:
		return rawMapsToEntries(v)
	}
	return nil
}

// normalizeEntryList 逐条规范化，嵌套的 question/response 子对象优先于扁平字段
func normalizeEntryList(entries []interface{}) []models.QuizResult {
	var results []models.QuizResult
	for _, entry := range entries {
		m, isMap := entry.(map[string]interface{})
		if isMap {
			question, hasQuestion := m["question"]
			if _, nested := question.(map[string]interface{}); hasQuestion && nested {
				if result, ok := models.NormalizeQuizEntry(question, m["response"]); ok {
					results = append(results, result)
				}
				continue
			}
		}
		if result, ok := models.NormalizeQuizEntry(entry, nil); ok {
			results = append(results, result)
		}
	}
	return results
}
