// internal/models/adventure.go
package models

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// ChapterType 表示章节的叙事角色
type ChapterType string

const (
	// ChapterStory 普通故事章节
	ChapterStory ChapterType = "story"
	// ChapterLesson 带测验问题的教学章节
	ChapterLesson ChapterType = "lesson"
	// ChapterReflect 反思章节
	ChapterReflect ChapterType = "reflect"
	// ChapterConclusion 结局章节（每个冒险有且仅有一个）
	ChapterConclusion ChapterType = "conclusion"
	// ChapterSummary 摘要章节（不计入完成章节数）
	ChapterSummary ChapterType = "summary"
)

// ParseChapterType 是章节类型的唯一规范化入口
// 历史记录中章节类型可能是枚举、字符串或带字段的对象，
// 所有摄入边界都必须经过这里，未识别的值回退为 story
func ParseChapterType(value interface{}) ChapterType {
	switch v := value.(type) {
	case ChapterType:
		return normalizeChapterType(string(v))
	case string:
		return normalizeChapterType(v)
	case fmt.Stringer:
		return normalizeChapterType(v.String())
	case map[string]interface{}:
		// 对象形式：尝试常见字段名
		for _, key := range []string{"value", "name", "type", "chapter_type"} {
			if raw, ok := v[key]; ok {
				if s, ok := raw.(string); ok {
					return normalizeChapterType(s)
				}
			}
		}
	}
	return ChapterStory
}

func normalizeChapterType(s string) ChapterType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "story":
		return ChapterStory
	case "lesson":
		return ChapterLesson
	case "reflect":
		return ChapterReflect
	case "conclusion":
		return ChapterConclusion
	case "summary":
		return ChapterSummary
	default:
		return ChapterStory
	}
}

// QuizQuestion 表示教学章节内嵌的测验问题
type QuizQuestion struct {
	Question      string   `json:"question" bson:"question"`
	Options       []string `json:"options,omitempty" bson:"options,omitempty"`
	CorrectOption int      `json:"correct_option" bson:"correct_option"` // Options 的下标
	Explanation   string   `json:"explanation,omitempty" bson:"explanation,omitempty"`
}

// CorrectAnswerText 返回正确选项的文本（不存在时返回空串）
func (q *QuizQuestion) CorrectAnswerText() string {
	if q == nil {
		return ""
	}
	if q.CorrectOption >= 0 && q.CorrectOption < len(q.Options) {
		return q.Options[q.CorrectOption]
	}
	return ""
}

// QuizResponse 表示读者对测验问题的作答
type QuizResponse struct {
	ChosenAnswer string `json:"chosen_answer" bson:"chosen_answer"`
	IsCorrect    bool   `json:"is_correct" bson:"is_correct"`
}

// Chapter 表示冒险中的一个章节
// 章节在生成完成时创建，之后不再修改，
// 唯一的例外是序列校验时把章节类型强制改为 conclusion
type Chapter struct {
	ChapterNumber int                    `json:"chapter_number" bson:"chapter_number"` // 从1开始，严格递增
	ChapterType   ChapterType            `json:"chapter_type" bson:"chapter_type"`
	Content       string                 `json:"content" bson:"content"`
	Choice        string                 `json:"choice,omitempty" bson:"choice,omitempty"` // 读者在本章的选择文本
	Question      *QuizQuestion          `json:"question,omitempty" bson:"question,omitempty"`
	Response      *QuizResponse          `json:"response,omitempty" bson:"response,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at,omitempty" bson:"created_at,omitempty"`
}

// AdventureState 表示一次冒险的完整状态
// 章节只追加不修改；派生数组可以是章节列表的前缀（部分生成），但不能更长
type AdventureState struct {
	Chapters             []Chapter                `json:"chapters" bson:"chapters"`
	ChapterSummaries     []string                 `json:"chapter_summaries,omitempty" bson:"chapter_summaries,omitempty"`
	SummaryChapterTitles []string                 `json:"summary_chapter_titles,omitempty" bson:"summary_chapter_titles,omitempty"`
	LessonQuestions      []map[string]interface{} `json:"lesson_questions,omitempty" bson:"lesson_questions,omitempty"`
	Metadata             map[string]interface{}   `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// ChapterCount 返回章节总数
func (s *AdventureState) ChapterCount() int {
	if s == nil {
		return 0
	}
	return len(s.Chapters)
}

// ChapterSummaryEntry 表示摘要屏幕中单个章节的标题+摘要
type ChapterSummaryEntry struct {
	ChapterNumber int         `json:"chapter_number"`
	Title         string      `json:"title"`
	Summary       string      `json:"summary"`
	ChapterType   ChapterType `json:"chapter_type"`
}

// QuizResult 表示规范化后的单条测验结果
type QuizResult struct {
	Question      string `json:"question"`
	UserAnswer    string `json:"user_answer"`
	IsCorrect     bool   `json:"is_correct"`
	Explanation   string `json:"explanation,omitempty"`
	CorrectAnswer string `json:"correct_answer,omitempty"` // 仅在答错且可定位正确答案时填充
}

// AdventureStatistics 表示冒险的聚合计数
type AdventureStatistics struct {
	ChaptersCompleted int `json:"chapters_completed"`
	QuestionsAnswered int `json:"questions_answered"`
	TimeSpentSeconds  int `json:"time_spent_seconds"`
	CorrectAnswers    int `json:"correct_answers"`
}

// AdventureSummary 是回顾屏幕使用的组合结果
type AdventureSummary struct {
	AdventureID      string                `json:"adventure_id"`
	StoryCategory    string                `json:"story_category,omitempty"`
	LessonTopic      string                `json:"lesson_topic,omitempty"`
	ChapterSummaries []ChapterSummaryEntry `json:"chapter_summaries"`
	QuizResults      []QuizResult          `json:"quiz_results"`
	Statistics       AdventureStatistics   `json:"statistics"`
}

// AdventureRecord 表示持久化存储中的一条冒险记录
type AdventureRecord struct {
	ID                    string         `json:"id" bson:"_id,omitempty"`
	OwnerID               string         `json:"owner_id,omitempty" bson:"owner_id,omitempty"`
	ClientIdentifier      string         `json:"client_identifier,omitempty" bson:"client_identifier,omitempty"`
	State                 AdventureState `json:"state" bson:"state"`
	StoryCategory         string         `json:"story_category,omitempty" bson:"story_category,omitempty"`
	LessonTopic           string         `json:"lesson_topic,omitempty" bson:"lesson_topic,omitempty"`
	IsComplete            bool           `json:"is_complete" bson:"is_complete"`
	CompletedChapterCount int            `json:"completed_chapter_count" bson:"completed_chapter_count"`
	CreatedAt             time.Time      `json:"created_at,omitempty" bson:"created_at,omitempty"`
	UpdatedAt             time.Time      `json:"updated_at,omitempty" bson:"updated_at,omitempty"`
}

// ------------------------------------------------
// 测验数据摄入适配器
// 历史记录里问题/作答对象既有映射形式也有结构体形式，
// 字段名也存在多个版本，这里统一规范化为 QuizResult，
// 下游逻辑只消费规范化后的类型

var questionTextKeys = []string{"question", "question_text", "text", "prompt"}
var userAnswerKeys = []string{"user_answer", "chosen_answer", "answer", "selected_option", "choice"}
var correctFlagKeys = []string{"is_correct", "correct", "was_correct", "answered_correctly"}
var explanationKeys = []string{"explanation", "rationale", "why"}
var correctAnswerKeys = []string{"correct_answer", "right_answer", "expected_answer"}

// NormalizeQuizEntry 把任意形式的问题/作答对规范化为 QuizResult
// 第二个返回值为 false 表示问题文本为空，该条目应被丢弃
func NormalizeQuizEntry(question, response interface{}) (QuizResult, bool) {
	result := QuizResult{}

	// 已经是规范化类型时直接转换
	if typed, ok := question.(*QuizQuestion); ok && typed != nil {
		result.Question = typed.Question
		result.Explanation = typed.Explanation
		result.CorrectAnswer = typed.CorrectAnswerText()
	} else if typed, ok := question.(QuizQuestion); ok {
		result.Question = typed.Question
		result.Explanation = typed.Explanation
		result.CorrectAnswer = typed.CorrectAnswerText()
	} else if question != nil {
		result.Question, _ = lookupString(question, questionTextKeys)
		result.Explanation, _ = lookupString(question, explanationKeys)
		result.CorrectAnswer, _ = lookupString(question, correctAnswerKeys)
	}

	if typed, ok := response.(*QuizResponse); ok && typed != nil {
		result.UserAnswer = typed.ChosenAnswer
		result.IsCorrect = typed.IsCorrect
	} else if typed, ok := response.(QuizResponse); ok {
		result.UserAnswer = typed.ChosenAnswer
		result.IsCorrect = typed.IsCorrect
	} else if response != nil {
		result.UserAnswer, _ = lookupString(response, userAnswerKeys)
		if flag, ok := lookupBool(response, correctFlagKeys); ok {
			result.IsCorrect = flag
		}
	}

	// 扁平条目：作答字段直接混在问题对象里
	if response == nil && question != nil {
		if result.UserAnswer == "" {
			result.UserAnswer, _ = lookupString(question, userAnswerKeys)
		}
		if flag, ok := lookupBool(question, correctFlagKeys); ok {
			result.IsCorrect = flag
		}
	}

	// correct_answer 只在答错时保留
	if result.IsCorrect {
		result.CorrectAnswer = ""
	}

	if strings.TrimSpace(result.Question) == "" {
		return QuizResult{}, false
	}
	return result, true
}

// lookupString 按候选字段名从映射或结构体中读取字符串
func lookupString(obj interface{}, keys []string) (string, bool) {
	for _, key := range keys {
		if raw, ok := lookupField(obj, key); ok {
			switch v := raw.(type) {
			case string:
				if v != "" {
					return v, true
				}
			case fmt.Stringer:
				if s := v.String(); s != "" {
					return s, true
				}
			}
		}
	}
	return "", false
}

// lookupBool 按候选字段名读取布尔值，容忍字符串和数字形式
func lookupBool(obj interface{}, keys []string) (bool, bool) {
	for _, key := range keys {
		if raw, ok := lookupField(obj, key); ok {
			switch v := raw.(type) {
			case bool:
				return v, true
			case string:
				lower := strings.ToLower(strings.TrimSpace(v))
				return lower == "true" || lower == "1" || lower == "yes", true
			case float64:
				return v != 0, true
			case int:
				return v != 0, true
			}
		}
	}
	return false, false
}

// lookupField 支持映射访问和结构体字段访问两种形式
func lookupField(obj interface{}, key string) (interface{}, bool) {
	if m, ok := obj.(map[string]interface{}); ok {
		value, exists := m[key]
		return value, exists
	}

	v := reflect.ValueOf(obj)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, false
	}

	// 结构体字段按导出名匹配（忽略下划线和大小写）
	target := strings.ReplaceAll(strings.ToLower(key), "_", "")
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := strings.ToLower(field.Name)
		if name == target {
			return v.Field(i).Interface(), true
		}
	}
	return nil, false
}
