// internal/services/extractor_service_test.go
package services

import (
	"testing"

	"github.com/Corphon/EduQuestMCP/internal/models"
)

// TestExtractNeverEmpty 测试任何输入下输出都非空
func TestExtractNeverEmpty(t *testing.T) {
	extractor := NewExtractorService()

	states := []*models.AdventureState{
		nil,
		{},
		{Chapters: []models.Chapter{{ChapterNumber: 1, ChapterType: models.ChapterStory}}},
		{Chapters: []models.Chapter{{ChapterNumber: 1, ChapterType: models.ChapterLesson}}},
	}

	for i, state := range states {
		results := extractor.Extract(state)
		if len(results) == 0 {
			t.Errorf("状态%d: 提取结果不应该为空", i)
		}
		for _, r := range results {
			if r.Question == "" {
				t.Errorf("状态%d: 问题文本不应该为空", i)
			}
		}
	}
}

// TestExtractSynthesizedQuestions 测试两种合成兜底问题
func TestExtractSynthesizedQuestions(t *testing.T) {
	extractor := NewExtractorService()

	// 没有教学章节
	noLesson := &models.AdventureState{
		Chapters: []models.Chapter{{ChapterNumber: 1, ChapterType: models.ChapterStory}},
	}
	results := extractor.Extract(noLesson)
	if len(results) != 1 || results[0].Question != "Did you enjoy this adventure?" {
		t.Errorf("没有教学章节时应该合成享受类问题，实际: %+v", results)
	}
	if !results[0].IsCorrect {
		t.Error("合成问题应该标记为答对")
	}

	// 有教学章节但没有问题数据
	withLesson := &models.AdventureState{
		Chapters: []models.Chapter{{ChapterNumber: 1, ChapterType: models.ChapterLesson}},
	}
	results = extractor.Extract(withLesson)
	if len(results) != 1 || results[0].Question != "What did you learn from this adventure?" {
		t.Errorf("有教学章节时应该合成教育类问题，实际: %+v", results)
	}
	if !results[0].IsCorrect {
		t.Error("合成问题应该标记为答对")
	}
}

// TestExtractFromTopLevelList 测试顶层预提取列表优先级最高
func TestExtractFromTopLevelList(t *testing.T) {
	extractor := NewExtractorService()

	state := &models.AdventureState{
		LessonQuestions: []map[string]interface{}{
			{"question": "What is 2+2?", "user_answer": "4", "is_correct": true},
		},
		Chapters: []models.Chapter{
			{
				ChapterNumber: 1,
				ChapterType:   models.ChapterLesson,
				Question:      &models.QuizQuestion{Question: "From chapter"},
				Response:      &models.QuizResponse{ChosenAnswer: "X", IsCorrect: false},
			},
		},
	}

	results := extractor.Extract(state)
	if len(results) != 1 {
		t.Fatalf("应该返回1条结果，实际%d条", len(results))
	}
	if results[0].Question != "What is 2+2?" {
		t.Errorf("顶层列表应该优先于章节扫描，实际: %q", results[0].Question)
	}
	if results[0].UserAnswer != "4" || !results[0].IsCorrect {
		t.Errorf("作答字段提取不正确: %+v", results[0])
	}
}

// TestExtractFromLessonChapters 测试按章节编号升序扫描教学章节
func TestExtractFromLessonChapters(t *testing.T) {
	extractor := NewExtractorService()

	state := &models.AdventureState{
		Chapters: []models.Chapter{
			{
				ChapterNumber: 5,
				ChapterType:   models.ChapterLesson,
				Question:      &models.QuizQuestion{Question: "Later question"},
				Response:      &models.QuizResponse{ChosenAnswer: "B", IsCorrect: false},
			},
			{ChapterNumber: 1, ChapterType: models.ChapterStory},
			{
				ChapterNumber: 2,
				ChapterType:   models.ChapterLesson,
				Question: &models.QuizQuestion{
					Question:      "Earlier question",
					Options:       []string{"1", "2"},
					CorrectOption: 1,
				},
				Response: &models.QuizResponse{ChosenAnswer: "1", IsCorrect: false},
			},
			// 没有问题的教学章节被跳过
			{ChapterNumber: 3, ChapterType: models.ChapterLesson},
		},
	}

	results := extractor.Extract(state)
	if len(results) != 2 {
		t.Fatalf("应该提取2条结果，实际%d条", len(results))
	}
	if results[0].Question != "Earlier question" || results[1].Question != "Later question" {
		t.Errorf("结果应该按章节编号升序: %+v", results)
	}
	// 答错时填充正确答案
	if results[0].CorrectAnswer != "2" {
		t.Errorf("答错时应该填充正确答案，实际: %q", results[0].CorrectAnswer)
	}
}

// TestExtractFromLegacyMetadata 测试旧版metadata嵌套位置
func TestExtractFromLegacyMetadata(t *testing.T) {
	extractor := NewExtractorService()

	state := &models.AdventureState{
		Chapters: []models.Chapter{{ChapterNumber: 1, ChapterType: models.ChapterStory}},
		Metadata: map[string]interface{}{
			"quiz_results": []interface{}{
				map[string]interface{}{
					"question_text": "Legacy question",
					"chosen_answer": "A",
					"was_correct":   true,
				},
			},
		},
	}

	results := extractor.Extract(state)
	if len(results) != 1 {
		t.Fatalf("应该从metadata提取1条结果，实际%d条", len(results))
	}
	if results[0].Question != "Legacy question" {
		t.Errorf("旧版字段名应该被识别，实际: %q", results[0].Question)
	}
	if results[0].UserAnswer != "A" || !results[0].IsCorrect {
		t.Errorf("旧版作答字段提取不正确: %+v", results[0])
	}
}

// TestExtractNestedQuestionResponse 测试嵌套的question/response子对象
func TestExtractNestedQuestionResponse(t *testing.T) {
	extractor := NewExtractorService()

	state := &models.AdventureState{
		LessonQuestions: []map[string]interface{}{
			{
				"question": map[string]interface{}{
					"question":    "Nested question",
					"explanation": "Because.",
				},
				"response": map[string]interface{}{
					"chosen_answer": "C",
					"is_correct":    true,
				},
			},
		},
	}

	results := extractor.Extract(state)
	if len(results) != 1 {
		t.Fatalf("应该返回1条结果，实际%d条", len(results))
	}
	r := results[0]
	if r.Question != "Nested question" || r.UserAnswer != "C" || !r.IsCorrect || r.Explanation != "Because." {
		t.Errorf("嵌套结构提取不正确: %+v", r)
	}
}
