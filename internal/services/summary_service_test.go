// internal/services/summary_service_test.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/Corphon/EduQuestMCP/internal/models"
)

// fakeGenerator 按调用次数返回预设的响应序列
type fakeGenerator struct {
	responses []string
	err       error
	calls     int
}

func (f *fakeGenerator) GenerateOnce(ctx context.Context, prompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "TITLE: Generated Title\nSUMMARY: Generated summary text.", nil
	}
	idx := f.calls - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

func lessonState() *models.AdventureState {
	return &models.AdventureState{
		Chapters: []models.Chapter{
			{ChapterNumber: 1, ChapterType: models.ChapterStory, Content: "Mia entered the forest.", Choice: "Go left"},
			{ChapterNumber: 2, ChapterType: models.ChapterLesson, Content: "She counted the stones.", Choice: "Pick three"},
			{ChapterNumber: 3, ChapterType: models.ChapterConclusion, Content: "She found her way home."},
		},
	}
}

// TestEnsureConclusionCoercion 测试没有结局时强制最后一章为结局
func TestEnsureConclusionCoercion(t *testing.T) {
	svc := NewSummaryService(nil, NoBackoffPolicy())

	state := &models.AdventureState{
		Chapters: []models.Chapter{
			{ChapterNumber: 2, ChapterType: models.ChapterStory},
			{ChapterNumber: 3, ChapterType: models.ChapterStory},
			{ChapterNumber: 1, ChapterType: models.ChapterStory},
		},
	}
	svc.EnsureConclusion(state)

	// 编号最大的章节（下标1）应该被改为结局
	if state.Chapters[1].ChapterType != models.ChapterConclusion {
		t.Errorf("编号最大的章节应该被强制为conclusion，实际%s", state.Chapters[1].ChapterType)
	}
	if state.Chapters[0].ChapterType != models.ChapterStory || state.Chapters[2].ChapterType != models.ChapterStory {
		t.Error("其他章节不应该被修改")
	}

	// 已有结局时保持原样
	again := lessonState()
	svc.EnsureConclusion(again)
	if again.Chapters[0].ChapterType != models.ChapterStory {
		t.Error("已有结局时不应该修改任何章节")
	}
}

// TestReconstructReusesExistingEntries 测试已有摘要逐字复用且不触发生成
func TestReconstructReusesExistingEntries(t *testing.T) {
	gen := &fakeGenerator{}
	svc := NewSummaryService(gen, NoBackoffPolicy())

	state := lessonState()
	state.ChapterSummaries = []string{"Saved summary 1", "Saved summary 2", "Saved summary 3"}
	state.SummaryChapterTitles = []string{"Saved title 1", "Saved title 2", "Saved title 3"}

	entries := svc.Reconstruct(context.Background(), state)
	if len(entries) != 3 {
		t.Fatalf("应该返回3个条目，实际%d个", len(entries))
	}
	for i, entry := range entries {
		if entry.Summary != fmt.Sprintf("Saved summary %d", i+1) {
			t.Errorf("条目%d的摘要应该逐字复用，实际: %q", i, entry.Summary)
		}
		if entry.Title != fmt.Sprintf("Saved title %d", i+1) {
			t.Errorf("条目%d的标题应该逐字复用，实际: %q", i, entry.Title)
		}
		if entry.ChapterNumber != i+1 {
			t.Errorf("条目应该按章节编号升序，位置%d的编号是%d", i, entry.ChapterNumber)
		}
	}
	if gen.calls != 0 {
		t.Errorf("摘要齐全时不应该调用生成器，实际调用%d次", gen.calls)
	}
}

// TestReconstructIdempotent 测试重复调用产生完全相同的结果
func TestReconstructIdempotent(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		"TITLE: The Forest\nSUMMARY: Mia walked in.",
		"TITLE: The Stones\nSUMMARY: She counted carefully.",
		"TITLE: Home\nSUMMARY: She made it back.",
	}}
	svc := NewSummaryService(gen, NoBackoffPolicy())

	state := lessonState()
	first := svc.BackfillState(context.Background(), state)

	// 第二次调用：所有条目已回填，必须逐字相同且不再生成
	callsAfterFirst := gen.calls
	second := svc.Reconstruct(context.Background(), state)
	if gen.calls != callsAfterFirst {
		t.Errorf("回填后的重建不应该再调用生成器")
	}
	if len(first) != len(second) {
		t.Fatalf("两次结果长度不一致: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("条目%d应该逐字相同:\n第一次: %+v\n第二次: %+v", i, first[i], second[i])
		}
	}
}

// TestBackfillStateAppendOnly 测试回填只追加不覆盖
func TestBackfillStateAppendOnly(t *testing.T) {
	gen := &fakeGenerator{}
	svc := NewSummaryService(gen, NoBackoffPolicy())

	state := lessonState()
	state.ChapterSummaries = []string{"Existing first"}
	state.SummaryChapterTitles = []string{"Existing title"}

	svc.BackfillState(context.Background(), state)

	if state.ChapterSummaries[0] != "Existing first" {
		t.Error("已有摘要不应该被覆盖")
	}
	if state.SummaryChapterTitles[0] != "Existing title" {
		t.Error("已有标题不应该被覆盖")
	}
	if len(state.ChapterSummaries) != 3 || len(state.SummaryChapterTitles) != 3 {
		t.Errorf("派生数组应该补齐到3条，实际%d/%d",
			len(state.ChapterSummaries), len(state.SummaryChapterTitles))
	}
}

// TestGenerateFallbackOnError 测试生成失败时退化为确定性内容
func TestGenerateFallbackOnError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("provider down")}
	svc := NewSummaryService(gen, NoBackoffPolicy())

	longContent := strings.Repeat("x", 300)
	state := &models.AdventureState{
		Chapters: []models.Chapter{
			{ChapterNumber: 1, ChapterType: models.ChapterConclusion, Content: longContent},
		},
	}

	entries := svc.Reconstruct(context.Background(), state)
	if len(entries) != 1 {
		t.Fatalf("应该返回1个条目，实际%d个", len(entries))
	}
	if entries[0].Title != "Chapter 1: conclusion" {
		t.Errorf("兜底标题不符: %q", entries[0].Title)
	}
	expected := strings.Repeat("x", summaryFallbackRunes) + "..."
	if entries[0].Summary != expected {
		t.Errorf("兜底摘要应该是内容截断，实际长度%d", len(entries[0].Summary))
	}
}

// TestSplitTitleSummary 测试两段式响应解析
func TestSplitTitleSummary(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		title   string
		summary string
	}{
		{
			"标准格式",
			"TITLE: The Cave\nSUMMARY: Mia explored a dark cave.",
			"The Cave",
			"Mia explored a dark cave.",
		},
		{
			"多行摘要",
			"TITLE: The Cave\nSUMMARY: First sentence.\nSecond sentence.",
			"The Cave",
			"First sentence. Second sentence.",
		},
		{
			"小写标记也能识别",
			"title: The Cave\nsummary: Something happened.",
			"The Cave",
			"Something happened.",
		},
		{
			"缺少标记时整体作为摘要",
			"Just a plain response.",
			"Chapter Summary",
			"Just a plain response.",
		},
		{
			"标题在下一行",
			"TITLE:\nThe Cave\nSUMMARY: Done.",
			"The Cave",
			"Done.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, summary := splitTitleSummary(tt.raw)
			if title != tt.title {
				t.Errorf("标题应该是%q，实际%q", tt.title, title)
			}
			if summary != tt.summary {
				t.Errorf("摘要应该是%q，实际%q", tt.summary, summary)
			}
		})
	}
}

// TestBuildSummaryPromptConclusionChoice 测试结局章节使用固定占位选择
func TestBuildSummaryPromptConclusionChoice(t *testing.T) {
	prompt := buildSummaryPrompt(models.Chapter{
		ChapterNumber: 3,
		ChapterType:   models.ChapterConclusion,
		Content:       "The end.",
		Choice:        "should be ignored",
	})
	if !strings.Contains(prompt, conclusionChoicePlaceholder) {
		t.Error("结局章节的提示词应该使用占位选择文本")
	}
	if strings.Contains(prompt, "should be ignored") {
		t.Error("结局章节不应该使用原始选择文本")
	}
}
