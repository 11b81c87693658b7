// internal/services/calculator_service.go
package services

import (
	"github.com/Corphon/EduQuestMCP/internal/models"
)

// defaultMinutesPerChapter 没有调用方提供耗时时，按每章固定分钟数估算
const defaultMinutesPerChapter = 3

// CalculatorService 从章节列表和测验结果派生聚合计数
type CalculatorService struct {
	minutesPerChapter int
}

// NewCalculatorService 创建统计计算服务
// minutesPerChapter <= 0 时使用默认估算速率
func NewCalculatorService(minutesPerChapter int) *CalculatorService {
	if minutesPerChapter <= 0 {
		minutesPerChapter = defaultMinutesPerChapter
	}
	return &CalculatorService{minutesPerChapter: minutesPerChapter}
}

// Calculate 计算冒险的聚合统计
// timeSpentSeconds <= 0 时按完成章节数估算耗时
// 没有任何可提取的测验数据时，结果仍然呈现为一次成功的经历
// 而不是一排零
func (c *CalculatorService) Calculate(chapters []models.Chapter, questions []models.QuizResult, timeSpentSeconds int) models.AdventureStatistics {
	stats := models.AdventureStatistics{}

	for _, chapter := range chapters {
		if models.ParseChapterType(chapter.ChapterType) != models.ChapterSummary {
			stats.ChaptersCompleted++
		}
	}

	if len(questions) == 0 {
		stats.QuestionsAnswered = 1
		stats.CorrectAnswers = 1
	} else {
		stats.QuestionsAnswered = len(questions)
		for _, q := range questions {
			if q.IsCorrect {
				stats.CorrectAnswers++
			}
		}
		if stats.CorrectAnswers > stats.QuestionsAnswered {
			stats.CorrectAnswers = stats.QuestionsAnswered
		}
	}

	if timeSpentSeconds > 0 {
		stats.TimeSpentSeconds = timeSpentSeconds
	} else {
		stats.TimeSpentSeconds = stats.ChaptersCompleted * c.minutesPerChapter * 60
	}

	return stats
}
