// internal/services/planner_service.go
package services

import (
	"fmt"

	apperrors "github.com/Corphon/EduQuestMCP/internal/errors"
	"github.com/Corphon/EduQuestMCP/internal/models"
)

// 章节序列的固定位规则：
// 前两章和倒数第二章固定为 story，最后一章固定为 conclusion，
// 其余位置（2 .. total-3）为灵活位，可分配 lesson
const minTotalChapters = 5

// PlannerService 负责把冒险长度映射为章节角色序列
type PlannerService struct{}

// NewPlannerService 创建序列规划服务
func NewPlannerService() *PlannerService {
	return &PlannerService{}
}

// lessonTarget 计算目标教学章节数
// 两个历史公式 (N-1)/2 与 (N-4)/2 中统一采用 (N-1)/2，
// 上限由可用问题数和灵活位数共同约束
func lessonTarget(totalChapters, availableQuestions, flexibleCount int) int {
	target := (totalChapters - 1) / 2
	if target > availableQuestions {
		target = availableQuestions
	}
	if target > flexibleCount {
		target = flexibleCount
	}
	if target < 0 {
		target = 0
	}
	return target
}

// PlanChapterRoles 为冒险生成有序的章节角色序列
// totalChapters 必须不小于5，availableQuestionCount 不小于0
func (s *PlannerService) PlanChapterRoles(totalChapters, availableQuestionCount int) ([]models.ChapterType, error) {
	if totalChapters < minTotalChapters {
		return nil, apperrors.NewConfigurationError(
			fmt.Sprintf("章节总数必须不小于%d，实际为%d", minTotalChapters, totalChapters), nil)
	}
	if availableQuestionCount < 0 {
		availableQuestionCount = 0
	}

	roles := make([]models.ChapterType, totalChapters)
	for i := range roles {
		roles[i] = models.ChapterStory
	}
	roles[totalChapters-1] = models.ChapterConclusion

	flexibleCount := totalChapters - 4
	target := lessonTarget(totalChapters, availableQuestionCount, flexibleCount)
	if target == 0 {
		return roles, nil
	}

	// 教学章节在灵活区间内均匀分布
	step := flexibleCount / target
	if step < 1 {
		step = 1
	}

	assigned := 0
	for i := 2; i <= totalChapters-3 && assigned < target; i += step {
		roles[i] = models.ChapterLesson
		assigned++
	}

	// 步长取整导致的缺口从后向前补齐
	for i := totalChapters - 3; i >= 2 && assigned < target; i-- {
		if roles[i] != models.ChapterLesson {
			roles[i] = models.ChapterLesson
			assigned++
		}
	}

	return roles, nil
}

// NextChapterRole 返回下一个待生成章节的角色
// alreadyGenerated 为已生成的章节数（即下一章的0基下标）
func (s *PlannerService) NextChapterRole(totalChapters, availableQuestionCount, alreadyGenerated int) (models.ChapterType, error) {
	roles, err := s.PlanChapterRoles(totalChapters, availableQuestionCount)
	if err != nil {
		return models.ChapterStory, err
	}
	if alreadyGenerated < 0 || alreadyGenerated >= len(roles) {
		return models.ChapterStory, apperrors.NewConfigurationError(
			fmt.Sprintf("章节位置越界: %d（总数%d）", alreadyGenerated, totalChapters), nil)
	}
	return roles[alreadyGenerated], nil
}
