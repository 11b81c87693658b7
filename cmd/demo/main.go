// cmd/demo/main.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/Corphon/EduQuestMCP/internal/app"
	"github.com/Corphon/EduQuestMCP/internal/config"
	"github.com/Corphon/EduQuestMCP/internal/di"
	"github.com/Corphon/EduQuestMCP/internal/models"
	"github.com/Corphon/EduQuestMCP/internal/services"
	"github.com/Corphon/EduQuestMCP/internal/utils"
)

const defaultConsoleOwner = "console_user"

var reader = bufio.NewReader(os.Stdin)

func main() {
	fmt.Println("🚀 EduQuestMCP Console App")
	fmt.Println("=================================")

	baseConfig, err := config.Load()
	if err != nil {
		log.Printf("❌ 加载基础配置失败: %v", err)
		return
	}

	logFile := fmt.Sprintf("logs/console_%s.log", time.Now().Format("2006-01-02"))
	if err := utils.InitLogger(logFile); err != nil {
		log.Printf("⚠️ 无法初始化结构化日志: %v", err)
		log.Println("继续运行...")
	}

	if err := config.InitConfig(baseConfig.DataDir); err != nil {
		log.Printf("❌ 初始化配置系统失败: %v", err)
		return
	}

	if err := app.InitServices(); err != nil {
		log.Printf("❌ 初始化服务失败: %v", err)
		return
	}

	for {
		showMenu()
		choice := getUserInput("> ")

		switch choice {
		case "1", "llm":
			configureLLM()
		case "2", "play":
			playAdventure()
		case "3", "summary":
			showSummary()
		case "0", "exit", "quit":
			fmt.Println("👋 再见!")
			return
		default:
			fmt.Println("⚠️ 无效选项")
		}
	}
}

func showMenu() {
	fmt.Println()
	fmt.Println("--- 主菜单 ---")
	fmt.Println("1. 配置LLM提供商")
	fmt.Println("2. 开始一次冒险")
	fmt.Println("3. 查看冒险摘要")
	fmt.Println("0. 退出")
}

func getUserInput(prompt string) string {
	fmt.Print(prompt)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

func adventureService() *services.AdventureService {
	svc, _ := di.GetContainer().Get("adventure").(*services.AdventureService)
	return svc
}

func llmService() *services.LLMService {
	svc, _ := di.GetContainer().Get("llm").(*services.LLMService)
	return svc
}

func configureLLM() {
	llm := llmService()
	if llm == nil {
		fmt.Println("❌ LLM服务不可用")
		return
	}

	ready, state := llm.GetProviderStatus()
	fmt.Printf("当前状态: ready=%v state=%s\n", ready, state)

	provider := getUserInput("提供商 (openai/anthropic): ")
	apiKey := getUserInput("API密钥: ")
	model := getUserInput("默认模型 (可留空): ")

	cfg := map[string]string{"api_key": apiKey}
	if model != "" {
		cfg["default_model"] = model
	}

	if err := llm.UpdateProvider(provider, cfg); err != nil {
		fmt.Printf("❌ 更新提供商失败: %v\n", err)
		return
	}
	if err := config.UpdateLLMConfig(provider, cfg); err != nil {
		fmt.Printf("⚠️ 保存配置失败: %v\n", err)
	}
	fmt.Println("✅ LLM提供商已更新")
}

// playAdventure 逐章生成一次冒险，流式打印内容并在结束后持久化
func playAdventure() {
	svc := adventureService()
	if svc == nil {
		fmt.Println("❌ 冒险服务不可用")
		return
	}

	category := getUserInput("故事类别 (如 fantasy/space): ")
	topic := getUserInput("教学主题 (如 fractions): ")
	available := 5

	state := &models.AdventureState{}
	ctx := context.Background()

	for i := 0; i < svc.TotalChapters; i++ {
		fragments, role, err := svc.StreamChapter(ctx, state, category, topic, available)
		if err != nil {
			fmt.Printf("❌ 生成章节失败: %v\n", err)
			return
		}

		fmt.Printf("\n=== 第 %d 章 (%s) ===\n", i+1, role)
		var content strings.Builder
		for fragment := range fragments {
			if fragment.Err != nil {
				fmt.Printf("\n❌ 章节流中断: %v\n", fragment.Err)
				return
			}
			fmt.Print(fragment.Text)
			content.WriteString(fragment.Text)
		}
		fmt.Println()

		chapter := models.Chapter{
			ChapterNumber: i + 1,
			ChapterType:   role,
			Content:       content.String(),
			CreatedAt:     time.Now(),
		}

		if role == models.ChapterLesson {
			question, err := svc.GenerateQuizQuestion(ctx, topic, content.String())
			if err != nil {
				fmt.Printf("⚠️ 测验问题生成失败: %v\n", err)
			} else {
				chapter.Question = question
				chapter.Response = askQuestion(question)
			}
			available--
		}

		state.Chapters = append(state.Chapters, chapter)

		if role != models.ChapterConclusion {
			chapter.Choice = getUserInput("\n你的选择: ")
			state.Chapters[len(state.Chapters)-1] = chapter
		}
	}

	id, err := svc.StoreAdventure(ctx, services.StoreRequest{
		State:            state,
		OwnerID:          defaultConsoleOwner,
		ClientIdentifier: defaultConsoleOwner,
		StoryCategory:    category,
		LessonTopic:      topic,
	})
	if err != nil {
		fmt.Printf("❌ 保存冒险失败: %v\n", err)
		return
	}
	fmt.Printf("\n✅ 冒险已保存: %s\n", id)
}

func askQuestion(question *models.QuizQuestion) *models.QuizResponse {
	fmt.Printf("\n❓ %s\n", question.Question)
	for i, option := range question.Options {
		fmt.Printf("  %d. %s\n", i+1, option)
	}
	answer := getUserInput("你的答案: ")

	chosen := answer
	correct := false
	for i, option := range question.Options {
		if answer == fmt.Sprintf("%d", i+1) || strings.EqualFold(answer, option) {
			chosen = option
			correct = i == question.CorrectOption
			break
		}
	}
	if correct {
		fmt.Println("✅ 回答正确!")
	} else {
		fmt.Printf("❌ 正确答案是: %s\n", question.CorrectAnswerText())
	}
	return &models.QuizResponse{ChosenAnswer: chosen, IsCorrect: correct}
}

func showSummary() {
	svc := adventureService()
	if svc == nil {
		fmt.Println("❌ 冒险服务不可用")
		return
	}

	id := getUserInput("冒险ID: ")
	summary, err := svc.RetrieveAndCompose(context.Background(), id, defaultConsoleOwner)
	if err != nil {
		fmt.Printf("❌ 获取摘要失败: %v\n", err)
		return
	}

	fmt.Printf("\n=== 冒险回顾: %s ===\n", summary.AdventureID)
	for _, entry := range summary.ChapterSummaries {
		fmt.Printf("\n%d. %s\n   %s\n", entry.ChapterNumber, entry.Title, entry.Summary)
	}
	fmt.Println("\n--- 测验结果 ---")
	for _, quiz := range summary.QuizResults {
		mark := "❌"
		if quiz.IsCorrect {
			mark = "✅"
		}
		fmt.Printf("%s %s (你的答案: %s)\n", mark, quiz.Question, quiz.UserAnswer)
	}
	stats := summary.Statistics
	fmt.Printf("\n章节: %d  答题: %d  答对: %d  用时: %d秒\n",
		stats.ChaptersCompleted, stats.QuestionsAnswered, stats.CorrectAnswers, stats.TimeSpentSeconds)
}
