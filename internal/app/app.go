// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Corphon/EduQuestMCP/internal/api"
	"github.com/Corphon/EduQuestMCP/internal/config"
	"github.com/Corphon/EduQuestMCP/internal/di"
	"github.com/Corphon/EduQuestMCP/internal/services"
	"github.com/Corphon/EduQuestMCP/internal/storage"
	"github.com/Corphon/EduQuestMCP/internal/utils"
)

// httpServer 抽象HTTP服务器，便于测试替换
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 应用程序实例，持有配置、路由和底层服务器
type App struct {
	config   *config.AppConfig
	router   http.Handler
	server   httpServer
	store    storage.AdventureStore
	stopChan chan os.Signal
}

var instance *App

// GetApp 获取应用单例
func GetApp() *App {
	if instance == nil {
		instance = &App{
			stopChan: make(chan os.Signal, 1),
		}
	}
	return instance
}

// Initialize 按依赖顺序初始化整个应用：
// 配置 → 日志 → 存储 → 服务 → 认证 → 路由
func Initialize() error {
	baseConfig, err := config.Load()
	if err != nil {
		return fmt.Errorf("加载基础配置失败: %w", err)
	}

	if err := createDirectories(baseConfig); err != nil {
		return fmt.Errorf("创建目录结构失败: %w", err)
	}

	if err := config.InitConfig(baseConfig.DataDir); err != nil {
		return fmt.Errorf("初始化配置系统失败: %w", err)
	}

	app := GetApp()
	app.config = config.GetCurrentConfig()

	if err := initLogger(app.config.LogDir); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}

	if err := InitServices(); err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	if err := api.InitializeAuth(); err != nil {
		return fmt.Errorf("初始化认证失败: %w", err)
	}

	handler := api.NewHandler()
	app.router = api.SetupRouter(handler)

	return nil
}

// InitServices 创建并注册所有服务到依赖注入容器
func InitServices() error {
	app := GetApp()
	cfg := app.config
	if cfg == nil {
		cfg = config.GetCurrentConfig()
		app.config = cfg
	}

	container := di.GetContainer()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("初始化存储后端失败: %w", err)
	}
	app.store = store
	container.Register("store", store)

	statsService := services.NewStatsService(filepath.Join(cfg.DataDir, "stats"))
	container.Register("stats", statsService)

	llmService, err := services.NewLLMService()
	if err != nil {
		// LLM未配置不是致命错误，保留空服务，等配置接口补齐
		utils.GetLogger().Warn("LLM服务初始化失败，以未就绪状态启动", map[string]interface{}{
			"error": err.Error(),
		})
		llmService = services.NewEmptyLLMService()
	}
	llmService.SetUsageRecorder(statsService)
	container.Register("llm", llmService)

	policy := services.DefaultRetryPolicy()
	adventureService := services.NewAdventureService(
		store,
		llmService,
		services.NewPlannerService(),
		services.NewNormalizerService(policy),
		services.NewSummaryService(llmService, policy),
		services.NewExtractorService(),
		services.NewCalculatorService(cfg.MinutesPerChapter),
		services.NewLockManager(),
		cfg.TotalChapters,
		time.Duration(cfg.IdleAbandonHours)*time.Hour,
	)
	container.Register("adventure", adventureService)

	return nil
}

// openStore 根据配置选择持久化后端
func openStore(cfg *config.AppConfig) (storage.AdventureStore, error) {
	if cfg.StoreBackend == "mongo" && cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB)
	}
	return storage.NewFileStore(cfg.DataDir)
}

// initLogger 初始化日志系统，日志文件按日期命名
func initLogger(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}
	logFile := filepath.Join(logDir, fmt.Sprintf("eduquest_%s.log", time.Now().Format("2006-01-02")))
	return utils.InitLogger(logFile)
}

// createDirectories 创建运行所需的目录
func createDirectories(cfg *config.Config) error {
	dirs := []string{
		cfg.DataDir,
		filepath.Join(cfg.DataDir, "adventures"),
		filepath.Join(cfg.DataDir, "stats"),
		cfg.LogDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// Run 启动HTTP服务器并阻塞，直到收到终止信号后优雅关闭
func Run() error {
	app := GetApp()

	if app.server == nil {
		app.server = &http.Server{
			Addr:    ":" + app.config.Port,
			Handler: app.router,
		}
	}

	go app.startSweeper()

	errChan := make(chan error, 1)
	go func() {
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	signal.Notify(app.stopChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("启动服务器失败: %w", err)
	case <-app.stopChan:
	}

	utils.GetLogger().Info("收到终止信号，正在关闭服务器", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("服务器关闭失败: %w", err)
	}

	app.cleanup()
	return nil
}

// startSweeper 定期把闲置过久的未完成冒险标记为已废弃
func (a *App) startSweeper() {
	adventureService, ok := di.GetContainer().Get("adventure").(*services.AdventureService)
	if !ok || adventureService == nil {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		count, err := adventureService.AbandonStale(ctx)
		cancel()
		if err != nil {
			utils.GetLogger().Warn("闲置冒险清理失败", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if count > 0 {
			utils.GetLogger().Info("已废弃闲置冒险", map[string]interface{}{
				"count": count,
			})
		}
	}
}

// cleanup 释放持有的资源
func (a *App) cleanup() {
	container := di.GetContainer()

	if statsService, ok := container.Get("stats").(*services.StatsService); ok && statsService != nil {
		if err := statsService.Close(); err != nil {
			utils.GetLogger().Warn("关闭统计服务失败", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.store.Close(ctx); err != nil {
			utils.GetLogger().Warn("关闭存储后端失败", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// GetConfig 返回应用配置
func (a *App) GetConfig() *config.AppConfig {
	return a.config
}

// GetDIContainer 返回依赖注入容器
func GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 检查应用是否处于调试模式
func IsDebugMode() bool {
	if instance == nil || instance.config == nil {
		return false
	}
	return instance.config.DebugMode
}
