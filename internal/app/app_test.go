// internal/app/app_test.go
package app

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/Corphon/EduQuestMCP/internal/config"
	"github.com/Corphon/EduQuestMCP/internal/di"
)

// resetInstance 隔离各用例的全局应用实例
func resetInstance(t *testing.T) string {
	t.Helper()
	instance = nil
	t.Cleanup(func() { instance = nil })

	tempDir := t.TempDir()
	os.MkdirAll(filepath.Join(tempDir, "logs"), 0755)
	os.MkdirAll(filepath.Join(tempDir, "data", "adventures"), 0755)
	return tempDir
}

// stubServer 记录Shutdown是否被调用
type stubServer struct {
	shutdownCalled bool
}

func (s *stubServer) ListenAndServe() error { return nil }

func (s *stubServer) Shutdown(ctx context.Context) error {
	s.shutdownCalled = true
	return nil
}

// TestGetAppSingleton 测试应用实例的单例行为
func TestGetAppSingleton(t *testing.T) {
	resetInstance(t)

	first := GetApp()
	if first == nil {
		t.Fatal("GetApp不应该返回nil")
	}
	if first.stopChan == nil {
		t.Fatal("新实例的stopChan应该已初始化")
	}
	if second := GetApp(); second != first {
		t.Error("重复调用GetApp应该拿到同一个实例")
	}
}

// TestInitLoggerCreatesDatedFile 测试日志目录和按日期命名的日志文件
func TestInitLoggerCreatesDatedFile(t *testing.T) {
	tempDir := resetInstance(t)
	logDir := filepath.Join(tempDir, "custom_logs")

	if err := initLogger(logDir); err != nil {
		t.Fatalf("初始化日志系统失败: %v", err)
	}

	files, err := os.ReadDir(logDir)
	if err != nil {
		t.Fatalf("日志目录应该已被创建: %v", err)
	}
	if len(files) == 0 {
		t.Error("日志目录里应该有当天的日志文件")
	}
}

// TestRunShutsDownOnSignal 测试收到终止信号后优雅关闭
func TestRunShutsDownOnSignal(t *testing.T) {
	resetInstance(t)

	srv := &stubServer{}
	instance = &App{
		config:   &config.AppConfig{Port: "8081"},
		stopChan: make(chan os.Signal, 1),
		server:   srv,
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		instance.stopChan <- syscall.SIGTERM
	}()

	if err := Run(); err != nil {
		t.Fatalf("运行应用失败: %v", err)
	}
	if !srv.shutdownCalled {
		t.Error("Run返回前应该调用server.Shutdown")
	}
}

// TestOpenStoreBackends 测试存储后端选择与回退
func TestOpenStoreBackends(t *testing.T) {
	tempDir := resetInstance(t)

	fileStore, err := openStore(&config.AppConfig{
		StoreBackend: "file",
		DataDir:      tempDir,
	})
	if err != nil {
		t.Fatalf("打开文件存储失败: %v", err)
	}
	defer fileStore.Close(context.Background())

	// mongo后端但URI为空时回退到文件存储
	fallback, err := openStore(&config.AppConfig{
		StoreBackend: "mongo",
		MongoURI:     "",
		DataDir:      tempDir,
	})
	if err != nil {
		t.Fatalf("mongo URI为空时应该回退到文件存储而不是报错: %v", err)
	}
	defer fallback.Close(context.Background())
}

// TestGetConfigAndDIContainer 测试配置与DI容器的访问器
func TestGetConfigAndDIContainer(t *testing.T) {
	resetInstance(t)

	cfg := &config.AppConfig{Port: "9000", DebugMode: true}
	instance = &App{config: cfg}

	if got := instance.GetConfig(); got != cfg {
		t.Error("GetConfig应该返回应用持有的配置")
	}
	if GetDIContainer() != di.GetContainer() {
		t.Error("GetDIContainer应该返回全局DI容器")
	}
}

// TestIsDebugMode 测试调试模式检查在各种实例状态下的行为
func TestIsDebugMode(t *testing.T) {
	resetInstance(t)

	if IsDebugMode() {
		t.Error("无应用实例时应该返回false")
	}

	instance = &App{}
	if IsDebugMode() {
		t.Error("应用无配置时应该返回false")
	}

	instance.config = &config.AppConfig{DebugMode: true}
	if !IsDebugMode() {
		t.Error("调试模式开启时应该返回true")
	}

	instance.config.DebugMode = false
	if IsDebugMode() {
		t.Error("调试模式关闭时应该返回false")
	}
}
