// cmd/server/main.go
package main

import (
	"fmt"
	"log"

	"github.com/Corphon/EduQuestMCP/internal/app"
	"github.com/Corphon/EduQuestMCP/internal/di"
)

func main() {
	log.Println("🚀 启动 EduQuestMCP 服务器...")

	if err := app.Initialize(); err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	log.Println("✅ 应用初始化完成")

	if err := performHealthCheck(); err != nil {
		log.Printf("⚠️ 服务健康检查警告: %v", err)
	}

	cfg := app.GetApp().GetConfig()
	log.Printf("🌐 服务器启动在端口 %s", cfg.Port)
	log.Printf("🔗 访问地址: http://localhost:%s", cfg.Port)

	if err := app.Run(); err != nil {
		log.Fatalf("服务器运行失败: %v", err)
	}

	log.Println("✅ 服务器已退出")
}

// 启动前检查关键服务是否已注册
func performHealthCheck() error {
	container := di.GetContainer()

	criticalServices := []string{"llm", "adventure", "stats", "store"}

	for _, serviceName := range criticalServices {
		if service := container.Get(serviceName); service == nil {
			return fmt.Errorf("关键服务未注册: %s", serviceName)
		}
	}

	log.Println("✅ 服务健康检查通过")
	return nil
}
