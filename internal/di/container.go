// internal/di/container.go
package di

import (
	"sort"
	"sync"
)

// Container 按名称持有服务实例
// 服务在应用初始化时一次性注册，之后只读
type Container struct {
	mu       sync.RWMutex
	services map[string]interface{}
}

var (
	globalOnce      sync.Once
	globalContainer *Container
)

// NewContainer 创建一个空容器
func NewContainer() *Container {
	return &Container{services: map[string]interface{}{}}
}

// GetContainer 返回进程级的全局容器
func GetContainer() *Container {
	globalOnce.Do(func() {
		globalContainer = NewContainer()
	})
	return globalContainer
}

// Register 注册服务实例，同名覆盖
func (c *Container) Register(name string, service interface{}) {
	c.mu.Lock()
	c.services[name] = service
	c.mu.Unlock()
}

// Get 按名称取出服务实例，不存在时返回nil
func (c *Container) Get(name string) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.services[name]
}

// Has 检查是否已注册指定名称的服务
func (c *Container) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.services[name]
	return ok
}

// Names 返回已注册服务名称的有序列表
func (c *Container) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
