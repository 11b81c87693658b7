// internal/storage/file_storage.go
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	storageCacheTTL     = 5 * time.Minute
	storageCacheEntries = 100
	cacheSweepInterval  = 2 * time.Minute
)

// FileStorage 基于目录树的JSON文件存取层
// 写入走临时文件加重命名，单个文件的读写由路径级锁串行化，
// 读取经过一个有界的TTL字节缓存
type FileStorage struct {
	BaseDir string

	locks sync.Map // 路径 -> *sync.RWMutex

	cacheMu sync.Mutex
	cache   map[string]cachedBytes
}

type cachedBytes struct {
	data     []byte
	loadedAt time.Time
}

// NewFileStorage 创建文件存取层并启动缓存清理
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	fs := &FileStorage{
		BaseDir: baseDir,
		cache:   map[string]cachedBytes{},
	}
	go fs.sweepCache()
	return fs, nil
}

func (fs *FileStorage) lockFor(path string) *sync.RWMutex {
	lock, _ := fs.locks.LoadOrStore(path, &sync.RWMutex{})
	return lock.(*sync.RWMutex)
}

// SaveJSONFile 序列化并原子写入一个JSON文件
func (fs *FileStorage) SaveJSONFile(dirPath, filename string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}

	dir := filepath.Join(fs.BaseDir, dirPath)
	path := filepath.Join(dir, filename)

	lock := fs.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	// 先写临时文件再重命名，读者永远看不到半截文件
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("保存文件失败: %w", err)
	}

	fs.dropCached(path)
	return nil
}

// LoadJSONFile 读取并解析一个JSON文件
func (fs *FileStorage) LoadJSONFile(dirPath, filename string, v interface{}) error {
	path := filepath.Join(fs.BaseDir, dirPath, filename)

	if data, ok := fs.cached(path); ok {
		return json.Unmarshal(data, v)
	}

	lock := fs.lockFor(path)
	lock.RLock()
	content, err := os.ReadFile(path)
	lock.RUnlock()
	if err != nil {
		return fmt.Errorf("读取文件失败: %w", err)
	}

	fs.storeCached(path, content)
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("解析JSON失败: %w", err)
	}
	return nil
}

// FileExists 检查文件是否存在
func (fs *FileStorage) FileExists(dirPath, filename string) bool {
	_, err := os.Stat(filepath.Join(fs.BaseDir, dirPath, filename))
	return err == nil
}

// ListFiles 列出目录下的所有普通文件名
func (fs *FileStorage) ListFiles(dirPath string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.BaseDir, dirPath))
	if err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func (fs *FileStorage) cached(path string) ([]byte, bool) {
	fs.cacheMu.Lock()
	defer fs.cacheMu.Unlock()
	entry, ok := fs.cache[path]
	if !ok || time.Since(entry.loadedAt) > storageCacheTTL {
		return nil, false
	}
	return entry.data, true
}

func (fs *FileStorage) storeCached(path string, data []byte) {
	fs.cacheMu.Lock()
	defer fs.cacheMu.Unlock()

	if len(fs.cache) >= storageCacheEntries {
		oldestKey := ""
		var oldestAt time.Time
		for key, entry := range fs.cache {
			if oldestKey == "" || entry.loadedAt.Before(oldestAt) {
				oldestKey, oldestAt = key, entry.loadedAt
			}
		}
		delete(fs.cache, oldestKey)
	}
	fs.cache[path] = cachedBytes{data: data, loadedAt: time.Now()}
}

func (fs *FileStorage) dropCached(path string) {
	fs.cacheMu.Lock()
	delete(fs.cache, path)
	fs.cacheMu.Unlock()
}

// sweepCache 周期性移除过期缓存条目
func (fs *FileStorage) sweepCache() {
	ticker := time.NewTicker(cacheSweepInterval)
	defer ticker.Stop()

	for range ticker.C {
		fs.cacheMu.Lock()
		now := time.Now()
		for path, entry := range fs.cache {
			if now.Sub(entry.loadedAt) > storageCacheTTL {
				delete(fs.cache, path)
			}
		}
		fs.cacheMu.Unlock()
	}
}
