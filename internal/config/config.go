// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"github.com/Corphon/EduQuestMCP/internal/utils"
)

// apiKeyCipherPrefix 标记配置文件中已加密的API密钥
const apiKeyCipherPrefix = "enc:"

// configSecret 配置文件敏感字段的加密密钥
func configSecret() string {
	if key := os.Getenv("AUTH_SECRET_KEY"); key != "" {
		return key
	}
	return "eduquest-config-default-key"
}

// sealAPIKey 加密API密钥用于写入磁盘，失败时保留明文
func sealAPIKey(value string) string {
	if value == "" || strings.HasPrefix(value, apiKeyCipherPrefix) {
		return value
	}
	sealed, err := utils.Encrypt(value, configSecret())
	if err != nil {
		return value
	}
	return apiKeyCipherPrefix + sealed
}

// openAPIKey 解密从磁盘读到的API密钥
func openAPIKey(value string) string {
	if !strings.HasPrefix(value, apiKeyCipherPrefix) {
		return value
	}
	plain, err := utils.Decrypt(strings.TrimPrefix(value, apiKeyCipherPrefix), configSecret())
	if err != nil {
		utils.GetLogger().Warn("解密已保存的API密钥失败，需要重新配置", nil)
		return ""
	}
	return plain
}

var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// AppConfig 是运行期的完整配置，包含可通过接口热更新的LLM部分
type AppConfig struct {
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	LogDir    string `json:"log_dir"`
	DebugMode bool   `json:"debug_mode"`

	StoreBackend string `json:"store_backend"` // mongo 或 file
	MongoURI     string `json:"mongo_uri,omitempty"`
	MongoDB      string `json:"mongo_db,omitempty"`

	TotalChapters     int `json:"total_chapters"`      // 默认章节总数
	MinutesPerChapter int `json:"minutes_per_chapter"` // 无计时数据时的估算速率
	IdleAbandonHours  int `json:"idle_abandon_hours"`  // 闲置多久视为放弃

	LLMProvider string            `json:"llm_provider"`
	LLMConfig   map[string]string `json:"llm_config"`
}

// Config 是仅来自环境变量的基础配置
type Config struct {
	Port              string
	OpenAIAPIKey      string
	DataDir           string
	LogDir            string
	DebugMode         bool
	StoreBackend      string
	MongoURI          string
	MongoDB           string
	TotalChapters     int
	MinutesPerChapter int
	IdleAbandonHours  int
}

// Load 从环境变量读取基础配置，.env文件存在时一并加载
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Port:              envStr("PORT", "8080"),
		OpenAIAPIKey:      envStr("OPENAI_API_KEY", ""),
		DataDir:           envDir("DATA_DIR", "data"),
		LogDir:            envDir("LOG_DIR", "logs"),
		DebugMode:         envBool("DEBUG_MODE", true),
		StoreBackend:      envStr("STORE_BACKEND", "file"),
		MongoURI:          envStr("MONGO_URI", ""),
		MongoDB:           envStr("MONGO_DB", "eduquest"),
		TotalChapters:     envInt("TOTAL_CHAPTERS", 7),
		MinutesPerChapter: envInt("MINUTES_PER_CHAPTER", 3),
		IdleAbandonHours:  envInt("IDLE_ABANDON_HOURS", 24),
	}

	if cfg.StoreBackend == "mongo" && cfg.MongoURI == "" {
		utils.GetLogger().Warn("选择了mongo存储但未设置MONGO_URI，回退到文件存储", nil)
		cfg.StoreBackend = "file"
	}
	if cfg.OpenAIAPIKey == "" {
		// 密钥缺失不是启动错误，可以通过配置接口补上
		utils.GetLogger().Warn("未设置OpenAI API密钥，需要通过配置接口设置后才能生成冒险内容", nil)
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envDir 读取目录型环境变量并保证目录存在
func envDir(key, fallback string) string {
	path := envStr(key, fallback)
	if err := os.MkdirAll(path, 0755); err != nil {
		utils.GetLogger().Warn("创建目录失败", map[string]interface{}{"path": path, "err": err.Error()})
	}
	return path
}

func envBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "":
		return fallback
	case "true", "1", "yes":
		return true
	}
	return false
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// fromBase 由基础配置构造运行期配置，LLM部分取默认值
func fromBase(base *Config) *AppConfig {
	return &AppConfig{
		Port:              base.Port,
		DataDir:           base.DataDir,
		LogDir:            base.LogDir,
		DebugMode:         base.DebugMode,
		StoreBackend:      base.StoreBackend,
		MongoURI:          base.MongoURI,
		MongoDB:           base.MongoDB,
		TotalChapters:     base.TotalChapters,
		MinutesPerChapter: base.MinutesPerChapter,
		IdleAbandonHours:  base.IdleAbandonHours,
		LLMProvider:       "openai",
		LLMConfig: map[string]string{
			"api_key":       base.OpenAIAPIKey,
			"default_model": "gpt-4o",
		},
	}
}

// overlaySaved 把文件里保存的LLM和章节设置叠加到基础配置上。
// 端口、目录、存储后端始终以环境变量为准。
func overlaySaved(base *Config, saved *AppConfig) *AppConfig {
	merged := *saved
	merged.Port = base.Port
	merged.DataDir = base.DataDir
	merged.LogDir = base.LogDir
	merged.DebugMode = base.DebugMode
	merged.StoreBackend = base.StoreBackend
	merged.MongoURI = base.MongoURI
	merged.MongoDB = base.MongoDB

	if merged.TotalChapters == 0 {
		merged.TotalChapters = base.TotalChapters
	}
	if merged.MinutesPerChapter == 0 {
		merged.MinutesPerChapter = base.MinutesPerChapter
	}
	if merged.IdleAbandonHours == 0 {
		merged.IdleAbandonHours = base.IdleAbandonHours
	}

	if merged.LLMConfig != nil {
		// 磁盘上的密钥是加密形式，读入后还原为明文
		merged.LLMConfig["api_key"] = openAPIKey(merged.LLMConfig["api_key"])
		if merged.LLMConfig["api_key"] == "" {
			merged.LLMConfig["api_key"] = base.OpenAIAPIKey
		}
	}
	return &merged
}

// InitConfig 初始化配置管理器：环境变量打底，config.json叠加
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	base, err := Load()
	if err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = fromBase(base)

	if data, err := os.ReadFile(configFile); err == nil {
		var saved AppConfig
		if json.Unmarshal(data, &saved) == nil {
			currentConfig = overlaySaved(base, &saved)
		}
	}

	return saveLocked()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 未经初始化的访问，直接从环境变量现算一份
		base, _ := Load()
		return fromBase(base)
	}

	copied := *currentConfig
	return &copied
}

// UpdateLLMConfig 更新LLM提供商设置并落盘
func UpdateLLMConfig(provider string, cfg map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.LLMProvider = provider
	currentConfig.LLMConfig = cfg
	return saveLocked()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	configMutex.Lock()
	defer configMutex.Unlock()
	return saveLocked()
}

// saveLocked 写盘副本中的API密钥加密存储，内存保持明文
func saveLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	onDisk := *currentConfig
	if onDisk.LLMConfig != nil {
		sealed := make(map[string]string, len(onDisk.LLMConfig))
		for k, v := range onDisk.LLMConfig {
			if k == "api_key" {
				v = sealAPIKey(v)
			}
			sealed[k] = v
		}
		onDisk.LLMConfig = sealed
	}

	data, err := json.MarshalIndent(&onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	return os.WriteFile(configFile, data, 0644)
}
