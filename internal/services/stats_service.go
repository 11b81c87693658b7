// internal/services/stats_service.go
package services

import (
	"maps"
	"sync"
	"time"

	"github.com/Corphon/EduQuestMCP/internal/storage"
	"github.com/Corphon/EduQuestMCP/internal/utils"
)

const (
	statsFileName    = "usage_stats.json"
	statsFlushEvery  = 30 * time.Second
	periodCheckEvery = 10 * time.Minute

	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// UsageStats 表示生成接口的使用统计
type UsageStats struct {
	TodayRequests    int            `json:"today_requests"`
	MonthlyTokens    int            `json:"monthly_tokens"`
	DailyStats       map[string]int `json:"daily_stats"`
	MonthlyStats     map[string]int `json:"monthly_stats"`
	ProviderRequests map[string]int `json:"provider_requests"`
	ModelRequests    map[string]int `json:"model_requests"`
	LastUpdated      time.Time      `json:"last_updated"`
}

func newUsageStats() *UsageStats {
	return &UsageStats{
		DailyStats:       make(map[string]int),
		MonthlyStats:     make(map[string]int),
		ProviderRequests: make(map[string]int),
		ModelRequests:    make(map[string]int),
		LastUpdated:      time.Now(),
	}
}

// clone 返回深度副本，调用方可以安全持有
func (u *UsageStats) clone() *UsageStats {
	out := *u
	out.DailyStats = maps.Clone(u.DailyStats)
	out.MonthlyStats = maps.Clone(u.MonthlyStats)
	out.ProviderRequests = maps.Clone(u.ProviderRequests)
	out.ModelRequests = maps.Clone(u.ModelRequests)
	return &out
}

// ensureMaps 兼容旧文件里缺失的映射字段
func (u *UsageStats) ensureMaps() {
	if u.DailyStats == nil {
		u.DailyStats = make(map[string]int)
	}
	if u.MonthlyStats == nil {
		u.MonthlyStats = make(map[string]int)
	}
	if u.ProviderRequests == nil {
		u.ProviderRequests = make(map[string]int)
	}
	if u.ModelRequests == nil {
		u.ModelRequests = make(map[string]int)
	}
}

// StatsService 提供生成接口的使用统计功能。写入走内存累加，
// 脏数据由后台协程按固定间隔落盘，避免每次请求都写文件。
type StatsService struct {
	mu    sync.Mutex
	files *storage.FileStorage
	stats *UsageStats

	dirty     bool
	flushedAt time.Time
	checkedAt time.Time
}

// NewStatsService 创建统计服务实例
func NewStatsService(basePath string) *StatsService {
	if basePath == "" {
		basePath = "data/stats"
	}

	files, err := storage.NewFileStorage(basePath)
	if err != nil {
		// 目录不可用时退化为纯内存统计
		utils.GetLogger().Warn("统计目录不可用，统计数据将不会持久化", map[string]interface{}{
			"path": basePath,
			"err":  err.Error(),
		})
	}

	s := &StatsService{files: files}
	go s.flushLoop()
	return s
}

// loadLocked 首次访问时从文件恢复，文件缺失或损坏则从零开始
func (s *StatsService) loadLocked() {
	if s.stats != nil {
		return
	}

	loaded := &UsageStats{}
	if s.files != nil && s.files.LoadJSONFile("", statsFileName, loaded) == nil {
		loaded.ensureMaps()
		s.stats = loaded
		s.rollPeriodsLocked(time.Now())
		return
	}
	s.stats = newUsageStats()
}

// rollPeriodsLocked 跨天清零当日请求数，跨月清零月度token数
func (s *StatsService) rollPeriodsLocked(now time.Time) {
	last := s.stats.LastUpdated
	rolled := false

	if now.Format(dayLayout) != last.Format(dayLayout) {
		s.stats.TodayRequests = 0
		rolled = true
	}
	if now.Format(monthLayout) != last.Format(monthLayout) {
		s.stats.MonthlyTokens = 0
		rolled = true
	}
	if rolled {
		s.stats.LastUpdated = now
		s.dirty = true
	}
}

// RecordGeneration 记录一次生成请求及其token用量
func (s *StatsService) RecordGeneration(provider, model string, promptTokens, completionTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	now := time.Now()
	s.rollPeriodsLocked(now)
	tokens := promptTokens + completionTokens

	s.stats.TodayRequests++
	s.stats.MonthlyTokens += tokens
	s.stats.DailyStats[now.Format(dayLayout)]++
	s.stats.MonthlyStats[now.Format(monthLayout)] += tokens
	if provider != "" {
		s.stats.ProviderRequests[provider]++
	}
	if model != "" {
		s.stats.ModelRequests[model]++
	}
	s.stats.LastUpdated = now
	s.dirty = true

	// 距上次落盘过久时同步写一次，降低进程退出丢数据的窗口
	if now.Sub(s.flushedAt) > statsFlushEvery {
		s.flushLocked()
	}
}

// GetUsageStats 获取使用统计
func (s *StatsService) GetUsageStats() *UsageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	// 周期检查有节流，读路径不必每次做日期比较
	if now := time.Now(); now.Sub(s.checkedAt) > periodCheckEvery {
		s.checkedAt = now
		s.rollPeriodsLocked(now)
	}
	return s.stats.clone()
}

// flushLocked 把脏数据写入文件，调用方持锁
func (s *StatsService) flushLocked() {
	if !s.dirty || s.files == nil || s.stats == nil {
		return
	}
	if err := s.files.SaveJSONFile("", statsFileName, s.stats); err != nil {
		utils.GetLogger().Warn("保存统计数据失败", map[string]interface{}{"err": err.Error()})
		return
	}
	s.dirty = false
	s.flushedAt = time.Now()
}

func (s *StatsService) flushLoop() {
	ticker := time.NewTicker(statsFlushEvery)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		s.flushLocked()
		s.mu.Unlock()
	}
}

// Close 落盘未保存的数据
func (s *StatsService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
	return nil
}
