// internal/utils/metrics.go
package utils

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector 进程内指标收集器：计数器与耗时直方图
// 指标通过 /api/stats 暴露，不依赖外部采集系统
type MetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]*int64
	histograms map[string]*histogram
}

// histogram 只记录次数、总和与极值
type histogram struct {
	mu    sync.Mutex
	count int64
	sum   int64
	min   int64
	max   int64
}

func (h *histogram) observe(value int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 || value < h.min {
		h.min = value
	}
	if h.count == 0 || value > h.max {
		h.max = value
	}
	h.count++
	h.sum += value
}

func (h *histogram) snapshot() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]int64{
		"count": h.count,
		"sum":   h.sum,
		"min":   h.min,
		"max":   h.max,
	}
}

var (
	metricsOnce   sync.Once
	globalMetrics *MetricsCollector
)

// GetMetricsCollector 返回进程级指标收集器
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = &MetricsCollector{
			counters:   map[string]*int64{},
			histograms: map[string]*histogram{},
		}
	})
	return globalMetrics
}

// counter 取出或创建命名计数器
func (m *MetricsCollector) counter(name string) *int64 {
	m.mu.RLock()
	value, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return value
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if value, ok = m.counters[name]; !ok {
		value = new(int64)
		m.counters[name] = value
	}
	return value
}

// IncrementCounter 命名计数器加一
func (m *MetricsCollector) IncrementCounter(name string) {
	atomic.AddInt64(m.counter(name), 1)
}

// AddCounter 命名计数器累加指定值
func (m *MetricsCollector) AddCounter(name string, delta int64) {
	atomic.AddInt64(m.counter(name), delta)
}

// CounterValue 读取计数器当前值
func (m *MetricsCollector) CounterValue(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if value, ok := m.counters[name]; ok {
		return atomic.LoadInt64(value)
	}
	return 0
}

// RecordHistogram 记录一个直方图样本
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if h, ok = m.histograms[name]; !ok {
			h = &histogram{}
			m.histograms[name] = h
		}
		m.mu.Unlock()
	}
	h.observe(value)
}

// GetMetrics 返回全部指标的一致性快照
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, value := range m.counters {
		counters[name] = atomic.LoadInt64(value)
	}

	histograms := make(map[string]map[string]int64, len(m.histograms))
	for name, h := range m.histograms {
		histograms[name] = h.snapshot()
	}

	return map[string]interface{}{
		"counters":   counters,
		"histograms": histograms,
	}
}

// APIMetrics 面向HTTP层与章节流的指标记录入口
type APIMetrics struct {
	collector *MetricsCollector
	logger    *Logger
}

// NewAPIMetrics 创建指标记录入口
func NewAPIMetrics() *APIMetrics {
	return &APIMetrics{
		collector: GetMetricsCollector(),
		logger:    GetLogger(),
	}
}

// RecordAPIRequest 记录一次HTTP请求：总量、按端点、按状态类别、响应耗时
func (am *APIMetrics) RecordAPIRequest(endpoint, method string, statusCode int, duration time.Duration) {
	am.collector.IncrementCounter("api_requests_total")
	am.collector.IncrementCounter("api_requests_" + method + "_" + endpoint)
	am.collector.IncrementCounter(fmt.Sprintf("api_responses_%dxx", statusCode/100))
	am.collector.RecordHistogram("api_response_time_ms", duration.Milliseconds())

	am.logger.Debug("API request completed", map[string]interface{}{
		"endpoint": endpoint,
		"method":   method,
		"status":   statusCode,
		"ms":       duration.Milliseconds(),
	})
}

// RecordChapterStream 记录一次完成的章节流式生成
func (am *APIMetrics) RecordChapterStream(chapterType string) {
	am.collector.IncrementCounter("chapter_streams_total")
	am.collector.IncrementCounter("chapter_streams_" + chapterType)

	am.logger.Debug("Chapter stream recorded", map[string]interface{}{
		"chapter_type": chapterType,
	})
}
