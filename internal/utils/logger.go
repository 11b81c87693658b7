// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel 日志级别
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// Logger 同时写入日志文件与标准输出的分级日志器
// 附加字段按键名排序输出，保证日志行可稳定检索
type Logger struct {
	mu    sync.Mutex
	file  *os.File
	level LogLevel
}

var (
	loggerOnce   sync.Once
	globalLogger *Logger
)

// GetLogger 返回进程级日志器
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		globalLogger = &Logger{level: LevelInfo}
	})
	return globalLogger
}

// InitLogger 打开（或轮换到）指定的日志文件
func InitLogger(logFile string) error {
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	logger := GetLogger()
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if logger.file != nil {
		logger.file.Close()
	}
	logger.file = file
	return nil
}

// SetLogLevel 设置最低输出级别
func (l *Logger) SetLogLevel(level LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// caller 返回调用方的 文件:行号
func caller() string {
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		return "?"
	}
	if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
		file = file[idx+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// formatFields 把附加字段按键名排序拼接
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(" |")
	for _, key := range keys {
		fmt.Fprintf(&sb, " %s=%v", key, fields[key])
	}
	return sb.String()
}

func (l *Logger) log(level LogLevel, message string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	line := fmt.Sprintf("[%s] %s %s - %s%s\n",
		level,
		time.Now().Format("2006-01-02 15:04:05.000"),
		caller(),
		message,
		formatFields(fields),
	)

	if l.file != nil {
		l.file.WriteString(line)
	}
	os.Stdout.WriteString(line)
}

// Debug 输出调试日志
func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.log(LevelDebug, message, fields)
}

// Info 输出常规日志
func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.log(LevelInfo, message, fields)
}

// Warn 输出警告日志
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.log(LevelWarn, message, fields)
}

// Error 输出错误日志
func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.log(LevelError, message, fields)
}
