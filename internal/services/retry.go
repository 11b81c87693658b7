// internal/services/retry.go
package services

import (
	"context"
	"time"
)

// RetryPolicy 控制生成调用的重试行为
// 重试次数和退避函数从业务逻辑中抽离，流修复和摘要生成共用同一策略
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration // attempt 从0开始
	Sleep       func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy 返回默认策略：3次尝试，2^attempt 秒指数退避
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second
		},
		Sleep: sleepWithContext,
	}
}

// NoBackoffPolicy 返回不等待的策略（测试用）
func NoBackoffPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return 0 },
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

// Wait 在两次尝试之间等待，上下文取消时提前返回
func (p RetryPolicy) Wait(ctx context.Context, attempt int) error {
	if p.Backoff == nil {
		return nil
	}
	d := p.Backoff(attempt)
	if d <= 0 {
		return nil
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	return sleep(ctx, d)
}

// Attempts 返回有效的尝试次数（未设置时为1）
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
