// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

const (
	maxTrackedLocks = 200
	lockIdleTimeout = 30 * time.Minute
)

// LockManager 按冒险ID串行化同一进程内对同一条冒险记录的写入，
// 跨进程的并发写入仍由存储层的最后写入获胜语义处理
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*adventureLock
}

type adventureLock struct {
	sync.Mutex
	touchedAt time.Time
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*adventureLock)}
}

// lockFor 取出或创建该冒险的锁，表过大时顺带清理闲置条目
func (lm *LockManager) lockFor(adventureID string) *adventureLock {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if len(lm.locks) > maxTrackedLocks {
		now := time.Now()
		for id, l := range lm.locks {
			if id != adventureID && now.Sub(l.touchedAt) > lockIdleTimeout {
				delete(lm.locks, id)
			}
		}
	}

	l, ok := lm.locks[adventureID]
	if !ok {
		l = &adventureLock{}
		lm.locks[adventureID] = l
	}
	l.touchedAt = time.Now()
	return l
}

// ExecuteWithAdventureLock 在冒险写锁保护下执行操作
func (lm *LockManager) ExecuteWithAdventureLock(adventureID string, fn func() error) error {
	l := lm.lockFor(adventureID)
	l.Lock()
	defer l.Unlock()
	return fn()
}
