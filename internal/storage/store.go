// internal/storage/store.go
package storage

import (
	"context"
	"time"

	"github.com/Corphon/EduQuestMCP/internal/models"
)

// SortOrder 查询结果排序方向
type SortOrder int

const (
	// SortNone 不指定排序
	SortNone SortOrder = iota
	// SortUpdatedDesc 按更新时间降序
	SortUpdatedDesc
	// SortUpdatedAsc 按更新时间升序
	SortUpdatedAsc
)

// Filter 冒险记录查询条件，零值字段不参与过滤
type Filter struct {
	ID            string
	OwnerID       string
	IsComplete    *bool
	UpdatedBefore time.Time
}

// AdventureStore 冒险记录的持久化接口
// 两个实现：MongoStore（生产）和 FileStore（零依赖部署/测试）
type AdventureStore interface {
	// Insert 插入一条新记录，返回持久化标识
	// record.ID 为空时由存储层分配
	Insert(ctx context.Context, record *models.AdventureRecord) (string, error)

	// Update 按字段名部分更新指定记录
	Update(ctx context.Context, id string, fields map[string]interface{}) error

	// FindOne 返回匹配条件的第一条记录，找不到时返回 StateNotFoundError
	FindOne(ctx context.Context, filter Filter) (*models.AdventureRecord, error)

	// FindMany 返回匹配条件的记录列表，limit <= 0 表示不限制
	FindMany(ctx context.Context, filter Filter, order SortOrder, limit int) ([]*models.AdventureRecord, error)

	// Close 释放底层资源
	Close(ctx context.Context) error
}

// BoolPtr 构造布尔过滤条件
func BoolPtr(v bool) *bool {
	return &v
}

// MatchesFilter 判断记录是否满足过滤条件（内存实现共用）
func MatchesFilter(record *models.AdventureRecord, filter Filter) bool {
	if record == nil {
		return false
	}
	if filter.ID != "" && record.ID != filter.ID {
		return false
	}
	if filter.OwnerID != "" && record.OwnerID != filter.OwnerID {
		return false
	}
	if filter.IsComplete != nil && record.IsComplete != *filter.IsComplete {
		return false
	}
	if !filter.UpdatedBefore.IsZero() && !record.UpdatedAt.Before(filter.UpdatedBefore) {
		return false
	}
	return true
}
