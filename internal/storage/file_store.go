// internal/storage/file_store.go
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/EduQuestMCP/internal/errors"
	"github.com/Corphon/EduQuestMCP/internal/models"
)

const adventureDir = "adventures"

// FileStore 基于本地JSON文件的冒险记录存储
// 每条记录一个文件，适合零依赖部署和测试环境
type FileStore struct {
	fs    *FileStorage
	mutex sync.Mutex // 串行化读-改-写的部分更新
}

// NewFileStore 在给定目录下创建文件存储
func NewFileStore(baseDir string) (*FileStore, error) {
	fs, err := NewFileStorage(baseDir)
	if err != nil {
		return nil, err
	}
	return &FileStore{fs: fs}, nil
}

func recordFilename(id string) string {
	return id + ".json"
}

// Insert 插入一条新记录
func (s *FileStore) Insert(ctx context.Context, record *models.AdventureRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	if err := s.fs.SaveJSONFile(adventureDir, recordFilename(record.ID), record); err != nil {
		return "", fmt.Errorf("写入冒险记录失败: %w", err)
	}
	return record.ID, nil
}

// Update 按字段名部分更新指定记录
// 读出现有记录后做JSON级合并再整体写回
func (s *FileStore) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.fs.FileExists(adventureDir, recordFilename(id)) {
		return apperrors.NewStateNotFoundError(fmt.Sprintf("冒险记录不存在: %s", id), nil)
	}

	var raw map[string]interface{}
	if err := s.fs.LoadJSONFile(adventureDir, recordFilename(id), &raw); err != nil {
		return fmt.Errorf("读取冒险记录失败: %w", err)
	}

	for key, value := range fields {
		raw[key] = value
	}
	raw["updated_at"] = time.Now()

	if err := s.fs.SaveJSONFile(adventureDir, recordFilename(id), raw); err != nil {
		return fmt.Errorf("写回冒险记录失败: %w", err)
	}
	return nil
}

// FindOne 返回匹配条件的第一条记录
func (s *FileStore) FindOne(ctx context.Context, filter Filter) (*models.AdventureRecord, error) {
	// 按ID查询时直接读单个文件
	if filter.ID != "" {
		record, err := s.loadRecord(ctx, filter.ID)
		if err != nil {
			return nil, err
		}
		if !MatchesFilter(record, filter) {
			return nil, apperrors.NewStateNotFoundError("冒险记录不存在", nil)
		}
		return record, nil
	}

	records, err := s.FindMany(ctx, filter, SortUpdatedDesc, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, apperrors.NewStateNotFoundError("冒险记录不存在", nil)
	}
	return records[0], nil
}

// FindMany 扫描全部记录文件并过滤
func (s *FileStore) FindMany(ctx context.Context, filter Filter, order SortOrder, limit int) ([]*models.AdventureRecord, error) {
	names, err := s.fs.ListFiles(adventureDir)
	if err != nil {
		// 目录尚未创建时视为空结果
		return nil, nil
	}

	var records []*models.AdventureRecord
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		record, err := s.loadRecord(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if MatchesFilter(record, filter) {
			records = append(records, record)
		}
	}

	switch order {
	case SortUpdatedDesc:
		sort.Slice(records, func(i, j int) bool {
			return records[i].UpdatedAt.After(records[j].UpdatedAt)
		})
	case SortUpdatedAsc:
		sort.Slice(records, func(i, j int) bool {
			return records[i].UpdatedAt.Before(records[j].UpdatedAt)
		})
	}

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Close 文件存储没有需要释放的连接
func (s *FileStore) Close(ctx context.Context) error {
	return nil
}

func (s *FileStore) loadRecord(ctx context.Context, id string) (*models.AdventureRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.fs.FileExists(adventureDir, recordFilename(id)) {
		return nil, apperrors.NewStateNotFoundError(fmt.Sprintf("冒险记录不存在: %s", id), nil)
	}

	var record models.AdventureRecord
	if err := s.fs.LoadJSONFile(adventureDir, recordFilename(id), &record); err != nil {
		return nil, fmt.Errorf("读取冒险记录失败: %w", err)
	}
	if record.ID == "" {
		record.ID = id
	}
	return &record, nil
}
