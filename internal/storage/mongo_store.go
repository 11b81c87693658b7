// internal/storage/mongo_store.go
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "github.com/Corphon/EduQuestMCP/internal/errors"
	"github.com/Corphon/EduQuestMCP/internal/models"
)

const adventureCollection = "adventures"

// MongoStore 基于MongoDB的冒险记录存储
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore 连接MongoDB并创建存储实例
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("连接MongoDB失败: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("MongoDB不可达: %w", err)
	}

	store := &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(adventureCollection),
	}

	if err := store.ensureIndexes(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// ensureIndexes 建立查询用到的索引
func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	indexCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.collection.Indexes().CreateMany(indexCtx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "is_complete", Value: 1}}},
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("创建索引失败: %w", err)
	}
	return nil
}

// Insert 插入一条新记录
func (s *MongoStore) Insert(ctx context.Context, record *models.AdventureRecord) (string, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	if _, err := s.collection.InsertOne(ctx, record); err != nil {
		return "", fmt.Errorf("插入冒险记录失败: %w", err)
	}
	return record.ID, nil
}

// Update 按字段名部分更新指定记录
func (s *MongoStore) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	set := bson.M{"updated_at": time.Now()}
	for key, value := range fields {
		set[key] = value
	}

	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("更新冒险记录失败: %w", err)
	}
	if result.MatchedCount == 0 {
		return apperrors.NewStateNotFoundError(fmt.Sprintf("冒险记录不存在: %s", id), nil)
	}
	return nil
}

// FindOne 返回匹配条件的第一条记录
func (s *MongoStore) FindOne(ctx context.Context, filter Filter) (*models.AdventureRecord, error) {
	var record models.AdventureRecord
	err := s.collection.FindOne(ctx, filterToBSON(filter)).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, apperrors.NewStateNotFoundError("冒险记录不存在", err)
	}
	if err != nil {
		return nil, fmt.Errorf("查询冒险记录失败: %w", err)
	}
	return &record, nil
}

// FindMany 返回匹配条件的记录列表
func (s *MongoStore) FindMany(ctx context.Context, filter Filter, order SortOrder, limit int) ([]*models.AdventureRecord, error) {
	opts := options.Find()
	switch order {
	case SortUpdatedDesc:
		opts.SetSort(bson.D{{Key: "updated_at", Value: -1}})
	case SortUpdatedAsc:
		opts.SetSort(bson.D{{Key: "updated_at", Value: 1}})
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.collection.Find(ctx, filterToBSON(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("查询冒险记录失败: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*models.AdventureRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("解码冒险记录失败: %w", err)
	}
	return records, nil
}

// Close 断开MongoDB连接
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// filterToBSON 把查询条件转换为BSON过滤器
func filterToBSON(filter Filter) bson.M {
	query := bson.M{}
	if filter.ID != "" {
		query["_id"] = filter.ID
	}
	if filter.OwnerID != "" {
		query["owner_id"] = filter.OwnerID
	}
	if filter.IsComplete != nil {
		query["is_complete"] = *filter.IsComplete
	}
	if !filter.UpdatedBefore.IsZero() {
		query["updated_at"] = bson.M{"$lt": filter.UpdatedBefore}
	}
	return query
}
