package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"onlycat/backend/internal/domain"
	"onlycat/backend/internal/storage"
	"onlycat/backend/internal/storage/redis"
)

// Cache 是 Store 用到的缓存操作，*redis.Client 和 *cache.LocalCache 实现了它
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	GetInt(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
}

// Store 混合存储：销售记录写入数据库，汇总结果缓存在 Redis 或本地缓存
//
// 每个用户有一个版本号，写入新销售时递增，旧版本的汇总缓存自然失效。
type Store struct {
	storage.Store
	cache Cache
	ttl   time.Duration
	log   *zap.Logger
}

// NewStore 创建混合存储实例
func NewStore(db storage.Store, cache Cache, ttl time.Duration, log *zap.Logger) *Store {
	return &Store{Store: db, cache: cache, ttl: ttl, log: log}
}

func versionKey(userID string) string {
	return fmt.Sprintf("summary:ver:%s", userID)
}

func summaryKey(userID string, version int64, since time.Time) string {
	return fmt.Sprintf("summary:%s:%d:%d", userID, version, since.Unix())
}

// CreateSale 写入数据库后使该用户的汇总缓存失效
func (s *Store) CreateSale(ctx context.Context, sale *domain.Sale) error {
	if err := s.Store.CreateSale(ctx, sale); err != nil {
		return err
	}
	if _, err := s.cache.Incr(ctx, versionKey(sale.UserID)); err != nil {
		s.log.Warn("failed to bump summary cache version", zap.String("user_id", sale.UserID), zap.Error(err))
	}
	return nil
}

// SummarizeSales 优先读取缓存
func (s *Store) SummarizeSales(ctx context.Context, userID string, since time.Time) (*domain.SalesSummary, error) {
	version, err := s.cache.GetInt(ctx, versionKey(userID))
	if err != nil {
		s.log.Warn("summary cache unavailable", zap.Error(err))
		return s.Store.SummarizeSales(ctx, userID, since)
	}

	key := summaryKey(userID, version, since)
	if data, err := s.cache.Get(ctx, key); err == nil {
		var summary domain.SalesSummary
		if err := json.Unmarshal(data, &summary); err == nil {
			return &summary, nil
		}
	} else if !errors.Is(err, redis.ErrCacheMiss) {
		s.log.Warn("failed to read summary cache", zap.String("key", key), zap.Error(err))
	}

	summary, err := s.Store.SummarizeSales(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(summary); err == nil {
		if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
			s.log.Warn("failed to write summary cache", zap.String("key", key), zap.Error(err))
		}
	}
	return summary, nil
}

// Health 同时检查数据库和缓存
func (s *Store) Health() error {
	if err := s.Store.Health(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.cache.Ping(ctx)
}
