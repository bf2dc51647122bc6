package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"onlycat/backend/internal/storage"
)

// releaseScript 只删除仍由自己持有的锁
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker 基于 SET NX PX 的账户锁，多实例部署时共享
type Locker struct {
	client *Client
}

// NewLocker 创建分布式账户锁
func NewLocker(client *Client) *Locker {
	return &Locker{client: client}
}

// TryLock 获取锁，已被持有时返回 storage.ErrLockHeld
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lockKey := keyPrefix + "lock:sync:" + key
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, storage.ErrLockHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// 请求上下文可能已取消，释放使用独立的短超时
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client.rdb, []string{lockKey}, token).Err(); err != nil {
			l.client.log.Warn("failed to release sync lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
