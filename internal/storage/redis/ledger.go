package redis

import (
	"context"
	"fmt"
	"time"
)

// Ledger 基于 Redis 的已处理邮件账本，键在 ttl 后自动过期
type Ledger struct {
	client *Client
	ttl    time.Duration
}

// NewLedger 创建账本
func NewLedger(client *Client, ttl time.Duration) *Ledger {
	return &Ledger{client: client, ttl: ttl}
}

func (l *Ledger) key(key string) string {
	return keyPrefix + "processed:" + key
}

// Seen 判断 key 是否已记录
func (l *Ledger) Seen(ctx context.Context, key string) (bool, error) {
	n, err := l.client.rdb.Exists(ctx, l.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("check processed message: %w", err)
	}
	return n > 0, nil
}

// Mark 记录 key
func (l *Ledger) Mark(ctx context.Context, key string) error {
	if err := l.client.rdb.Set(ctx, l.key(key), time.Now().UTC().Unix(), l.ttl).Err(); err != nil {
		return fmt.Errorf("mark processed message: %w", err)
	}
	return nil
}
