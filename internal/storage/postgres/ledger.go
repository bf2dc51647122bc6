package postgres

import (
	"context"
	"fmt"
	"time"
)

// Ledger 基于 processed_messages 表的已处理邮件账本，多实例共享
type Ledger struct {
	client *Client
	ttl    time.Duration
}

// NewLedger 创建账本，ttl 为记录保留时间
func NewLedger(client *Client, ttl time.Duration) *Ledger {
	return &Ledger{client: client, ttl: ttl}
}

// Seen 判断 key 是否已记录且未过期
func (l *Ledger) Seen(ctx context.Context, key string) (bool, error) {
	var seen bool
	err := l.client.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_messages WHERE key = $1 AND expires_at > NOW())`,
		key,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("query processed message: %w", err)
	}
	return seen, nil
}

// Mark 记录 key，已存在时刷新过期时间
func (l *Ledger) Mark(ctx context.Context, key string) error {
	now := time.Now().UTC()
	_, err := l.client.pool.Exec(ctx,
		`INSERT INTO processed_messages (key, processed_at, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		key, now, now.Add(l.ttl),
	)
	if err != nil {
		return fmt.Errorf("mark processed message: %w", err)
	}
	return nil
}

// Purge 删除过期记录，返回删除数量
func (l *Ledger) Purge(ctx context.Context) (int64, error) {
	tag, err := l.client.pool.Exec(ctx, `DELETE FROM processed_messages WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge processed messages: %w", err)
	}
	return tag.RowsAffected(), nil
}
