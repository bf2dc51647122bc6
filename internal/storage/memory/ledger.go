package memory

import (
	"context"
	"sync"
	"time"

	"onlycat/backend/internal/storage"
)

// Ledger 进程内的已处理邮件账本，记录在 ttl 后过期
type Ledger struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> 过期时间
	ttl     time.Duration
	now     func() time.Time
}

// NewLedger 创建进程内账本
func NewLedger(ttl time.Duration) *Ledger {
	return &Ledger{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Seen 判断 key 是否已记录且未过期
func (l *Ledger) Seen(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiresAt, ok := l.entries[key]
	if !ok {
		return false, nil
	}
	if l.now().After(expiresAt) {
		delete(l.entries, key)
		return false, nil
	}
	return true, nil
}

// Mark 记录 key
func (l *Ledger) Mark(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[key] = l.now().Add(l.ttl)
	return nil
}

// Locker 进程内的账户锁，只在单实例部署下有效
type Locker struct {
	mu   sync.Mutex
	held map[string]time.Time // key -> 过期时间
	now  func() time.Time
}

// NewLocker 创建进程内账户锁
func NewLocker() *Locker {
	return &Locker{held: make(map[string]time.Time), now: time.Now}
}

// TryLock 获取锁，已被持有且未过期时返回 storage.ErrLockHeld
func (l *Locker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiresAt, ok := l.held[key]; ok && now.Before(expiresAt) {
		return nil, storage.ErrLockHeld
	}
	expiresAt := now.Add(ttl)
	l.held[key] = expiresAt

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// 锁过期后可能已被其他同步重新获取
			if l.held[key].Equal(expiresAt) {
				delete(l.held, key)
			}
		})
	}, nil
}
