package storage

import (
	"context"
	"errors"
	"time"

	"onlycat/backend/internal/domain"
)

var (
	// ErrSaleNotFound 销售记录未找到
	ErrSaleNotFound = errors.New("sale not found")
	// ErrSaleExists 销售记录 ID 冲突
	ErrSaleExists = errors.New("sale already exists")
	// ErrLockHeld 账户锁已被其他同步持有
	ErrLockHeld = errors.New("lock already held")
)

// SaleRepository 定义销售记录存取操作，只追加不修改。
type SaleRepository interface {
	CreateSale(ctx context.Context, sale *domain.Sale) error
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	SummarizeSales(ctx context.Context, userID string, since time.Time) (*domain.SalesSummary, error)
}

// ProcessedLedger 记录已经生成销售记录的邮件
type ProcessedLedger interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// AccountLocker 保证同一邮箱账户同一时间只有一个同步在运行
//
// 锁已被持有时返回 ErrLockHeld。返回的 unlock 可重复调用。
type AccountLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Store 聚合存储能力
type Store interface {
	SaleRepository
	Close() error
	Health() error
}

// DefaultListLimit 和 MaxListLimit 约束分页大小
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// NormalizeFilter 修正分页参数
func NormalizeFilter(f domain.SaleFilter) domain.SaleFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
