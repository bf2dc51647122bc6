package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"onlycat/backend/internal/domain"
	"onlycat/backend/internal/storage"
)

// Store 使用内存保存销售记录，主要用于开发验证和测试。
type Store struct {
	mu     sync.RWMutex
	sales  []domain.Sale    // 按写入顺序
	byID   map[string]int   // saleID -> index
	byUser map[string][]int // userID -> indexes
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		byID:   make(map[string]int),
		byUser: make(map[string][]int),
	}
}

// CreateSale 追加一条销售记录
func (s *Store) CreateSale(ctx context.Context, sale *domain.Sale) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[sale.ID]; exists {
		return storage.ErrSaleExists
	}

	idx := len(s.sales)
	s.sales = append(s.sales, *sale)
	s.byID[sale.ID] = idx
	s.byUser[sale.UserID] = append(s.byUser[sale.UserID], idx)
	return nil
}

// getSale 根据 ID 获取销售记录
func (s *Store) getSale(id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrSaleNotFound
	}
	sale := s.sales[idx]
	return &sale, nil
}

// ListSales 按销售日期倒序分页返回用户的销售记录
func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter = storage.NormalizeFilter(filter)

	s.mu.RLock()
	matched := make([]domain.Sale, 0)
	for _, idx := range s.byUser[filter.UserID] {
		sale := s.sales[idx]
		if filter.Platform != "" && sale.Platform != filter.Platform {
			continue
		}
		if !filter.Since.IsZero() && sale.SaleDate.Before(filter.Since) {
			continue
		}
		matched = append(matched, sale)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].SaleDate.After(matched[j].SaleDate)
	})

	if filter.Offset >= len(matched) {
		return []domain.Sale{}, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Offset:end], nil
}

// SummarizeSales 按平台汇总 since 之后的销售
func (s *Store) SummarizeSales(ctx context.Context, userID string, since time.Time) (*domain.SalesSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[domain.Platform]*domain.PlatformTotal)
	summary := &domain.SalesSummary{UserID: userID, Since: since, Total: decimal.Zero}
	for _, idx := range s.byUser[userID] {
		sale := s.sales[idx]
		if sale.SaleDate.Before(since) {
			continue
		}
		pt, ok := totals[sale.Platform]
		if !ok {
			pt = &domain.PlatformTotal{Platform: sale.Platform, Total: decimal.Zero}
			totals[sale.Platform] = pt
		}
		pt.Count++
		pt.Total = pt.Total.Add(sale.Amount)
		summary.Count++
		summary.Total = summary.Total.Add(sale.Amount)
	}

	summary.Platforms = make([]domain.PlatformTotal, 0, len(totals))
	for _, pt := range totals {
		summary.Platforms = append(summary.Platforms, *pt)
	}
	sort.Slice(summary.Platforms, func(i, j int) bool {
		return summary.Platforms[i].Platform < summary.Platforms[j].Platform
	})
	return summary, nil
}

// Close 内存存储不需要关闭连接
func (s *Store) Close() error {
	return nil
}

// Health 内存存储总是健康的
func (s *Store) Health() error {
	return nil
}
