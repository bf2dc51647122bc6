package service

import (
	"context"
	"errors"
	"time"

	"onlycat/backend/internal/domain"
	"onlycat/backend/internal/storage"
)

// ErrInvalidSummaryWindow 汇总天数超出范围
var ErrInvalidSummaryWindow = errors.New("summary window must be between 1 and 365 days")

// MaxSummaryDays 汇总窗口上限
const MaxSummaryDays = 365

// SalesService 查询已写入的销售记录
type SalesService struct {
	repo storage.SaleRepository
	now  func() time.Time
}

// NewSalesService 创建查询服务
func NewSalesService(repo storage.SaleRepository) *SalesService {
	return &SalesService{repo: repo, now: time.Now}
}

// List 返回用户的销售记录，按销售时间倒序
func (s *SalesService) List(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, storage.NormalizeFilter(filter))
}

// Summary 返回最近 days 天的按平台汇总
//
// 起点截断到 UTC 零点，同一天内的请求命中同一份缓存。
func (s *SalesService) Summary(ctx context.Context, userID string, days int) (*domain.SalesSummary, error) {
	if days < 1 || days > MaxSummaryDays {
		return nil, ErrInvalidSummaryWindow
	}
	since := s.now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -(days - 1))
	return s.repo.SummarizeSales(ctx, userID, since)
}
