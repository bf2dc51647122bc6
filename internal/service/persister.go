package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"onlycat/backend/internal/domain"
	"onlycat/backend/internal/storage"
)

// SalePersister 将候选销售记录写入存储
type SalePersister struct {
	repo  storage.SaleRepository
	now   func() time.Time
	newID func() string
}

// NewSalePersister 创建写入器
func NewSalePersister(repo storage.SaleRepository) *SalePersister {
	return &SalePersister{
		repo:  repo,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Persist 为 userID 写入一条销售记录并返回写入后的记录
//
// 来源固定为 email_automation，创建时间取当前 UTC 时间。失败时返回 *domain.PersistenceError。
func (p *SalePersister) Persist(ctx context.Context, userID string, candidate domain.CandidateSale) (*domain.Sale, error) {
	sale := domain.NewSale(p.newID(), userID, candidate, p.now())
	if err := p.repo.CreateSale(ctx, sale); err != nil {
		return nil, &domain.PersistenceError{Err: err}
	}
	return sale, nil
}
