package service

import (
	"context"

	"go.uber.org/zap"

	"onlycat/backend/internal/domain"
	"onlycat/backend/internal/pool"
)

// NotifierGroup 依次调用多个通知器
type NotifierGroup []SaleNotifier

// NotifySales 实现 SaleNotifier
func (g NotifierGroup) NotifySales(ctx context.Context, userID string, sales []domain.Sale) {
	for _, n := range g {
		if n != nil {
			n.NotifySales(ctx, userID, sales)
		}
	}
}

// AsyncNotifier 把通知交给协程池执行，同步请求不等待 NATS 等下游
//
// 队列满时丢弃通知并记录日志，销售记录本身已经写入。
type AsyncNotifier struct {
	pool *pool.WorkerPool
	next SaleNotifier
	log  *zap.Logger
}

// NewAsyncNotifier 创建异步通知器，pool 需要由调用方启动和停止
func NewAsyncNotifier(p *pool.WorkerPool, next SaleNotifier, log *zap.Logger) *AsyncNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &AsyncNotifier{pool: p, next: next, log: log}
}

// NotifySales 实现 SaleNotifier
func (a *AsyncNotifier) NotifySales(ctx context.Context, userID string, sales []domain.Sale) {
	if len(sales) == 0 {
		return
	}

	batch := append([]domain.Sale(nil), sales...)
	// 请求结束后 ctx 会被取消，通知不应随之中断
	detached := context.WithoutCancel(ctx)

	ok, err := a.pool.TrySubmit(func() {
		a.next.NotifySales(detached, userID, batch)
	})
	if err != nil || !ok {
		a.log.Warn("sale notification dropped",
			zap.String("user_id", userID),
			zap.Int("sales", len(batch)),
			zap.Error(err),
		)
	}
}
