package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"onlycat/backend/internal/config"
	"onlycat/backend/internal/domain"
	"onlycat/backend/internal/storage"
)

// processedMessage 已处理邮件账本表，由 Ledger 通过 pgx 读写
type processedMessage struct {
	Key         string    `gorm:"primaryKey;type:varchar(512)"`
	ProcessedAt time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"index;not null"`
}

func (processedMessage) TableName() string {
	return "processed_messages"
}

// Store 基于 GORM 的销售记录存储，支持 PostgreSQL 和 MySQL
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewStoreFromConfig 根据 database.type 选择 dialector
func NewStoreFromConfig(cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	return NewStoreWithDialector(dialector, cfg, log)
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &Store{db: db, log: log}

	if err := db.AutoMigrate(&domain.Sale{}, &processedMessage{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("sales store ready", zap.String("dialect", dialector.Name()))
	return store, nil
}

// CreateSale 写入一条销售记录
func (s *Store) CreateSale(ctx context.Context, sale *domain.Sale) error {
	err := s.db.WithContext(ctx).Create(sale).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrSaleExists
	}
	return err
}

// ListSales 按销售日期倒序分页查询
func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	filter = storage.NormalizeFilter(filter)

	query := s.db.WithContext(ctx).Where("user_id = ?", filter.UserID)
	if filter.Platform != "" {
		query = query.Where("platform = ?", filter.Platform)
	}
	if !filter.Since.IsZero() {
		query = query.Where("sale_date >= ?", filter.Since)
	}

	sales := make([]domain.Sale, 0)
	err := query.Order("sale_date DESC").Order("id").
		Limit(filter.Limit).Offset(filter.Offset).
		Find(&sales).Error
	if err != nil {
		return nil, err
	}
	return sales, nil
}

// SummarizeSales 按平台汇总
func (s *Store) SummarizeSales(ctx context.Context, userID string, since time.Time) (*domain.SalesSummary, error) {
	var rows []domain.PlatformTotal
	err := s.db.WithContext(ctx).Model(&domain.Sale{}).
		Select("platform, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total").
		Where("user_id = ? AND sale_date >= ?", userID, since).
		Group("platform").
		Order("platform").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	summary := &domain.SalesSummary{UserID: userID, Since: since, Total: decimal.Zero, Platforms: rows}
	if summary.Platforms == nil {
		summary.Platforms = []domain.PlatformTotal{}
	}
	for _, row := range rows {
		summary.Count += row.Count
		summary.Total = summary.Total.Add(row.Total)
	}
	return summary, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
