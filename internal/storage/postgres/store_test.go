package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"onlycat/backend/internal/domain"
	"onlycat/backend/internal/storage"
)

// newMockStore 使用 sqlmock 连接创建 Store，跳过自动迁移
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		TranslateError:         true,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	return &Store{db: db, log: zap.NewNop()}, mock
}

func TestStore_SummarizeSales(t *testing.T) {
	ctx := context.Background()
	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	t.Run("按平台汇总数量和金额", func(t *testing.T) {
		store, mock := newMockStore(t)
		rows := sqlmock.NewRows([]string{"platform", "count", "total"}).
			AddRow("pix", int64(2), "29.50").
			AddRow("privacy", int64(1), "10.50")
		mock.ExpectQuery(`SELECT platform, COUNT\(\*\) AS count, COALESCE\(SUM\(amount\), 0\) AS total FROM "sales" WHERE .*user_id = \$1 AND sale_date >= \$2.*GROUP BY platform`).
			WithArgs("u1", sqlmock.AnyArg()).
			WillReturnRows(rows)

		summary, err := store.SummarizeSales(ctx, "u1", since)

		require.NoError(t, err)
		assert.Equal(t, "u1", summary.UserID)
		assert.Equal(t, int64(3), summary.Count)
		assert.True(t, decimal.RequireFromString("40.00").Equal(summary.Total), summary.Total.String())
		require.Len(t, summary.Platforms, 2)
		assert.Equal(t, domain.PlatformPIX, summary.Platforms[0].Platform)
		assert.Equal(t, int64(2), summary.Platforms[0].Count)
		assert.True(t, decimal.RequireFromString("29.50").Equal(summary.Platforms[0].Total))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("没有销售时返回空列表和零金额", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT platform, COUNT\(\*\) AS count`).
			WillReturnRows(sqlmock.NewRows([]string{"platform", "count", "total"}))

		summary, err := store.SummarizeSales(ctx, "u1", since)

		require.NoError(t, err)
		assert.Equal(t, int64(0), summary.Count)
		assert.True(t, summary.Total.IsZero())
		assert.NotNil(t, summary.Platforms)
		assert.Empty(t, summary.Platforms)
	})

	t.Run("查询失败返回错误", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT platform`).WillReturnError(errors.New("connection refused"))

		_, err := store.SummarizeSales(ctx, "u1", since)
		assert.Error(t, err)
	})
}

func TestStore_CreateSale(t *testing.T) {
	ctx := context.Background()
	sale := &domain.Sale{
		ID:        "s1",
		UserID:    "u1",
		Amount:    decimal.RequireFromString("25.00"),
		Platform:  domain.PlatformPIX,
		SaleDate:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Source:    domain.SourceEmailAutomation,
		CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}

	t.Run("写入成功", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO "sales"`).WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.CreateSale(ctx, sale))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("主键冲突转换为ErrSaleExists", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO "sales"`).WillReturnError(&pgconn.PgError{Code: "23505"})

		err := store.CreateSale(ctx, sale)
		assert.ErrorIs(t, err, storage.ErrSaleExists)
	})
}

func TestStore_ListSales(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "user_id", "amount", "platform", "sale_date", "source"}).
		AddRow("s2", "u1", "10.50", "privacy", time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC), domain.SourceEmailAutomation).
		AddRow("s1", "u1", "25.00", "privacy", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), domain.SourceEmailAutomation)
	mock.ExpectQuery(`SELECT \* FROM "sales" WHERE user_id = \$1 AND platform = \$2 ORDER BY sale_date DESC,id`).
		WillReturnRows(rows)

	sales, err := store.ListSales(context.Background(), domain.SaleFilter{UserID: "u1", Platform: domain.PlatformPrivacy})

	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, "s2", sales[0].ID)
	assert.True(t, decimal.RequireFromString("10.50").Equal(sales[0].Amount))
	assert.NoError(t, mock.ExpectationsWereMet())
}
