package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"onlycat/backend/internal/config"
	"onlycat/backend/internal/domain"
	"onlycat/backend/internal/extract"
	"onlycat/backend/internal/mailbox"
	"onlycat/backend/internal/monitoring"
	"onlycat/backend/internal/storage"
	"onlycat/backend/internal/storage/memory"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeSession 模拟已打开的邮箱会话
type fakeSession struct {
	mu sync.Mutex

	uids      []uint32
	searchErr error
	messages  map[uint32][]byte
	fetchErrs map[uint32]error
	onSearch  func()
	onFetch   func(ctx context.Context) error

	criteria mailbox.Criteria
	fetched  []uint32
	closed   int
}

func (f *fakeSession) Search(_ context.Context, criteria mailbox.Criteria) ([]uint32, error) {
	f.mu.Lock()
	f.criteria = criteria
	f.mu.Unlock()
	if f.onSearch != nil {
		f.onSearch()
	}
	return f.uids, f.searchErr
}

func (f *fakeSession) Fetch(ctx context.Context, uid uint32) ([]byte, error) {
	if f.onFetch != nil {
		if err := f.onFetch(ctx); err != nil {
			f.mu.Lock()
			f.fetched = append(f.fetched, uid)
			f.mu.Unlock()
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, uid)
	if err := f.fetchErrs[uid]; err != nil {
		return nil, err
	}
	raw, ok := f.messages[uid]
	if !ok {
		return nil, fmt.Errorf("uid %d not found", uid)
	}
	return raw, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// fakeConnector 返回预设的会话或错误
type fakeConnector struct {
	session *fakeSession
	err     error
	calls   int
}

func (f *fakeConnector) Connect(_ context.Context, _ domain.MailAccountConfig) (mailbox.Session, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

// recordingNotifier 记录收到的通知
type recordingNotifier struct {
	mu    sync.Mutex
	users []string
	sales []domain.Sale
}

func (r *recordingNotifier) NotifySales(_ context.Context, userID string, sales []domain.Sale) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	r.sales = append(r.sales, sales...)
}

// MockSaleRepository 模拟销售记录仓库
type MockSaleRepository struct {
	mock.Mock
}

func (m *MockSaleRepository) CreateSale(ctx context.Context, sale *domain.Sale) error {
	args := m.Called(ctx, sale)
	return args.Error(0)
}

func (m *MockSaleRepository) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Sale), args.Error(1)
}

func (m *MockSaleRepository) SummarizeSales(ctx context.Context, userID string, since time.Time) (*domain.SalesSummary, error) {
	args := m.Called(ctx, userID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SalesSummary), args.Error(1)
}

func rawMessage(messageID, subject, body string) []byte {
	header := fmt.Sprintf("From: noreply@pay.example\r\nSubject: %s\r\n", subject)
	if messageID != "" {
		header += fmt.Sprintf("Message-ID: <%s>\r\n", messageID)
	}
	header += "Date: Fri, 31 May 2024 09:00:00 +0000\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n"
	return []byte(header + body + "\r\n")
}

func testAccount() domain.MailAccountConfig {
	return domain.MailAccountConfig{
		Provider: "gmail",
		Host:     "imap.gmail.com",
		Port:     993,
		TLS:      true,
		Username: "seller@gmail.com",
		Password: "app-password",
	}
}

type syncFixture struct {
	service   *SyncService
	session   *fakeSession
	connector *fakeConnector
	store     *memory.Store
	locker    *memory.Locker
	notifier  *recordingNotifier
}

func newSyncFixture(t *testing.T, repo storage.SaleRepository, ledger storage.ProcessedLedger) *syncFixture {
	t.Helper()

	store := memory.NewStore()
	if repo == nil {
		repo = store
	}
	session := &fakeSession{messages: make(map[uint32][]byte), fetchErrs: make(map[uint32]error)}
	connector := &fakeConnector{session: session}
	locker := memory.NewLocker()
	notifier := &recordingNotifier{}

	svc := NewSyncService(SyncDependencies{
		Connector: connector,
		Extractor: extract.New(extract.WithClock(func() time.Time { return fixedNow })),
		Persister: NewSalePersister(repo),
		Locker:    locker,
		Ledger:    ledger,
		Notifier:  notifier,
		Logger:    zap.NewNop(),
		Options: SyncOptions{
			Lookback: 30 * 24 * time.Hour,
			Keywords: []string{"venda", "PIX"},
			LockTTL:  time.Minute,
		},
		Now: func() time.Time { return fixedNow },
	})

	return &syncFixture{
		service:   svc,
		session:   session,
		connector: connector,
		store:     store,
		locker:    locker,
		notifier:  notifier,
	}
}

func TestSyncService_Sync(t *testing.T) {
	ctx := context.Background()

	t.Run("按搜索顺序处理并写入销售记录", func(t *testing.T) {
		f := newSyncFixture(t, nil, nil)
		f.session.uids = []uint32{30, 10, 20}
		f.session.messages[30] = rawMessage("a@x", "Venda aprovada PIX", "Você recebeu R$ 49,90")
		f.session.messages[10] = rawMessage("b@x", "Newsletter semanal", "Confira as novidades")
		f.session.messages[20] = rawMessage("c@x", "PayPal payment received", "You received $ 20.00")

		result, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})

		require.NoError(t, err)
		require.Len(t, result.Sales, 2)
		assert.Equal(t, 2, result.SalesFound())
		assert.Equal(t, 3, result.Scanned)
		assert.Equal(t, 1, result.Skipped)
		assert.Equal(t, 0, result.Failed)

		assert.True(t, decimal.RequireFromString("49.90").Equal(result.Sales[0].Amount))
		assert.Equal(t, domain.PlatformPIX, result.Sales[0].Platform)
		assert.True(t, decimal.RequireFromString("20.00").Equal(result.Sales[1].Amount))
		assert.Equal(t, domain.PlatformPayPal, result.Sales[1].Platform)

		for _, sale := range result.Sales {
			assert.Equal(t, "u1", sale.UserID)
			assert.Equal(t, domain.SourceEmailAutomation, sale.Source)
			assert.NotEmpty(t, sale.ID)
		}

		assert.Equal(t, []uint32{30, 10, 20}, f.session.fetched)
		assert.Equal(t, 1, f.session.closed)
		assert.Equal(t, fixedNow.Add(-30*24*time.Hour), f.session.criteria.Since)
		assert.Equal(t, []string{"venda", "PIX"}, f.session.criteria.Keywords)

		stored, err := f.store.ListSales(ctx, domain.SaleFilter{UserID: "u1"})
		require.NoError(t, err)
		assert.Len(t, stored, 2)

		assert.Equal(t, []string{"u1"}, f.notifier.users)
		assert.Len(t, f.notifier.sales, 2)
	})

	t.Run("没有候选邮件时返回空结果", func(t *testing.T) {
		f := newSyncFixture(t, nil, nil)

		result, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})

		require.NoError(t, err)
		assert.NotNil(t, result.Sales)
		assert.Empty(t, result.Sales)
		assert.Equal(t, 1, f.session.closed)
		assert.Empty(t, f.notifier.users)
	})

	t.Run("抓取和解析失败只跳过单封邮件", func(t *testing.T) {
		f := newSyncFixture(t, nil, nil)
		f.session.uids = []uint32{1, 2, 3}
		f.session.fetchErrs[1] = errors.New("connection reset")
		f.session.messages[2] = []byte("From: a@b\r\nSubject: Venda R$ 10,00\r\nContent-Type: multipart/mixed\r\n\r\nbody\r\n")
		f.session.messages[3] = rawMessage("", "Venda aprovada", "R$ 15,00")

		result, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})

		require.NoError(t, err)
		require.Len(t, result.Sales, 1)
		assert.True(t, decimal.RequireFromString("15.00").Equal(result.Sales[0].Amount))
		assert.Equal(t, 2, result.Failed)
		assert.Equal(t, 1, f.session.closed)
	})

	t.Run("写入失败只跳过单封邮件", func(t *testing.T) {
		repo := new(MockSaleRepository)
		repo.On("CreateSale", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
		repo.On("CreateSale", mock.Anything, mock.Anything).Return(nil).Once()

		f := newSyncFixture(t, repo, nil)
		f.session.uids = []uint32{1, 2}
		f.session.messages[1] = rawMessage("a@x", "Venda", "R$ 10,00")
		f.session.messages[2] = rawMessage("b@x", "Venda", "R$ 12,00")

		result, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})

		require.NoError(t, err)
		require.Len(t, result.Sales, 1)
		assert.True(t, decimal.RequireFromString("12.00").Equal(result.Sales[0].Amount))
		assert.Equal(t, 1, result.Failed)
		repo.AssertNumberOfCalls(t, "CreateSale", 2)
	})

	t.Run("连接失败中止同步", func(t *testing.T) {
		f := newSyncFixture(t, nil, nil)
		f.connector.err = &domain.ConnectionError{Host: "imap.gmail.com:993", Err: errors.New("auth failed")}

		result, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})

		require.Error(t, err)
		assert.Nil(t, result)
		assert.True(t, domain.IsFatal(err))
		var connErr *domain.ConnectionError
		assert.ErrorAs(t, err, &connErr)
		assert.Equal(t, 0, f.session.closed)
	})

	t.Run("连接超时中止同步", func(t *testing.T) {
		f := newSyncFixture(t, nil, nil)
		f.connector.err = &domain.TimeoutError{Stage: "connect", After: 15 * time.Second}

		_, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})

		var timeoutErr *domain.TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, "connect", timeoutErr.Stage)
	})

	t.Run("搜索失败中止同步并关闭会话", func(t *testing.T) {
		f := newSyncFixture(t, nil, nil)
		f.session.searchErr = &domain.SearchError{Err: errors.New("BAD command")}

		result, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})

		assert.Nil(t, result)
		var searchErr *domain.SearchError
		assert.ErrorAs(t, err, &searchErr)
		assert.Equal(t, 1, f.session.closed)
	})

	t.Run("抓取超时后停止处理剩余邮件", func(t *testing.T) {
		f := newSyncFixture(t, nil, nil)
		f.session.uids = []uint32{1, 2, 3}
		f.session.messages[1] = rawMessage("a@x", "Venda", "R$ 10,00")
		f.session.fetchErrs[2] = &domain.TimeoutError{Stage: "fetch", After: time.Second}
		f.session.messages[3] = rawMessage("c@x", "Venda", "R$ 30,00")

		result, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})

		require.NoError(t, err)
		assert.Len(t, result.Sales, 1)
		assert.Equal(t, 2, result.Failed)
		assert.Equal(t, []uint32{1, 2}, f.session.fetched)
		assert.Equal(t, 1, f.session.closed)
	})

	t.Run("同步时间不超过账户锁有效期", func(t *testing.T) {
		f := newSyncFixture(t, nil, nil)
		f.service.opts.LockTTL = 100 * time.Millisecond
		for uid := uint32(1); uid <= 20; uid++ {
			f.session.uids = append(f.session.uids, uid)
			f.session.messages[uid] = rawMessage(fmt.Sprintf("m%d@x", uid), "Venda", "R$ 10,00")
		}

		var deadlines []time.Time
		f.session.onFetch = func(fctx context.Context) error {
			if deadline, ok := fctx.Deadline(); ok {
				deadlines = append(deadlines, deadline)
			}
			select {
			case <-time.After(30 * time.Millisecond):
				return nil
			case <-fctx.Done():
				return &domain.TimeoutError{Stage: "fetch", After: time.Second}
			}
		}

		start := time.Now()
		result, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})
		elapsed := time.Since(start)

		require.NoError(t, err)
		assert.Less(t, elapsed, time.Second)
		assert.Less(t, len(f.session.fetched), 20)
		assert.Equal(t, 20, len(result.Sales)+result.Skipped+result.Failed)
		assert.Positive(t, result.Failed)
		require.NotEmpty(t, deadlines)
		for _, deadline := range deadlines {
			assert.WithinDuration(t, start.Add(100*time.Millisecond), deadline, 50*time.Millisecond)
		}
		assert.Equal(t, 1, f.session.closed)

		// 锁已释放，下一次同步可以立即开始
		unlock, err := f.locker.TryLock(ctx, lockKey("u1", testAccount()), time.Minute)
		require.NoError(t, err)
		unlock()
	})

	t.Run("未配置关键词时使用默认关键词", func(t *testing.T) {
		svc := NewSyncService(SyncDependencies{
			Connector: &fakeConnector{session: &fakeSession{}},
			Persister: NewSalePersister(memory.NewStore()),
		})

		assert.Equal(t, config.DefaultKeywords, svc.opts.Keywords)
		assert.Equal(t, 5*time.Minute, svc.opts.LockTTL)
	})

	t.Run("请求取消时停止并关闭会话", func(t *testing.T) {
		f := newSyncFixture(t, nil, nil)
		cctx, cancel := context.WithCancel(ctx)
		f.session.uids = []uint32{1}
		f.session.messages[1] = rawMessage("a@x", "Venda", "R$ 10,00")
		f.session.onSearch = cancel

		result, err := f.service.Sync(cctx, SyncRequest{UserID: "u1", Account: testAccount()})

		assert.Nil(t, result)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, f.session.fetched)
		assert.Equal(t, 1, f.session.closed)
	})

	t.Run("同一账户并发同步返回冲突", func(t *testing.T) {
		f := newSyncFixture(t, nil, nil)
		unlock, err := f.locker.TryLock(ctx, lockKey("u1", testAccount()), time.Minute)
		require.NoError(t, err)

		_, err = f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})
		assert.ErrorIs(t, err, ErrSyncInProgress)
		assert.Equal(t, 0, f.connector.calls)

		unlock()
		_, err = f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})
		assert.NoError(t, err)
		assert.Equal(t, 1, f.connector.calls)
	})

	t.Run("缺少字段返回参数错误", func(t *testing.T) {
		f := newSyncFixture(t, nil, nil)
		account := testAccount()
		account.Password = ""

		_, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: account})

		assert.ErrorIs(t, err, ErrInvalidSyncRequest)
		assert.Equal(t, 0, f.connector.calls)
	})
}

func TestSyncService_Dedup(t *testing.T) {
	ctx := context.Background()

	t.Run("未启用账本时重复同步会重复写入", func(t *testing.T) {
		f := newSyncFixture(t, nil, nil)
		f.session.uids = []uint32{1}
		f.session.messages[1] = rawMessage("a@x", "Venda", "R$ 10,00")

		_, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})
		require.NoError(t, err)
		second, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})
		require.NoError(t, err)

		assert.Len(t, second.Sales, 1)
		stored, err := f.store.ListSales(ctx, domain.SaleFilter{UserID: "u1"})
		require.NoError(t, err)
		assert.Len(t, stored, 2)
	})

	t.Run("启用账本后已处理邮件被跳过", func(t *testing.T) {
		f := newSyncFixture(t, nil, memory.NewLedger(time.Hour))
		f.session.uids = []uint32{1, 2}
		f.session.messages[1] = rawMessage("a@x", "Venda", "R$ 10,00")
		f.session.messages[2] = rawMessage("", "Venda", "R$ 20,00")

		first, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})
		require.NoError(t, err)
		assert.Len(t, first.Sales, 2)

		second, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})
		require.NoError(t, err)
		assert.Empty(t, second.Sales)
		assert.Equal(t, 2, second.Skipped)

		stored, err := f.store.ListSales(ctx, domain.SaleFilter{UserID: "u1"})
		require.NoError(t, err)
		assert.Len(t, stored, 2)
	})

	t.Run("写入失败的邮件不记入账本", func(t *testing.T) {
		repo := new(MockSaleRepository)
		repo.On("CreateSale", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
		repo.On("CreateSale", mock.Anything, mock.Anything).Return(nil).Once()

		ledger := memory.NewLedger(time.Hour)
		f := newSyncFixture(t, repo, ledger)
		f.session.uids = []uint32{1}
		f.session.messages[1] = rawMessage("a@x", "Venda", "R$ 10,00")

		first, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})
		require.NoError(t, err)
		assert.Equal(t, 1, first.Failed)

		second, err := f.service.Sync(ctx, SyncRequest{UserID: "u1", Account: testAccount()})
		require.NoError(t, err)
		assert.Len(t, second.Sales, 1)
	})
}

func TestSyncService_IngestMessage(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, nil, memory.NewLedger(time.Hour))

	t.Run("销售通知写入并发送通知", func(t *testing.T) {
		msg, err := mailbox.ParseMessage(rawMessage("fwd@x", "Pagamento Stripe", "Amount $ 99.00"))
		require.NoError(t, err)

		sale, err := f.service.IngestMessage(ctx, "u2", msg)

		require.NoError(t, err)
		require.NotNil(t, sale)
		assert.Equal(t, domain.PlatformStripe, sale.Platform)
		assert.Equal(t, []string{"u2"}, f.notifier.users)
	})

	t.Run("重复转发被忽略", func(t *testing.T) {
		msg, err := mailbox.ParseMessage(rawMessage("fwd@x", "Pagamento Stripe", "Amount $ 99.00"))
		require.NoError(t, err)

		sale, err := f.service.IngestMessage(ctx, "u2", msg)

		require.NoError(t, err)
		assert.Nil(t, sale)
	})

	t.Run("非销售邮件返回空", func(t *testing.T) {
		sale, err := f.service.IngestMessage(ctx, "u2", &domain.RawMessage{Subject: "Olá", Text: "sem valores"})

		require.NoError(t, err)
		assert.Nil(t, sale)
	})
}

func TestSyncService_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	f := newSyncFixture(t, nil, nil)
	f.service.metrics = metrics
	f.session.uids = []uint32{1, 2}
	f.session.messages[1] = rawMessage("a@x", "Venda PIX", "R$ 10,00")
	f.session.messages[2] = rawMessage("b@x", "Olá", "sem valores")

	_, err := f.service.Sync(context.Background(), SyncRequest{UserID: "u1", Account: testAccount()})
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SyncRunsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SyncMessagesTotal.WithLabelValues(resultSale)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SyncMessagesTotal.WithLabelValues(resultNoSale)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SalesDetected.WithLabelValues(string(domain.PlatformPIX))))
}

func TestLedgerKey(t *testing.T) {
	t.Run("使用 Message-ID", func(t *testing.T) {
		assert.Equal(t, "u1:abc@x", ledgerKey("u1", &domain.RawMessage{MessageID: "abc@x"}))
	})

	t.Run("缺少 Message-ID 时使用摘要且结果稳定", func(t *testing.T) {
		msg := &domain.RawMessage{UID: 7, Subject: "Venda", Date: fixedNow}
		key := ledgerKey("u1", msg)
		assert.Equal(t, key, ledgerKey("u1", msg))
		assert.NotEqual(t, key, ledgerKey("u2", msg))
		assert.Len(t, key, len("u1:")+64)
	})
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"连接错误", &domain.ConnectionError{Host: "imap.gmail.com", Err: errors.New("auth failed")}, "connection"},
		{"超时", &domain.TimeoutError{Stage: "search", After: time.Second}, "timeout"},
		{"搜索错误", &domain.SearchError{Err: errors.New("BAD")}, "search"},
		{"请求取消", fmt.Errorf("sync: %w", context.Canceled), "canceled"},
		{"写入错误不属于致命错误", &domain.PersistenceError{Err: errors.New("db down")}, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorKind(tt.err))
		})
	}
}
