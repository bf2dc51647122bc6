package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"onlycat/backend/internal/config"
	"onlycat/backend/internal/domain"
	"onlycat/backend/internal/extract"
	"onlycat/backend/internal/mailbox"
	"onlycat/backend/internal/monitoring"
	"onlycat/backend/internal/storage"
)

var (
	// ErrSyncInProgress 同一账户已有同步在运行
	ErrSyncInProgress = errors.New("sync already in progress for this account")
	// ErrInvalidSyncRequest 同步请求缺少必要字段
	ErrInvalidSyncRequest = errors.New("invalid sync request")
)

// MailboxConnector 建立邮箱会话，*mailbox.Connector 实现了它
type MailboxConnector interface {
	Connect(ctx context.Context, cfg domain.MailAccountConfig) (mailbox.Session, error)
}

// SaleNotifier 在销售写入后发送通知，失败不影响同步结果
type SaleNotifier interface {
	NotifySales(ctx context.Context, userID string, sales []domain.Sale)
}

// SyncState 同步流程所处阶段
type SyncState string

const (
	StateIdle       SyncState = "idle"
	StateConnecting SyncState = "connecting"
	StateSearching  SyncState = "searching"
	StateProcessing SyncState = "processing"
	StateClosing    SyncState = "closing"
	StateDone       SyncState = "done"
	StateErrored    SyncState = "errored"
)

// 单封邮件的处理结果，同时作为指标标签
const (
	resultSale         = "sale"
	resultNoSale       = "no_sale"
	resultDuplicate    = "duplicate"
	resultFetchError   = "fetch_error"
	resultParseError   = "parse_error"
	resultPersistError = "persist_error"
)

// SyncOptions 同步参数
//
// LockTTL 同时是单次同步的最长时间，超过后停止处理剩余邮件，保证锁过期前同步已结束。
type SyncOptions struct {
	Lookback time.Duration
	Keywords []string
	LockTTL  time.Duration
}

// SyncDependencies 汇总 SyncService 的依赖，Ledger、Notifier、Metrics 可为空
type SyncDependencies struct {
	Connector MailboxConnector
	Extractor *extract.Extractor
	Persister *SalePersister
	Locker    storage.AccountLocker
	Ledger    storage.ProcessedLedger
	Notifier  SaleNotifier
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
	Options   SyncOptions
	Now       func() time.Time
}

// SyncService 编排一次邮箱同步：连接、搜索、逐封抓取解析、提取并写入
type SyncService struct {
	connector MailboxConnector
	extractor *extract.Extractor
	persister *SalePersister
	locker    storage.AccountLocker
	ledger    storage.ProcessedLedger
	notifier  SaleNotifier
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	opts      SyncOptions
	now       func() time.Time
}

// NewSyncService 创建同步服务
func NewSyncService(deps SyncDependencies) *SyncService {
	s := &SyncService{
		connector: deps.Connector,
		extractor: deps.Extractor,
		persister: deps.Persister,
		locker:    deps.Locker,
		ledger:    deps.Ledger,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		opts:      deps.Options,
		now:       deps.Now,
	}
	if s.extractor == nil {
		s.extractor = extract.New()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.opts.Lookback <= 0 {
		s.opts.Lookback = 30 * 24 * time.Hour
	}
	if s.opts.LockTTL <= 0 {
		s.opts.LockTTL = 5 * time.Minute
	}
	if len(s.opts.Keywords) == 0 {
		s.opts.Keywords = append([]string(nil), config.DefaultKeywords...)
	}
	return s
}

// SyncRequest 一次同步的输入
type SyncRequest struct {
	UserID  string
	Account domain.MailAccountConfig
}

// Sync 执行一次同步
//
// 连接、超时、搜索错误中止整次同步并返回错误；单封邮件的抓取、解析、写入失败只记录日志。
// 返回的销售记录顺序与搜索结果顺序一致。会话在任何路径上都会关闭。
func (s *SyncService) Sync(ctx context.Context, req SyncRequest) (*domain.SyncResult, error) {
	if req.UserID == "" || req.Account.Host == "" || req.Account.Username == "" || req.Account.Password == "" {
		return nil, ErrInvalidSyncRequest
	}

	start := time.Now()
	log := s.logger.With(
		zap.String("user_id", req.UserID),
		zap.String("account", req.Account.String()),
	)

	if s.locker != nil {
		unlock, err := s.locker.TryLock(ctx, lockKey(req.UserID, req.Account), s.opts.LockTTL)
		if err != nil {
			if errors.Is(err, storage.ErrLockHeld) {
				s.metrics.RecordSyncRun("conflict", time.Since(start))
				return nil, ErrSyncInProgress
			}
			s.metrics.RecordSyncRun("error", time.Since(start))
			return nil, fmt.Errorf("acquire account lock: %w", err)
		}
		defer unlock()
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.LockTTL)
	result, err := s.run(runCtx, req, log)
	cancel()
	elapsed := time.Since(start)
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.Canceled) {
			outcome = "canceled"
		}
		s.metrics.RecordSyncRun(outcome, elapsed)
		s.metrics.RecordError(errorKind(err), "sync")
		log.Warn("email sync failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return nil, err
	}

	result.Elapsed = elapsed
	s.metrics.RecordSyncRun("success", elapsed)
	log.Info("email sync completed",
		zap.Int("scanned", result.Scanned),
		zap.Int("sales_found", result.SalesFound()),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", elapsed))

	if s.notifier != nil && len(result.Sales) > 0 {
		s.notifier.NotifySales(ctx, req.UserID, result.Sales)
	}
	return result, nil
}

func (s *SyncService) run(ctx context.Context, req SyncRequest, log *zap.Logger) (result *domain.SyncResult, err error) {
	state := StateIdle
	transition := func(next SyncState) {
		log.Debug("sync state changed", zap.String("from", string(state)), zap.String("to", string(next)))
		state = next
	}

	transition(StateConnecting)
	session, err := s.connector.Connect(ctx, req.Account)
	if err != nil {
		transition(StateErrored)
		return nil, err
	}
	defer func() {
		if state != StateErrored {
			transition(StateClosing)
		}
		if closeErr := session.Close(); closeErr != nil {
			log.Debug("failed to close mailbox session", zap.Error(closeErr))
		}
		if err == nil {
			transition(StateDone)
		}
	}()

	transition(StateSearching)
	criteria := mailbox.NewCriteria(s.now(), s.opts.Lookback, s.opts.Keywords)
	uids, err := session.Search(ctx, criteria)
	if err != nil {
		transition(StateErrored)
		return nil, err
	}
	log.Debug("mailbox search finished", zap.Int("candidates", len(uids)))

	transition(StateProcessing)
	result = &domain.SyncResult{Sales: make([]domain.Sale, 0)}
	for i, uid := range uids {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				remaining := len(uids) - i
				result.Failed += remaining
				log.Warn("sync deadline reached, stopping before lock expiry",
					zap.Duration("lock_ttl", s.opts.LockTTL),
					zap.Int("remaining", remaining))
				break
			}
			transition(StateErrored)
			return nil, err
		}
		result.Scanned++

		sale, outcome, procErr := s.processUID(ctx, session, req.UserID, uid)
		s.metrics.RecordSyncMessage(outcome)
		switch outcome {
		case resultSale:
			result.Sales = append(result.Sales, *sale)
		case resultNoSale, resultDuplicate:
			result.Skipped++
		default:
			result.Failed++
			log.Warn("failed to process message",
				zap.Uint32("uid", uid),
				zap.String("result", outcome),
				zap.Error(procErr))
		}

		// 抓取超时或连接中断后会话不可用，剩余邮件无法继续读取
		if domain.IsFatal(procErr) {
			remaining := len(uids) - i - 1
			result.Failed += remaining
			log.Warn("mailbox session unusable, stopping",
				zap.Int("remaining", remaining),
				zap.Error(procErr))
			break
		}
	}
	return result, nil
}

// processUID 抓取、解析并处理一封邮件
func (s *SyncService) processUID(ctx context.Context, session mailbox.Session, userID string, uid uint32) (*domain.Sale, string, error) {
	raw, err := session.Fetch(ctx, uid)
	if err != nil {
		return nil, resultFetchError, err
	}

	msg, err := mailbox.ParseMessage(raw)
	if err != nil {
		var parseErr *domain.ParseError
		if errors.As(err, &parseErr) {
			parseErr.UID = uid
		}
		return nil, resultParseError, err
	}
	msg.UID = uid

	return s.ingest(ctx, userID, msg)
}

// IngestMessage 对一封已解析的邮件执行提取和写入，用于转发邮件入口
//
// 邮件不是销售通知或已处理过时返回 nil, nil。
func (s *SyncService) IngestMessage(ctx context.Context, userID string, msg *domain.RawMessage) (*domain.Sale, error) {
	sale, outcome, err := s.ingest(ctx, userID, msg)
	s.metrics.RecordSyncMessage(outcome)
	if err != nil {
		return nil, err
	}
	if sale != nil && s.notifier != nil {
		s.notifier.NotifySales(ctx, userID, []domain.Sale{*sale})
	}
	return sale, nil
}

func (s *SyncService) ingest(ctx context.Context, userID string, msg *domain.RawMessage) (*domain.Sale, string, error) {
	key := ledgerKey(userID, msg)
	if s.ledger != nil {
		seen, err := s.ledger.Seen(ctx, key)
		if err != nil {
			s.logger.Warn("processed ledger lookup failed", zap.String("key", key), zap.Error(err))
		} else if seen {
			return nil, resultDuplicate, nil
		}
	}

	candidate, ok := s.extractor.Extract(msg)
	if !ok {
		return nil, resultNoSale, nil
	}

	sale, err := s.persister.Persist(ctx, userID, candidate)
	if err != nil {
		return nil, resultPersistError, err
	}
	s.metrics.RecordSale(string(sale.Platform), sale.Amount.InexactFloat64())

	if s.ledger != nil {
		if err := s.ledger.Mark(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn("failed to record processed message", zap.String("key", key), zap.Error(err))
		}
	}
	return sale, resultSale, nil
}

// lockKey 账户锁的键：用户 + 邮箱地址 + 服务器
func lockKey(userID string, account domain.MailAccountConfig) string {
	return fmt.Sprintf("%s:%s@%s", userID, strings.ToLower(account.Username), strings.ToLower(account.Host))
}

// ledgerKey 优先使用 Message-ID；缺失时用 UID、日期、主题的摘要代替
func ledgerKey(userID string, msg *domain.RawMessage) string {
	if id := strings.TrimSpace(msg.MessageID); id != "" {
		return userID + ":" + id
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%s", msg.UID, msg.Date.Unix(), msg.Subject)))
	return userID + ":" + hex.EncodeToString(sum[:])
}

func errorKind(err error) string {
	var (
		connErr    *domain.ConnectionError
		timeoutErr *domain.TimeoutError
		searchErr  *domain.SearchError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case !domain.IsFatal(err):
		return "internal"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &searchErr):
		return "search"
	default:
		return "internal"
	}
}
