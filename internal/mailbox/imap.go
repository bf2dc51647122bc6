// Package mailbox 负责 IMAP 会话：建连、搜索和只读抓取邮件。
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"onlycat/backend/internal/domain"
)

const (
	defaultTimeout         = 10 * time.Second
	defaultConnectDeadline = 15 * time.Second
)

var (
	errMessageNotFound = errors.New("message not returned by server")
	errAborted         = errors.New("connect aborted")
)

// Session 是已认证并以只读方式选中邮箱的会话
type Session interface {
	Search(ctx context.Context, criteria Criteria) ([]uint32, error)
	Fetch(ctx context.Context, uid uint32) ([]byte, error)
	Close() error
}

// Criteria 搜索条件：未读、不早于 Since、主题包含任一关键词
type Criteria struct {
	Since    time.Time
	Keywords []string
}

// NewCriteria 以 now-lookback 为起点构造搜索条件
func NewCriteria(now time.Time, lookback time.Duration, keywords []string) Criteria {
	return Criteria{Since: now.Add(-lookback), Keywords: keywords}
}

// toIMAP 转换为 go-imap 的搜索条件
//
// IMAP SUBJECT 搜索本身不区分大小写，多个关键词用嵌套 OR 组合。
func (c Criteria) toIMAP() *imap.SearchCriteria {
	sc := imap.NewSearchCriteria()
	sc.WithoutFlags = []string{imap.SeenFlag}
	sc.Since = c.Since
	if len(c.Keywords) > 0 {
		subject := subjectAny(c.Keywords)
		sc.Header = subject.Header
		sc.Or = subject.Or
	}
	return sc
}

func subjectAny(keywords []string) *imap.SearchCriteria {
	sc := imap.NewSearchCriteria()
	if len(keywords) == 1 {
		sc.Header.Add("Subject", keywords[0])
		return sc
	}
	sc.Or = [][2]*imap.SearchCriteria{{subjectAny(keywords[:1]), subjectAny(keywords[1:])}}
	return sc
}

// imapClient 是 *client.Client 中用到的方法
type imapClient interface {
	Login(username, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
	Terminate() error
}

// Connector 建立 IMAP 会话
type Connector struct {
	mailbox string
	logger  *zap.Logger
	dial    func(cfg domain.MailAccountConfig) (imapClient, error)
}

// NewConnector 创建连接器，mailbox 为要选中的文件夹（通常是 INBOX）
func NewConnector(mailbox string, logger *zap.Logger) *Connector {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	c := &Connector{mailbox: mailbox, logger: logger}
	c.dial = c.dialIMAP
	return c
}

func (c *Connector) dialIMAP(cfg domain.MailAccountConfig) (imapClient, error) {
	dialer := &net.Dialer{Timeout: orDefault(cfg.ConnTimeout, defaultTimeout)}

	var (
		cl  *client.Client
		err error
	)
	if cfg.TLS {
		cl, err = client.DialWithDialerTLS(dialer, cfg.Addr(), &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		cl, err = client.DialWithDialer(dialer, cfg.Addr())
	}
	if err != nil {
		return nil, err
	}
	cl.ErrorLog = zap.NewStdLog(c.logger.Named("imap"))
	return cl, nil
}

// connectAttempt 记录建连过程中的客户端，以便超过总期限时强制断开
type connectAttempt struct {
	mu      sync.Mutex
	client  imapClient
	aborted bool
}

func (a *connectAttempt) set(cl imapClient) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.aborted {
		return false
	}
	a.client = cl
	return true
}

func (a *connectAttempt) abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = true
	if a.client != nil {
		_ = a.client.Terminate()
	}
}

// Connect 建立已认证的会话并以只读方式选中邮箱
//
// 建连受 ConnTimeout 限制，登录和选中邮箱受 AuthTimeout 限制，
// 整个过程受 ConnectDeadline 限制；超过总期限时强制断开并返回 *domain.TimeoutError。
// 返回错误时不会遗留打开的连接。
func (c *Connector) Connect(ctx context.Context, cfg domain.MailAccountConfig) (Session, error) {
	deadline := orDefault(cfg.ConnectDeadline, defaultConnectDeadline)
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	attempt := &connectAttempt{}
	done := make(chan error, 1)
	go func() {
		done <- c.open(attempt, cfg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		c.logger.Debug("IMAP session opened",
			zap.String("provider", cfg.Provider),
			zap.String("addr", cfg.Addr()),
			zap.String("mailbox", c.mailbox))
		return newSession(attempt.client, cfg, c.logger), nil
	case <-ctx.Done():
		attempt.abort()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &domain.TimeoutError{Stage: "connect", After: deadline}
		}
		return nil, &domain.ConnectionError{Host: cfg.Addr(), Err: ctx.Err()}
	}
}

func (c *Connector) open(attempt *connectAttempt, cfg domain.MailAccountConfig) error {
	cl, err := c.dial(cfg)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &domain.TimeoutError{Stage: "dial", After: orDefault(cfg.ConnTimeout, defaultTimeout)}
		}
		return &domain.ConnectionError{Host: cfg.Addr(), Err: err}
	}
	if !attempt.set(cl) {
		_ = cl.Terminate()
		return errAborted
	}

	authTimeout := orDefault(cfg.AuthTimeout, defaultTimeout)
	if err := runWithTimeout(context.Background(), cl, "auth", authTimeout, func() error {
		return cl.Login(cfg.Username, cfg.Password)
	}); err != nil {
		_ = cl.Terminate()
		return wrapConnectErr(cfg, fmt.Errorf("login: %w", err))
	}

	if err := runWithTimeout(context.Background(), cl, "select", authTimeout, func() error {
		_, err := cl.Select(c.mailbox, true)
		return err
	}); err != nil {
		_ = cl.Terminate()
		return wrapConnectErr(cfg, fmt.Errorf("select %s: %w", c.mailbox, err))
	}

	return nil
}

func wrapConnectErr(cfg domain.MailAccountConfig, err error) error {
	var timeoutErr *domain.TimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr
	}
	return &domain.ConnectionError{Host: cfg.Addr(), Err: err}
}

// runWithTimeout 执行一条阻塞的 IMAP 命令；超时或 ctx 取消时强制断开连接
func runWithTimeout(ctx context.Context, cl imapClient, stage string, timeout time.Duration, fn func() error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = cl.Terminate()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &domain.TimeoutError{Stage: stage, After: timeout}
		}
		return ctx.Err()
	}
}

// imapSession 是 Session 的 IMAP 实现
type imapSession struct {
	client    imapClient
	cfg       domain.MailAccountConfig
	logger    *zap.Logger
	closeOnce sync.Once
	closeErr  error
}

func newSession(cl imapClient, cfg domain.MailAccountConfig, logger *zap.Logger) *imapSession {
	return &imapSession{client: cl, cfg: cfg, logger: logger}
}

// Search 执行 UID SEARCH，不修改邮件标记
func (s *imapSession) Search(ctx context.Context, criteria Criteria) ([]uint32, error) {
	var uids []uint32
	err := runWithTimeout(ctx, s.client, "search", s.cfg.SearchTimeout, func() error {
		var err error
		uids, err = s.client.UidSearch(criteria.toIMAP())
		return err
	})
	if err != nil {
		var timeoutErr *domain.TimeoutError
		if errors.As(err, &timeoutErr) {
			return nil, err
		}
		return nil, &domain.SearchError{Err: err}
	}
	return uids, nil
}

// Fetch 通过 BODY.PEEK[] 获取完整邮件，不会设置 \Seen
func (s *imapSession) Fetch(ctx context.Context, uid uint32) ([]byte, error) {
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem()}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	var raw []byte
	err := runWithTimeout(ctx, s.client, "fetch", s.cfg.FetchTimeout, func() error {
		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- s.client.UidFetch(seqset, items, messages)
		}()

		var body imap.Literal
		for msg := range messages {
			if body == nil && msg != nil {
				body = msg.GetBody(section)
			}
		}
		if err := <-done; err != nil {
			return err
		}
		if body == nil {
			return errMessageNotFound
		}

		var err error
		raw, err = io.ReadAll(body)
		return err
	})
	if err != nil {
		var timeoutErr *domain.TimeoutError
		if errors.As(err, &timeoutErr) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch message %d: %w", uid, err)
	}
	return raw, nil
}

// Close 登出；登出失败或超时时直接断开。可重复调用。
func (s *imapSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = runWithTimeout(context.Background(), s.client, "logout", orDefault(s.cfg.AuthTimeout, defaultTimeout), s.client.Logout)
		if s.closeErr != nil {
			_ = s.client.Terminate()
			s.logger.Debug("IMAP logout failed, connection terminated",
				zap.String("addr", s.cfg.Addr()),
				zap.Error(s.closeErr))
		}
	})
	return s.closeErr
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
