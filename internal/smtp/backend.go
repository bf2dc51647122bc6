// Package smtp 接收用户转发的收款通知邮件，并送入与 IMAP 同步相同的提取和写入流程。
package smtp

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"onlycat/backend/internal/domain"
	"onlycat/backend/internal/mailbox"
)

// ingestTimeout 单封邮件写入的期限
const ingestTimeout = 30 * time.Second

// Ingester 处理一封已解析的邮件，*service.SyncService 实现了它
type Ingester interface {
	IngestMessage(ctx context.Context, userID string, msg *domain.RawMessage) (*domain.Sale, error)
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收发往 <userID>@<domain> 的邮件，其余地址一律以 550 拒绝，不做中继。
type Backend struct {
	ingester        Ingester
	domain          string
	maxMessageBytes int64
	limiter         *ConnectionLimiter
	log             *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(ingester Ingester, domain string, maxMessageBytes int64, limiter *ConnectionLimiter, log *zap.Logger) *Backend {
	if maxMessageBytes <= 0 {
		maxMessageBytes = 10 << 20
	}
	return &Backend{
		ingester:        ingester,
		domain:          strings.ToLower(domain),
		maxMessageBytes: maxMessageBytes,
		limiter:         limiter,
		log:             log,
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}
	return &session{backend: b}, nil
}

type session struct {
	backend     *Backend
	fromAddress string
	userIDs     []string
	releaseOnce sync.Once
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.fromAddress = normalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令，只接受本域名下格式合法的用户地址
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	userID, err := s.backend.resolveRecipient(to)
	if err != nil {
		return err
	}
	for _, existing := range s.userIDs {
		if existing == userID {
			return nil
		}
	}
	s.userIDs = append(s.userIDs, userID)
	return nil
}

func (b *Backend) resolveRecipient(to string) (string, error) {
	addr := strings.Trim(strings.TrimSpace(to), "<>")
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "", &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	local, recipientDomain := addr[:at], addr[at+1:]
	if !strings.EqualFold(recipientDomain, b.domain) {
		return "", &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied",
		}
	}
	// 收件地址本地部分即用户 ID
	if domain.ValidateUserID(local) != nil {
		return "", &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient not found",
		}
	}
	return local, nil
}

// Data 解析邮件并为每个收件用户执行提取和写入
func (s *session) Data(r io.Reader) error {
	if len(s.userIDs) == 0 {
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "no valid recipients",
		}
	}

	raw, err := io.ReadAll(io.LimitReader(r, s.backend.maxMessageBytes+1))
	if err != nil {
		return err
	}
	if int64(len(raw)) > s.backend.maxMessageBytes {
		return &gosmtp.SMTPError{
			Code:         552,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      "message too large",
		}
	}

	msg, err := mailbox.ParseMessage(raw)
	if err != nil {
		s.backend.log.Warn("rejected unparsable forwarded message",
			zap.String("from", s.fromAddress),
			zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "message could not be parsed",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	var failed error
	for _, userID := range s.userIDs {
		sale, err := s.backend.ingester.IngestMessage(ctx, userID, msg)
		if err != nil {
			s.backend.log.Error("failed to ingest forwarded message",
				zap.String("user_id", userID),
				zap.String("subject", msg.Subject),
				zap.Error(err))
			failed = errors.Join(failed, err)
			continue
		}
		if sale != nil {
			s.backend.log.Info("sale ingested from forwarded message",
				zap.String("user_id", userID),
				zap.String("sale_id", sale.ID),
				zap.String("platform", string(sale.Platform)))
		}
	}

	if failed != nil {
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary failure storing message",
		}
	}
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.userIDs = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	s.releaseOnce.Do(func() {
		if s.backend.limiter != nil {
			s.backend.limiter.Release()
		}
	})
	return nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}
