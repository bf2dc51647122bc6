package domain

import (
	"fmt"
	"time"
)

// RawMessage 表示解析后的一封邮件，不持久化。
type RawMessage struct {
	UID       uint32
	MessageID string
	Subject   string
	From      string
	Text      string
	HTML      string
	Date      time.Time // 邮件没有 Date 头时为零值
}

// MailAccountConfig 是一次同步使用的邮箱连接参数。
type MailAccountConfig struct {
	Provider string
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string

	AuthTimeout     time.Duration
	ConnTimeout     time.Duration
	ConnectDeadline time.Duration
	SearchTimeout   time.Duration
	FetchTimeout    time.Duration
}

// Addr 返回 host:port
func (c MailAccountConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String 不输出密码
func (c MailAccountConfig) String() string {
	return fmt.Sprintf("%s(%s@%s)", c.Provider, c.Username, c.Addr())
}
