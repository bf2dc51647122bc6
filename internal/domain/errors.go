package domain

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionError 建立邮箱会话失败（认证被拒、网络不可达等）
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError 某个网络阶段超过期限
type TimeoutError struct {
	Stage string // connect, auth, search, fetch
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Stage, e.After)
}

// SearchError 搜索邮件失败
type SearchError struct {
	Err error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search mailbox: %v", e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

// ParseError 单封邮件无法解析
type ParseError struct {
	UID uint32
	Err error
}

func (e *ParseError) Error() string {
	if e.UID == 0 {
		return fmt.Sprintf("parse message: %v", e.Err)
	}
	return fmt.Sprintf("parse message %d: %v", e.UID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError 写入销售记录失败
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist sale: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsFatal 判断错误是否中止整次同步
//
// 连接、超时、搜索错误中止同步；解析和写入错误只影响单封邮件。
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var (
		connErr    *ConnectionError
		timeoutErr *TimeoutError
		searchErr  *SearchError
	)
	return errors.As(err, &connErr) || errors.As(err, &timeoutErr) || errors.As(err, &searchErr)
}
