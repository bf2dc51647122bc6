package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail  = errors.New("invalid email format")
	ErrEmailTooLong  = errors.New("email address too long")
	ErrInvalidUserID = errors.New("invalid user id")
)

// RFC 5322 邮箱地址长度限制
const (
	MaxEmailLength     = 254 // 整个邮箱地址最大长度
	MaxLocalPartLength = 64  // 本地部分最大长度(@前面)
	MaxDomainLength    = 253 // 域名最大长度
)

var (
	// 域名验证（支持子域名，至少两级）
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)

	// 用户 ID：认证服务签发的 UUID 或类似的短标识
	userIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)
)

// ValidateAccountEmail 验证邮箱登录地址
//
// 只接受裸地址（不带显示名），本地部分交给 net/mail 校验，域名必须是合法主机名。
func ValidateAccountEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrInvalidEmail
	}
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return ErrInvalidEmail
	}

	at := strings.LastIndex(email, "@")
	localPart, domain := email[:at], email[at+1:]
	if len(localPart) > MaxLocalPartLength || len(domain) > MaxDomainLength {
		return ErrEmailTooLong
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateUserID 验证用户 ID，用户 ID 会出现在锁键、账本键和 SMTP 收件地址中
func ValidateUserID(userID string) error {
	if !userIDRegex.MatchString(userID) {
		return ErrInvalidUserID
	}
	return nil
}
