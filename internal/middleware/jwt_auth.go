package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"onlycat/backend/internal/auth/jwt"
)

// JWTAuth JWT认证中间件
//
// jwtManager 为 nil 时处于开发模式：不校验令牌，也不设置 userID。
type JWTAuth struct {
	jwtManager *jwt.Manager
	log        *zap.Logger
}

// NewJWTAuth 创建JWT认证中间件
func NewJWTAuth(jwtManager *jwt.Manager, log *zap.Logger) *JWTAuth {
	return &JWTAuth{
		jwtManager: jwtManager,
		log:        log,
	}
}

// Enabled 是否启用令牌校验
func (ja *JWTAuth) Enabled() bool {
	return ja.jwtManager != nil
}

// RequireAuth 要求JWT认证
func (ja *JWTAuth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ja.Enabled() {
			c.Next()
			return
		}

		token := ExtractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "authentication required",
			})
			return
		}

		claims, err := ja.jwtManager.ValidateToken(token)
		if err != nil {
			ja.log.Warn("invalid token",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "invalid or expired token",
			})
			return
		}

		// 将用户信息存储到上下文
		c.Set("userID", claims.UserID())
		c.Set("email", claims.Email)
		c.Set("authenticated", true)

		c.Next()
	}
}

// ExtractToken 从请求中提取JWT token
//
// 依次尝试 Authorization 头和 access_token 查询参数（浏览器 WebSocket 无法设置请求头）。
func ExtractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	return c.Query("access_token")
}
