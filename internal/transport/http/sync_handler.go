package httptransport

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"onlycat/backend/internal/config"
	"onlycat/backend/internal/domain"
	"onlycat/backend/internal/middleware"
	"onlycat/backend/internal/service"
)

// Syncer 执行一次邮箱同步，*service.SyncService 实现了它
type Syncer interface {
	Sync(ctx context.Context, req service.SyncRequest) (*domain.SyncResult, error)
}

// SyncRequest 同步请求体
type SyncRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Provider string `json:"provider"`
	UserID   string `json:"userId"`
}

// SyncResponse 同步成功响应
type SyncResponse struct {
	Success    bool          `json:"success"`
	SalesFound int           `json:"salesFound"`
	Sales      []domain.Sale `json:"sales"`
	Scanned    int           `json:"scanned"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
}

// SyncHandler 处理邮箱同步请求
type SyncHandler struct {
	syncer    Syncer
	providers *config.ProviderTable
	imap      config.IMAPConfig
	limiter   *middleware.KeyedRateLimiter
	log       *zap.Logger
}

// NewSyncHandler 创建同步处理器
func NewSyncHandler(syncer Syncer, providers *config.ProviderTable, imap config.IMAPConfig, limiter *middleware.KeyedRateLimiter, log *zap.Logger) *SyncHandler {
	return &SyncHandler{
		syncer:    syncer,
		providers: providers,
		imap:      imap,
		limiter:   limiter,
		log:       log,
	}
}

// Sync 处理 POST /api/email/sync
func (h *SyncHandler) Sync(c *gin.Context) {
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	req.Provider = strings.TrimSpace(req.Provider)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.Email == "" || req.Password == "" || req.Provider == "" || req.UserID == "" {
		BadRequest(c, MsgMissingFields)
		return
	}

	if domain.ValidateAccountEmail(req.Email) != nil {
		BadRequest(c, MsgInvalidEmail)
		return
	}
	if domain.ValidateUserID(req.UserID) != nil {
		BadRequest(c, MsgInvalidUserID)
		return
	}

	// 启用认证时，令牌用户必须与请求中的 userId 一致
	if c.GetBool("authenticated") && c.GetString("userID") != req.UserID {
		Forbidden(c, MsgUserMismatch)
		return
	}

	provider, ok := h.providers.Lookup(req.Provider)
	if !ok {
		BadRequest(c, MsgUnknownProvider)
		return
	}

	if !h.limiter.Allow(req.UserID) {
		Fail(c, http.StatusTooManyRequests, MsgRateLimited)
		return
	}

	account := domain.MailAccountConfig{
		Provider:        provider.Name,
		Host:            provider.Host,
		Port:            provider.Port,
		TLS:             provider.TLS,
		Username:        req.Email,
		Password:        req.Password,
		AuthTimeout:     h.imap.AuthTimeout,
		ConnTimeout:     h.imap.ConnTimeout,
		ConnectDeadline: h.imap.ConnectDeadline,
		SearchTimeout:   h.imap.SearchTimeout,
		FetchTimeout:    h.imap.FetchTimeout,
	}

	result, err := h.syncer.Sync(c.Request.Context(), service.SyncRequest{
		UserID:  req.UserID,
		Account: account,
	})
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("email sync request failed",
				zap.String("user_id", req.UserID),
				zap.String("provider", provider.Name),
				zap.Error(err))
		}
		Fail(c, status, err.Error())
		return
	}

	c.JSON(http.StatusOK, SyncResponse{
		Success:    true,
		SalesFound: result.SalesFound(),
		Sales:      result.Sales,
		Scanned:    result.Scanned,
		Skipped:    result.Skipped,
		Failed:     result.Failed,
	})
}
