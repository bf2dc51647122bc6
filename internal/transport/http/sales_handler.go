package httptransport

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"onlycat/backend/internal/config"
	"onlycat/backend/internal/domain"
)

// defaultSummaryDays 未指定 days 时的汇总窗口
const defaultSummaryDays = 30

// SalesQuerier 查询销售记录，*service.SalesService 实现了它
type SalesQuerier interface {
	List(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	Summary(ctx context.Context, userID string, days int) (*domain.SalesSummary, error)
}

// SalesHandler 处理销售记录查询
type SalesHandler struct {
	sales SalesQuerier
	log   *zap.Logger
}

// NewSalesHandler 创建销售查询处理器
func NewSalesHandler(sales SalesQuerier, log *zap.Logger) *SalesHandler {
	return &SalesHandler{sales: sales, log: log}
}

// callerID 返回当前用户：已认证时取令牌，开发模式取 userId 查询参数
func callerID(c *gin.Context) string {
	if c.GetBool("authenticated") {
		return c.GetString("userID")
	}
	return strings.TrimSpace(c.Query("userId"))
}

// List 处理 GET /v1/sales
func (h *SalesHandler) List(c *gin.Context) {
	userID := callerID(c)
	if userID == "" {
		BadRequest(c, MsgMissingUserID)
		return
	}

	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		BadRequest(c, MsgInvalidPagination)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		BadRequest(c, MsgInvalidPagination)
		return
	}

	sales, err := h.sales.List(c.Request.Context(), domain.SaleFilter{
		UserID:   userID,
		Platform: domain.Platform(c.Query("platform")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.log.Error("failed to list sales", zap.String("user_id", userID), zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, gin.H{"sales": sales, "count": len(sales)})
}

// Summary 处理 GET /v1/sales/summary
func (h *SalesHandler) Summary(c *gin.Context) {
	userID := callerID(c)
	if userID == "" {
		BadRequest(c, MsgMissingUserID)
		return
	}

	days, err := queryInt(c, "days", defaultSummaryDays)
	if err != nil {
		BadRequest(c, MsgInvalidDays)
		return
	}

	summary, err := h.sales.Summary(c.Request.Context(), userID, days)
	if err != nil {
		status := StatusFor(err)
		if status >= 500 {
			h.log.Error("failed to summarize sales", zap.String("user_id", userID), zap.Error(err))
			InternalError(c, MsgInternalError)
			return
		}
		Fail(c, status, MsgInvalidDays)
		return
	}

	Success(c, summary)
}

// ProvidersHandler 返回 GET /v1/providers 处理函数
func ProvidersHandler(providers *config.ProviderTable) gin.HandlerFunc {
	return func(c *gin.Context) {
		Success(c, providers.List())
	}
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
