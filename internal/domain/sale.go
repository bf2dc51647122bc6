package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Platform 表示收款平台
type Platform string

const (
	PlatformPrivacy     Platform = "Privacy"
	PlatformPIX         Platform = "PIX"
	PlatformPayPal      Platform = "PayPal"
	PlatformStripe      Platform = "Stripe"
	PlatformMercadoPago Platform = "MercadoPago"
	PlatformUnknown     Platform = "unknown"
)

// SourceEmailAutomation 是邮件同步写入的销售记录来源标记
const SourceEmailAutomation = "email_automation"

// CandidateSale 是从单封邮件中提取出的候选销售记录，创建后不再修改。
type CandidateSale struct {
	Amount       decimal.Decimal `json:"amount"`
	Platform     Platform        `json:"platform"`
	Description  string          `json:"description"`
	EmailSubject string          `json:"emailSubject"`
	SaleDate     time.Time       `json:"saleDate"`
}

// Sale 是持久化的销售记录（sales 表）。
type Sale struct {
	ID           string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID       string          `json:"userId" gorm:"type:varchar(64);index:idx_sales_user_date,priority:1;not null"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:decimal(12,2);not null"`
	Platform     Platform        `json:"platform" gorm:"type:varchar(32);index;not null"`
	Description  string          `json:"description" gorm:"type:varchar(255)"`
	EmailSubject string          `json:"emailSubject" gorm:"type:text"`
	SaleDate     time.Time       `json:"saleDate" gorm:"index:idx_sales_user_date,priority:2"`
	Source       string          `json:"source" gorm:"type:varchar(32);not null"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// TableName 指定 gorm 表名
func (Sale) TableName() string {
	return "sales"
}

// NewSale 由候选记录构造待写入的销售记录
func NewSale(id, userID string, c CandidateSale, now time.Time) *Sale {
	return &Sale{
		ID:           id,
		UserID:       userID,
		Amount:       c.Amount,
		Platform:     c.Platform,
		Description:  c.Description,
		EmailSubject: c.EmailSubject,
		SaleDate:     c.SaleDate,
		Source:       SourceEmailAutomation,
		CreatedAt:    now,
	}
}

// SaleFilter 销售记录查询条件
type SaleFilter struct {
	UserID   string
	Platform Platform
	Since    time.Time
	Limit    int
	Offset   int
}

// PlatformTotal 单个平台的汇总
type PlatformTotal struct {
	Platform Platform        `json:"platform"`
	Count    int64           `json:"count"`
	Total    decimal.Decimal `json:"total"`
}

// SalesSummary 用户销售汇总
type SalesSummary struct {
	UserID    string          `json:"userId"`
	Since     time.Time       `json:"since"`
	Count     int64           `json:"count"`
	Total     decimal.Decimal `json:"total"`
	Platforms []PlatformTotal `json:"platforms"`
}

// SyncResult 是一次同步的汇总结果
type SyncResult struct {
	Sales   []Sale        `json:"sales"`
	Scanned int           `json:"scanned"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
	Elapsed time.Duration `json:"-"`
}

// SalesFound 返回本次写入的销售数量
func (r *SyncResult) SalesFound() int {
	return len(r.Sales)
}
