// Package extract 从邮件文本中识别销售金额和收款平台。
package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"onlycat/backend/internal/domain"
)

// MaxDescriptionLength 描述字段的最大字符数
const MaxDescriptionLength = 200

// AmountFamily 金额规则族
type AmountFamily string

const (
	FamilyReal   AmountFamily = "brl_prefix"    // R$ 49,90
	FamilyDollar AmountFamily = "dollar_prefix" // $ 49.90
	FamilyReais  AmountFamily = "reais_suffix"  // 49,90 reais
	FamilyValor  AmountFamily = "valor_label"   // valor ... 49,90
)

// amountRule 是一条 (pattern, parse) 规则
type amountRule struct {
	family  AmountFamily
	pattern *regexp.Regexp
	parse   func(match string) (decimal.Decimal, bool)
}

// amountRules 按优先级排列，第一条有匹配的规则决定金额。
// 输入已转为小写，所以 "R$" 写作 "r$"。
var amountRules = []amountRule{
	{family: FamilyReal, pattern: regexp.MustCompile(`r\$\s*\d+(?:[.,]\d{2})?`), parse: parseAmount},
	{family: FamilyDollar, pattern: regexp.MustCompile(`\$\s*\d+(?:[.,]\d{2})?`), parse: parseAmount},
	{family: FamilyReais, pattern: regexp.MustCompile(`\d+[.,]\d{2}\s*reais`), parse: parseAmount},
	{family: FamilyValor, pattern: regexp.MustCompile(`(?s)valor.*?\d+[.,]\d{2}`), parse: parseAmount},
}

var amountNoise = regexp.MustCompile(`[^0-9,.]`)

// parseAmount 去掉数字、逗号、点以外的字符，逗号换成点后解析
func parseAmount(match string) (decimal.Decimal, bool) {
	cleaned := amountNoise.ReplaceAllString(match, "")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	return amount, true
}

// platformRule 平台关键词，顺序即优先级
type platformRule struct {
	keyword  string
	platform domain.Platform
}

var platformRules = []platformRule{
	{"privacy", domain.PlatformPrivacy},
	{"pix", domain.PlatformPIX},
	{"paypal", domain.PlatformPayPal},
	{"stripe", domain.PlatformStripe},
	{"mercadopago", domain.PlatformMercadoPago},
}

// DetectAmount 在已转小写的文本中查找金额
//
// 规则按顺序求值，第一条产生匹配的规则取其第一个匹配，后续规则不再尝试。
// 返回的 ok 为 false 表示没有规则匹配或匹配片段无法解析。
func DetectAmount(text string) (decimal.Decimal, AmountFamily, bool) {
	for _, rule := range amountRules {
		match := rule.pattern.FindString(text)
		if match == "" {
			continue
		}
		amount, ok := rule.parse(match)
		return amount, rule.family, ok
	}
	return decimal.Zero, "", false
}

// DetectPlatform 在已转小写的文本中识别平台
func DetectPlatform(text string) domain.Platform {
	for _, rule := range platformRules {
		if strings.Contains(text, rule.keyword) {
			return rule.platform
		}
	}
	return domain.PlatformUnknown
}

// Extractor 从邮件中提取候选销售记录
type Extractor struct {
	now func() time.Time
}

// Option 配置 Extractor
type Option func(*Extractor)

// WithClock 替换时钟，用于测试
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// New 创建 Extractor
func New(opts ...Option) *Extractor {
	e := &Extractor{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract 返回候选销售记录；ok 为 false 表示邮件不是销售通知。
func (e *Extractor) Extract(msg *domain.RawMessage) (domain.CandidateSale, bool) {
	if msg == nil {
		return domain.CandidateSale{}, false
	}

	combined := strings.ToLower(strings.Join([]string{msg.Subject, msg.Text, msg.HTML}, " "))

	amount, _, ok := DetectAmount(combined)
	if !ok || amount.IsZero() {
		return domain.CandidateSale{}, false
	}

	saleDate := msg.Date
	if saleDate.IsZero() {
		saleDate = e.now()
	}

	return domain.CandidateSale{
		Amount:       amount,
		Platform:     DetectPlatform(combined),
		Description:  Truncate(msg.Subject, MaxDescriptionLength),
		EmailSubject: msg.Subject,
		SaleDate:     saleDate,
	}, true
}

// Truncate 按字符（rune）截断
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
