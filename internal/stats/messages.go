package stats

import "fmt"

// Language is a supported display locale.
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Message keys.
const (
	KeyPrefix              = "prefix"
	KeyTokens              = "tokens"
	KeyCost                = "cost"
	KeyBalance             = "balance"
	KeyTime                = "time"
	KeySpeed               = "speed"
	KeyDegraded            = "degraded"
	KeyInsufficientBalance = "insufficient_balance"
	KeyAccountingFailed    = "accounting_failed"
)

var en = map[string]string{
	KeyPrefix:              "[usage]",
	KeyTokens:              "Tokens: %d + %d",
	KeyCost:                "Cost: %.4f",
	KeyBalance:             "Balance: %.4f",
	KeyTime:                "Time: %.2fs",
	KeySpeed:               "Speed: %.2f tokens/s",
	KeyDegraded:            "Usage accounting is unavailable for this credential; this exchange was not billed.",
	KeyInsufficientBalance: "Your balance %.4f is exhausted. Please contact the administrator.",
	KeyAccountingFailed:    "Usage accounting failed: %s",
}

var zh = map[string]string{
	KeyPrefix:              "[用量]",
	KeyTokens:              "输入`%d tokens`, 输出`%d tokens`",
	KeyCost:                "消耗`¥%.4f`",
	KeyBalance:             "余额`¥%.4f`",
	KeyTime:                "耗时`%.2fs`",
	KeySpeed:               "速度`%.2f tokens/s`",
	KeyDegraded:            "计费服务拒绝了当前密钥，本次对话未计费。",
	KeyInsufficientBalance: "您的余额 `%.4f` 已用尽，请联系管理员。",
	KeyAccountingFailed:    "计费失败：%s",
}

var catalogs = map[Language]map[string]string{
	LangEN: en,
	LangZH: zh,
}

// ParseLanguage maps a config value to a Language.
// Unrecognized values fall back to English.
func ParseLanguage(s string) Language {
	if _, ok := catalogs[Language(s)]; ok {
		return Language(s)
	}
	return LangEN
}

// Supported reports whether lang has its own catalog.
func Supported(lang string) bool {
	_, ok := catalogs[Language(lang)]
	return ok
}

// T returns the template for key in lang, falling back to English and then
// to the key itself.
func T(lang Language, key string) string {
	if v, ok := catalogs[lang][key]; ok {
		return v
	}
	if v, ok := en[key]; ok {
		return v
	}
	return key
}

// Tf returns a formatted localized string.
func Tf(lang Language, key string, args ...any) string {
	return fmt.Sprintf(T(lang, key), args...)
}
