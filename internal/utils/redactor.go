package utils

import (
	"net/http"
	"sort"
	"strings"
)

var (
	// SensitiveKeywords 敏感名称关键字,同时用于HTTP头部和登录表单字段
	SensitiveKeywords = []string{
		"authorization",
		"cookie",
		"token",
		"key",
		"secret",
		"passw",
		"pwd",
		"credential",
	}
)

// Redactor 脱敏器
// 负责识别并脱敏敏感HTTP头部和表单字段,输出仅用于日志
type Redactor struct {
	sensitiveKeywords []string
}

// NewRedactor 创建脱敏器
func NewRedactor() *Redactor {
	return &Redactor{sensitiveKeywords: SensitiveKeywords}
}

// IsSensitive 根据名称关键字判断是否为敏感字段
func (r *Redactor) IsSensitive(name string) bool {
	nameLower := strings.ToLower(name)
	for _, keyword := range r.sensitiveKeywords {
		if strings.Contains(nameLower, keyword) {
			return true
		}
	}
	return false
}

// RedactValue 脱敏单个值
func (r *Redactor) RedactValue(name, value string) string {
	if !r.IsSensitive(name) {
		return value
	}

	// Bearer Token 仅显示前缀
	if strings.HasPrefix(value, "Bearer ") {
		return "Bearer ***"
	}

	// 足够长的密钥显示前4位+后4位
	if len(value) > 12 {
		return value[:4] + "***" + value[len(value)-4:]
	}

	return "***"
}

// RedactHeaders 脱敏整个http.Header,返回安全的字符串map
func (r *Redactor) RedactHeaders(headers http.Header) map[string]string {
	result := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		result[name] = r.RedactValue(name, values[0])
	}
	return result
}

// RedactForm 脱敏登录表单
func (r *Redactor) RedactForm(form map[string]string) map[string]string {
	result := make(map[string]string, len(form))
	for name, value := range form {
		result[name] = r.RedactValue(name, value)
	}
	return result
}

// ToString 将脱敏后的map格式化为稳定排序的字符串
// 格式: "Name1: value1, Name2: value2"
func ToString(redacted map[string]string) string {
	names := make([]string, 0, len(redacted))
	for name := range redacted {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+redacted[name])
	}
	return strings.Join(parts, ", ")
}
