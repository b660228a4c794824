package models

import (
	"errors"
	"fmt"
)

// ErrQueueClosed 队列已关闭
var ErrQueueClosed = errors.New("任务队列已关闭")

// MissingKeyError 上下文中引用了未设置的键
// 不做默认值替换,避免URL/路径被错误的字面量静默替换
type MissingKeyError struct {
	Key string
}

// Error 实现error接口
func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("上下文缺少键: %q", e.Key)
}

// MissingRuleError 页面级别没有注册规则
type MissingRuleError struct {
	Level int
}

// Error 实现error接口
func (e *MissingRuleError) Error() string {
	return fmt.Sprintf("级别 %d 没有注册页面规则", e.Level)
}

// ConfigError 配置文件错误
// 表示配置文件解析失败
type ConfigError struct {
	// FilePath 配置文件路径
	FilePath string

	// Cause 底层错误
	Cause error
}

// Error 实现error接口
func (e *ConfigError) Error() string {
	return fmt.Sprintf("配置文件错误 [%s]: %v", e.FilePath, e.Cause)
}

// Unwrap 支持errors.Unwrap
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ValidationError 头部验证错误
type ValidationError struct {
	// HeaderName 头部名称
	HeaderName string

	// Reason 错误原因
	Reason string

	// Suggestion 修复建议 (可选)
	Suggestion string
}

// Error 实现error接口
func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("头部验证失败 [%s]: %s", e.HeaderName, e.Reason)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (建议: %s)", e.Suggestion)
	}
	return msg
}

// IsMissingKey 判断是否为缺少键错误
func IsMissingKey(err error) bool {
	var mk *MissingKeyError
	return errors.As(err, &mk)
}
