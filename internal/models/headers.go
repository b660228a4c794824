package models

import (
	"fmt"
	"net/http"
	"strings"
)

// HeaderConfig headers.yaml 配置文件结构
type HeaderConfig struct {
	// Headers 自定义HTTP头部 (键值对)
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
}

// CliHeaders 命令行传递的头部列表,每项格式为 "Name: Value"
type CliHeaders []string

// Parse 将字符串列表解析为 http.Header
func (ch CliHeaders) Parse() (http.Header, error) {
	result := make(http.Header)
	for i, s := range ch {
		name, value, err := parseHeaderString(s)
		if err != nil {
			return nil, fmt.Errorf("参数 --header 第%d项格式错误: %w", i+1, err)
		}
		result.Set(name, value)
	}
	return result, nil
}

// parseHeaderString 解析单个头部字符串 "Name: Value"
func parseHeaderString(s string) (name, value string, err error) {
	name, value, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", fmt.Errorf("缺少冒号分隔符,应为 'Name: Value'")
	}

	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)

	if name == "" {
		return "", "", fmt.Errorf("头部名称不能为空")
	}

	return name, value, nil
}

// HeaderProvider HTTP头部提供者
// 抓取器在每次请求前调用 GetHeaders 获取已合并的头部 (默认 < 配置 < 命令行)
type HeaderProvider interface {
	GetHeaders() (http.Header, error)
}

// StaticHeaders 固定头部,主要用于测试和库调用
type StaticHeaders http.Header

// GetHeaders 实现 HeaderProvider 接口
func (h StaticHeaders) GetHeaders() (http.Header, error) {
	return http.Header(h).Clone(), nil
}
