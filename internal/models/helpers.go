package models

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// ValidateURL 验证URL
func ValidateURL(urlStr string) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("无效的URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL必须是HTTP或HTTPS协议")
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL必须包含主机名")
	}
	return nil
}

// ResolveURL 以页面URL为基准解析相对地址
// base为空或无法解析时原样返回ref
func ResolveURL(base, ref string) (string, error) {
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("无效的URL %q: %w", ref, err)
	}
	if base == "" || refURL.IsAbs() {
		return refURL.String(), nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return refURL.String(), nil
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

// GenerateID 生成唯一ID
func GenerateID() string {
	return uuid.New().String()
}
