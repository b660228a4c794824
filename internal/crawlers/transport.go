package crawlers

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/RecoveryAshes/rulecrawl/internal/utils"
	"github.com/andybalholm/brotli"
)

// Transport 页面获取与文件下载的抽象
// 引擎只依赖此接口,静态抓取与浏览器渲染可互换,测试中可替换为内存实现
type Transport interface {
	// Fetch 获取页面正文
	Fetch(ctx context.Context, pageURL string) (string, error)

	// Post 提交表单并返回响应正文,会话Cookie由实现保存
	Post(ctx context.Context, pageURL string, form map[string]string) (string, error)

	// Download 下载文件到 destPath,返回写入字节数
	// 目标文件只在下载完整后出现
	Download(ctx context.Context, fileURL, destPath string) (int64, error)

	// Close 释放资源
	Close() error
}

// decodeReader 根据Content-Encoding包装解压读取器
// 支持 gzip, deflate, br (Brotli) 三种压缩格式
func decodeReader(contentEncoding string, r io.Reader) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))

	switch encoding {
	case "gzip":
		reader, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip解压失败: %w", err)
		}
		return reader, nil
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	case "", "identity":
		return io.NopCloser(r), nil
	default:
		utils.Warnf("未知的Content-Encoding: %s", contentEncoding)
		return io.NopCloser(r), nil
	}
}

// DecompressBody 解压完整响应体
// 解压失败时返回原始内容(部分服务器声明了压缩但实际未压缩)
func DecompressBody(contentEncoding string, body []byte) []byte {
	reader, err := decodeReader(contentEncoding, bytes.NewReader(body))
	if err != nil {
		utils.Debugf("解压响应失败 (编码=%s): %v, 使用原始内容", contentEncoding, err)
		return body
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		utils.Debugf("读取解压内容失败 (编码=%s): %v, 使用原始内容", contentEncoding, err)
		return body
	}
	return decompressed
}
