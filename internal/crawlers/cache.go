package crawlers

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// PageCacheExt 页面缓存文件扩展名
	PageCacheExt = ".html"

	// maxCacheNameLen 转义后文件名超过此长度时改用哈希
	maxCacheNameLen = 200

	// slashMarker 替换URL中的路径分隔符
	slashMarker = "!"
)

// EscapeCacheName 将URL转为可作为文件名的缓存键
// 保留字符做百分号编码, "/" 替换为 "!"
func EscapeCacheName(rawURL string) string {
	// QueryEscape 只保留字母数字与 -_.~ , "!" 本身也被编码,替换后不会混淆
	escaped := url.QueryEscape(rawURL)
	escaped = strings.ReplaceAll(escaped, "%2F", slashMarker)
	if len(escaped) > maxCacheNameLen {
		return calculateHash([]byte(rawURL))
	}
	return escaped
}

// PageCache 页面正文缓存
// 按 级别+URL 存放于 dir/<level>/<escaped>.html,只写入不失效
type PageCache struct {
	dir string
}

// NewPageCache 创建页面缓存,dir为空时返回nil(不缓存)
func NewPageCache(dir string) *PageCache {
	if dir == "" {
		return nil
	}
	return &PageCache{dir: dir}
}

// Dir 缓存目录
func (c *PageCache) Dir() string {
	return c.dir
}

// Path 返回缓存文件路径
func (c *PageCache) Path(level int, pageURL string) string {
	return filepath.Join(c.dir, strconv.Itoa(level), EscapeCacheName(pageURL)+PageCacheExt)
}

// Load 读取缓存,未命中时返回 ok=false
func (c *PageCache) Load(level int, pageURL string) (string, bool, error) {
	data, err := os.ReadFile(c.Path(level, pageURL))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("读取页面缓存失败: %w", err)
	}
	return string(data), true, nil
}

// Store 写入缓存(已存在时保留原文件)
func (c *PageCache) Store(level int, pageURL, text string) error {
	return writeAtomic(c.Path(level, pageURL), strings.NewReader(text), false)
}

// DownloadCache 下载缓存: 目标路径已存在则跳过下载
type DownloadCache struct {
	enabled bool
}

// NewDownloadCache 创建下载缓存
func NewDownloadCache(enabled bool) *DownloadCache {
	return &DownloadCache{enabled: enabled}
}

// Enabled 是否启用
func (c *DownloadCache) Enabled() bool {
	return c != nil && c.enabled
}

// Hit 目标文件是否已存在
func (c *DownloadCache) Hit(path string) bool {
	if !c.Enabled() {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// EnsureDir 创建目录,并发创建同一目录时"已存在"视为成功
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("创建目录失败 [%s]: %w", dir, err)
	}
	return nil
}

// writeAtomic 先写入临时文件,再放到目标位置,中断的写入不会留下半截文件
// overwrite 为false时以硬链接方式放置,目标已存在则保留原文件
func writeAtomic(path string, r io.Reader, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}

	if overwrite {
		if err := os.Rename(tmpName, path); err != nil {
			return fmt.Errorf("保存文件失败 [%s]: %w", path, err)
		}
		return nil
	}

	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		// 不支持硬链接的文件系统退回到重命名
		if err := os.Rename(tmpName, path); err != nil {
			return fmt.Errorf("保存文件失败 [%s]: %w", path, err)
		}
	}
	return nil
}

// calculateHash 计算SHA-256哈希
func calculateHash(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}
