package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusQueued  TaskStatus = "queued"  // 已入队
	TaskStatusRunning TaskStatus = "running" // 执行中
	TaskStatusDone    TaskStatus = "done"    // 已完成
	TaskStatusFailed  TaskStatus = "failed"  // 失败
)

// TaskKind 任务类型
type TaskKind string

const (
	KindPage     TaskKind = "page"     // 页面任务
	KindDownload TaskKind = "download" // 下载任务
)

// TaskKinds 所有任务类型(用于状态输出的稳定顺序)
var TaskKinds = []TaskKind{KindPage, KindDownload}

// TaskID 生成用于去重的任务标识
func TaskID(kind TaskKind, targetURL string) string {
	return string(kind) + ":" + targetURL
}

// Fetcher 类型
const (
	FetcherStatic  = "static"  // Colly/HTTP抓取
	FetcherBrowser = "browser" // 无头浏览器渲染
)

// CrawlConfig 爬取配置
type CrawlConfig struct {
	WorkerCount     int     `json:"worker_count" mapstructure:"worker_count"`         // 并发worker数量 (默认:4)
	RequestInterval float64 `json:"request_interval" mapstructure:"request_interval"` // 每次实际请求后的等待时间(秒)
	StatusInterval  float64 `json:"status_interval" mapstructure:"status_interval"`   // 状态输出间隔(秒)
	PageCacheDir    string  `json:"page_cache_dir" mapstructure:"page_cache_dir"`     // 页面缓存目录(空表示不缓存)
	DownloadCache   bool    `json:"download_cache" mapstructure:"download_cache"`     // 目标文件已存在时跳过下载
	Fetcher         string  `json:"fetcher" mapstructure:"fetcher"`                   // 抓取方式 (static|browser)
	Timeout         int     `json:"timeout" mapstructure:"timeout"`                   // 单次请求超时(秒)
	Headless        bool    `json:"headless" mapstructure:"headless"`                 // 无头模式 (fetcher=browser)
	Progress        bool    `json:"progress" mapstructure:"progress"`                 // 显示进度条
}

// DefaultCrawlConfig 默认爬取配置
func DefaultCrawlConfig() CrawlConfig {
	return CrawlConfig{
		WorkerCount:     4,
		RequestInterval: 0.5,
		StatusInterval:  5,
		DownloadCache:   true,
		Fetcher:         FetcherStatic,
		Timeout:         30,
		Headless:        true,
	}
}

// Validate 验证配置
func (c *CrawlConfig) Validate() error {
	if c.WorkerCount < 1 || c.WorkerCount > 256 {
		return fmt.Errorf("worker数量必须在1-256之间")
	}
	if c.RequestInterval < 0 {
		return fmt.Errorf("请求间隔不能为负数")
	}
	if c.StatusInterval < 0 {
		return fmt.Errorf("状态输出间隔不能为负数")
	}
	if c.Timeout < 0 || c.Timeout > 600 {
		return fmt.Errorf("请求超时必须在0-600秒之间")
	}
	switch c.Fetcher {
	case "", FetcherStatic, FetcherBrowser:
	default:
		return fmt.Errorf("无效的抓取方式: %s (有效值: static, browser)", c.Fetcher)
	}
	return nil
}

// RequestDelay 请求间隔
func (c *CrawlConfig) RequestDelay() time.Duration {
	return time.Duration(c.RequestInterval * float64(time.Second))
}

// StatusDelay 状态输出间隔
func (c *CrawlConfig) StatusDelay() time.Duration {
	return time.Duration(c.StatusInterval * float64(time.Second))
}

// KindStats 单个任务类型的统计
type KindStats struct {
	Queued    int64 `json:"queued"`     // 入队数
	Completed int64 `json:"completed"`  // 完成数
	Failed    int64 `json:"failed"`     // 失败数
	Skipped   int64 `json:"skipped"`    // 因去重被跳过的提交数
	CacheHits int64 `json:"cache_hits"` // 缓存命中数
}

// Outstanding 尚未结束的任务数
func (s KindStats) Outstanding() int64 {
	return s.Queued - s.Completed - s.Failed
}

// RunStats 一次爬取运行的统计
type RunStats struct {
	RunID     string                 `json:"run_id"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   time.Time              `json:"ended_at"`
	Duration  float64                `json:"duration"` // 秒
	Kinds     map[TaskKind]KindStats `json:"kinds"`
	Cancelled bool                   `json:"cancelled"`
	Failures  []FailedTask           `json:"failures,omitempty"`
}

// FailedTask 执行失败的任务
type FailedTask struct {
	Kind  TaskKind `json:"kind"`
	URL   string   `json:"url"`
	Level int      `json:"level,omitempty"`
	Error string   `json:"error"`
}

// Total 所有类型的统计之和
func (s *RunStats) Total() KindStats {
	var total KindStats
	for _, k := range s.Kinds {
		total.Queued += k.Queued
		total.Completed += k.Completed
		total.Failed += k.Failed
		total.Skipped += k.Skipped
		total.CacheHits += k.CacheHits
	}
	return total
}

// ToJSON 序列化为JSON
func (s *RunStats) ToJSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// FromJSON 从JSON反序列化
func (s *RunStats) FromJSON(data []byte) error {
	return json.Unmarshal(data, s)
}
