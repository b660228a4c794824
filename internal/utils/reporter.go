package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/RecoveryAshes/rulecrawl/internal/models"
	"github.com/schollz/progressbar/v3"
)

const (
	// ReportFileName 运行报告文件名
	ReportFileName = "crawl_report.json"
	// FailedFileName 失败任务列表文件名
	FailedFileName = "failed_tasks.json"
)

// CrawlReport 运行报告
type CrawlReport struct {
	Stats  models.RunStats    `json:"stats"`
	Total  models.KindStats   `json:"total"`
	Seeds  []string           `json:"seeds"`
	Levels []int              `json:"levels"`
	Config models.CrawlConfig `json:"config"`
}

// Reporter 报告生成器
type Reporter struct {
	outputDir string
}

// NewReporter 创建报告生成器
func NewReporter(outputDir string) *Reporter {
	return &Reporter{outputDir: outputDir}
}

// GenerateReport 生成运行报告,返回报告目录
// 报告写入 <outputDir>/<run_id>/
func (r *Reporter) GenerateReport(report CrawlReport) (string, error) {
	reportsDir := filepath.Join(r.outputDir, report.Stats.RunID)
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}

	report.Total = report.Stats.Total()
	if report.Levels != nil {
		sort.Ints(report.Levels)
	}

	// 保存主报告
	if err := r.saveJSONReport(reportsDir, ReportFileName, report); err != nil {
		return "", err
	}

	// 保存失败任务列表
	failures := report.Stats.Failures
	if failures == nil {
		failures = []models.FailedTask{}
	}
	if err := r.saveJSONReport(reportsDir, FailedFileName, failures); err != nil {
		return "", err
	}

	Infof("✅ 报告已生成: %s", reportsDir)
	return reportsDir, nil
}

// saveJSONReport 保存JSON报告
func (r *Reporter) saveJSONReport(dir string, filename string, data interface{}) error {
	filepath := filepath.Join(dir, filename)

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}

	if err := os.WriteFile(filepath, jsonData, 0644); err != nil {
		return fmt.Errorf("写入报告文件失败: %w", err)
	}

	Debugf("保存报告: %s", filepath)
	return nil
}

// PrintSummary 输出运行摘要(按任务类型)
func PrintSummary(stats models.RunStats) {
	Infof("运行ID: %s", stats.RunID)
	for _, kind := range models.TaskKinds {
		k := stats.Kinds[kind]
		Infof("%s: 入队 %d, 完成 %d, 失败 %d, 去重跳过 %d, 缓存命中 %d",
			kind, k.Queued, k.Completed, k.Failed, k.Skipped, k.CacheHits)
	}
	Infof("总耗时: %.2f秒", stats.Duration)
	if stats.Cancelled {
		Warn("运行被取消,部分任务未执行")
	}
}

// NewProgressBar 创建进度条
// max为-1时显示为不定长的旋转指示
func NewProgressBar(w io.Writer, max int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
