package core

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/RecoveryAshes/rulecrawl/internal/models"
	"github.com/RecoveryAshes/rulecrawl/internal/utils"
)

// progressRefresh 进度条刷新间隔
const progressRefresh = 200 * time.Millisecond

// monitor 周期性输出各任务类型的状态,直到ctx取消
// status_interval<=0 时不输出状态行
func (e *Engine) monitor(ctx context.Context, config models.CrawlConfig) {
	var statusC <-chan time.Time
	if delay := config.StatusDelay(); delay > 0 {
		ticker := time.NewTicker(delay)
		defer ticker.Stop()
		statusC = ticker.C
	}

	var progressC <-chan time.Time
	if config.Progress {
		bar := utils.NewProgressBar(os.Stderr, -1, "爬取中")
		defer bar.Finish()
		ticker := time.NewTicker(progressRefresh)
		defer ticker.Stop()
		progressC = ticker.C

		update := func() {
			total := e.totals()
			if total.Queued > 0 {
				bar.ChangeMax64(total.Queued)
			}
			_ = bar.Set64(total.Completed + total.Failed)
		}
		defer update()

		for {
			select {
			case <-ctx.Done():
				return
			case <-statusC:
				e.logStatus("状态")
			case <-progressC:
				update()
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-statusC:
			e.logStatus("状态")
		}
	}
}

// totals 所有任务类型的统计之和
func (e *Engine) totals() models.KindStats {
	stats := models.RunStats{Kinds: e.Stats()}
	return stats.Total()
}

// logStatus 输出一行状态: 每种任务类型的 入队/完成,以及资源快照
func (e *Engine) logStatus(label string) {
	utils.Infof("%s: %s | %s", label, e.StatusLine(), e.resourceMonitor.Sample())
}

// StatusLine 按任务类型格式化的状态文本
func (e *Engine) StatusLine() string {
	parts := make([]string, 0, len(models.TaskKinds))
	for _, kind := range models.TaskKinds {
		s := e.counters(kind).snapshot()
		part := fmt.Sprintf("%s 入队 %d 完成 %d", kind, s.Queued, s.Completed)
		if s.Failed > 0 {
			part += fmt.Sprintf(" 失败 %d", s.Failed)
		}
		parts = append(parts, part)
	}
	line := strings.Join(parts, ", ")
	if q := e.currentQueue(); q != nil {
		line += fmt.Sprintf(" (进行中 %d, 待处理 %d)", q.InflightCount(), q.PendingCount())
	}
	return line
}
