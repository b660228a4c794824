package core

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/RecoveryAshes/rulecrawl/internal/crawlers"
	"github.com/RecoveryAshes/rulecrawl/internal/models"
	"github.com/RecoveryAshes/rulecrawl/internal/rules"
	"github.com/RecoveryAshes/rulecrawl/internal/utils"
)

// Task 引擎调度的工作单元
type Task interface {
	crawlers.QueuedTask

	// Run 执行任务,live 表示是否发生了实际网络I/O(缓存命中为false)
	Run(ctx context.Context, e *Engine) (live bool, err error)

	// Status 当前状态
	Status() models.TaskStatus

	// Target 日志与失败记录中使用的目标
	Target() string

	setStatus(status models.TaskStatus)
}

// taskState 任务状态机: queued → running → done | failed
// 状态只由持有该任务的worker修改
type taskState struct {
	status models.TaskStatus
}

// Status 实现 Task 接口
func (s *taskState) Status() models.TaskStatus {
	return s.status
}

func (s *taskState) setStatus(status models.TaskStatus) {
	s.status = status
}

// PageTask 页面任务: 获取(或从缓存读取)页面,依次执行该级别的规则
type PageTask struct {
	taskState

	Level        int
	URL          string
	LastPageData models.Data
}

// NewPageTask 创建页面任务
func NewPageTask(level int, pageURL string, lastPageData models.Data) *PageTask {
	if lastPageData == nil {
		lastPageData = make(models.Data)
	}
	return &PageTask{
		taskState:    taskState{status: models.TaskStatusQueued},
		Level:        level,
		URL:          pageURL,
		LastPageData: lastPageData,
	}
}

// ID 实现 crawlers.QueuedTask 接口
func (t *PageTask) ID() string {
	return models.TaskID(models.KindPage, t.URL)
}

// Kind 实现 crawlers.QueuedTask 接口
func (t *PageTask) Kind() models.TaskKind {
	return models.KindPage
}

// Target 实现 Task 接口
func (t *PageTask) Target() string {
	return t.URL
}

// Run 实现 Task 接口
// 执行流程:
//  1. 查找级别规则(未注册时直接失败,不发起请求)
//  2. 获取页面正文(缓存命中时跳过网络请求)
//  3. 按顺序执行规则: 每条规则只抽取一次,得到有序条目
//  4. 为每个条目构建上下文,按顺序执行动作; 动作出错只中止该条目
func (t *PageTask) Run(ctx context.Context, e *Engine) (bool, error) {
	ruleList, err := e.rules.Get(t.Level)
	if err != nil {
		return false, err
	}

	text, live, err := e.loadPage(ctx, t.Level, t.URL)
	if err != nil {
		return live, err
	}

	page := models.NewPageData(t.URL, t.Level, t.LastPageData)
	for ri, rule := range ruleList {
		if err := ctx.Err(); err != nil {
			return live, err
		}

		items, err := rules.Collect(rule.Extractor.Extract(text, page))
		if err != nil {
			return live, fmt.Errorf("规则 %d 抽取失败: %w", ri+1, err)
		}
		utils.Debugf("级别 %d 规则 %d 抽取到 %d 个条目: %s", t.Level, ri+1, len(items), t.URL)

		for i, item := range items {
			itemCtx := page.NewItemContext(item, i, len(items))
			for ai, action := range rule.Actions {
				if err := action.Act(itemCtx, page, e); err != nil {
					utils.Warnf("动作执行失败 [%s] 级别 %d 规则 %d 条目 %d/%d 动作 %d: %v",
						t.URL, t.Level, ri+1, i+1, len(items), ai+1, err)
					break
				}
			}
		}
	}

	return live, nil
}

// DownloadTask 下载任务: 将文件流式写入解析后的目标路径
type DownloadTask struct {
	taskState

	URL      string
	Dir      string
	Filename string
}

// NewDownloadTask 创建下载任务
func NewDownloadTask(fileURL, dir, filename string) *DownloadTask {
	return &DownloadTask{
		taskState: taskState{status: models.TaskStatusQueued},
		URL:       fileURL,
		Dir:       dir,
		Filename:  filename,
	}
}

// ID 实现 crawlers.QueuedTask 接口
func (t *DownloadTask) ID() string {
	return models.TaskID(models.KindDownload, t.URL)
}

// Kind 实现 crawlers.QueuedTask 接口
func (t *DownloadTask) Kind() models.TaskKind {
	return models.KindDownload
}

// Target 实现 Task 接口
func (t *DownloadTask) Target() string {
	return t.URL
}

// Run 实现 Task 接口
func (t *DownloadTask) Run(ctx context.Context, e *Engine) (bool, error) {
	path, err := utils.SafeJoin(t.Dir, t.Filename)
	if err != nil {
		return false, err
	}

	if e.downloadCache.Hit(path) {
		e.counters(models.KindDownload).cacheHits.Add(1)
		utils.Debugf("下载缓存命中,跳过: %s", path)
		return false, nil
	}

	// 并发创建同一目录是正常情况
	if err := crawlers.EnsureDir(filepath.Dir(path)); err != nil {
		return false, err
	}

	n, err := e.transport.Download(ctx, t.URL, path)
	if err != nil {
		return true, err
	}
	utils.Debugf("已下载 %s -> %s (%d bytes)", t.URL, path, n)
	return true, nil
}
