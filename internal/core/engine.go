package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/rulecrawl/internal/config"
	"github.com/RecoveryAshes/rulecrawl/internal/crawlers"
	"github.com/RecoveryAshes/rulecrawl/internal/models"
	"github.com/RecoveryAshes/rulecrawl/internal/rules"
	"github.com/RecoveryAshes/rulecrawl/internal/utils"
	"golang.org/x/sync/errgroup"
)

// kindCounters 单个任务类型的计数器
type kindCounters struct {
	queued    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	cacheHits atomic.Int64
}

func (c *kindCounters) snapshot() models.KindStats {
	return models.KindStats{
		Queued:    c.queued.Load(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
		Skipped:   c.skipped.Load(),
		CacheHits: c.cacheHits.Load(),
	}
}

// Engine 规则驱动的爬取引擎
// 持有规则表、任务队列、去重索引、配置与统计,不依赖任何全局状态,
// 同一进程内可以创建多个互不影响的引擎
type Engine struct {
	mu     sync.Mutex
	config models.CrawlConfig
	seeds  []string

	rules     *rules.Table
	transport crawlers.Transport

	pageCache       *crawlers.PageCache
	pageCacheOff    map[int]bool
	downloadCache   *crawlers.DownloadCache
	resourceMonitor *crawlers.ResourceMonitor

	// 以下字段每次 Run 重新创建
	queue    *crawlers.TaskQueue
	stats    map[models.TaskKind]*kindCounters
	failures []models.FailedTask
	failMu   sync.Mutex
	running  atomic.Bool
}

// NewEngine 创建引擎
// transport 负责实际的页面获取与文件下载,可用 NewTransport 按配置创建
func NewEngine(cfg models.CrawlConfig, transport crawlers.Transport) (*Engine, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport 不能为空")
	}
	e := &Engine{
		rules:           rules.NewTable(),
		transport:       transport,
		pageCacheOff:    make(map[int]bool),
		resourceMonitor: crawlers.NewResourceMonitor(0),
	}
	e.resetStats()
	if err := e.Configure(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Configure 设置引擎选项(运行期间不可修改)
func (e *Engine) Configure(cfg models.CrawlConfig) error {
	if e.running.Load() {
		return fmt.Errorf("引擎运行中,无法修改配置")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = cfg
	e.pageCache = crawlers.NewPageCache(cfg.PageCacheDir)
	e.downloadCache = crawlers.NewDownloadCache(cfg.DownloadCache)
	return nil
}

// Config 返回当前配置
func (e *Engine) Config() models.CrawlConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// SetInitialURLs 设置种子URL(作为级别1的页面任务)
func (e *Engine) SetInitialURLs(urls []string) error {
	seeds := make([]string, 0, len(urls))
	for _, u := range urls {
		if err := models.ValidateURL(u); err != nil {
			return fmt.Errorf("种子URL无效 [%s]: %w", u, err)
		}
		seeds = append(seeds, u)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.seeds = seeds
	return nil
}

// Seeds 返回种子URL
func (e *Engine) Seeds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.seeds...)
}

// SetPageRules 注册某一级别的规则(按顺序执行)
func (e *Engine) SetPageRules(level int, ruleList ...rules.Rule) {
	e.rules.Set(level, ruleList...)
}

// Levels 已注册规则的级别
func (e *Engine) Levels() []int {
	return e.rules.Levels()
}

// DisablePageCache 关闭某一级别的页面缓存
func (e *Engine) DisablePageCache(level int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pageCacheOff[level] = true
}

// DisableDownloadCache 关闭下载缓存,已存在的文件也会重新下载
func (e *Engine) DisableDownloadCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.downloadCache = crawlers.NewDownloadCache(false)
}

// Authenticate 在爬取开始前提交一次登录表单,会话由 transport 保存
func (e *Engine) Authenticate(ctx context.Context, loginURL string, form map[string]string) error {
	if err := models.ValidateURL(loginURL); err != nil {
		return fmt.Errorf("登录URL无效: %w", err)
	}
	utils.Infof("🔑 登录: %s (%s)", loginURL, utils.ToString(utils.NewRedactor().RedactForm(form)))

	if _, err := e.transport.Post(ctx, loginURL, form); err != nil {
		return fmt.Errorf("登录失败: %w", err)
	}
	utils.Infof("✅ 登录成功")
	return nil
}

// SubmitPage 实现 rules.Submitter 接口
func (e *Engine) SubmitPage(level int, pageURL string, lastPageData models.Data) bool {
	return e.submit(NewPageTask(level, pageURL, lastPageData))
}

// SubmitDownload 实现 rules.Submitter 接口
func (e *Engine) SubmitDownload(fileURL, dir, filename string) bool {
	return e.submit(NewDownloadTask(fileURL, dir, filename))
}

// submit 入队任务; 去重在队列内以原子方式完成
func (e *Engine) submit(task Task) bool {
	q := e.currentQueue()
	if q == nil {
		utils.Warnf("引擎未运行 (%v), 忽略任务: %s", models.ErrQueueClosed, task.ID())
		return false
	}

	counters := e.counters(task.Kind())
	if !q.Push(task) {
		if q.IsSeen(task.ID()) {
			counters.skipped.Add(1)
			utils.Debugf("任务已存在,跳过: %s", task.ID())
		} else {
			utils.Debugf("%v, 忽略任务: %s", models.ErrQueueClosed, task.ID())
		}
		return false
	}
	counters.queued.Add(1)
	return true
}

func (e *Engine) currentQueue() *crawlers.TaskQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue
}

func (e *Engine) counters(kind models.TaskKind) *kindCounters {
	return e.stats[kind]
}

func (e *Engine) resetStats() {
	e.stats = make(map[models.TaskKind]*kindCounters, len(models.TaskKinds))
	for _, kind := range models.TaskKinds {
		e.stats[kind] = &kindCounters{}
	}
	e.failMu.Lock()
	e.failures = nil
	e.failMu.Unlock()
}

// Stats 返回当前各任务类型的统计
func (e *Engine) Stats() map[models.TaskKind]models.KindStats {
	out := make(map[models.TaskKind]models.KindStats, len(e.stats))
	for kind, c := range e.stats {
		out[kind] = c.snapshot()
	}
	return out
}

// loadPage 获取页面正文
// 页面缓存启用时优先读取缓存,返回的 live 表示是否发生了网络请求
func (e *Engine) loadPage(ctx context.Context, level int, pageURL string) (string, bool, error) {
	e.mu.Lock()
	cache := e.pageCache
	if e.pageCacheOff[level] {
		cache = nil
	}
	e.mu.Unlock()

	if cache != nil {
		text, ok, err := cache.Load(level, pageURL)
		if err != nil {
			utils.Warnf("%v", err)
		} else if ok {
			e.counters(models.KindPage).cacheHits.Add(1)
			utils.Debugf("页面缓存命中: %s", pageURL)
			return text, false, nil
		}
	}

	text, err := e.transport.Fetch(ctx, pageURL)
	if err != nil {
		return "", true, err
	}

	if cache != nil {
		if err := cache.Store(level, pageURL, text); err != nil {
			utils.Warnf("写入页面缓存失败 [%s]: %v", pageURL, err)
		}
	}
	return text, true, nil
}

// Run 启动worker与状态监控,阻塞直到队列排空且所有任务结束,或ctx被取消
// 运行结束时输出最终状态并返回统计
func (e *Engine) Run(ctx context.Context) (models.RunStats, error) {
	if !e.running.CompareAndSwap(false, true) {
		return models.RunStats{}, fmt.Errorf("引擎已在运行")
	}
	defer e.running.Store(false)

	cfg := e.Config()
	seeds := e.Seeds()

	e.resetStats()
	q := crawlers.NewTaskQueue()
	e.mu.Lock()
	e.queue = q
	e.mu.Unlock()

	stats := models.RunStats{
		RunID:     models.GenerateID(),
		StartedAt: time.Now(),
	}

	utils.Infof("🚀 开始爬取: %d 个种子, %d 个worker, 请求间隔 %.2f秒", len(seeds), cfg.WorkerCount, cfg.RequestInterval)
	utils.Debugf("下载缓存: %v, 页面缓存目录: %q", e.downloadCache.Enabled(), cfg.PageCacheDir)
	if len(seeds) == 0 {
		utils.Warn("没有种子URL")
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		e.monitor(monitorCtx, cfg)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerCount; i++ {
		workerID := i + 1
		g.Go(func() error {
			return e.worker(gctx, workerID, q, cfg.RequestDelay())
		})
	}

	// 播种完成后释放播种令牌
	for _, seed := range seeds {
		e.SubmitPage(1, seed, nil)
	}
	q.Done()

	err := g.Wait()
	stopMonitor()
	<-monitorDone

	// 取消时关闭队列,之后的提交全部拒绝
	q.Close()
	e.mu.Lock()
	e.queue = nil
	e.mu.Unlock()

	stats.EndedAt = time.Now()
	stats.Duration = stats.EndedAt.Sub(stats.StartedAt).Seconds()
	stats.Kinds = e.Stats()
	e.failMu.Lock()
	stats.Failures = append([]models.FailedTask(nil), e.failures...)
	e.failMu.Unlock()

	e.logStatus("最终状态")

	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		stats.Cancelled = errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		return stats, err
	}

	utils.Infof("✅ 爬取完成,耗时 %.2f秒", stats.Duration)
	return stats, nil
}

// worker 从队列取任务执行,直到队列排空或ctx取消
func (e *Engine) worker(ctx context.Context, id int, q *crawlers.TaskQueue, delay time.Duration) error {
	utils.Debugf("worker %d 启动", id)
	defer utils.Debugf("worker %d 退出", id)

	for {
		if ctx.Err() != nil {
			return nil
		}
		queued, ok := q.Pop(ctx)
		if !ok {
			return nil
		}

		task := queued.(Task)
		live := e.execute(ctx, task)
		q.Done()

		// 只有发生实际网络I/O的任务才等待
		if live && delay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
	}
}

// execute 执行单个任务,错误与panic只影响该任务
func (e *Engine) execute(ctx context.Context, task Task) (live bool) {
	counters := e.counters(task.Kind())
	task.setStatus(models.TaskStatusRunning)

	defer func() {
		if r := recover(); r != nil {
			e.fail(task, fmt.Errorf("panic: %v", r))
		}
	}()

	live, err := task.Run(ctx, e)
	if err != nil {
		e.fail(task, err)
		return live
	}

	task.setStatus(models.TaskStatusDone)
	counters.completed.Add(1)
	return live
}

// fail 标记任务失败并记录
func (e *Engine) fail(task Task, err error) {
	task.setStatus(models.TaskStatusFailed)
	e.counters(task.Kind()).failed.Add(1)

	failed := models.FailedTask{Kind: task.Kind(), URL: task.Target(), Error: err.Error()}
	if page, ok := task.(*PageTask); ok {
		failed.Level = page.Level
	}
	e.failMu.Lock()
	e.failures = append(e.failures, failed)
	e.failMu.Unlock()

	var missingRule *models.MissingRuleError
	switch {
	case errors.As(err, &missingRule):
		utils.Errorf("任务失败 [%s]: %v", task.ID(), err)
	case errors.Is(err, context.Canceled):
		utils.Debugf("任务已取消 [%s]", task.ID())
	default:
		utils.Warnf("任务失败 [%s]: %v", task.ID(), err)
	}
}

// ApplyPlan 将编译后的爬取定义应用到引擎
func (e *Engine) ApplyPlan(plan *config.Plan) error {
	if err := e.SetInitialURLs(plan.Seeds); err != nil {
		return err
	}
	for level, ruleList := range plan.Rules {
		e.SetPageRules(level, ruleList...)
	}
	for _, level := range plan.NoPageCache {
		e.DisablePageCache(level)
	}
	if plan.DisableDownloadCache {
		e.DisableDownloadCache()
	}
	return nil
}
