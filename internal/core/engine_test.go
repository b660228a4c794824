package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RecoveryAshes/rulecrawl/internal/config"
	"github.com/RecoveryAshes/rulecrawl/internal/crawlers"
	"github.com/RecoveryAshes/rulecrawl/internal/models"
	"github.com/RecoveryAshes/rulecrawl/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport 内存传输层,统计每个URL的实际调用次数
type fakeTransport struct {
	mu        sync.Mutex
	pages     map[string]string
	files     map[string]string
	fetches   map[string]int
	downloads map[string]int
	posts     []map[string]string

	// block 中的URL在ctx取消前不返回
	block   map[string]bool
	started chan string
}

func newFakeTransport(pages map[string]string) *fakeTransport {
	return &fakeTransport{
		pages:     pages,
		files:     make(map[string]string),
		fetches:   make(map[string]int),
		downloads: make(map[string]int),
		block:     make(map[string]bool),
		started:   make(chan string, 16),
	}
}

func (f *fakeTransport) Fetch(ctx context.Context, pageURL string) (string, error) {
	f.mu.Lock()
	f.fetches[pageURL]++
	text, ok := f.pages[pageURL]
	blocking := f.block[pageURL]
	f.mu.Unlock()

	if blocking {
		f.started <- pageURL
		<-ctx.Done()
		return "", ctx.Err()
	}
	if !ok {
		return "", fmt.Errorf("请求失败 [%s]: 404 Not Found", pageURL)
	}
	return text, nil
}

func (f *fakeTransport) Post(_ context.Context, _ string, form map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, form)
	return "ok", nil
}

func (f *fakeTransport) Download(_ context.Context, fileURL, destPath string) (int64, error) {
	f.mu.Lock()
	f.downloads[fileURL]++
	content, ok := f.files[fileURL]
	f.mu.Unlock()
	if !ok {
		content = "content of " + fileURL
	}
	if err := os.WriteFile(destPath, []byte(content), 0644); err != nil {
		return 0, err
	}
	return int64(len(content)), nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) fetchCount(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[u]
}

func (f *fakeTransport) downloadCount(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads[u]
}

func testConfig() models.CrawlConfig {
	cfg := models.DefaultCrawlConfig()
	cfg.RequestInterval = 0
	cfg.StatusInterval = 0
	cfg.WorkerCount = 4
	return cfg
}

func newTestEngine(t *testing.T, cfg models.CrawlConfig, transport crawlers.Transport, seeds ...string) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, transport)
	require.NoError(t, err)
	require.NoError(t, e.SetInitialURLs(seeds))
	return e
}

func run(t *testing.T, e *Engine) models.RunStats {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stats, err := e.Run(ctx)
	require.NoError(t, err)
	return stats
}

// collector 线程安全地收集动作观察到的值
type collector struct {
	mu     sync.Mutex
	values []string
}

func (c *collector) add(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, v)
}

func (c *collector) sorted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.values...)
	sort.Strings(out)
	return out
}

const listPage = `<html><body>
<a class="item" href="/p1" title="Alpha">one</a>
<a class="item" href="/p2" title="Beta">two</a>
<a class="other" href="/ignored">x</a>
<a class="item" href="http://test/p3" title="Gamma">three</a>
<a class="item" href="/p1" title="Alpha">again</a>
</body></html>`

func TestEngineExampleScenario(t *testing.T) {
	transport := newFakeTransport(map[string]string{
		"http://test/list": listPage,
		"http://test/p1":   "price $10 only",
		"http://test/p2":   "now $20",
		"http://test/p3":   "<b>$30</b>",
	})
	outDir := t.TempDir()

	e := newTestEngine(t, testConfig(), transport, "http://test/list")
	e.SetPageRules(1, rules.NewRule(rules.MustSelect("a.item", 0),
		rules.KeepData{Scope: rules.ScopeItem, Name: "title"},
		rules.Enqueue{Level: 2, URL: rules.Literal("{href}")},
	))

	seen := &collector{}
	e.SetPageRules(2, rules.NewRule(rules.MustRegex(`\$(\d+)`),
		rules.ActionFunc(func(ctx *models.Context, page *models.PageData, _ rules.Submitter) error {
			title, err := ctx.GetString("title")
			if err != nil {
				return err
			}
			seen.add(title + "=" + ctx.Source())
			return nil
		}),
		rules.Download{
			URL: rules.Literal("/files/{1}.txt"),
			Dir: rules.Literal(outDir),
		},
	))

	stats := run(t, e)

	page := stats.Kinds[models.KindPage]
	assert.Equal(t, int64(4), page.Queued, "种子 + 3个二级页面")
	assert.Equal(t, int64(4), page.Completed)
	assert.Equal(t, int64(1), page.Skipped, "重复的锚点只入队一次")
	assert.Zero(t, page.Failed)

	for _, u := range []string{"http://test/list", "http://test/p1", "http://test/p2", "http://test/p3"} {
		assert.Equal(t, 1, transport.fetchCount(u), u)
	}
	assert.Equal(t, []string{"Alpha=$10", "Beta=$20", "Gamma=$30"}, seen.sorted())

	download := stats.Kinds[models.KindDownload]
	assert.Equal(t, int64(3), download.Completed)
	for _, n := range []string{"10", "20", "30"} {
		data, err := os.ReadFile(filepath.Join(outDir, n+".txt"))
		require.NoError(t, err)
		assert.Equal(t, "content of http://test/files/"+n+".txt", string(data))
	}
	assert.NotEmpty(t, stats.RunID)
	assert.False(t, stats.Cancelled)
}

func TestEngineDedupConcurrentSubmit(t *testing.T) {
	const k = 50
	transport := newFakeTransport(map[string]string{
		"http://test/seed": "seed",
		"http://test/same": "same",
	})

	e := newTestEngine(t, testConfig(), transport, "http://test/seed")
	e.SetPageRules(1, rules.NewRule(rules.Noop{},
		rules.ActionFunc(func(_ *models.Context, _ *models.PageData, sub rules.Submitter) error {
			var wg sync.WaitGroup
			for i := 0; i < k; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					sub.SubmitPage(2, "http://test/same", nil)
				}()
			}
			wg.Wait()
			return nil
		}),
	))
	executed := &collector{}
	e.SetPageRules(2, rules.NewRule(rules.Noop{},
		rules.ActionFunc(func(_ *models.Context, page *models.PageData, _ rules.Submitter) error {
			executed.add(page.URL)
			return nil
		}),
	))

	stats := run(t, e)

	assert.Equal(t, 1, transport.fetchCount("http://test/same"))
	assert.Equal(t, []string{"http://test/same"}, executed.sorted())
	page := stats.Kinds[models.KindPage]
	assert.Equal(t, int64(2), page.Queued)
	assert.Equal(t, int64(k-1), page.Skipped)
}

func TestEngineIndexAndLen(t *testing.T) {
	transport := newFakeTransport(map[string]string{
		"http://test/": `<ul><li>a</li><li>b</li><li>c</li><li>d</li><li>e</li></ul>`,
	})

	var got []string
	e := newTestEngine(t, testConfig(), transport, "http://test/")
	e.SetPageRules(1, rules.NewRule(rules.MustSelect("li", 0),
		rules.ActionFunc(func(ctx *models.Context, _ *models.PageData, _ rules.Submitter) error {
			s, err := rules.Format("{#index}/{#len}:{#text}", ctx)
			if err != nil {
				return err
			}
			got = append(got, s)
			return nil
		}),
	))
	run(t, e)

	assert.Equal(t, []string{"1/5:a", "2/5:b", "3/5:c", "4/5:d", "5/5:e"}, got)
}

func TestEngineItemScopeIsolation(t *testing.T) {
	transport := newFakeTransport(map[string]string{
		"http://test/": `<ul><li>a</li><li>b</li><li>c</li></ul>`,
	})

	var before, after []string
	e := newTestEngine(t, testConfig(), transport, "http://test/")
	e.SetPageRules(1, rules.NewRule(rules.MustSelect("li", 0),
		rules.ActionFunc(func(ctx *models.Context, _ *models.PageData, _ rules.Submitter) error {
			if v, ok := ctx.Lookup("mark"); ok {
				before = append(before, models.Stringify(v))
			}
			return nil
		}),
		rules.SetData{Scope: rules.ScopeItem, Name: "mark", Value: rules.Literal("{#text}")},
		rules.ActionFunc(func(ctx *models.Context, _ *models.PageData, _ rules.Submitter) error {
			v, err := ctx.GetString("mark")
			if err != nil {
				return err
			}
			after = append(after, v)
			return nil
		}),
	))
	run(t, e)

	assert.Empty(t, before, "条目#inner不能泄漏到其他条目")
	assert.Equal(t, []string{"a", "b", "c"}, after)
}

func TestEnginePageScopePromotion(t *testing.T) {
	transport := newFakeTransport(map[string]string{
		"http://test/":     `<ul><li>first</li><li x="v">second</li><li>third</li></ul>`,
		"http://test/next": "next",
	})

	var visible []string
	e := newTestEngine(t, testConfig(), transport, "http://test/")
	e.SetPageRules(1,
		rules.NewRule(rules.MustSelect("li", 0),
			rules.ActionFunc(func(ctx *models.Context, _ *models.PageData, _ rules.Submitter) error {
				text, err := ctx.GetString(models.KeyText)
				if err != nil {
					return err
				}
				_, ok := ctx.Lookup("x")
				visible = append(visible, fmt.Sprintf("%s:%v", text, ok))
				return nil
			}),
			// 没有x的条目在这里中止,不影响其他条目
			rules.KeepData{Scope: rules.ScopePage, Name: "x"},
		),
		rules.NewRule(rules.Noop{}, rules.Enqueue{Level: 2, URL: rules.Literal("/next")}),
	)

	inherited := &collector{}
	e.SetPageRules(2, rules.NewRule(rules.Noop{},
		rules.ActionFunc(func(ctx *models.Context, _ *models.PageData, _ rules.Submitter) error {
			v, err := ctx.GetString("x")
			if err != nil {
				return err
			}
			inherited.add(v)
			return nil
		}),
	))
	stats := run(t, e)

	assert.Equal(t, []string{"first:false", "second:true", "third:true"}, visible)
	assert.Equal(t, []string{"v"}, inherited.sorted())
	assert.Equal(t, int64(2), stats.Kinds[models.KindPage].Completed)
}

func TestEnginePageCache(t *testing.T) {
	transport := newFakeTransport(map[string]string{"http://test/a": "hello"})
	cfg := testConfig()
	cfg.PageCacheDir = t.TempDir()

	var texts []string
	e := newTestEngine(t, cfg, transport, "http://test/a")
	e.SetPageRules(1, rules.NewRule(rules.MustRegex(`\w+`),
		rules.ActionFunc(func(ctx *models.Context, _ *models.PageData, _ rules.Submitter) error {
			texts = append(texts, ctx.Source())
			return nil
		}),
	))

	first := run(t, e)
	second := run(t, e)

	assert.Equal(t, 1, transport.fetchCount("http://test/a"), "缓存命中时不发起请求")
	assert.Zero(t, first.Kinds[models.KindPage].CacheHits)
	assert.Equal(t, int64(1), second.Kinds[models.KindPage].CacheHits)
	assert.Equal(t, []string{"hello", "hello"}, texts)
	assert.FileExists(t, crawlers.NewPageCache(cfg.PageCacheDir).Path(1, "http://test/a"))

	e.DisablePageCache(1)
	run(t, e)
	run(t, e)
	assert.Equal(t, 3, transport.fetchCount("http://test/a"))
}

func TestEngineCacheHitSkipsThrottle(t *testing.T) {
	transport := newFakeTransport(nil)
	cfg := testConfig()
	cfg.PageCacheDir = t.TempDir()
	cfg.RequestInterval = 5
	cfg.WorkerCount = 1
	require.NoError(t, crawlers.NewPageCache(cfg.PageCacheDir).Store(1, "http://test/cached", "cached"))

	e := newTestEngine(t, cfg, transport, "http://test/cached")
	e.SetPageRules(1, rules.NewRule(rules.Noop{}, rules.NoopAction{}))

	start := time.Now()
	stats := run(t, e)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, transport.fetchCount("http://test/cached"))
	assert.Equal(t, int64(1), stats.Kinds[models.KindPage].Completed)
}

func TestEngineDownloadCache(t *testing.T) {
	transport := newFakeTransport(map[string]string{"http://test/": "page"})
	transport.files["http://test/file.bin"] = "fresh"
	dir := t.TempDir()
	dest := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(dest, []byte("existing"), 0644))

	e := newTestEngine(t, testConfig(), transport, "http://test/")
	e.SetPageRules(1, rules.NewRule(rules.Noop{},
		rules.Download{URL: rules.Literal("/file.bin"), Dir: rules.Literal(dir)},
	))

	stats := run(t, e)
	assert.Zero(t, transport.downloadCount("http://test/file.bin"))
	assert.Equal(t, int64(1), stats.Kinds[models.KindDownload].CacheHits)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "existing", string(data))

	e.DisableDownloadCache()
	run(t, e)
	run(t, e)
	assert.Equal(t, 2, transport.downloadCount("http://test/file.bin"))
	data, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))
}

func TestEngineDownloadCreatesNestedDirs(t *testing.T) {
	transport := newFakeTransport(map[string]string{"http://test/": `<img src="/a.png"><img src="/b.png">`})
	dir := t.TempDir()

	e := newTestEngine(t, testConfig(), transport, "http://test/")
	e.SetPageRules(1, rules.NewRule(rules.MustSelect("img", 0),
		rules.Download{
			URL:      rules.Literal("{src}"),
			Dir:      rules.Literal(filepath.Join(dir, "images", "deep")),
			Filename: rules.Literal("{n}{ext}"),
		},
	))
	stats := run(t, e)

	assert.Equal(t, int64(2), stats.Kinds[models.KindDownload].Completed)
	assert.FileExists(t, filepath.Join(dir, "images", "deep", "1.png"))
	assert.FileExists(t, filepath.Join(dir, "images", "deep", "2.png"))
}

func TestEngineUnsafeDownloadPathFails(t *testing.T) {
	transport := newFakeTransport(map[string]string{"http://test/": "page"})
	dir := t.TempDir()

	e := newTestEngine(t, testConfig(), transport, "http://test/")
	e.SetPageRules(1, rules.NewRule(rules.Noop{},
		rules.Download{URL: rules.Literal("/x"), Dir: rules.Literal(dir), Filename: rules.Literal("../escape")},
	))
	stats := run(t, e)

	assert.Equal(t, int64(1), stats.Kinds[models.KindDownload].Failed)
	assert.Zero(t, transport.downloadCount("http://test/x"))
}

func TestEngineMissingRuleFailsOnlyThatTask(t *testing.T) {
	transport := newFakeTransport(map[string]string{
		"http://test/":     "root",
		"http://test/lost": "lost",
		"http://test/ok":   "ok",
	})

	e := newTestEngine(t, testConfig(), transport, "http://test/")
	e.SetPageRules(1, rules.NewRule(rules.Noop{},
		rules.Enqueue{Level: 3, URL: rules.Literal("/lost")},
		rules.Enqueue{Level: 2, URL: rules.Literal("/ok")},
	))
	e.SetPageRules(2, rules.NewRule(rules.Noop{}, rules.NoopAction{}))

	stats := run(t, e)

	page := stats.Kinds[models.KindPage]
	assert.Equal(t, int64(2), page.Completed)
	assert.Equal(t, int64(1), page.Failed)
	assert.Zero(t, transport.fetchCount("http://test/lost"), "未注册规则时不发起请求")
	require.Len(t, stats.Failures, 1)
	assert.Equal(t, 3, stats.Failures[0].Level)
	assert.Equal(t, "http://test/lost", stats.Failures[0].URL)
}

func TestEngineMissingKeyAbortsOnlyThatItem(t *testing.T) {
	transport := newFakeTransport(map[string]string{
		"http://test/":  `<a href="/1">1</a><a>no href</a><a href="/3">3</a>`,
		"http://test/1": "1",
		"http://test/3": "3",
	})

	e := newTestEngine(t, testConfig(), transport, "http://test/")
	e.SetPageRules(1, rules.NewRule(rules.MustSelect("a", 0),
		rules.Enqueue{Level: 2, URL: rules.Literal("{href}")},
	))
	e.SetPageRules(2, rules.NewRule(rules.Noop{}, rules.NoopAction{}))

	stats := run(t, e)
	page := stats.Kinds[models.KindPage]
	assert.Equal(t, int64(3), page.Completed)
	assert.Zero(t, page.Failed)
}

func TestEngineTransportErrorAndPanicAreIsolated(t *testing.T) {
	transport := newFakeTransport(map[string]string{
		"http://test/ok":    "ok",
		"http://test/panic": "boom",
	})

	e := newTestEngine(t, testConfig(), transport, "http://test/ok", "http://test/panic", "http://test/404")
	e.SetPageRules(1, rules.NewRule(rules.Noop{},
		rules.ActionFunc(func(_ *models.Context, page *models.PageData, _ rules.Submitter) error {
			if page.URL == "http://test/panic" {
				panic("user function failed")
			}
			return nil
		}),
	))

	stats := run(t, e)
	page := stats.Kinds[models.KindPage]
	assert.Equal(t, int64(1), page.Completed)
	assert.Equal(t, int64(2), page.Failed)

	failed := map[string]string{}
	for _, f := range stats.Failures {
		failed[f.URL] = f.Error
	}
	assert.Contains(t, failed["http://test/panic"], "panic")
	assert.Contains(t, failed["http://test/404"], "404")
}

func TestEngineCancel(t *testing.T) {
	transport := newFakeTransport(nil)
	transport.block["http://test/slow"] = true

	e := newTestEngine(t, testConfig(), transport, "http://test/slow")
	e.SetPageRules(1, rules.NewRule(rules.Noop{}, rules.NoopAction{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var stats models.RunStats
	var runErr error
	go func() {
		defer close(done)
		stats, runErr = e.Run(ctx)
	}()

	select {
	case <-transport.started:
	case <-time.After(5 * time.Second):
		t.Fatal("任务未开始")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("取消后 Run 未返回")
	}
	assert.True(t, errors.Is(runErr, context.Canceled))
	assert.True(t, stats.Cancelled)

	// 运行结束后提交被拒绝
	assert.False(t, e.SubmitPage(1, "http://test/late", nil))
}

func TestEngineRunTwiceConcurrentlyFails(t *testing.T) {
	transport := newFakeTransport(nil)
	transport.block["http://test/slow"] = true
	e := newTestEngine(t, testConfig(), transport, "http://test/slow")
	e.SetPageRules(1, rules.NewRule(rules.Noop{}, rules.NoopAction{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Run(ctx)
	}()
	<-transport.started

	_, err := e.Run(context.Background())
	assert.Error(t, err)
	assert.Error(t, e.Configure(testConfig()), "运行期间不能修改配置")

	cancel()
	<-done
}

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine(testConfig(), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.WorkerCount = 0
	_, err = NewEngine(cfg, newFakeTransport(nil))
	assert.Error(t, err)

	e, err := NewEngine(testConfig(), newFakeTransport(nil))
	require.NoError(t, err)
	assert.Error(t, e.SetInitialURLs([]string{"not a url"}))
}

func TestEngineAuthenticate(t *testing.T) {
	transport := newFakeTransport(nil)
	e := newTestEngine(t, testConfig(), transport)

	err := e.Authenticate(context.Background(), "http://test/login", map[string]string{"user": "u", "password": "p"})
	require.NoError(t, err)
	require.Len(t, transport.posts, 1)
	assert.Equal(t, "p", transport.posts[0]["password"])

	assert.Error(t, e.Authenticate(context.Background(), "ftp://bad", nil))
}

func TestEngineApplyPlan(t *testing.T) {
	def, err := config.ParseDefinition([]byte(`
seeds: ["http://test/list"]
download_cache: false
levels:
  1:
    cache: false
    rules:
      - extract: {select: "a.item"}
        actions:
          - keep: {name: title}
          - enqueue: {level: 2, url: "{href}"}
  2:
    rules:
      - extract: {regex: '\$(?P<price>\d+)'}
        actions:
          - set: {name: label, value: "{title}-{price}"}
          - log: "{label}"
`))
	require.NoError(t, err)
	plan, err := def.Compile()
	require.NoError(t, err)

	transport := newFakeTransport(map[string]string{
		"http://test/list": listPage,
		"http://test/p1":   "$1",
		"http://test/p2":   "$2",
		"http://test/p3":   "$3",
	})
	cfg := testConfig()
	cfg.PageCacheDir = t.TempDir()
	e, err := NewEngine(cfg, transport)
	require.NoError(t, err)
	require.NoError(t, e.ApplyPlan(plan))

	assert.Equal(t, []int{1, 2}, e.Levels())
	assert.Equal(t, []string{"http://test/list"}, e.Seeds())

	stats := run(t, e)
	page := stats.Kinds[models.KindPage]
	assert.Equal(t, int64(4), page.Completed)
	assert.Zero(t, page.Failed)

	// 级别1关闭了页面缓存
	run(t, e)
	assert.Equal(t, 2, transport.fetchCount("http://test/list"))
	assert.Equal(t, 1, transport.fetchCount("http://test/p1"))
}

func TestStatusLine(t *testing.T) {
	e, err := NewEngine(testConfig(), newFakeTransport(nil))
	require.NoError(t, err)
	e.counters(models.KindPage).queued.Add(3)
	e.counters(models.KindPage).completed.Add(2)
	e.counters(models.KindDownload).failed.Add(1)

	line := e.StatusLine()
	assert.Contains(t, line, "page 入队 3 完成 2")
	assert.Contains(t, line, "download 入队 0 完成 0 失败 1")
	assert.NotContains(t, line, "进行中", "未运行时不显示队列状态")
}

func TestStatusLineShowsQueueWhileRunning(t *testing.T) {
	transport := newFakeTransport(nil)
	transport.block["http://test/slow"] = true
	e := newTestEngine(t, testConfig(), transport, "http://test/slow")
	e.SetPageRules(1, rules.NewRule(rules.Noop{}, rules.NoopAction{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Run(ctx)
	}()
	<-transport.started

	assert.Eventually(t, func() bool {
		return strings.Contains(e.StatusLine(), "(进行中 1, 待处理 0)")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
