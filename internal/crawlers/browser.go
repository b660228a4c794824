package crawlers

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/RecoveryAshes/rulecrawl/internal/models"
	"github.com/RecoveryAshes/rulecrawl/internal/utils"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// BrowserFetcher 浏览器渲染抓取器(使用go-rod)
// 页面经浏览器渲染后取完整HTML; 表单提交与文件下载委托给内部的静态抓取器,
// 两者共享Cookie会话(导航前从静态抓取器的Cookie会话同步到标签页)
type BrowserFetcher struct {
	browser *rod.Browser
	pool    *PagePool
	static  *StaticFetcher
	timeout time.Duration

	headerProvider models.HeaderProvider
}

// NewBrowserFetcher 启动浏览器并创建抓取器
func NewBrowserFetcher(config models.CrawlConfig, headerProvider models.HeaderProvider) (*BrowserFetcher, error) {
	static, err := NewStaticFetcher(config, headerProvider)
	if err != nil {
		return nil, err
	}

	l := launcher.New().Headless(config.Headless)
	// 跳过TLS证书验证,允许访问自签名、过期证书的站点
	l = l.Set("ignore-certificate-errors")

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}
	utils.Debugf("浏览器已启动: %s", controlURL)

	return &BrowserFetcher{
		browser:        browser,
		pool:           NewPagePool(browser, NewResourceMonitor(0), config.WorkerCount),
		static:         static,
		timeout:        time.Duration(config.Timeout) * time.Second,
		headerProvider: headerProvider,
	}, nil
}

// Fetch 实现 Transport 接口
func (bf *BrowserFetcher) Fetch(ctx context.Context, pageURL string) (html string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("页面渲染panic [%s]: %v", pageURL, r)
		}
	}()

	page, err := bf.pool.AcquirePage(ctx)
	if err != nil {
		return "", err
	}
	defer bf.pool.ReleasePage(page)

	p := page.Context(ctx)
	if bf.timeout > 0 {
		p = p.Timeout(bf.timeout)
	}

	if cleanup, err := bf.applyHeaders(p); err != nil {
		utils.Warnf("设置HTTP头部失败: %v", err)
	} else if cleanup != nil {
		defer cleanup()
	}
	bf.syncCookies(p, pageURL)

	if err := p.Navigate(pageURL); err != nil {
		return "", fmt.Errorf("导航失败 [%s]: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		return "", fmt.Errorf("等待页面加载失败 [%s]: %w", pageURL, err)
	}

	html, err = p.HTML()
	if err != nil {
		return "", fmt.Errorf("读取页面内容失败 [%s]: %w", pageURL, err)
	}
	utils.Debugf("页面渲染完成: %s (%d bytes)", pageURL, len(html))
	return html, nil
}

// applyHeaders 设置标签页额外请求头
func (bf *BrowserFetcher) applyHeaders(page *rod.Page) (func(), error) {
	if bf.headerProvider == nil {
		return nil, nil
	}
	headers, err := bf.headerProvider.GetHeaders()
	if err != nil {
		return nil, err
	}
	dict := make([]string, 0, len(headers)*2)
	for name, values := range headers {
		// 浏览器自行协商压缩与UA以外的头部
		if len(values) == 0 || name == "Accept-Encoding" {
			continue
		}
		dict = append(dict, name, values[0])
	}
	if len(dict) == 0 {
		return nil, nil
	}
	return page.SetExtraHeaders(dict)
}

// syncCookies 将静态抓取器会话中的Cookie写入标签页
func (bf *BrowserFetcher) syncCookies(page *rod.Page, pageURL string) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return
	}
	cookies := bf.static.client.Jar.Cookies(u)
	if len(cookies) == 0 {
		return
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:  c.Name,
			Value: c.Value,
			URL:   pageURL,
		})
	}
	if err := page.SetCookies(params); err != nil {
		utils.Debugf("同步Cookie失败 [%s]: %v", pageURL, err)
	}
}

// Post 实现 Transport 接口
func (bf *BrowserFetcher) Post(ctx context.Context, pageURL string, form map[string]string) (string, error) {
	return bf.static.Post(ctx, pageURL, form)
}

// Download 实现 Transport 接口
func (bf *BrowserFetcher) Download(ctx context.Context, fileURL, destPath string) (int64, error) {
	return bf.static.Download(ctx, fileURL, destPath)
}

// Close 实现 Transport 接口
func (bf *BrowserFetcher) Close() error {
	bf.pool.Close()
	bf.static.Close()
	if err := bf.browser.Close(); err != nil {
		return fmt.Errorf("关闭浏览器失败: %w", err)
	}
	utils.Debugf("浏览器已关闭")
	return nil
}

// PagePool 标签页池管理器
// 职责: 按需创建标签页,上限取 min(worker数, 资源允许数),归还时复用
type PagePool struct {
	browser *rod.Browser
	monitor *ResourceMonitor
	limit   int

	// 可用标签页
	available chan *rod.Page

	mu     sync.Mutex
	pages  []*rod.Page
	closed bool
}

// NewPagePool 创建标签页池实例
func NewPagePool(browser *rod.Browser, monitor *ResourceMonitor, limit int) *PagePool {
	if limit < 1 {
		limit = 1
	}
	return &PagePool{
		browser:   browser,
		monitor:   monitor,
		limit:     limit,
		available: make(chan *rod.Page, limit),
	}
}

// AcquirePage 获取一个可用的标签页
func (pp *PagePool) AcquirePage(ctx context.Context) (*rod.Page, error) {
	select {
	case page, ok := <-pp.available:
		if ok {
			return page, nil
		}
	default:
	}

	pp.mu.Lock()
	if pp.closed {
		pp.mu.Unlock()
		return nil, fmt.Errorf("标签页池已关闭")
	}
	maxSize := pp.monitor.CalculateMaxPages(pp.limit)
	canCreate, reason := pp.monitor.CheckResourceAvailability()
	// 至少保留一个标签页,避免资源紧张时无页可用
	if len(pp.pages) == 0 || (len(pp.pages) < maxSize && canCreate) {
		page, err := pp.browser.Page(proto.TargetCreateTarget{})
		if err != nil {
			pp.mu.Unlock()
			log.Error().Err(err).Msg("创建标签页失败,浏览器可能已崩溃")
			return nil, fmt.Errorf("创建标签页失败: %w", err)
		}
		pp.pages = append(pp.pages, page)
		log.Debug().Msgf("创建新标签页,当前标签页数: %d, 最大限制: %d", len(pp.pages), maxSize)
		pp.mu.Unlock()
		return page, nil
	}
	pp.mu.Unlock()

	if !canCreate {
		log.Debug().Msgf("暂停创建新标签页: %s", reason)
	}

	// 已达上限,阻塞等待可用标签页
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case page, ok := <-pp.available:
		if !ok {
			return nil, fmt.Errorf("标签页池已关闭")
		}
		return page, nil
	}
}

// ReleasePage 归还标签页到池中
func (pp *PagePool) ReleasePage(page *rod.Page) {
	if page == nil {
		return
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.closed {
		return
	}

	// 清空页面,避免下个任务读到残留内容
	if err := page.Navigate("about:blank"); err != nil {
		log.Warn().Err(err).Msg("重置标签页失败,销毁该标签页")
		pp.destroyLocked(page)
		return
	}

	select {
	case pp.available <- page:
	default:
		pp.destroyLocked(page)
	}
}

// destroyLocked 销毁标签页(调用方持有锁)
func (pp *PagePool) destroyLocked(page *rod.Page) {
	for i, p := range pp.pages {
		if p == page {
			pp.pages = append(pp.pages[:i], pp.pages[i+1:]...)
			break
		}
	}
	if err := page.Close(); err != nil {
		log.Warn().Err(err).Msg("关闭标签页失败")
	}
	log.Debug().Msgf("销毁标签页,当前标签页数: %d", len(pp.pages))
}

// CurrentSize 返回当前标签页数
func (pp *PagePool) CurrentSize() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.pages)
}

// Close 关闭标签页池,释放所有标签页
func (pp *PagePool) Close() {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.closed {
		return
	}
	for _, page := range pp.pages {
		if err := page.Close(); err != nil {
			log.Warn().Err(err).Msg("关闭标签页失败")
		}
	}
	pp.pages = nil
	pp.closed = true
	close(pp.available)
	log.Debug().Msg("标签页池已关闭")
}
