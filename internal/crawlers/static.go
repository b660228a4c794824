package crawlers

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/rulecrawl/internal/models"
	"github.com/RecoveryAshes/rulecrawl/internal/utils"
	"github.com/gocolly/colly/v2"
	"golang.org/x/net/publicsuffix"
)

const (
	// ctxBodyKey colly请求上下文中存放解压后正文的键
	ctxBodyKey = "rulecrawl_body"
)

// StaticFetcher 静态抓取器(使用Colly)
// 同一实例内所有请求共享Cookie会话,登录后的页面抓取与文件下载都会带上会话
type StaticFetcher struct {
	collector *colly.Collector
	client    *http.Client

	// HTTP头部提供者
	headerProvider models.HeaderProvider

	// 统计
	requests atomic.Int64
	failures atomic.Int64
}

// NewStaticFetcher 创建静态抓取器
func NewStaticFetcher(config models.CrawlConfig, headerProvider models.HeaderProvider) (*StaticFetcher, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("创建Cookie会话失败: %w", err)
	}

	httpTimeout := time.Duration(config.Timeout) * time.Second
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // 允许访问自签名、过期证书的站点
			},
			MaxIdleConnsPerHost: config.WorkerCount,
		},
		Jar:     jar,
		Timeout: httpTimeout,
	}
	utils.Debugf("静态抓取器: HTTP超时设置为 %d 秒", config.Timeout)

	// 去重与深度由引擎管理,Colly只负责执行请求
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
	)
	c.SetClient(httpClient)
	c.MaxBodySize = 0
	if httpTimeout > 0 {
		c.SetRequestTimeout(httpTimeout)
	}

	return &StaticFetcher{
		collector:      c,
		client:         httpClient,
		headerProvider: headerProvider,
	}, nil
}

// requestCollector 为单次请求克隆收集器并绑定ctx
// 克隆共享HTTP客户端与Cookie会话,回调需重新注册
func (sf *StaticFetcher) requestCollector(ctx context.Context) *colly.Collector {
	c := sf.collector.Clone()
	colly.StdlibContext(ctx)(c)
	sf.setupCallbacks(c)
	return c
}

// setupCallbacks 设置Colly回调
func (sf *StaticFetcher) setupCallbacks(c *colly.Collector) {
	// 访问前: 应用自定义HTTP头部
	c.OnRequest(func(r *colly.Request) {
		if err := sf.applyHeaders(*r.Headers); err != nil {
			utils.Warnf("获取HTTP头部失败: %v", err)
		}
		sf.requests.Add(1)
		utils.Debugf("访问: %s %s", r.Method, r.URL.String())
	})

	// 处理响应: 解压后存入请求上下文,由调用方取出
	c.OnResponse(func(r *colly.Response) {
		body := r.Body
		if encoding := r.Headers.Get("Content-Encoding"); encoding != "" {
			body = DecompressBody(encoding, r.Body)
		}
		r.Ctx.Put(ctxBodyKey, string(body))
	})

	c.OnError(func(r *colly.Response, err error) {
		sf.failures.Add(1)
		utils.Debugf("请求错误 [%s] (状态码=%d): %v", r.Request.URL, r.StatusCode, err)
	})
}

// applyHeaders 将提供者的头部写入请求
func (sf *StaticFetcher) applyHeaders(dst http.Header) error {
	if sf.headerProvider == nil {
		return nil
	}
	headers, err := sf.headerProvider.GetHeaders()
	if err != nil {
		return err
	}
	for name, values := range headers {
		if len(values) > 0 {
			dst.Set(name, values[0])
		}
	}
	return nil
}

// Fetch 实现 Transport 接口
func (sf *StaticFetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	return sf.do(ctx, http.MethodGet, pageURL, nil, nil)
}

// Post 实现 Transport 接口
func (sf *StaticFetcher) Post(ctx context.Context, pageURL string, form map[string]string) (string, error) {
	values := url.Values{}
	for k, v := range form {
		values.Set(k, v)
	}
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/x-www-form-urlencoded")
	return sf.do(ctx, http.MethodPost, pageURL, strings.NewReader(values.Encode()), hdr)
}

// do 通过Colly同步执行一次请求
func (sf *StaticFetcher) do(ctx context.Context, method, target string, body io.Reader, hdr http.Header) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cctx := colly.NewContext()
	if err := sf.requestCollector(ctx).Request(method, target, body, cctx, hdr); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("请求失败 [%s]: %w", target, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	text, ok := cctx.GetAny(ctxBodyKey).(string)
	if !ok {
		return "", fmt.Errorf("请求未返回内容 [%s]", target)
	}
	return text, nil
}

// Download 实现 Transport 接口
// 响应流式写入临时文件,完成后放到目标路径
func (sf *StaticFetcher) Download(ctx context.Context, fileURL, destPath string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return 0, fmt.Errorf("创建下载请求失败: %w", err)
	}
	if err := sf.applyHeaders(req.Header); err != nil {
		utils.Warnf("获取HTTP头部失败: %v", err)
	}

	sf.requests.Add(1)
	resp, err := sf.client.Do(req)
	if err != nil {
		sf.failures.Add(1)
		return 0, fmt.Errorf("下载失败 [%s]: %w", fileURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		sf.failures.Add(1)
		return 0, fmt.Errorf("下载失败 [%s]: HTTP %d", fileURL, resp.StatusCode)
	}

	// 显式设置了Accept-Encoding时标准库不会自动解压
	reader := io.ReadCloser(resp.Body)
	if !resp.Uncompressed {
		if reader, err = decodeReader(resp.Header.Get("Content-Encoding"), resp.Body); err != nil {
			return 0, err
		}
		defer reader.Close()
	}

	counter := &countingReader{r: reader}
	if err := writeAtomic(destPath, counter, true); err != nil {
		return counter.n, err
	}
	utils.Debugf("下载完成: %s -> %s (%d bytes)", fileURL, destPath, counter.n)
	return counter.n, nil
}

// Stats 返回请求数与失败数
func (sf *StaticFetcher) Stats() (requests, failures int64) {
	return sf.requests.Load(), sf.failures.Load()
}

// Close 实现 Transport 接口
func (sf *StaticFetcher) Close() error {
	sf.client.CloseIdleConnections()
	return nil
}

// countingReader 统计读取的字节数
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
