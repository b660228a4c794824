package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/RecoveryAshes/rulecrawl/internal/crawlers"
	"github.com/RecoveryAshes/rulecrawl/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Crawl.WorkerCount)
	assert.Equal(t, 0.5, cfg.Crawl.RequestInterval)
	assert.Equal(t, float64(5), cfg.Crawl.StatusInterval)
	assert.Empty(t, cfg.Crawl.PageCacheDir)
	assert.True(t, cfg.Crawl.DownloadCache)
	assert.Equal(t, models.FetcherStatic, cfg.Crawl.Fetcher)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "reports", cfg.Output.ReportDir)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
crawl:
  worker_count: 8
  request_interval: 1.5
  page_cache_dir: cache
  download_cache: false
logging:
  level: debug
  log_dir: ""
output:
  report_dir: out/reports
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Crawl.WorkerCount)
	assert.Equal(t, 1.5, cfg.Crawl.RequestInterval)
	assert.Equal(t, "cache", cfg.Crawl.PageCacheDir)
	assert.False(t, cfg.Crawl.DownloadCache)
	assert.Equal(t, 30, cfg.Crawl.Timeout, "未设置的字段使用默认值")

	logCfg := cfg.ToLogConfig()
	assert.Equal(t, "debug", logCfg.Level)
	assert.Empty(t, logCfg.LogDir)
	assert.Equal(t, 10, logCfg.MaxSize)
}

func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crawl:\n  worker_count: 0\n"), 0644))

	_, err := LoadConfig(path)
	var cfgErr *models.ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestMergeCLIFlags(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	err = cfg.MergeCLIFlags(CLIFlags{
		Workers:         2,
		RequestInterval: 0,
		PageCacheDir:    "pages",
		NoDownloadCache: true,
		Headed:          true,
		LogLevel:        "warn",
		Timeout:         99,
		Changed:         map[string]bool{"workers": true, "interval": true, "page-cache": true},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Crawl.WorkerCount)
	assert.Zero(t, cfg.Crawl.RequestInterval, "显式设置的零值也会覆盖")
	assert.Equal(t, "pages", cfg.Crawl.PageCacheDir)
	assert.False(t, cfg.Crawl.DownloadCache)
	assert.False(t, cfg.Crawl.Headless)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 30, cfg.Crawl.Timeout, "未显式设置的参数不覆盖")

	err = cfg.MergeCLIFlags(CLIFlags{Fetcher: "curl", Changed: map[string]bool{"fetcher": true}})
	assert.Error(t, err)
}

func TestNewTransport(t *testing.T) {
	cfg := models.DefaultCrawlConfig()
	transport, err := NewTransport(cfg, models.StaticHeaders{})
	require.NoError(t, err)
	assert.IsType(t, &crawlers.StaticFetcher{}, transport)
	assert.NoError(t, transport.Close())

	cfg.Fetcher = "curl"
	_, err = NewTransport(cfg, nil)
	assert.Error(t, err)
}

func TestHeaderManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "headers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("headers:\n  Accept: text/html\n  Authorization: Bearer secret-token\n"), 0644))

	hm, err := NewHeaderManager(path, []string{"User-Agent: rulecrawl-test", "X-Trace: 1"})
	require.NoError(t, err)

	headers, err := hm.GetHeaders()
	require.NoError(t, err)
	assert.Equal(t, "rulecrawl-test", headers.Get("User-Agent"), "命令行优先")
	assert.Equal(t, "text/html", headers.Get("Accept"), "配置文件覆盖默认")
	assert.Equal(t, "gzip, deflate, br", headers.Get("Accept-Encoding"))
	assert.Equal(t, "1", headers.Get("X-Trace"))

	// 返回副本,修改不影响后续请求
	headers.Set("Accept", "changed")
	again, err := hm.GetHeaders()
	require.NoError(t, err)
	assert.Equal(t, "text/html", again.Get("Accept"))

	safe, err := hm.GetSafeHeaders()
	require.NoError(t, err)
	assert.NotContains(t, safe["Authorization"], "secret-token")
}

func TestHeaderManagerErrors(t *testing.T) {
	_, err := NewHeaderManager("", []string{"no-colon"})
	assert.Error(t, err)

	hm, err := NewHeaderManager(filepath.Join(t.TempDir(), "none.yaml"), []string{"Bad Name: x"})
	require.NoError(t, err)
	_, err = hm.GetHeaders()
	assert.Error(t, err)
}
