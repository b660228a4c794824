package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RecoveryAshes/rulecrawl/internal/crawlers"
	"github.com/RecoveryAshes/rulecrawl/internal/models"
	"github.com/RecoveryAshes/rulecrawl/internal/utils"
	"github.com/spf13/viper"
)

// Config 应用程序配置
type Config struct {
	Crawl   models.CrawlConfig `mapstructure:"crawl"`
	Logging LoggingConfig      `mapstructure:"logging"`
	Output  OutputConfig       `mapstructure:"output"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	// ReportDir 运行报告目录,为空时不写报告
	ReportDir string `mapstructure:"report_dir"`
}

// LoadConfig 加载配置文件
// configPath 为空时依次搜索 ./configs, ., ~/.rulecrawl 下的 config.yaml,
// 都不存在时使用默认值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		// 显式指定的配置文件必须存在
		if _, err := os.Stat(configPath); err != nil {
			return nil, &models.ConfigError{FilePath: configPath, Cause: err}
		}
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".rulecrawl"))
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, &models.ConfigError{FilePath: configPath, Cause: err}
		}
	} else {
		utils.Debugf("使用配置文件: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, &models.ConfigError{
			FilePath: v.ConfigFileUsed(),
			Cause:    fmt.Errorf("解析配置失败: %w", err),
		}
	}

	if err := config.Crawl.Validate(); err != nil {
		return nil, &models.ConfigError{FilePath: v.ConfigFileUsed(), Cause: err}
	}
	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	defaults := models.DefaultCrawlConfig()

	// 爬取配置默认值
	v.SetDefault("crawl.worker_count", defaults.WorkerCount)
	v.SetDefault("crawl.request_interval", defaults.RequestInterval)
	v.SetDefault("crawl.status_interval", defaults.StatusInterval)
	v.SetDefault("crawl.page_cache_dir", defaults.PageCacheDir)
	v.SetDefault("crawl.download_cache", defaults.DownloadCache)
	v.SetDefault("crawl.fetcher", defaults.Fetcher)
	v.SetDefault("crawl.timeout", defaults.Timeout)
	v.SetDefault("crawl.headless", defaults.Headless)
	v.SetDefault("crawl.progress", defaults.Progress)

	// 日志配置默认值
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)

	// 输出配置默认值
	v.SetDefault("output.report_dir", "reports")
}

// CLIFlags 命令行参数,零值(或未设置)表示不覆盖配置文件
type CLIFlags struct {
	Workers         int
	RequestInterval float64
	StatusInterval  float64
	PageCacheDir    string
	NoDownloadCache bool
	Fetcher         string
	Timeout         int
	Headed          bool
	Progress        bool
	LogLevel        string
	LogDir          string
	ReportDir       string

	// 显式设置过的参数名(用于区分零值与未设置)
	Changed map[string]bool
}

func (f CLIFlags) changed(name string) bool {
	return f.Changed[name]
}

// MergeCLIFlags 合并命令行参数到配置
// 命令行参数优先于配置文件
func (c *Config) MergeCLIFlags(flags CLIFlags) error {
	if flags.changed("workers") {
		c.Crawl.WorkerCount = flags.Workers
	}
	if flags.changed("interval") {
		c.Crawl.RequestInterval = flags.RequestInterval
	}
	if flags.changed("status-interval") {
		c.Crawl.StatusInterval = flags.StatusInterval
	}
	if flags.changed("page-cache") {
		c.Crawl.PageCacheDir = flags.PageCacheDir
	}
	if flags.NoDownloadCache {
		c.Crawl.DownloadCache = false
	}
	if flags.changed("fetcher") {
		c.Crawl.Fetcher = flags.Fetcher
	}
	if flags.changed("timeout") {
		c.Crawl.Timeout = flags.Timeout
	}
	if flags.Headed {
		c.Crawl.Headless = false
	}
	if flags.Progress {
		c.Crawl.Progress = true
	}
	if flags.LogLevel != "" {
		c.Logging.Level = flags.LogLevel
	}
	if flags.changed("log-dir") {
		c.Logging.LogDir = flags.LogDir
	}
	if flags.changed("report-dir") {
		c.Output.ReportDir = flags.ReportDir
	}
	return c.Crawl.Validate()
}

// ToLogConfig 转换为日志器配置
func (c *Config) ToLogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      c.Logging.Level,
		LogDir:     c.Logging.LogDir,
		MaxSize:    c.Logging.Rotation.MaxSize,
		MaxBackups: c.Logging.Rotation.MaxBackups,
		MaxAge:     c.Logging.Rotation.MaxAge,
		Compress:   c.Logging.Rotation.Compress,
	}
}

// NewTransport 按配置创建传输层 (static: Colly; browser: go-rod)
func NewTransport(config models.CrawlConfig, headerProvider models.HeaderProvider) (crawlers.Transport, error) {
	switch config.Fetcher {
	case "", models.FetcherStatic:
		return crawlers.NewStaticFetcher(config, headerProvider)
	case models.FetcherBrowser:
		return crawlers.NewBrowserFetcher(config, headerProvider)
	default:
		return nil, fmt.Errorf("无效的抓取方式: %s", config.Fetcher)
	}
}
