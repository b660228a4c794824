package core

import (
	"net/http"
	"sync"

	"github.com/RecoveryAshes/rulecrawl/internal/config"
	"github.com/RecoveryAshes/rulecrawl/internal/models"
	"github.com/RecoveryAshes/rulecrawl/internal/utils"
)

const (
	// DefaultUserAgent 默认User-Agent
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/120.0.0.0 Safari/537.36"
)

// HeaderManager 管理HTTP请求头部的生命周期
// 实现 models.HeaderProvider 接口,头部在首次使用时加载并验证,之后复用合并结果
type HeaderManager struct {
	// defaults 系统默认头部 (硬编码)
	defaults http.Header

	// config 从配置文件加载的头部
	config http.Header

	// cli 从命令行参数解析的头部
	cli http.Header

	validator    *utils.HeaderValidator
	redactor     *utils.Redactor
	configLoader *config.HeaderConfigLoader

	once    sync.Once
	merged  http.Header
	loadErr error
}

// NewHeaderManager 创建头部管理器
// 参数:
//   - headerFile: 头部配置文件路径 (为空则使用 configs/headers.yaml)
//   - cliHeaders: 命令行传递的头部字符串列表
func NewHeaderManager(headerFile string, cliHeaders []string) (*HeaderManager, error) {
	cli, err := models.CliHeaders(cliHeaders).Parse()
	if err != nil {
		return nil, err
	}

	return &HeaderManager{
		defaults:     getDefaultHeaders(),
		config:       make(http.Header),
		cli:          cli,
		validator:    utils.NewHeaderValidator(),
		redactor:     utils.NewRedactor(),
		configLoader: config.NewHeaderConfigLoader(headerFile),
	}, nil
}

// getDefaultHeaders 返回系统默认头部
func getDefaultHeaders() http.Header {
	return http.Header{
		"User-Agent":      []string{DefaultUserAgent},
		"Accept":          []string{"*/*"},
		"Accept-Encoding": []string{"gzip, deflate, br"},
	}
}

// load 加载配置文件、验证并合并,只执行一次
func (hm *HeaderManager) load() {
	hm.once.Do(func() {
		headerConfig, err := hm.configLoader.LoadConfig()
		if err != nil {
			utils.Errorf("加载HTTP头部配置失败: %v", err)
			hm.loadErr = err
			return
		}
		for name, value := range headerConfig.Headers {
			hm.config.Set(name, value)
		}

		if err := hm.Validate(); err != nil {
			hm.loadErr = err
			return
		}

		hm.merged = hm.mergeHeaders()
		utils.Debugf("HTTP头部: %s", utils.ToString(hm.redactor.RedactHeaders(hm.merged)))
	})
}

// Validate 验证所有头部的合法性
// 验证顺序: 默认 → 配置 → 命令行
func (hm *HeaderManager) Validate() error {
	sources := []struct {
		name    string
		headers http.Header
	}{
		{"默认", hm.defaults},
		{"配置文件", hm.config},
		{"命令行", hm.cli},
	}
	for _, src := range sources {
		if err := hm.validator.Validate(src.headers); err != nil {
			utils.Errorf("%s头部验证失败: %v", src.name, err)
			return err
		}
	}
	return nil
}

// mergeHeaders 按优先级合并头部 (default < config < cli)
func (hm *HeaderManager) mergeHeaders() http.Header {
	result := make(http.Header)
	for _, src := range []http.Header{hm.defaults, hm.config, hm.cli} {
		for name, values := range src {
			result[name] = values
		}
	}
	return result
}

// GetSafeHeaders 返回脱敏后的头部 (用于日志与 validate 命令)
func (hm *HeaderManager) GetSafeHeaders() (map[string]string, error) {
	headers, err := hm.GetHeaders()
	if err != nil {
		return nil, err
	}
	return hm.redactor.RedactHeaders(headers), nil
}

// GetHeaders 实现 models.HeaderProvider 接口
func (hm *HeaderManager) GetHeaders() (http.Header, error) {
	hm.load()
	if hm.loadErr != nil {
		return nil, hm.loadErr
	}
	return hm.merged.Clone(), nil
}
