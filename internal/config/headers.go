package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/RecoveryAshes/rulecrawl/internal/models"
	"github.com/RecoveryAshes/rulecrawl/internal/utils"
	"github.com/spf13/viper"
)

const (
	// DefaultHeaderFile 默认HTTP头部配置文件路径
	DefaultHeaderFile = "configs/headers.yaml"

	// MaxConfigFileSize 配置文件最大大小 (1MB)
	MaxConfigFileSize = 1 * 1024 * 1024
)

//go:embed headers_template.yaml
var headerTemplate []byte

// HeaderConfigLoader HTTP头部配置文件加载器
type HeaderConfigLoader struct {
	configPath string
}

// NewHeaderConfigLoader 创建加载器,configPath为空时使用默认路径
func NewHeaderConfigLoader(configPath string) *HeaderConfigLoader {
	if configPath == "" {
		configPath = DefaultHeaderFile
	}
	return &HeaderConfigLoader{configPath: configPath}
}

// Path 配置文件路径
func (hcl *HeaderConfigLoader) Path() string {
	return hcl.configPath
}

// WriteTemplate 写入头部配置模板
// 文件已存在且 force 为false时返回错误
func (hcl *HeaderConfigLoader) WriteTemplate(force bool) error {
	return writeTemplate(hcl.configPath, headerTemplate, force)
}

// ValidateFileSize 验证配置文件大小是否在限制内
func (hcl *HeaderConfigLoader) ValidateFileSize() error {
	return validateFileSize(hcl.configPath)
}

// LoadConfig 加载配置文件并解析为HeaderConfig
// 执行流程:
//  1. 文件不存在时返回空配置(只使用默认头部与命令行头部)
//  2. 验证文件大小
//  3. 使用Viper解析YAML并绑定到结构体
func (hcl *HeaderConfigLoader) LoadConfig() (*models.HeaderConfig, error) {
	empty := &models.HeaderConfig{Headers: make(map[string]string)}

	if _, err := os.Stat(hcl.configPath); errors.Is(err, fs.ErrNotExist) {
		utils.Debugf("HTTP头部配置文件不存在 [%s], 使用默认头部", hcl.configPath)
		return empty, nil
	}

	if err := hcl.ValidateFileSize(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(hcl.configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// 配置文件被其他进程锁定时降级为默认头部
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
			utils.Warnf("配置文件被锁定 [%s], 使用默认头部", hcl.configPath)
			return empty, nil
		}
		return nil, &models.ConfigError{FilePath: hcl.configPath, Cause: err}
	}

	var config models.HeaderConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, &models.ConfigError{
			FilePath: hcl.configPath,
			Cause:    fmt.Errorf("配置绑定失败: %w", err),
		}
	}
	if config.Headers == nil {
		config.Headers = make(map[string]string)
	}
	return &config, nil
}

// validateFileSize 配置文件超过 MaxConfigFileSize 时返回 ConfigError
func validateFileSize(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("无法读取配置文件信息 [%s]: %w", path, err)
	}
	if info.Size() > MaxConfigFileSize {
		return &models.ConfigError{
			FilePath: path,
			Cause: fmt.Errorf("配置文件过大: %d 字节 (最大 %d 字节)",
				info.Size(), MaxConfigFileSize),
		}
	}
	return nil
}

// writeTemplate 写入模板文件,按需创建目录
func writeTemplate(path string, content []byte, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("文件已存在 [%s], 使用 --force 覆盖", path)
		}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建配置目录 [%s]: %w", dir, err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("无法生成配置文件 [%s]: %w", path, err)
	}
	return nil
}
