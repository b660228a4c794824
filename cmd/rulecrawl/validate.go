package main

import (
	"fmt"
	"sort"

	"github.com/RecoveryAshes/rulecrawl/internal/config"
	"github.com/RecoveryAshes/rulecrawl/internal/core"
	"github.com/RecoveryAshes/rulecrawl/internal/utils"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [crawl.yaml]",
	Short: "验证爬取定义与HTTP头部配置",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultDefinitionFile
		if len(args) > 0 {
			path = args[0]
		}

		utils.Infof("🔍 验证爬取定义: %s", path)
		plan, err := loadPlan(path)
		if err != nil {
			return err
		}
		describePlan(plan)

		if showHeaders {
			if err := validateHeaders(); err != nil {
				return err
			}
		}

		utils.Info("✅ 配置验证通过!")
		return nil
	},
}

// describePlan 输出爬取计划概要
func describePlan(plan *config.Plan) {
	utils.Infof("种子URL: %d 个", len(plan.Seeds))
	for _, level := range plan.Levels() {
		utils.Infof("  级别 %d: %d 条规则", level, len(plan.Rules[level]))
	}
	if len(plan.NoPageCache) > 0 {
		utils.Infof("关闭页面缓存的级别: %v", plan.NoPageCache)
	}
	if plan.DisableDownloadCache {
		utils.Info("下载缓存: 关闭")
	}
	if plan.Login != nil {
		utils.Infof("登录: %s (%s)", plan.Login.URL,
			utils.ToString(utils.NewRedactor().RedactForm(plan.Login.Form)))
	}
}

// validateHeaders 验证并显示合并后的头部(脱敏)
func validateHeaders() error {
	headerManager, err := core.NewHeaderManager(headerFile, headers)
	if err != nil {
		return fmt.Errorf("创建HTTP头部管理器失败: %w", err)
	}
	safeHeaders, err := headerManager.GetSafeHeaders()
	if err != nil {
		return fmt.Errorf("HTTP头部验证失败: %w", err)
	}

	names := make([]string, 0, len(safeHeaders))
	for name := range safeHeaders {
		names = append(names, name)
	}
	sort.Strings(names)

	utils.Infof("当前有效的HTTP头部 (%d个):", len(safeHeaders))
	for _, name := range names {
		utils.Infof("  %s: %s", name, safeHeaders[name])
	}
	return nil
}
