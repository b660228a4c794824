package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/RecoveryAshes/rulecrawl/internal/config"
	"github.com/RecoveryAshes/rulecrawl/internal/core"
	"github.com/RecoveryAshes/rulecrawl/internal/utils"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 命令行参数
var (
	// 全局参数
	configFile  string
	headerFile  string
	verbose     bool
	logLevel    string
	headers     []string
	crawlFlags  core.CLIFlags
	definition  string
	extraSeeds  []string
	urlFile     string
	noReport    bool
	forceInit   bool
	showHeaders bool

	// appConfig 由 PersistentPreRunE 加载
	appConfig *core.Config
)

var rootCmd = &cobra.Command{
	Use:   "rulecrawl [crawl.yaml]",
	Short: "规则驱动的网页爬取引擎",
	Long: `rulecrawl - 规则驱动的网页爬取引擎

按级别组织的规则从页面中抽取数据,并据此调度后续页面抓取与文件下载:
  • 选择器 / 正则 / 链式抽取
  • 数据在条目、页面、下一级页面之间传递
  • 任务去重、页面缓存、下载缓存
  • 固定并发的worker池与请求间隔
  • 静态抓取(Colly)或浏览器渲染(go-rod)

示例:
  # 生成爬取定义与头部配置模板
  rulecrawl init

  # 按定义文件爬取
  rulecrawl crawl.yaml -w 8 --interval 1

  # 追加种子URL并使用自定义头部
  rulecrawl crawl.yaml -u https://example.com/list -H "Cookie: session=abc"

  # 检查定义文件
  rulecrawl validate crawl.yaml

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version:       Version,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		crawlFlags.LogLevel = logLevel
		if verbose && logLevel == "" {
			crawlFlags.LogLevel = "debug"
		}
		crawlFlags.Changed = changedFlags(cmd)
		if err := cfg.MergeCLIFlags(crawlFlags); err != nil {
			return fmt.Errorf("参数无效: %w", err)
		}

		if err := utils.InitLogger(cfg.ToLogConfig()); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}
		appConfig = cfg
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			definition = args[0]
		}
		if definition == "" {
			if _, err := os.Stat(config.DefaultDefinitionFile); err != nil {
				return cmd.Help()
			}
		}
		return runCrawl(cmd.Context())
	},
}

// changedFlags 收集显式设置的参数名
func changedFlags(cmd *cobra.Command) map[string]bool {
	changed := make(map[string]bool)
	for _, name := range []string{"workers", "interval", "status-interval", "page-cache", "fetcher", "timeout", "log-dir", "report-dir"} {
		if cmd.Flags().Changed(name) {
			changed[name] = true
		}
	}
	return changed
}

// runCrawl 加载爬取定义并运行引擎
func runCrawl(parent context.Context) error {
	plan, err := loadPlan(definition)
	if err != nil {
		return err
	}

	if urlFile != "" {
		urls, err := utils.ReadURLsFromFile(urlFile)
		if err != nil {
			return fmt.Errorf("读取URL文件失败: %w", err)
		}
		plan.Seeds = append(plan.Seeds, urls...)
	}
	plan.Seeds = append(plan.Seeds, extraSeeds...)

	headerManager, err := core.NewHeaderManager(headerFile, headers)
	if err != nil {
		return fmt.Errorf("创建HTTP头部管理器失败: %w", err)
	}
	if _, err := headerManager.GetHeaders(); err != nil {
		return fmt.Errorf("HTTP头部配置无效: %w", err)
	}

	transport, err := core.NewTransport(appConfig.Crawl, headerManager)
	if err != nil {
		return fmt.Errorf("创建抓取器失败: %w", err)
	}
	defer transport.Close()

	engine, err := core.NewEngine(appConfig.Crawl, transport)
	if err != nil {
		return err
	}
	if err := engine.ApplyPlan(plan); err != nil {
		return err
	}

	// Ctrl+C / SIGTERM 取消爬取,已完成的统计照常输出
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if plan.Login != nil {
		if err := engine.Authenticate(ctx, plan.Login.URL, plan.Login.Form); err != nil {
			return err
		}
	}

	stats, runErr := engine.Run(ctx)
	utils.PrintSummary(stats)

	if appConfig.Output.ReportDir != "" && !noReport {
		reporter := utils.NewReporter(appConfig.Output.ReportDir)
		if _, err := reporter.GenerateReport(utils.CrawlReport{
			Stats:  stats,
			Seeds:  engine.Seeds(),
			Levels: engine.Levels(),
			Config: engine.Config(),
		}); err != nil {
			utils.Errorf("生成报告失败: %v", err)
		}
	}

	if runErr != nil {
		if stats.Cancelled && errors.Is(runErr, context.Canceled) {
			utils.Warn("爬取已中断")
			return nil
		}
		return fmt.Errorf("爬取失败: %w", runErr)
	}
	utils.Info("✨ 爬取任务完成!")
	return nil
}

// loadPlan 读取并编译爬取定义
func loadPlan(path string) (*config.Plan, error) {
	def, err := config.LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	plan, err := def.Compile()
	if err != nil {
		return nil, fmt.Errorf("爬取定义无效: %w", err)
	}
	return plan, nil
}

var initCmd = &cobra.Command{
	Use:   "init [crawl.yaml]",
	Short: "生成爬取定义与HTTP头部配置模板",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultDefinitionFile
		if len(args) > 0 {
			path = args[0]
		}
		if err := config.WriteDefinitionTemplate(path, forceInit); err != nil {
			return err
		}
		utils.Infof("✅ 已生成爬取定义: %s", path)

		loader := config.NewHeaderConfigLoader(headerFile)
		if err := loader.WriteTemplate(forceInit); err != nil {
			utils.Warnf("跳过头部配置: %v", err)
		} else {
			utils.Infof("✅ 已生成HTTP头部配置: %s", loader.Path())
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rulecrawl %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径 (默认搜索 ./configs, ., ~/.rulecrawl 下的 config.yaml)")
	rootCmd.PersistentFlags().StringVar(&headerFile, "headers-config", "", "HTTP头部配置文件 (默认 configs/headers.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出模式")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringSliceVarP(&headers, "header", "H", []string{}, "自定义HTTP头部,格式: 'Name: Value',可多次指定")

	// 爬取参数
	flags := rootCmd.Flags()
	flags.StringVarP(&definition, "definition", "d", "", "爬取定义文件 (默认 crawl.yaml)")
	flags.StringSliceVarP(&extraSeeds, "url", "u", nil, "追加种子URL,可多次指定")
	flags.StringVarP(&urlFile, "url-file", "f", "", "包含种子URL列表的文件")
	flags.IntVarP(&crawlFlags.Workers, "workers", "w", 4, "并发worker数量")
	flags.Float64Var(&crawlFlags.RequestInterval, "interval", 0.5, "每次实际请求后的等待时间(秒)")
	flags.Float64Var(&crawlFlags.StatusInterval, "status-interval", 5, "状态输出间隔(秒), 0 表示不输出")
	flags.StringVar(&crawlFlags.PageCacheDir, "page-cache", "", "页面缓存目录 (为空不缓存)")
	flags.BoolVar(&crawlFlags.NoDownloadCache, "no-download-cache", false, "目标文件已存在时仍重新下载")
	flags.StringVar(&crawlFlags.Fetcher, "fetcher", "static", "抓取方式 (static|browser)")
	flags.IntVar(&crawlFlags.Timeout, "timeout", 30, "单次请求超时(秒)")
	flags.BoolVar(&crawlFlags.Headed, "headed", false, "显示浏览器窗口 (fetcher=browser)")
	flags.BoolVar(&crawlFlags.Progress, "progress", false, "显示进度条")
	flags.StringVar(&crawlFlags.LogDir, "log-dir", "", "日志目录 (为空只输出到控制台)")
	flags.StringVar(&crawlFlags.ReportDir, "report-dir", "", "运行报告目录")
	flags.BoolVar(&noReport, "no-report", false, "不生成运行报告")

	initCmd.Flags().BoolVar(&forceInit, "force", false, "覆盖已存在的文件")
	validateCmd.Flags().BoolVar(&showHeaders, "headers", true, "同时验证HTTP头部配置")

	rootCmd.AddCommand(initCmd, validateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
