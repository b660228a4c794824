package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/RecoveryAshes/rulecrawl/internal/models"
	"github.com/RecoveryAshes/rulecrawl/internal/rules"
	"github.com/RecoveryAshes/rulecrawl/internal/utils"
	"gopkg.in/yaml.v3"
)

// DefaultDefinitionFile 默认爬取定义文件
const DefaultDefinitionFile = "crawl.yaml"

//go:embed crawl_template.yaml
var definitionTemplate []byte

// Definition 声明式爬取定义 (crawl.yaml)
//
// 示例:
//
//	seeds: ["https://example.com/list"]
//	levels:
//	  1:
//	    rules:
//	      - extract: {select: "a.item", limit: 20}
//	        actions:
//	          - keep: {name: title}
//	          - enqueue: {level: 2, url: "{href}"}
type Definition struct {
	Seeds         []string         `yaml:"seeds"`
	SeedsFile     string           `yaml:"seeds_file"`
	Login         *LoginDef        `yaml:"login"`
	DownloadCache *bool            `yaml:"download_cache"`
	Levels        map[int]LevelDef `yaml:"levels"`

	path string
}

// LoginDef 爬取前提交的登录表单
type LoginDef struct {
	URL  string            `yaml:"url"`
	Form map[string]string `yaml:"form"`
}

// LevelDef 某一级别的规则
type LevelDef struct {
	// Cache 为false时该级别不使用页面缓存
	Cache *bool     `yaml:"cache"`
	Rules []RuleDef `yaml:"rules"`
}

// RuleDef 一条规则: 抽取器 + 动作序列
type RuleDef struct {
	Extract *ExtractDef `yaml:"extract"`
	Actions []ActionDef `yaml:"actions"`
}

// ExtractDef 抽取器,select/regex/chain/noop 只能设置其一; 全部为空时等同 noop
type ExtractDef struct {
	Select string       `yaml:"select"`
	Limit  int          `yaml:"limit"`
	Regex  string       `yaml:"regex"`
	Chain  []ExtractDef `yaml:"chain"`
	Noop   bool         `yaml:"noop"`
}

// ActionDef 动作,enqueue/download/set/keep/log 只能设置其一
type ActionDef struct {
	Enqueue  *EnqueueDef  `yaml:"enqueue"`
	Download *DownloadDef `yaml:"download"`
	Set      *SetDef      `yaml:"set"`
	Keep     *KeepDef     `yaml:"keep"`
	Log      *string      `yaml:"log"`
}

// EnqueueDef 入队动作
type EnqueueDef struct {
	Level int    `yaml:"level"`
	URL   string `yaml:"url"`
}

// DownloadDef 下载动作
type DownloadDef struct {
	URL      string `yaml:"url"`
	Dir      string `yaml:"dir"`
	Filename string `yaml:"filename"`
}

// SetDef 写入数据
type SetDef struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
	Scope string `yaml:"scope"`
	Keep  bool   `yaml:"keep"`
}

// KeepDef 提升已有字段
type KeepDef struct {
	Name  string `yaml:"name"`
	Scope string `yaml:"scope"`
}

// Plan 编译后的爬取计划,可直接应用到引擎
type Plan struct {
	Seeds                []string
	Login                *LoginDef
	Rules                map[int][]rules.Rule
	NoPageCache          []int
	DisableDownloadCache bool
}

// Levels 已定义的级别(升序)
func (p *Plan) Levels() []int {
	levels := make([]int, 0, len(p.Rules))
	for level := range p.Rules {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	return levels
}

// LoadDefinition 读取并解析爬取定义文件
func LoadDefinition(path string) (*Definition, error) {
	if path == "" {
		path = DefaultDefinitionFile
	}
	if err := validateFileSize(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &models.ConfigError{FilePath: path, Cause: err}
	}

	def, err := ParseDefinition(data)
	if err != nil {
		return nil, &models.ConfigError{FilePath: path, Cause: err}
	}
	def.path = path
	return def, nil
}

// ParseDefinition 严格解析YAML,未知字段视为错误
func ParseDefinition(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("爬取定义为空")
		}
		return nil, fmt.Errorf("解析爬取定义失败: %w", err)
	}
	return &def, nil
}

// Compile 校验并编译为爬取计划
// 选择器与正则在此处编译,错误在爬取开始前暴露
func (d *Definition) Compile() (*Plan, error) {
	plan := &Plan{
		Seeds: append([]string(nil), d.Seeds...),
		Login: d.Login,
		Rules: make(map[int][]rules.Rule, len(d.Levels)),
	}

	if d.SeedsFile != "" {
		seedsFile := d.SeedsFile
		// 相对路径以定义文件所在目录为基准
		if !filepath.IsAbs(seedsFile) && d.path != "" {
			seedsFile = filepath.Join(filepath.Dir(d.path), seedsFile)
		}
		urls, err := utils.ReadURLsFromFile(seedsFile)
		if err != nil {
			return nil, err
		}
		plan.Seeds = append(plan.Seeds, urls...)
	}
	for _, seed := range plan.Seeds {
		if err := models.ValidateURL(seed); err != nil {
			return nil, fmt.Errorf("种子URL无效 [%s]: %w", seed, err)
		}
	}

	if d.Login != nil {
		if err := models.ValidateURL(d.Login.URL); err != nil {
			return nil, fmt.Errorf("login.url 无效: %w", err)
		}
	}

	if len(d.Levels) == 0 {
		return nil, fmt.Errorf("至少需要定义一个级别 (levels)")
	}
	if _, ok := d.Levels[1]; !ok {
		return nil, fmt.Errorf("缺少级别 1 的规则(种子页面从级别 1 开始)")
	}

	for level, levelDef := range d.Levels {
		if level < 1 {
			return nil, fmt.Errorf("级别必须 >= 1: %d", level)
		}
		compiled := make([]rules.Rule, 0, len(levelDef.Rules))
		for i, ruleDef := range levelDef.Rules {
			rule, err := compileRule(ruleDef, d.Levels)
			if err != nil {
				return nil, fmt.Errorf("级别 %d 规则 %d: %w", level, i+1, err)
			}
			compiled = append(compiled, rule)
		}
		plan.Rules[level] = compiled
		if levelDef.Cache != nil && !*levelDef.Cache {
			plan.NoPageCache = append(plan.NoPageCache, level)
		}
	}
	sort.Ints(plan.NoPageCache)

	if d.DownloadCache != nil && !*d.DownloadCache {
		plan.DisableDownloadCache = true
	}
	return plan, nil
}

func compileRule(def RuleDef, levels map[int]LevelDef) (rules.Rule, error) {
	var extractor rules.Extractor = rules.Noop{}
	if def.Extract != nil {
		var err error
		if extractor, err = compileExtractor(*def.Extract); err != nil {
			return rules.Rule{}, err
		}
	}

	actions := make([]rules.Action, 0, len(def.Actions))
	for i, actionDef := range def.Actions {
		action, err := compileAction(actionDef, levels)
		if err != nil {
			return rules.Rule{}, fmt.Errorf("动作 %d: %w", i+1, err)
		}
		actions = append(actions, action)
	}
	if len(actions) == 0 {
		return rules.Rule{}, fmt.Errorf("规则没有任何动作")
	}
	return rules.NewRule(extractor, actions...), nil
}

func compileExtractor(def ExtractDef) (rules.Extractor, error) {
	set := 0
	for _, present := range []bool{def.Select != "", def.Regex != "", len(def.Chain) > 0, def.Noop} {
		if present {
			set++
		}
	}
	if set > 1 {
		return nil, fmt.Errorf("extract 中 select/regex/chain/noop 只能设置一个")
	}
	if def.Limit != 0 && def.Select == "" {
		return nil, fmt.Errorf("limit 只能与 select 一起使用")
	}

	switch {
	case def.Select != "":
		return rules.NewSelect(def.Select, def.Limit)
	case def.Regex != "":
		return rules.NewRegex(def.Regex)
	case len(def.Chain) > 0:
		stages := make([]rules.Extractor, 0, len(def.Chain))
		for i, stageDef := range def.Chain {
			stage, err := compileExtractor(stageDef)
			if err != nil {
				return nil, fmt.Errorf("chain 第 %d 级: %w", i+1, err)
			}
			stages = append(stages, stage)
		}
		return rules.NewChain(stages...), nil
	default:
		return rules.Noop{}, nil
	}
}

func compileAction(def ActionDef, levels map[int]LevelDef) (rules.Action, error) {
	set := 0
	for _, present := range []bool{def.Enqueue != nil, def.Download != nil, def.Set != nil, def.Keep != nil, def.Log != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("每个动作必须且只能设置 enqueue/download/set/keep/log 之一")
	}

	switch {
	case def.Enqueue != nil:
		if def.Enqueue.URL == "" {
			return nil, fmt.Errorf("enqueue.url 不能为空")
		}
		if _, ok := levels[def.Enqueue.Level]; !ok {
			return nil, fmt.Errorf("enqueue.level %d 没有定义规则", def.Enqueue.Level)
		}
		return rules.Enqueue{Level: def.Enqueue.Level, URL: rules.Literal(def.Enqueue.URL)}, nil

	case def.Download != nil:
		if def.Download.URL == "" || def.Download.Dir == "" {
			return nil, fmt.Errorf("download.url 与 download.dir 不能为空")
		}
		action := rules.Download{URL: rules.Literal(def.Download.URL), Dir: rules.Literal(def.Download.Dir)}
		if def.Download.Filename != "" {
			action.Filename = rules.Literal(def.Download.Filename)
		}
		return action, nil

	case def.Set != nil:
		scope, err := rules.ParseScope(def.Set.Scope)
		if err != nil {
			return nil, err
		}
		if def.Set.Name == "" {
			return nil, fmt.Errorf("set.name 不能为空")
		}
		return rules.SetData{Scope: scope, Name: def.Set.Name, Value: rules.Literal(def.Set.Value), Keep: def.Set.Keep}, nil

	case def.Keep != nil:
		scope, err := rules.ParseScope(def.Keep.Scope)
		if err != nil {
			return nil, err
		}
		if def.Keep.Name == "" {
			return nil, fmt.Errorf("keep.name 不能为空")
		}
		return rules.KeepData{Scope: scope, Name: def.Keep.Name}, nil

	default:
		return logAction(*def.Log), nil
	}
}

// logAction 格式化消息并写入日志
func logAction(tmpl string) rules.Action {
	return rules.ActionFunc(func(ctx *models.Context, page *models.PageData, _ rules.Submitter) error {
		msg, err := rules.Format(tmpl, ctx)
		if err != nil {
			return err
		}
		utils.Infof("[L%d] %s", page.Level, msg)
		return nil
	})
}

// WriteDefinitionTemplate 写入爬取定义模板
func WriteDefinitionTemplate(path string, force bool) error {
	if path == "" {
		path = DefaultDefinitionFile
	}
	return writeTemplate(path, definitionTemplate, force)
}
