package rules

import (
	"fmt"
	"iter"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/RecoveryAshes/rulecrawl/internal/models"
)

// Extractor 抽取器: 页面文本 → 惰性上下文序列
type Extractor interface {
	Extract(text string, page *models.PageData) iter.Seq2[*models.Context, error]
}

// Collect 将抽取结果一次性收集为有序切片
// #len 需要在分发前确定,因此每条规则只物化一次
func Collect(seq iter.Seq2[*models.Context, error]) ([]*models.Context, error) {
	items := make([]*models.Context, 0)
	for ctx, err := range seq {
		if err != nil {
			return nil, err
		}
		items = append(items, ctx)
	}
	return items, nil
}

// Select 元素选择抽取器
// 每个选中元素生成一个上下文: 全部属性 + #text + #html,位置值0为元素文本
type Select struct {
	selector string
	matcher  cascadia.Selector
	limit    int
}

// NewSelect 创建元素选择抽取器,limit<=0 表示不限制数量
// 选择器在注册时编译,语法错误立即返回
func NewSelect(selector string, limit int) (*Select, error) {
	matcher, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("无效的选择器 %q: %w", selector, err)
	}
	return &Select{selector: selector, matcher: matcher, limit: limit}, nil
}

// MustSelect 同 NewSelect,选择器无效时panic
func MustSelect(selector string, limit int) *Select {
	s, err := NewSelect(selector, limit)
	if err != nil {
		panic(err)
	}
	return s
}

// Extract 实现 Extractor 接口
func (s *Select) Extract(text string, _ *models.PageData) iter.Seq2[*models.Context, error] {
	return func(yield func(*models.Context, error) bool) {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
		if err != nil {
			yield(nil, fmt.Errorf("解析文档失败: %w", err))
			return
		}

		count := 0
		doc.FindMatcher(s.matcher).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if s.limit > 0 && count >= s.limit {
				return false
			}
			count++
			return yield(elementContext(sel), nil)
		})
	}
}

// elementContext 将单个元素转为上下文
func elementContext(sel *goquery.Selection) *models.Context {
	ctx := models.NewContext()
	if len(sel.Nodes) > 0 {
		for _, attr := range sel.Nodes[0].Attr {
			ctx.Set(attr.Key, attr.Val)
		}
	}
	text := sel.Text()
	ctx.Set(models.KeyText, text)
	if outer, err := goquery.OuterHtml(sel); err == nil {
		ctx.Set(models.KeyHTML, outer)
	}
	ctx.Values = []any{text}
	return ctx
}

// Regex 正则抽取器
// 每个不重叠匹配生成一个上下文,位置值为捕获分组(0为完整匹配),
// 同时以 #0 #1 ... 以及命名分组名作为字段
type Regex struct {
	re *regexp.Regexp
}

// NewRegex 创建正则抽取器
func NewRegex(pattern string) (*Regex, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("无效的正则表达式 %q: %w", pattern, err)
	}
	return &Regex{re: re}, nil
}

// MustRegex 同 NewRegex,表达式无效时panic
func MustRegex(pattern string) *Regex {
	r, err := NewRegex(pattern)
	if err != nil {
		panic(err)
	}
	return r
}

// Extract 实现 Extractor 接口
func (r *Regex) Extract(text string, _ *models.PageData) iter.Seq2[*models.Context, error] {
	return func(yield func(*models.Context, error) bool) {
		names := r.re.SubexpNames()
		for _, loc := range r.re.FindAllStringSubmatchIndex(text, -1) {
			ctx := models.NewContext()
			ctx.Values = make([]any, len(loc)/2)
			for g := 0; g < len(loc)/2; g++ {
				group := ""
				if loc[2*g] >= 0 {
					group = text[loc[2*g]:loc[2*g+1]]
				}
				ctx.Values[g] = group
				ctx.Set("#"+strconv.Itoa(g), group)
				if names[g] != "" {
					ctx.Set(names[g], group)
				}
			}
			if !yield(ctx, nil) {
				return
			}
		}
	}
}

// Chain 链式抽取器
// 前一阶段每个上下文的 Source() 作为下一阶段的输入文本,
// 下一阶段的上下文继承前一阶段的字段(同名时以下一阶段为准)
// 逐项惰性推进,不预先计算完整的中间序列
type Chain struct {
	stages []Extractor
}

// NewChain 创建链式抽取器
func NewChain(stages ...Extractor) *Chain {
	return &Chain{stages: stages}
}

// Extract 实现 Extractor 接口
func (c *Chain) Extract(text string, page *models.PageData) iter.Seq2[*models.Context, error] {
	if len(c.stages) == 0 {
		return Noop{}.Extract(text, page)
	}
	return chainStage(c.stages, text, page, nil)
}

func chainStage(stages []Extractor, text string, page *models.PageData, parent *models.Context) iter.Seq2[*models.Context, error] {
	return func(yield func(*models.Context, error) bool) {
		for ctx, err := range stages[0].Extract(text, page) {
			if err != nil {
				yield(nil, err)
				return
			}
			// 下一阶段只读取本阶段的输出,不含继承来的 #html/#text
			next := ctx.Source()
			if parent != nil {
				ctx.Fields = models.MergeData(parent.Fields, ctx.Fields)
			}
			if len(stages) == 1 {
				if !yield(ctx, nil) {
					return
				}
				continue
			}
			for child, err := range chainStage(stages[1:], next, page, ctx) {
				if !yield(child, err) || err != nil {
					return
				}
			}
		}
	}
}

// ExtractFunc 自定义抽取函数
type ExtractFunc func(text string, page *models.PageData) ([]*models.Context, error)

// Extract 实现 Extractor 接口
func (f ExtractFunc) Extract(text string, page *models.PageData) iter.Seq2[*models.Context, error] {
	return func(yield func(*models.Context, error) bool) {
		items, err := f(text, page)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, ctx := range items {
			if ctx == nil {
				ctx = models.NewContext()
			}
			if !yield(ctx, nil) {
				return
			}
		}
	}
}

// Noop 空抽取器,每个页面恰好产生一个空上下文
type Noop struct{}

// Extract 实现 Extractor 接口
func (Noop) Extract(string, *models.PageData) iter.Seq2[*models.Context, error] {
	return func(yield func(*models.Context, error) bool) {
		yield(models.NewContext(), nil)
	}
}
