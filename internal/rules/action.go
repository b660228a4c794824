package rules

import (
	"fmt"
	"net/url"
	"path"

	"github.com/RecoveryAshes/rulecrawl/internal/models"
)

// Submitter 任务提交接口,由引擎实现
// 返回false表示任务因去重或队列关闭未被接受
type Submitter interface {
	SubmitPage(level int, pageURL string, lastPageData models.Data) bool
	SubmitDownload(fileURL, dir, filename string) bool
}

// Action 动作: 消费一个上下文(以及页面数据)并产生副作用
// 返回错误时中止该条目剩余的动作,不影响同页其他条目
type Action interface {
	Act(ctx *models.Context, page *models.PageData, sub Submitter) error
}

// Scope 数据作用域
type Scope int

const (
	ScopeItem Scope = iota // 条目级(Context的#inner/#outer)
	ScopePage              // 页面级(PageData的#inner/#outer)
)

// String 实现 fmt.Stringer
func (s Scope) String() string {
	if s == ScopePage {
		return "page"
	}
	return "item"
}

// ParseScope 解析作用域名称
func ParseScope(name string) (Scope, error) {
	switch name {
	case "", "item":
		return ScopeItem, nil
	case "page":
		return ScopePage, nil
	default:
		return ScopeItem, fmt.Errorf("无效的作用域: %s (有效值: item, page)", name)
	}
}

// targetScope 根据作用域和keep选择写入目标
func targetScope(scope Scope, keep bool, ctx *models.Context, page *models.PageData) models.Data {
	switch {
	case scope == ScopePage && keep:
		return page.Outer
	case scope == ScopePage:
		return page.Inner
	case keep:
		return ctx.Outer
	default:
		return ctx.Inner
	}
}

// Enqueue 将解析出的URL作为指定级别的页面任务入队
// 新任务的 last_page_data = 继承数据 < 页面#outer < 条目#outer
type Enqueue struct {
	Level int
	URL   Value
}

// Act 实现 Action 接口
func (e Enqueue) Act(ctx *models.Context, page *models.PageData, sub Submitter) error {
	raw, err := ResolveString(e.URL, ctx)
	if err != nil {
		return fmt.Errorf("解析入队URL失败: %w", err)
	}
	target, err := models.ResolveURL(page.URL, raw)
	if err != nil {
		return err
	}
	sub.SubmitPage(e.Level, target, page.Promoted(ctx))
	return nil
}

// Download 下载文件
// 模板上下文在条目上下文基础上追加 basename / ext / n
type Download struct {
	URL      Value
	Dir      Value
	Filename Value // 为空时使用 {basename}
}

// Act 实现 Action 接口
func (d Download) Act(ctx *models.Context, page *models.PageData, sub Submitter) error {
	raw, err := ResolveString(d.URL, ctx)
	if err != nil {
		return fmt.Errorf("解析下载URL失败: %w", err)
	}
	target, err := models.ResolveURL(page.URL, raw)
	if err != nil {
		return err
	}

	ext := ctx.Clone()
	basename := urlBasename(target)
	ext.Set("basename", basename)
	ext.Set("ext", path.Ext(basename))
	if idx, ok := ctx.Fields[models.KeyIndex]; ok {
		ext.Set("n", idx)
	}

	dir, err := ResolveString(d.Dir, ext)
	if err != nil {
		return fmt.Errorf("解析下载目录失败: %w", err)
	}
	filenameRule := d.Filename
	if filenameRule == nil {
		filenameRule = Literal("{basename}")
	}
	filename, err := ResolveString(filenameRule, ext)
	if err != nil {
		return fmt.Errorf("解析文件名失败: %w", err)
	}

	sub.SubmitDownload(target, dir, filename)
	return nil
}

// urlBasename 取URL路径的最后一段
func urlBasename(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	base := path.Base(p)
	if base == "/" || base == "." || base == "" {
		return "index"
	}
	return base
}

// SetData 写入数据
// Scope 选择条目或页面, Keep 为真写入#outer, 否则写入#inner
type SetData struct {
	Scope Scope
	Name  string
	Value Value
	Keep  bool
}

// Act 实现 Action 接口
func (s SetData) Act(ctx *models.Context, page *models.PageData, _ Submitter) error {
	v, err := s.Value.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("计算数据 %q 失败: %w", s.Name, err)
	}
	targetScope(s.Scope, s.Keep, ctx, page)[s.Name] = v
	return nil
}

// KeepData 将已有字段提升到对应的#outer作用域,无需重新计算
type KeepData struct {
	Scope Scope
	Name  string
}

// Act 实现 Action 接口
func (k KeepData) Act(ctx *models.Context, page *models.PageData, _ Submitter) error {
	v, err := ctx.Get(k.Name)
	if err != nil {
		return err
	}
	targetScope(k.Scope, true, ctx, page)[k.Name] = v
	return nil
}

// ActionFunc 自定义动作函数
type ActionFunc func(ctx *models.Context, page *models.PageData, sub Submitter) error

// Act 实现 Action 接口
func (f ActionFunc) Act(ctx *models.Context, page *models.PageData, sub Submitter) error {
	return f(ctx, page, sub)
}

// NoopAction 空动作
type NoopAction struct{}

// Act 实现 Action 接口
func (NoopAction) Act(*models.Context, *models.PageData, Submitter) error {
	return nil
}
