package models

import (
	"fmt"
	"strings"
)

// 保留键名
const (
	KeyIndex = "#index" // 当前条目在同级条目中的序号(从1开始)
	KeyLen   = "#len"   // 同级条目总数
	KeyText  = "#text"  // 元素文本
	KeyHTML  = "#html"  // 元素外层HTML
	KeyURL   = "#url"   // 所属页面URL
	KeyInner = "#inner" // 条目内作用域
	KeyOuter = "#outer" // 提升作用域(传递给下一级页面)
)

// Data 作用域数据
type Data map[string]any

// Clone 浅拷贝
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge 合并数据,src中的键覆盖已有键
func (d Data) Merge(src Data) Data {
	for k, v := range src {
		d[k] = v
	}
	return d
}

// MergeData 按顺序合并多个作用域,后者优先
func MergeData(layers ...Data) Data {
	out := make(Data)
	for _, layer := range layers {
		out.Merge(layer)
	}
	return out
}

// Context 单个抽取条目的上下文
// 包含:
//   - Fields: 命名字段(元素属性、正则分组、合并进来的页面数据)
//   - Values: 位置值(正则捕获分组,0为完整匹配)
//   - Inner: #inner 作用域,仅对同一条目的后续动作可见
//   - Outer: #outer 作用域,入队时随任务传递给下一级页面
type Context struct {
	Fields Data
	Values []any
	Inner  Data
	Outer  Data
}

// NewContext 创建空上下文,#inner/#outer 始终存在
func NewContext() *Context {
	return &Context{
		Fields: make(Data),
		Inner:  make(Data),
		Outer:  make(Data),
	}
}

// Set 设置命名字段
func (c *Context) Set(name string, value any) {
	c.Fields[name] = value
}

// Lookup 按名称查找值
// 查找顺序: #inner → #outer → Fields
// 支持 "#inner.name" / "#outer.name" 显式指定作用域
func (c *Context) Lookup(name string) (any, bool) {
	if scope, key, ok := strings.Cut(name, "."); ok {
		switch scope {
		case KeyInner:
			v, found := c.Inner[key]
			return v, found
		case KeyOuter:
			v, found := c.Outer[key]
			return v, found
		}
	}
	if v, ok := c.Inner[name]; ok {
		return v, true
	}
	if v, ok := c.Outer[name]; ok {
		return v, true
	}
	v, ok := c.Fields[name]
	return v, ok
}

// Get 按名称读取值,未设置时返回 MissingKeyError
func (c *Context) Get(name string) (any, error) {
	v, ok := c.Lookup(name)
	if !ok {
		return nil, &MissingKeyError{Key: name}
	}
	return v, nil
}

// GetString 读取值并转为字符串
func (c *Context) GetString(name string) (string, error) {
	v, err := c.Get(name)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// Positional 读取位置值
func (c *Context) Positional(i int) (any, error) {
	if i < 0 || i >= len(c.Values) {
		return nil, &MissingKeyError{Key: fmt.Sprintf("%d", i)}
	}
	return c.Values[i], nil
}

// Source 返回作为链式抽取下一阶段输入的文本
// 优先级: #html → #text → 位置值0
func (c *Context) Source() string {
	if v, ok := c.Fields[KeyHTML]; ok {
		return Stringify(v)
	}
	if v, ok := c.Fields[KeyText]; ok {
		return Stringify(v)
	}
	if len(c.Values) > 0 {
		return Stringify(c.Values[0])
	}
	return ""
}

// Clone 拷贝上下文(各作用域均为浅拷贝)
func (c *Context) Clone() *Context {
	values := make([]any, len(c.Values))
	copy(values, c.Values)
	return &Context{
		Fields: c.Fields.Clone(),
		Values: values,
		Inner:  c.Inner.Clone(),
		Outer:  c.Outer.Clone(),
	}
}

// Stringify 将任意值转为字符串
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// PageData 页面级临时数据,与具体条目无关
//   - Inner: 同一页面内所有条目可见(每页只计算一次的数据)
//   - Outer: 合并进本页面入队的所有任务的 last_page_data
//   - Inherited: 入队本页面的任务传递下来的 last_page_data
type PageData struct {
	URL       string
	Level     int
	Inherited Data
	Inner     Data
	Outer     Data
}

// NewPageData 创建页面数据
func NewPageData(pageURL string, level int, inherited Data) *PageData {
	if inherited == nil {
		inherited = make(Data)
	}
	return &PageData{
		URL:       pageURL,
		Level:     level,
		Inherited: inherited,
		Inner:     make(Data),
		Outer:     make(Data),
	}
}

// Promoted 本页面入队任务应携带的 last_page_data
// 优先级: 继承数据 < 页面#outer < 条目#outer
func (p *PageData) Promoted(item *Context) Data {
	var itemOuter Data
	if item != nil {
		itemOuter = item.Outer
	}
	return MergeData(p.Inherited, p.Outer, itemOuter)
}

// NewItemContext 为第i个(从0开始)条目构建上下文
// 依次合并: 抽取器字段 → #index/#len → 新的#inner/#outer → 继承数据 → 页面#inner → 页面#outer
// 后合并者优先
func (p *PageData) NewItemContext(extracted *Context, i, n int) *Context {
	ctx := &Context{
		Fields: make(Data),
		Inner:  make(Data),
		Outer:  make(Data),
	}
	if extracted != nil {
		ctx.Fields.Merge(extracted.Fields)
		ctx.Values = extracted.Values
	}
	ctx.Fields[KeyIndex] = i + 1
	ctx.Fields[KeyLen] = n
	ctx.Fields[KeyURL] = p.URL
	ctx.Fields.Merge(p.Inherited).Merge(p.Inner).Merge(p.Outer)
	return ctx
}
