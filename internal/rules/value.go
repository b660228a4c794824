package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/RecoveryAshes/rulecrawl/internal/models"
)

// Value 规则字段: 字面量模板或计算函数
// Enqueue/Download/SetData 的 URL、目录、文件名、值字段统一通过 Resolve 求值
type Value interface {
	Resolve(ctx *models.Context) (any, error)
}

// Literal 字面量模板,支持 {name} 命名替换和 {0} 位置替换
type Literal string

// Resolve 对上下文执行模板替换
func (l Literal) Resolve(ctx *models.Context) (any, error) {
	return Format(string(l), ctx)
}

// Computed 计算函数,接收上下文返回任意值
type Computed func(ctx *models.Context) (any, error)

// Resolve 调用计算函数
func (f Computed) Resolve(ctx *models.Context) (any, error) {
	return f(ctx)
}

// Field 直接读取上下文字段的原始值(不做字符串化)
func Field(name string) Value {
	return Computed(func(ctx *models.Context) (any, error) {
		return ctx.Get(name)
	})
}

// ResolveString 求值并转为字符串
func ResolveString(v Value, ctx *models.Context) (string, error) {
	if v == nil {
		return "", fmt.Errorf("规则字段未设置")
	}
	out, err := v.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return models.Stringify(out), nil
}

// Format 模板替换
// 语法:
//   - {name}: 命名字段,查找顺序同 Context.Lookup
//   - {0} {1}: 位置值(正则捕获分组)
//   - {}: 自动编号的位置值
//   - {{ }}: 字面量花括号,不做任何求值
//
// 引用未设置的键返回 MissingKeyError
func Format(tmpl string, ctx *models.Context) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))
	auto := 0

	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				b.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("模板缺少右花括号: %q", tmpl)
			}
			field := tmpl[i+1 : i+1+end]
			if field == "" {
				field = strconv.Itoa(auto)
				auto++
			}
			v, err := lookupField(field, ctx)
			if err != nil {
				return "", err
			}
			b.WriteString(models.Stringify(v))
			i += end + 2
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i += 2
				continue
			}
			return "", fmt.Errorf("模板中出现未配对的右花括号: %q", tmpl)
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

// lookupField 数字为位置值,其余按名称查找
func lookupField(field string, ctx *models.Context) (any, error) {
	if ctx == nil {
		return nil, &models.MissingKeyError{Key: field}
	}
	if n, err := strconv.Atoi(field); err == nil {
		return ctx.Positional(n)
	}
	return ctx.Get(field)
}
