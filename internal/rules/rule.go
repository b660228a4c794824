package rules

import (
	"sort"
	"sync"

	"github.com/RecoveryAshes/rulecrawl/internal/models"
)

// Rule 抽取器与动作序列
type Rule struct {
	Extractor Extractor
	Actions   []Action
}

// NewRule 创建规则,单个或多个动作在注册时统一规范为有序序列
func NewRule(extractor Extractor, actions ...Action) Rule {
	if extractor == nil {
		extractor = Noop{}
	}
	normalized := make([]Action, 0, len(actions))
	for _, a := range actions {
		if a != nil {
			normalized = append(normalized, a)
		}
	}
	return Rule{Extractor: extractor, Actions: normalized}
}

// Table 按页面级别组织的规则表
type Table struct {
	mu     sync.RWMutex
	levels map[int][]Rule
}

// NewTable 创建空规则表
func NewTable() *Table {
	return &Table{levels: make(map[int][]Rule)}
}

// Set 设置某一级别的规则(覆盖已有规则)
func (t *Table) Set(level int, rules ...Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.levels[level] = append([]Rule(nil), rules...)
}

// Get 获取某一级别的规则,未注册时返回 MissingRuleError
func (t *Table) Get(level int) ([]Rule, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rules, ok := t.levels[level]
	if !ok {
		return nil, &models.MissingRuleError{Level: level}
	}
	return rules, nil
}

// Levels 已注册的级别(升序)
func (t *Table) Levels() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	levels := make([]int, 0, len(t.levels))
	for level := range t.levels {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	return levels
}
