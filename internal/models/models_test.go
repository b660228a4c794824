package models

import (
	"testing"
	"time"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"有效的HTTP URL", "http://example.com", false},
		{"有效的HTTPS URL", "https://example.com", false},
		{"带路径的URL", "https://example.com/path/to/resource", false},
		{"无效的协议", "ftp://example.com", true},
		{"无效的URL", "not a url", true},
		{"空URL", "", true},
		{"无协议", "example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		ref  string
		want string
	}{
		{"相对路径", "https://example.com/list/index.html", "item/1", "https://example.com/list/item/1"},
		{"根路径", "https://example.com/list/", "/img/a.png", "https://example.com/img/a.png"},
		{"绝对URL", "https://example.com/", "https://cdn.example.net/a.js", "https://cdn.example.net/a.js"},
		{"无基准", "", "/a", "/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveURL(tt.base, tt.ref)
			if err != nil {
				t.Fatalf("ResolveURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveURL() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCrawlConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *CrawlConfig)
		wantErr bool
	}{
		{"默认配置", func(c *CrawlConfig) {}, false},
		{"worker数量为0", func(c *CrawlConfig) { c.WorkerCount = 0 }, true},
		{"请求间隔为负数", func(c *CrawlConfig) { c.RequestInterval = -1 }, true},
		{"状态间隔为负数", func(c *CrawlConfig) { c.StatusInterval = -0.1 }, true},
		{"浏览器抓取", func(c *CrawlConfig) { c.Fetcher = FetcherBrowser }, false},
		{"未知抓取方式", func(c *CrawlConfig) { c.Fetcher = "curl" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultCrawlConfig()
			tt.mutate(&config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCrawlConfig_Delays(t *testing.T) {
	config := CrawlConfig{RequestInterval: 0.25, StatusInterval: 2}
	if got := config.RequestDelay(); got != 250*time.Millisecond {
		t.Errorf("RequestDelay() = %v, want 250ms", got)
	}
	if got := config.StatusDelay(); got != 2*time.Second {
		t.Errorf("StatusDelay() = %v, want 2s", got)
	}
}

func TestContext_Lookup(t *testing.T) {
	ctx := NewContext()
	ctx.Set("title", "字段")
	ctx.Set("href", "/a")
	ctx.Outer["title"] = "提升"
	ctx.Inner["tmp"] = 1

	v, err := ctx.Get("title")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if v != "提升" {
		t.Errorf("#outer应优先于字段: got %v", v)
	}

	v, err = ctx.Get("#inner.tmp")
	if err != nil || v != 1 {
		t.Errorf("Get(#inner.tmp) = %v, %v", v, err)
	}

	if _, err := ctx.Get("#outer.href"); !IsMissingKey(err) {
		t.Errorf("#outer中不存在href,应返回MissingKeyError: %v", err)
	}

	if _, err := ctx.Get("missing"); !IsMissingKey(err) {
		t.Errorf("未设置的键应返回MissingKeyError: %v", err)
	}
}

func TestContext_Source(t *testing.T) {
	ctx := NewContext()
	ctx.Values = []any{"匹配"}
	if got := ctx.Source(); got != "匹配" {
		t.Errorf("Source() = %q, want 位置值0", got)
	}
	ctx.Set(KeyText, "文本")
	if got := ctx.Source(); got != "文本" {
		t.Errorf("Source() = %q, want #text", got)
	}
	ctx.Set(KeyHTML, "<b>文本</b>")
	if got := ctx.Source(); got != "<b>文本</b>" {
		t.Errorf("Source() = %q, want #html", got)
	}
}

func TestContext_CloneIsolation(t *testing.T) {
	ctx := NewContext()
	ctx.Set("a", 1)
	clone := ctx.Clone()
	clone.Set("a", 2)
	clone.Inner["x"] = true

	if ctx.Fields["a"] != 1 {
		t.Errorf("修改拷贝不应影响原上下文")
	}
	if len(ctx.Inner) != 0 {
		t.Errorf("原上下文#inner应为空")
	}
}

func TestMergeData(t *testing.T) {
	merged := MergeData(
		Data{"a": 1, "b": 1},
		Data{"b": 2, "c": 2},
		Data{"c": 3},
	)
	want := Data{"a": 1, "b": 2, "c": 3}
	for k, v := range want {
		if merged[k] != v {
			t.Errorf("merged[%s] = %v, want %v", k, merged[k], v)
		}
	}
}

func TestCliHeaders_Parse(t *testing.T) {
	headers, err := CliHeaders{"User-Agent: Bot/1.0", "X-Token:abc"}.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if headers.Get("User-Agent") != "Bot/1.0" {
		t.Errorf("User-Agent = %q", headers.Get("User-Agent"))
	}
	if headers.Get("X-Token") != "abc" {
		t.Errorf("X-Token = %q", headers.Get("X-Token"))
	}

	if _, err := (CliHeaders{"无冒号"}).Parse(); err == nil {
		t.Error("缺少冒号应返回错误")
	}
	if _, err := (CliHeaders{": value"}).Parse(); err == nil {
		t.Error("空名称应返回错误")
	}
}

func TestRunStats_JSON(t *testing.T) {
	stats := &RunStats{
		RunID:     GenerateID(),
		StartedAt: time.Now(),
		Duration:  1.5,
		Kinds: map[TaskKind]KindStats{
			KindPage: {Queued: 4, Completed: 3, Failed: 1},
		},
	}

	data, err := stats.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	var decoded RunStats
	if err := decoded.FromJSON(data); err != nil {
		t.Fatalf("FromJSON() error = %v", err)
	}
	if decoded.RunID != stats.RunID {
		t.Errorf("RunID不匹配: got %v, want %v", decoded.RunID, stats.RunID)
	}
	if decoded.Kinds[KindPage].Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", decoded.Kinds[KindPage].Outstanding())
	}
}
