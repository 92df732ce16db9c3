// Package stats 提供内置统计项。
//
// 每个统计项单独一个文件，并在 init 中调用 register。指纹取自该文件 func init() 之前、
// import 声明之后的源码，因此修改注册元数据不会改变指纹，而修改处理逻辑会。
package stats

import (
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

//go:embed *.go
var sourceFS embed.FS

var (
	mu       sync.Mutex
	builtins []plugin.Source
)

func register(file string, d plugin.Descriptor) {
	d.Source = fragment(file)
	mu.Lock()
	defer mu.Unlock()
	builtins = append(builtins, plugin.Source{Origin: "builtin:" + file, Descriptor: d})
}

// fragment 截取统计项的处理逻辑源码。
func fragment(file string) string {
	raw, err := sourceFS.ReadFile(file)
	if err != nil {
		panic(fmt.Sprintf("内置统计项源码缺失: %s: %v", file, err))
	}
	text := string(raw)
	if idx := strings.Index(text, "\nfunc init()"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(stripHeader(text))
}

// stripHeader 去掉 package 子句与 import 声明。
func stripHeader(text string) string {
	lines := strings.Split(text, "\n")
	inImport := false
	start := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case inImport:
			if trimmed == ")" {
				inImport = false
			}
			start = i + 1
		case strings.HasPrefix(trimmed, "package "):
			start = i + 1
		case trimmed == "import (":
			inImport = true
			start = i + 1
		case strings.HasPrefix(trimmed, "import "):
			start = i + 1
		case trimmed == "" || strings.HasPrefix(trimmed, "//"):
			// 头部的空行与注释跳过
		default:
			return strings.Join(lines[start:], "\n")
		}
	}
	return strings.Join(lines[start:], "\n")
}

// Sources 返回全部内置统计项，按来源排序。
func Sources() []plugin.Source {
	mu.Lock()
	defer mu.Unlock()
	out := append([]plugin.Source(nil), builtins...)
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}

// DefaultAnalyses 是未指定分析时使用的分组。
func DefaultAnalyses() [][]string {
	return [][]string{{"flag", "gc", "rname", "type"}, {"tlen"}}
}

// field 生成直接读取记录字段的构造函数。
func field(get func(rec record.Record) any) func(plugin.Env) (*plugin.Instance, error) {
	return func(env plugin.Env) (*plugin.Instance, error) {
		self := env.Self()
		return &plugin.Instance{
			Compute: func(rec record.Record, values plugin.Values) {
				values[self] = get(rec)
			},
		}, nil
	}
}
