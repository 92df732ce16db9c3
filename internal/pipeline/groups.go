package pipeline

import (
	"sort"
	"strings"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
)

const (
	// MaxGroupSize 是一个分析分组最多包含的统计项数量。
	MaxGroupSize = 8
	// MaxKeyLength 是分组键的最大长度。结果表名为 32 位样本哈希加下划线加分组键，
	// MySQL 替换结果表时还会加上 5 个字符的影子表后缀，全部需要在 64 字符的标识符限制之内。
	MaxKeyLength = 64 - 33 - 5
)

// Group 是一组需要一起计数的统计项，成员去重并按字母排序。
type Group struct {
	Members []string
	// Key 是成员用 "_" 连接的结果，同时是结果表名的后缀与完成记录的键。
	Key string
	// Linkable 为 false 时分组只有一个不可链接的成员。
	Linkable bool
}

// GroupKey 返回一组名称规范化后的键。
func GroupKey(names []string) string {
	return strings.Join(normalizeNames(names), "_")
}

func normalizeNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ParseGroups 把命令行形式的分组（"flag,gc" 或 "flag gc"）拆成名称列表。
func ParseGroups(args []string) [][]string {
	groups := make([][]string, 0, len(args))
	for _, arg := range args {
		fields := strings.FieldsFunc(arg, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
		if len(fields) > 0 {
			groups = append(groups, fields)
		}
	}
	return groups
}

// NormalizeGroups 校验并规范化请求的分组：成员去重排序，分组之间去重并按键排序。
// 未知统计项、超过 MaxGroupSize 或 MaxKeyLength 的分组以及包含不可链接统计项的多成员分组
// 都会返回配置错误。
func NormalizeGroups(reg *plugin.Registry, requested [][]string) ([]Group, error) {
	byKey := make(map[string]Group, len(requested))
	for _, names := range requested {
		members := normalizeNames(names)
		if len(members) == 0 {
			continue
		}
		if len(members) > MaxGroupSize {
			return nil, xerrors.Newf(xerrors.CodeConfiguration, "分析分组 %s 包含 %d 个统计项，最多允许 %d 个",
				strings.Join(members, ","), len(members), MaxGroupSize)
		}
		linkable := true
		for _, name := range members {
			stat, ok := reg.Get(name)
			if !ok {
				return nil, xerrors.Newf(xerrors.CodeConfiguration, "未知的统计项 %q", name)
			}
			if !stat.Linkable {
				linkable = false
			}
		}
		if !linkable && len(members) > 1 {
			return nil, xerrors.Newf(xerrors.CodeConfiguration,
				"分析分组 %s 含有不可链接的统计项，不可链接的统计项必须单独成组", strings.Join(members, ","))
		}
		key := strings.Join(members, "_")
		if len(key) > MaxKeyLength {
			return nil, xerrors.Newf(xerrors.CodeConfiguration, "分析分组键 %s 超过 %d 个字符", key, MaxKeyLength)
		}
		byKey[key] = Group{Members: members, Key: key, Linkable: linkable}
	}
	if len(byKey) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "没有请求任何分析分组")
	}

	groups := make([]Group, 0, len(byKey))
	for _, g := range byKey {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key < groups[j].Key })
	return groups, nil
}

// Expand 返回分组成员及其全部传递依赖，按 order 排序。声明了未注册依赖的统计项会导致配置错误。
func Expand(reg *plugin.Registry, order []string, groups []Group) ([]string, error) {
	needed := map[string]bool{}
	for _, g := range groups {
		for _, name := range g.Members {
			needed[name] = true
			for _, dep := range TransitiveDeps(reg, name) {
				needed[dep] = true
			}
		}
	}
	for name := range needed {
		stat, ok := reg.Get(name)
		if !ok {
			return nil, xerrors.Newf(xerrors.CodeConfiguration, "未知的统计项 %q", name)
		}
		for _, dep := range stat.Dependencies {
			if _, ok := reg.Get(dep); !ok {
				return nil, xerrors.Newf(xerrors.CodeConfiguration, "统计项 %q 依赖未注册的统计项 %q", name, dep)
			}
		}
	}

	pos := Position(order)
	out := make([]string, 0, len(needed))
	for name := range needed {
		if _, ok := pos[name]; !ok {
			return nil, xerrors.Newf(xerrors.CodeConfiguration, "统计项 %q 不在执行顺序中", name)
		}
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return pos[out[i]] < pos[out[j]] })
	return out, nil
}

// Keys 返回各分组的键。
func Keys(groups []Group) []string {
	keys := make([]string, len(groups))
	for i, g := range groups {
		keys[i] = g.Key
	}
	return keys
}
