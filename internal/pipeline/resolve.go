package pipeline

import (
	"fmt"
	"sort"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
)

// Catalog 是解析依赖所需的最小注册表视图，*plugin.Registry 满足该接口。
type Catalog interface {
	Names() []string
	Dependencies(name string) []string
}

// CycleError 描述依赖图中的回边：From 依赖 To，而 To 仍在当前遍历路径上。
type CycleError struct {
	From string
	To   string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("statistic %q depends on %q which already depends on %q", e.From, e.To, e.From)
}

const (
	white = iota
	grey
	black
)

// Resolve 对全部统计项做三色深度优先后序遍历，返回一个对所有统计项同时成立的执行顺序。
// 根节点按名称排序访问，因此结果是确定的。遇到环时返回 DEPENDENCY_CYCLE 错误，
// 可以通过 errors.As 取得 *CycleError。
func Resolve(c Catalog) ([]string, error) {
	names := c.Names()
	sort.Strings(names)

	colour := make(map[string]int, len(names))
	order := make([]string, 0, len(names))

	var visit func(name string) error
	visit = func(name string) error {
		colour[name] = grey
		for _, dep := range c.Dependencies(name) {
			switch colour[dep] {
			case grey:
				cycle := &CycleError{From: name, To: dep}
				return xerrors.Wrap(xerrors.CodeDependencyCycle, cycle, "统计项依赖存在环",
					xerrors.WithMetadata("from", name),
					xerrors.WithMetadata("to", dep))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		colour[name] = black
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if colour[name] != white {
			continue
		}
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// TransitiveDeps 返回 name 直接与间接依赖的全部统计项（排序后）。只有当 name 处于环上时，
// 结果才会包含它自己。
func TransitiveDeps(c Catalog, name string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(n string) {
		for _, dep := range c.Dependencies(n) {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			walk(dep)
		}
	}
	walk(name)

	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Position 返回 order 中每个名称的下标。
func Position(order []string) map[string]int {
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	return pos
}
