package pipeline

import (
	"fmt"
	"strings"
)

// Normalize 把一段源码重新缩进到 depth 层（制表符）。源码自身的缩进单位取自第一行
// 带缩进的行，可以是制表符或任意宽度的空格；所有行先去掉公共缩进。
func Normalize(fragment string, depth int) string {
	lines := strings.Split(strings.ReplaceAll(fragment, "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	unit := indentUnit(lines)
	levels := make([]int, len(lines))
	base := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			levels[i] = -1
			continue
		}
		levels[i] = indentLevel(line, unit)
		if base < 0 || levels[i] < base {
			base = levels[i]
		}
	}

	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		if levels[i] < 0 {
			continue
		}
		b.WriteString(strings.Repeat("\t", depth+levels[i]-base))
		b.WriteString(strings.TrimLeft(line, " \t"))
	}
	return b.String()
}

// indentUnit 返回第一行带缩进的行的前导空白，找不到时按一个制表符处理。
func indentUnit(lines []string) string {
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lead := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if lead == "" {
			continue
		}
		if lead[0] == '\t' {
			return "\t"
		}
		return strings.TrimLeft(lead, "\t")
	}
	return "\t"
}

func indentLevel(line, unit string) int {
	level := 0
	width := len(unit)
	spaces := 0
	for _, ch := range line {
		switch ch {
		case '\t':
			level++
		case ' ':
			spaces++
		default:
			if unit != "\t" && width > 0 {
				level += spaces / width
			} else {
				level += spaces / 4
			}
			return level
		}
	}
	return level
}

// Listing 输出组合后逐条记录处理过程的可读形式，供 --explain 使用。
func (r *Routine) Listing() string {
	var b strings.Builder
	b.WriteString("for rec := range records {\n")
	for _, s := range r.steps {
		fmt.Fprintf(&b, "\t// %s (%s)\n", s.name, s.origin)
		b.WriteString(Normalize(s.source, 1))
		b.WriteString("\n\n")
	}
	for _, acc := range r.accs {
		refs := make([]string, len(acc.group.Members))
		for i, member := range acc.group.Members {
			refs[i] = fmt.Sprintf("values[%d]", r.slots[member])
		}
		fmt.Fprintf(&b, "\tcounts[%q][{%s}]++\n", acc.group.Key, strings.Join(refs, ", "))
	}
	b.WriteString("}\n")
	for _, g := range r.groups {
		if !g.Linkable {
			fmt.Fprintf(&b, "%s = values[%d]\n", g.Key, r.slots[g.Members[0]])
		}
	}
	return b.String()
}
