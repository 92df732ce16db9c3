package query

import (
	"sort"
	"strings"
	"unicode"
)

// OptimizeFlags 把 flag 过滤字母按不区分大小写的顺序排列，再把字母表上相邻的字母合并为
// 一段，每段对应一个 LIKE 子串。例如 "KcB" 变为 ["Bc", "K"]。
func OptimizeFlags(letters string) []string {
	runes := []rune(letters)
	sort.SliceStable(runes, func(i, j int) bool {
		return unicode.ToLower(runes[i]) < unicode.ToLower(runes[j])
	})

	var runs []string
	var current strings.Builder
	var last rune
	for i, r := range runes {
		lower := unicode.ToLower(r)
		if i > 0 && lower != last+1 {
			runs = append(runs, current.String())
			current.Reset()
		}
		current.WriteRune(r)
		last = lower
	}
	if current.Len() > 0 {
		runs = append(runs, current.String())
	}
	return runs
}
