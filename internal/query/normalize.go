// Package query 把前端的聚合查询规范化为受限的 SQL，并在每个样本的结果表上执行。
package query

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/sink"
	"github.com/JohnLonginotto/SeQC/internal/storage"
)

const (
	// NoSubplot 表示不按任何维度拆分子图。
	NoSubplot = "None"
	// CountsOnly 表示只看总数。
	CountsOnly = "counts"
	// UnfilteredHash 是没有任何过滤条件时的查询哈希。
	UnfilteredHash = "Unfiltered"
)

// dimensions 把前端维度名映射到结果表的列名。
var dimensions = map[string]string{
	"chromosome": "rname",
	"tlen":       "tlen",
	"type":       "type",
	"gc":         "gc",
	"flag":       "flag",
}

var flagPattern = regexp.MustCompile(`^[a-lA-L]{1,12}$`)

// Values 接受 JSON 数组中的字符串或数字，统一保存为字符串。
type Values []string

// UnmarshalJSON 实现 json.Unmarshaler。
func (v *Values) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Values, 0, len(raw))
	for _, item := range raw {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '"' {
			var s string
			if err := json.Unmarshal(item, &s); err != nil {
				return err
			}
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err != nil {
			return fmt.Errorf("过滤值只能是字符串或数字: %s", item)
		}
		out = append(out, n.String())
	}
	*v = out
	return nil
}

// Request 是 POST /getData 的请求体。
type Request struct {
	SubplotOn  string   `json:"subplotOn"`
	LookingAt  string   `json:"lookingAt"`
	Samples    []string `json:"samples"`
	Chromosome Values   `json:"chromosome,omitempty"`
	Type       Values   `json:"type,omitempty"`
	Tlen       Values   `json:"tlen,omitempty"`
	GC         Values   `json:"gc,omitempty"`
	Flag       Values   `json:"flag,omitempty"`
}

// Normalized 是规范化后的查询，与具体样本无关。
type Normalized struct {
	Subplot   string
	LookingAt string
	// Hash 在相同的选择、过滤和分组下保持不变。
	Hash string
	// Needs 是结果表必须包含的列，按字母排序。
	Needs []string
	// DropZeroTlen 为 true 时丢弃 tlen 为 0 或计数小于 10 的行。
	DropZeroTlen bool

	dialect   storage.Dialect
	columns   []string
	subplotAt int
	lookingAt int
	filters   []string
	args      []any
}

// Normalize 校验请求并生成规范化查询。任何不符合白名单的输入都是 INVALID_ARGUMENT。
func Normalize(req Request, dialect storage.Dialect) (*Normalized, error) {
	if dialect == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "查询需要 SQL 方言")
	}
	n := &Normalized{Subplot: req.SubplotOn, LookingAt: req.LookingAt, dialect: dialect, subplotAt: -1, lookingAt: -1}
	needs := map[string]bool{}

	switch {
	case req.SubplotOn == "":
		return nil, invalid("缺少 subplotOn")
	case req.SubplotOn == NoSubplot:
	default:
		col, ok := dimensions[req.SubplotOn]
		if !ok {
			return nil, invalid("不支持的 subplotOn %q", req.SubplotOn)
		}
		n.subplotAt = n.addColumn(col)
		needs[col] = true
	}
	switch {
	case req.LookingAt == "":
		return nil, invalid("缺少 lookingAt")
	case req.LookingAt == CountsOnly:
	default:
		col, ok := dimensions[req.LookingAt]
		if !ok {
			return nil, invalid("不支持的 lookingAt %q", req.LookingAt)
		}
		n.lookingAt = n.addColumn(col)
		needs[col] = true
	}
	n.DropZeroTlen = req.SubplotOn == "tlen" || req.LookingAt == "tlen"

	steps := []struct {
		column string
		values Values
		build  func(Values) (string, []any, error)
	}{
		{"rname", req.Chromosome, n.chromosomeFilter},
		{"type", req.Type, n.typeFilter},
		{"tlen", req.Tlen, n.tlenFilter},
		{"gc", req.GC, n.gcFilter},
		{"flag", req.Flag, n.flagFilter},
	}
	for _, step := range steps {
		if len(step.values) == 0 {
			continue
		}
		clause, args, err := step.build(step.values)
		if err != nil {
			return nil, err
		}
		n.filters = append(n.filters, clause)
		n.args = append(n.args, args...)
		needs[step.column] = true
	}

	for col := range needs {
		n.Needs = append(n.Needs, col)
	}
	sort.Strings(n.Needs)

	if len(n.filters) == 0 {
		n.Hash = UnfilteredHash
	} else {
		n.Hash = shortHash(n.selectSQL()+n.whereSQL()+n.groupSQL()+renderArgs(n.args), 4)
	}
	return n, nil
}

func invalid(format string, args ...any) error {
	return xerrors.Newf(xerrors.CodeInvalidArgument, format, args...)
}

func (n *Normalized) addColumn(col string) int {
	for i, c := range n.columns {
		if c == col {
			return i
		}
	}
	n.columns = append(n.columns, col)
	return len(n.columns) - 1
}

func (n *Normalized) selectSQL() string {
	parts := []string{"SUM(" + n.dialect.Quote(sink.CountsColumn) + ")"}
	for _, c := range n.columns {
		parts = append(parts, n.dialect.Quote(c))
	}
	return "SELECT " + strings.Join(parts, ", ")
}

func (n *Normalized) whereSQL() string {
	if len(n.filters) == 0 {
		return ""
	}
	return " WHERE (" + strings.Join(n.filters, ") AND (") + ")"
}

func (n *Normalized) groupSQL() string {
	if len(n.columns) == 0 {
		return ""
	}
	quoted := make([]string, len(n.columns))
	for i, c := range n.columns {
		quoted[i] = n.dialect.Quote(c)
	}
	return " GROUP BY " + strings.Join(quoted, ", ")
}

// SQL 返回针对 table 的查询语句及其绑定参数。
func (n *Normalized) SQL(table string) (string, []any) {
	stmt := n.selectSQL() + " FROM " + n.dialect.Quote(table) + n.whereSQL() + n.groupSQL()
	return stmt, append([]any(nil), n.args...)
}

// SampleHash 是该查询在某张表上的 6 位哈希，用作缓存键的一部分。
func (n *Normalized) SampleHash(table string) string {
	stmt, args := n.SQL(table)
	return shortHash(stmt+renderArgs(args), 6)
}

func shortHash(text string, size int) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])[:size]
}

func renderArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = strconv.Quote(fmt.Sprint(a))
	}
	return " [" + strings.Join(parts, ",") + "]"
}

func (n *Normalized) chromosomeFilter(values Values) (string, []any, error) {
	names := uniqueSorted(values)
	args := make([]any, len(names))
	marks := make([]string, len(names))
	for i, name := range names {
		if name == "" {
			return "", nil, invalid("染色体名不能为空")
		}
		args[i] = name
		marks[i] = "?"
	}
	return n.dialect.Quote("rname") + " IN (" + strings.Join(marks, ", ") + ")", args, nil
}

func (n *Normalized) typeFilter(values Values) (string, []any, error) {
	var in []int
	for _, v := range values {
		t, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || t < 0 || t > 20 {
			return "", nil, invalid("type 过滤值必须是 0 到 20 之间的整数: %q", v)
		}
		in = append(in, t)
	}
	return inClause(n.dialect.Quote("type"), in), nil, nil
}

func (n *Normalized) tlenFilter(values Values) (string, []any, error) {
	col := n.dialect.Quote("tlen")
	var in []int
	var ranges []string
	for _, v := range values {
		parts := strings.Split(strings.TrimSpace(v), ":")
		switch len(parts) {
		case 1:
			x, err := strconv.Atoi(parts[0])
			if err != nil {
				return "", nil, invalid("tlen 过滤值不是整数: %q", v)
			}
			in = append(in, x)
		case 2:
			switch {
			case parts[0] == "min":
				b, err := strconv.Atoi(parts[1])
				if err != nil {
					return "", nil, invalid("tlen 范围无效: %q", v)
				}
				ranges = append(ranges, fmt.Sprintf("%s < %d", col, b))
			case parts[1] == "max":
				a, err := strconv.Atoi(parts[0])
				if err != nil {
					return "", nil, invalid("tlen 范围无效: %q", v)
				}
				ranges = append(ranges, fmt.Sprintf("%s > %d", col, a))
			default:
				a, errA := strconv.Atoi(parts[0])
				b, errB := strconv.Atoi(parts[1])
				if errA != nil || errB != nil {
					return "", nil, invalid("tlen 范围无效: %q", v)
				}
				switch {
				case a < b:
					ranges = append(ranges, fmt.Sprintf("(%s BETWEEN %d AND %d)", col, a, b))
				case a == b:
					in = append(in, a)
				default:
					return "", nil, invalid("tlen 范围起点大于终点: %q", v)
				}
			}
		default:
			return "", nil, invalid("tlen 范围无效: %q", v)
		}
	}
	return orClauses(inClause(col, in), ranges), nil, nil
}

func (n *Normalized) gcFilter(values Values) (string, []any, error) {
	col := n.dialect.Quote("gc")
	percent := func(s string) (int, bool) {
		x, err := strconv.Atoi(s)
		return x, err == nil && x >= 0 && x <= 100
	}
	var in []int
	var ranges []string
	for _, v := range values {
		parts := strings.Split(strings.TrimSpace(v), ":")
		switch len(parts) {
		case 1:
			x, ok := percent(parts[0])
			if !ok {
				return "", nil, invalid("gc 过滤值必须是 0 到 100 之间的整数: %q", v)
			}
			in = append(in, x)
		case 2:
			a, okA := percent(parts[0])
			b, okB := percent(parts[1])
			if !okA || !okB {
				return "", nil, invalid("gc 范围必须在 0 到 100 之间: %q", v)
			}
			switch {
			case a < b:
				ranges = append(ranges, fmt.Sprintf("(%s BETWEEN %d AND %d)", col, a, b))
			case a == b:
				in = append(in, a)
			default:
				return "", nil, invalid("gc 范围起点大于终点: %q", v)
			}
		default:
			return "", nil, invalid("gc 范围无效: %q", v)
		}
	}
	return orClauses(inClause(col, in), ranges), nil, nil
}

func (n *Normalized) flagFilter(values Values) (string, []any, error) {
	col := n.dialect.Quote("flag")
	like := n.dialect.CaseSensitiveLike()
	alternatives := make([]string, 0, len(values))
	var args []any
	for _, v := range values {
		if !flagPattern.MatchString(v) {
			return "", nil, invalid("flag 过滤值必须是 1 到 12 个 A-L 字母: %q", v)
		}
		runs := OptimizeFlags(v)
		parts := make([]string, len(runs))
		for i, run := range runs {
			parts[i] = col + " " + like + " ?"
			args = append(args, "%"+run+"%")
		}
		alternatives = append(alternatives, strings.Join(parts, " AND "))
	}
	return "(" + strings.Join(alternatives, ") OR (") + ")", args, nil
}

func inClause(col string, values []int) string {
	values = uniqueInts(values)
	switch len(values) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s = %d", col, values[0])
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return col + " IN (" + strings.Join(parts, ", ") + ")"
}

func orClauses(in string, ranges []string) string {
	var parts []string
	if in != "" {
		parts = append(parts, in)
	}
	parts = append(parts, ranges...)
	return strings.Join(parts, " OR ")
}

func uniqueInts(values []int) []int {
	sort.Ints(values)
	out := values[:0]
	for i, v := range values {
		if i == 0 || v != values[i-1] {
			out = append(out, v)
		}
	}
	return out
}

func uniqueSorted(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	dedup := out[:0]
	for i, v := range out {
		if i == 0 || v != out[i-1] {
			dedup = append(dedup, v)
		}
	}
	return dedup
}

// categories 返回一行结果的子图类别与观察类别，第 0 列是计数和。
func (n *Normalized) categories(row []any) (subplot, looking string) {
	subplot, looking = NoSubplot, CountsOnly
	if n.subplotAt >= 0 {
		subplot = category(row[n.subplotAt+1])
	}
	if n.lookingAt >= 0 {
		looking = category(row[n.lookingAt+1])
	}
	return subplot, looking
}

func (n *Normalized) tlenValue(row []any) (int64, bool) {
	for i, c := range n.columns {
		if c == "tlen" {
			v, err := toInt64(row[i+1])
			return v, err == nil
		}
	}
	return 0, false
}

func category(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case []byte:
		return parseNumber(string(x))
	case string:
		return parseNumber(x)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("无法把 %T 转换为整数", v)
	}
}

func parseNumber(s string) (int64, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}
