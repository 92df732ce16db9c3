package pipeline

import (
	"fmt"
	"reflect"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

type groupKey [MaxGroupSize]any

type step struct {
	name     string
	origin   string
	source   string
	instance *plugin.Instance
}

// accumulator 对一个可链接分组按成员取值组合计数。
type accumulator struct {
	group  Group
	slots  []int
	counts map[groupKey]int64
	order  []groupKey
}

func (a *accumulator) add(values plugin.Values) error {
	var key groupKey
	for i, slot := range a.slots {
		v, ok := countable(values[slot])
		if !ok {
			return xerrors.Newf(xerrors.CodeDataError, "统计项 %q 的取值类型 %T 不能用于计数",
				a.group.Members[i], values[slot])
		}
		key[i] = v
	}
	n, ok := a.counts[key]
	if !ok {
		a.order = append(a.order, key)
	}
	a.counts[key] = n + 1
	return nil
}

// countable 把取值转换为可作为 map 键的形式，[]byte 转为 string。
func countable(v any) (any, bool) {
	switch x := v.(type) {
	case nil, string, int, int64, int32, uint16, uint8, float64, bool:
		return v, true
	case []byte:
		return string(x), true
	}
	return v, reflect.ValueOf(v).Comparable()
}

func (a *accumulator) table() *plugin.Table {
	columns := make([]string, 0, len(a.group.Members)+1)
	columns = append(columns, a.group.Members...)
	columns = append(columns, "counts")
	rows := make([][]any, 0, len(a.order))
	for _, key := range a.order {
		row := make([]any, 0, len(columns))
		row = append(row, key[:len(a.slots)]...)
		row = append(row, a.counts[key])
		rows = append(rows, row)
	}
	return &plugin.Table{Columns: columns, Rows: rows}
}

// GroupResult 是一个分组在整个文件扫描结束后的结果。
type GroupResult struct {
	Group Group
	Kind  plugin.Kind
	// Table 对可链接分组为成员列加 counts 列，对显式表结构的统计项为其声明的列。
	Table *plugin.Table
	// Document 是 JSON 统计项在扫描结束时留在其槽位中的值。
	Document any
}

// Routine 是一次组合后的逐条记录处理过程。每个 Routine 只服务一个文件。
type Routine struct {
	steps    []step
	slots    map[string]int
	groups   []Group
	accs     []*accumulator
	values   plugin.Values
	records  int64
	reg      *plugin.Registry
	started  bool
	finished bool
}

// Compose 按全局顺序 order 组合 groups 需要的统计项。同一个统计项即便出现在多个分组中
// 也只执行一次；每个可链接分组追加一个计数步骤。base 提供读取模式与参考序列名。
func Compose(reg *plugin.Registry, order []string, groups []Group, base plugin.Env) (*Routine, error) {
	names, err := Expand(reg, order, groups)
	if err != nil {
		return nil, err
	}

	slots := make(map[string]int, len(names))
	for i, name := range names {
		slots[name] = i
	}

	r := &Routine{
		slots:  slots,
		groups: groups,
		values: make(plugin.Values, len(names)),
		reg:    reg,
	}
	for i, name := range names {
		stat, _ := reg.Get(name)
		inst, err := stat.New(plugin.NewEnv(base.Mode, base.References, i, slots))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("统计项 %q 初始化失败", name))
		}
		if inst == nil || inst.Compute == nil {
			return nil, xerrors.Newf(xerrors.CodeConfiguration, "统计项 %q 没有提供 Compute", name)
		}
		r.steps = append(r.steps, step{name: name, origin: stat.Origin, source: stat.Source, instance: inst})
	}

	for _, g := range groups {
		if !g.Linkable {
			continue
		}
		acc := &accumulator{group: g, counts: make(map[groupKey]int64)}
		for _, member := range g.Members {
			acc.slots = append(acc.slots, slots[member])
		}
		r.accs = append(r.accs, acc)
	}
	return r, nil
}

// Steps 返回实际执行的统计项名称，按执行顺序。
func (r *Routine) Steps() []string {
	out := make([]string, len(r.steps))
	for i, s := range r.steps {
		out[i] = s.name
	}
	return out
}

// Before 按执行顺序运行各统计项的 Before 钩子，只在第一条记录之前调用一次。
func (r *Routine) Before() error {
	if r.started {
		return nil
	}
	r.started = true
	for _, s := range r.steps {
		if s.instance.Before == nil {
			continue
		}
		if err := s.instance.Before(); err != nil {
			return xerrors.Wrap(xerrors.CodeDataError, err, fmt.Sprintf("统计项 %q 的 Before 失败", s.name))
		}
	}
	return nil
}

// Process 对一条记录依次执行全部步骤，然后更新各分组计数。可链接统计项的取值不可比较时
// 返回 DATA_ERROR。
func (r *Routine) Process(rec record.Record) error {
	for _, s := range r.steps {
		s.instance.Compute(rec, r.values)
	}
	for _, acc := range r.accs {
		if err := acc.add(r.values); err != nil {
			return err
		}
	}
	r.records++
	return nil
}

// Records 返回已处理的记录数。
func (r *Routine) Records() int64 { return r.records }

// Finish 收集每个分组的结果，并对使用到的统计项运行 After 钩子。只能调用一次。
func (r *Routine) Finish() ([]GroupResult, error) {
	if r.finished {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Routine 已经结束")
	}
	r.finished = true

	accs := make(map[string]*accumulator, len(r.accs))
	for _, acc := range r.accs {
		accs[acc.group.Key] = acc
	}

	results := make([]GroupResult, 0, len(r.groups))
	for _, g := range r.groups {
		var res GroupResult
		var err error
		if g.Linkable {
			res = GroupResult{Group: g, Kind: plugin.KindLinked, Table: accs[g.Key].table()}
		} else {
			res, err = r.unlinked(g)
			if err != nil {
				return nil, err
			}
		}
		if err := r.after(res); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Routine) unlinked(g Group) (GroupResult, error) {
	name := g.Members[0]
	stat, _ := r.reg.Get(name)
	value := r.values[r.slots[name]]

	switch stat.Kind() {
	case plugin.KindDocument:
		return GroupResult{Group: g, Kind: plugin.KindDocument, Document: value}, nil
	case plugin.KindTable:
		columns := make([]string, len(stat.Columns))
		for i, c := range stat.Columns {
			columns[i] = c.Name
		}
		var rows [][]any
		switch v := value.(type) {
		case nil:
		case [][]any:
			rows = v
		case plugin.RowSource:
			rows = v.Rows()
		default:
			return GroupResult{}, xerrors.Newf(xerrors.CodeConfiguration,
				"统计项 %q 必须返回 [][]any 或 RowSource，实际为 %T", name, value)
		}
		for i, row := range rows {
			if len(row) != len(columns) {
				return GroupResult{}, xerrors.Newf(xerrors.CodeConfiguration,
					"统计项 %q 第 %d 行有 %d 列，声明了 %d 列", name, i, len(row), len(columns))
			}
		}
		return GroupResult{Group: g, Kind: plugin.KindTable, Table: &plugin.Table{Columns: columns, Rows: rows}}, nil
	default:
		return GroupResult{}, xerrors.Newf(xerrors.CodeConfiguration, "统计项 %q 可链接却单独作为不可链接分组", name)
	}
}

// after 对分组中每个带 After 钩子的成员调用一次，列名即统计项名称。
func (r *Routine) after(res GroupResult) error {
	if res.Table == nil {
		return nil
	}
	for _, member := range res.Group.Members {
		s := r.steps[r.slots[member]]
		if s.instance.After == nil {
			continue
		}
		column := member
		if res.Kind == plugin.KindTable {
			column = ""
		}
		if err := s.instance.After(res.Table, column); err != nil {
			return xerrors.Wrap(xerrors.CodeDataError, err, fmt.Sprintf("统计项 %q 的 After 失败", member))
		}
	}
	return nil
}
