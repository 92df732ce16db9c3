package stats

import (
	"sort"

	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

// BinSize 是覆盖度分箱的宽度（碱基）。
const BinSize = 1_000_000

type binKey struct {
	ref string
	bin int
}

// binCounter 按参考序列与 1Mb 分箱统计已比对读段。
type binCounter struct {
	order map[string]int
	reads map[binKey]int64
}

// Rows 按参考序列在文件头中的顺序、再按分箱编号输出。
func (c *binCounter) Rows() [][]any {
	keys := make([]binKey, 0, len(c.reads))
	for k := range c.reads {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		oi, oj := c.rank(keys[i].ref), c.rank(keys[j].ref)
		if oi != oj {
			return oi < oj
		}
		if keys[i].ref != keys[j].ref {
			return keys[i].ref < keys[j].ref
		}
		return keys[i].bin < keys[j].bin
	})
	rows := make([][]any, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []any{k.ref, k.bin, c.reads[k]})
	}
	return rows
}

func (c *binCounter) rank(ref string) int {
	if idx, ok := c.order[ref]; ok {
		return idx
	}
	return len(c.order)
}

func newBins(env plugin.Env) (*plugin.Instance, error) {
	rname, err := env.Slot("rname")
	if err != nil {
		return nil, err
	}
	pos, err := env.Slot("pos")
	if err != nil {
		return nil, err
	}
	self := env.Self()
	counter := &binCounter{}
	return &plugin.Instance{
		Before: func() error {
			counter.order = make(map[string]int, len(env.References))
			for i, ref := range env.References {
				counter.order[ref] = i
			}
			counter.reads = make(map[binKey]int64, len(env.References)*4)
			return nil
		},
		Compute: func(rec record.Record, values plugin.Values) {
			values[self] = counter
			if rec.Flag()&record.FlagUnmapped != 0 {
				return
			}
			ref, _ := values[rname].(string)
			p, _ := values[pos].(int)
			if ref == "" || ref == "*" || p <= 0 {
				return
			}
			counter.reads[binKey{ref: ref, bin: (p - 1) / BinSize}]++
		},
	}, nil
}

func init() {
	register("bins.go", plugin.Descriptor{
		Name:        "bins",
		Explanation: "Mapped reads per reference per 1Mb bin",
		Example:     "chr1 12 5342",
		Columns: []plugin.Column{
			{Name: "rname", Type: plugin.TypeText},
			{Name: "bin", Type: plugin.TypeInt},
			{Name: "reads", Type: plugin.TypeInt},
		},
		Dependencies: []string{"rname", "pos"},
		Index:        []string{"rname", "bin"},
		Viz:          []string{"coverage"},
		New:          newBins,
	})
}
