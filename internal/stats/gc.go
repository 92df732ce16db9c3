package stats

import (
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

func newGC(env plugin.Env) (*plugin.Instance, error) {
	seq, err := env.Slot("seq")
	if err != nil {
		return nil, err
	}
	self := env.Self()
	return &plugin.Instance{
		Compute: func(_ record.Record, values plugin.Values) {
			s, _ := values[seq].(string)
			values[self] = gcPercent(s)
		},
	}, nil
}

// gcPercent 返回 G/C 碱基所占百分比（四舍五入），序列缺失时为 nil。
func gcPercent(seq string) any {
	if seq == "" || seq == "*" {
		return nil
	}
	gc := 0
	for i := 0; i < len(seq); i++ {
		switch seq[i] {
		case 'G', 'C', 'g', 'c', 'S', 's':
			gc++
		}
	}
	return (gc*200 + len(seq)) / (2 * len(seq))
}

func init() {
	register("gc.go", plugin.Descriptor{
		Name:         "gc",
		Explanation:  "Percentage of G and C bases in the read",
		Example:      "42",
		SQL:          plugin.TypeInt,
		Linkable:     true,
		Dependencies: []string{"seq"},
		Viz:          []string{"line"},
		New:          newGC,
	})
}
