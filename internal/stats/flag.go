package stats

import (
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

// 每条记录保存数值形式，汇总后再转换为 A-L 字母形式，便于 LIKE 过滤。
func newFlag(env plugin.Env) (*plugin.Instance, error) {
	self := env.Self()
	return &plugin.Instance{
		Compute: func(rec record.Record, values plugin.Values) {
			values[self] = int(rec.Flag())
		},
		After: func(table *plugin.Table, column string) error {
			return table.Map(column, func(v any) any {
				bits, ok := v.(int)
				if !ok {
					return v
				}
				return record.FlagLetters(uint16(bits))
			})
		},
	}, nil
}

func init() {
	register("flag.go", plugin.Descriptor{
		Name:        "flag",
		Explanation: "SAM flag bits as letters A-L, upper case when set",
		Example:     "ABcdeFGhijkl",
		SQL:         plugin.TypeText,
		Linkable:    true,
		Viz:         []string{"flagBars"},
		New:         newFlag,
	})
}
