package stats

import (
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

// readType 将 flag 归入 0-20 共 21 类：
// 0 单端未比对，1 单端已比对，2 双端均未比对，3 本端未比对而配对端已比对，
// 4 本端已比对而配对端未比对，5 双端均比对但非正确配对，6 正确配对。
// 次要比对加 7，补充比对加 14。
func readType(flag uint16) int {
	var base int
	switch {
	case flag&record.FlagPaired == 0 && flag&record.FlagUnmapped != 0:
		base = 0
	case flag&record.FlagPaired == 0:
		base = 1
	case flag&record.FlagUnmapped != 0 && flag&record.FlagMateUnmapped != 0:
		base = 2
	case flag&record.FlagUnmapped != 0:
		base = 3
	case flag&record.FlagMateUnmapped != 0:
		base = 4
	case flag&record.FlagProperPair == 0:
		base = 5
	default:
		base = 6
	}
	switch {
	case flag&record.FlagSupplementary != 0:
		return base + 14
	case flag&record.FlagSecondary != 0:
		return base + 7
	}
	return base
}

func newType(env plugin.Env) (*plugin.Instance, error) {
	flag, err := env.Slot("flag")
	if err != nil {
		return nil, err
	}
	self := env.Self()
	return &plugin.Instance{
		Compute: func(_ record.Record, values plugin.Values) {
			bits, _ := values[flag].(int)
			values[self] = readType(uint16(bits))
		},
	}, nil
}

func init() {
	register("type.go", plugin.Descriptor{
		Name:         "type",
		Explanation:  "Read category 0-20 derived from the flag bits",
		Example:      "6",
		SQL:          plugin.TypeInt,
		Linkable:     true,
		Dependencies: []string{"flag"},
		Viz:          []string{"bars"},
		New:          newType,
	})
}
