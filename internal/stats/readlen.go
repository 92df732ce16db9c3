package stats

import (
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

func newReadLen(env plugin.Env) (*plugin.Instance, error) {
	seq, err := env.Slot("seq")
	if err != nil {
		return nil, err
	}
	self := env.Self()
	return &plugin.Instance{
		Compute: func(_ record.Record, values plugin.Values) {
			s, _ := values[seq].(string)
			if s == "*" {
				s = ""
			}
			values[self] = len(s)
		},
	}, nil
}

func init() {
	register("readlen.go", plugin.Descriptor{
		Name:         "readlen",
		Explanation:  "Length of the read sequence, 0 when absent",
		Example:      "101",
		SQL:          plugin.TypeInt,
		Linkable:     true,
		Dependencies: []string{"seq"},
		New:          newReadLen,
	})
}
