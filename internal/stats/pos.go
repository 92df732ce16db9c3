package stats

import (
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

func position(rec record.Record) any { return rec.Pos() }

func init() {
	register("pos.go", plugin.Descriptor{
		Name:        "pos",
		Explanation: "1-based leftmost mapping position",
		Example:     "10468",
		SQL:         plugin.TypeInt,
		Linkable:    true,
		New:         field(position),
	})
}
