package stats

import (
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

func matePosition(rec record.Record) any { return rec.PNext() }

func init() {
	register("pnext.go", plugin.Descriptor{
		Name:        "pnext",
		Explanation: "1-based position of the mate",
		Example:     "10650",
		SQL:         plugin.TypeInt,
		Linkable:    true,
		New:         field(matePosition),
	})
}
