package stats

import (
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

func mateRefName(rec record.Record) any { return rec.RNext() }

func init() {
	register("rnext.go", plugin.Descriptor{
		Name:        "rnext",
		Explanation: "Reference name of the mate",
		Example:     "chr1",
		SQL:         plugin.TypeText,
		Linkable:    true,
		New:         field(mateRefName),
	})
}
