package stats

import (
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

func refName(rec record.Record) any { return rec.RName() }

func init() {
	register("rname.go", plugin.Descriptor{
		Name:        "rname",
		Explanation: "Reference sequence the read aligned to",
		Example:     "chr1",
		SQL:         plugin.TypeText,
		Linkable:    true,
		New:         field(refName),
	})
}
