package stats

import (
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

func templateLength(rec record.Record) any { return rec.TLen() }

func init() {
	register("tlen.go", plugin.Descriptor{
		Name:        "tlen",
		Explanation: "Observed template length",
		Example:     "-258",
		SQL:         plugin.TypeInt,
		Linkable:    true,
		New:         field(templateLength),
	})
}
