package stats

import (
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

func mappingQuality(rec record.Record) any { return rec.MapQ() }

func init() {
	register("mapq.go", plugin.Descriptor{
		Name:        "mapq",
		Explanation: "Mapping quality of the alignment",
		Example:     "60",
		SQL:         plugin.TypeInt,
		Linkable:    true,
		New:         field(mappingQuality),
	})
}
