package stats

import (
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

func cigarString(rec record.Record) any { return rec.Cigar() }

func init() {
	register("cigar.go", plugin.Descriptor{
		Name:        "cigar",
		Explanation: "CIGAR string of the alignment",
		Example:     "76M",
		SQL:         plugin.TypeText,
		Linkable:    true,
		New:         field(cigarString),
	})
}
