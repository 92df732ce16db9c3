package stats

import (
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

func sequence(rec record.Record) any { return rec.Seq() }

func init() {
	register("seq.go", plugin.Descriptor{
		Name:        "seq",
		Explanation: "Read sequence as stored in the file",
		Example:     "ACGTTAGC",
		SQL:         plugin.TypeText,
		Linkable:    true,
		New:         field(sequence),
	})
}
