package stats

import (
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

func quality(rec record.Record) any { return rec.Qual() }

func init() {
	register("qual.go", plugin.Descriptor{
		Name:        "qual",
		Explanation: "Phred+33 base qualities",
		Example:     "IIIIHHGG",
		SQL:         plugin.TypeText,
		Linkable:    true,
		New:         field(quality),
	})
}
