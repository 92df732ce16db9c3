package stats

import (
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

func readName(rec record.Record) any { return rec.QName() }

func init() {
	register("qname.go", plugin.Descriptor{
		Name:        "qname",
		Explanation: "The read (query template) name",
		Example:     "HWI-ST1234:8:1101:1214:2141",
		SQL:         plugin.TypeText,
		Linkable:    true,
		New:         field(readName),
	})
}
