package stats

import (
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

// readSummary 是整个文件的读段计数，以 JSON 形式写入样本文档。
type readSummary struct {
	Total         int64 `json:"total"`
	Mapped        int64 `json:"mapped"`
	Paired        int64 `json:"paired"`
	ProperPairs   int64 `json:"properPairs"`
	Duplicates    int64 `json:"duplicates"`
	QCFail        int64 `json:"qcFail"`
	Secondary     int64 `json:"secondary"`
	Supplementary int64 `json:"supplementary"`
}

func (s *readSummary) add(flag uint16) {
	s.Total++
	count := func(bit uint16, n *int64) {
		if flag&bit != 0 {
			*n++
		}
	}
	if flag&record.FlagUnmapped == 0 {
		s.Mapped++
	}
	count(record.FlagPaired, &s.Paired)
	count(record.FlagProperPair, &s.ProperPairs)
	count(record.FlagDuplicate, &s.Duplicates)
	count(record.FlagQCFail, &s.QCFail)
	count(record.FlagSecondary, &s.Secondary)
	count(record.FlagSupplementary, &s.Supplementary)
}

func newReads(env plugin.Env) (*plugin.Instance, error) {
	self := env.Self()
	summary := &readSummary{}
	return &plugin.Instance{
		Compute: func(rec record.Record, values plugin.Values) {
			summary.add(rec.Flag())
			values[self] = summary
		},
	}, nil
}

func init() {
	register("reads.go", plugin.Descriptor{
		Name:        "reads",
		Explanation: "Whole-file read counts by flag category",
		Example:     `{"total":1000,"mapped":990}`,
		SQL:         plugin.TypeJSON,
		New:         newReads,
	})
}
