package stats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

func TestBuiltinsFormAValidRegistry(t *testing.T) {
	reg, err := plugin.Load(Sources())
	require.NoError(t, err)
	assert.Empty(t, reg.Warnings())
	assert.Equal(t, []string{
		"bins", "cigar", "flag", "gc", "mapq", "pnext", "pos", "qname", "qual",
		"readlen", "reads", "rname", "rnext", "seq", "tlen", "type",
	}, reg.Names())

	seen := map[string]string{}
	for _, name := range reg.Names() {
		s, _ := reg.Get(name)
		if other, dup := seen[s.Fingerprint]; dup {
			t.Fatalf("%s and %s share fingerprint %s", name, other, s.Fingerprint)
		}
		seen[s.Fingerprint] = name
	}

	for _, group := range DefaultAnalyses() {
		for _, name := range group {
			_, ok := reg.Get(name)
			assert.True(t, ok, name)
		}
	}
}

func TestFragmentExcludesRegistration(t *testing.T) {
	text := fragment("gc.go")
	assert.True(t, strings.HasPrefix(text, "func newGC"), text)
	assert.NotContains(t, text, "register(")
	assert.NotContains(t, text, "import")
	assert.Contains(t, text, "func gcPercent")

	assert.Equal(t, "func templateLength(rec record.Record) any { return rec.TLen() }", fragment("tlen.go"))
}

func TestGCPercent(t *testing.T) {
	assert.Nil(t, gcPercent("*"))
	assert.Nil(t, gcPercent(""))
	assert.Equal(t, 50, gcPercent("ACGTACGT"))
	assert.Equal(t, 100, gcPercent("GGCC"))
	assert.Equal(t, 0, gcPercent("AATTAA"))
	assert.Equal(t, 33, gcPercent("NNNNGC"))
}

func TestReadType(t *testing.T) {
	cases := map[uint16]int{
		0:           1,
		4:           0,
		99:          6,
		147:         6,
		1 | 4 | 8:   2,
		1 | 4:       3,
		1 | 8:       4,
		1:           5,
		256:         8,
		2048 | 99:   20,
		256 | 1 | 8: 11,
		1024:        1,
	}
	for flag, want := range cases {
		assert.Equal(t, want, readType(flag), "flag %d", flag)
	}
}

func TestFlagAfterConvertsColumn(t *testing.T) {
	inst, err := newFlag(plugin.NewEnv(record.ModeText, nil, 0, nil))
	require.NoError(t, err)
	table := &plugin.Table{Columns: []string{"flag", "counts"}, Rows: [][]any{{99, int64(3)}, {4, int64(1)}}}
	require.NoError(t, inst.After(table, "flag"))
	assert.Equal(t, "ABcdeFGhijkl", table.Rows[0][0])
	assert.Equal(t, "abCdefghijkl", table.Rows[1][0])
}

func TestTypeNeedsFlagSlot(t *testing.T) {
	_, err := newType(plugin.NewEnv(record.ModeText, nil, 0, map[string]int{}))
	assert.Error(t, err)
}

type fakeRecord struct {
	flag uint16
}

func (fakeRecord) QName() string  { return "q" }
func (f fakeRecord) Flag() uint16 { return f.flag }
func (fakeRecord) RName() string  { return "chr1" }
func (fakeRecord) Pos() int       { return 1 }
func (fakeRecord) MapQ() int      { return 0 }
func (fakeRecord) Cigar() string  { return "*" }
func (fakeRecord) RNext() string  { return "*" }
func (fakeRecord) PNext() int     { return 0 }
func (fakeRecord) TLen() int      { return 0 }
func (fakeRecord) Seq() string    { return "*" }
func (fakeRecord) Qual() string   { return "*" }

func TestBinsCountsMappedReadsInHeaderOrder(t *testing.T) {
	env := plugin.NewEnv(record.ModeText, []string{"chr2", "chr1"}, 2, map[string]int{"rname": 0, "pos": 1})
	inst, err := newBins(env)
	require.NoError(t, err)
	require.NoError(t, inst.Before())

	values := make(plugin.Values, 3)
	feed := func(ref string, pos int, flag uint16) {
		values[0], values[1] = ref, pos
		inst.Compute(fakeRecord{flag: flag}, values)
	}
	feed("chr1", 100, 0)
	feed("chr1", 1_000_001, 0)
	feed("chr2", 5, 0)
	feed("chr2", 6, 0)
	feed("*", 0, 4)

	src, ok := values[2].(plugin.RowSource)
	require.True(t, ok)
	assert.Equal(t, [][]any{
		{"chr2", 0, int64(2)},
		{"chr1", 0, int64(1)},
		{"chr1", 1, int64(1)},
	}, src.Rows())
}

func TestReadsSummary(t *testing.T) {
	inst, err := newReads(plugin.NewEnv(record.ModeNative, nil, 0, nil))
	require.NoError(t, err)
	values := make(plugin.Values, 1)
	for _, flag := range []uint16{99, 147, 4, 1024, 256} {
		inst.Compute(fakeRecord{flag: flag}, values)
	}
	summary := values[0].(*readSummary)
	assert.Equal(t, readSummary{Total: 5, Mapped: 4, Paired: 2, ProperPairs: 2, Duplicates: 1, Secondary: 1}, *summary)
}
