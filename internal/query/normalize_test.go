package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/storage/sqlite"
)

func TestNormalizeUnfiltered(t *testing.T) {
	n, err := Normalize(Request{SubplotOn: NoSubplot, LookingAt: CountsOnly}, sqlite.Dialect)
	require.NoError(t, err)
	assert.Equal(t, UnfilteredHash, n.Hash)
	assert.Empty(t, n.Needs)
	assert.False(t, n.DropZeroTlen)

	stmt, args := n.SQL("s_tlen")
	assert.Equal(t, `SELECT SUM("counts") FROM "s_tlen"`, stmt)
	assert.Empty(t, args)
	assert.Len(t, n.SampleHash("s_tlen"), 6)
}

func TestNormalizeFilters(t *testing.T) {
	req := Request{
		SubplotOn:  "chromosome",
		LookingAt:  "tlen",
		Chromosome: Values{"chr2", "chr1", "chr1"},
		Type:       Values{"3", "1"},
		Tlen:       Values{"100:200", "min:50", "75", "500:max", "80:80"},
		GC:         Values{"40:60"},
		Flag:       Values{"KcB"},
	}
	n, err := Normalize(req, sqlite.Dialect)
	require.NoError(t, err)

	stmt, args := n.SQL("t")
	assert.Equal(t, `SELECT SUM("counts"), "rname", "tlen" FROM "t"`+
		` WHERE ("rname" IN (?, ?))`+
		` AND ("type" IN (1, 3))`+
		` AND ("tlen" IN (75, 80) OR ("tlen" BETWEEN 100 AND 200) OR "tlen" < 50 OR "tlen" > 500)`+
		` AND (("gc" BETWEEN 40 AND 60))`+
		` AND (("flag" LIKE ? AND "flag" LIKE ?))`+
		` GROUP BY "rname", "tlen"`, stmt)
	assert.Equal(t, []any{"chr1", "chr2", "%Bc%", "%K%"}, args)
	assert.Equal(t, []string{"flag", "gc", "rname", "tlen", "type"}, n.Needs)
	assert.True(t, n.DropZeroTlen)
	assert.Len(t, n.Hash, 4)
	assert.NotEqual(t, n.SampleHash("a_tlen"), n.SampleHash("b_tlen"))

	reordered := req
	reordered.Chromosome = Values{"chr1", "chr2"}
	reordered.Type = Values{"1", "3", "3"}
	again, err := Normalize(reordered, sqlite.Dialect)
	require.NoError(t, err)
	assert.Equal(t, n.Hash, again.Hash)
}

func TestNormalizeSingleValues(t *testing.T) {
	n, err := Normalize(Request{SubplotOn: "type", LookingAt: "type", Type: Values{"7"}, Flag: Values{"A", "b"}}, sqlite.Dialect)
	require.NoError(t, err)
	stmt, args := n.SQL("t")
	assert.Equal(t, `SELECT SUM("counts"), "type" FROM "t" WHERE ("type" = 7) AND (("flag" LIKE ?) OR ("flag" LIKE ?)) GROUP BY "type"`, stmt)
	assert.Equal(t, []any{"%A%", "%b%"}, args)
}

func TestNormalizeRejects(t *testing.T) {
	base := func() Request { return Request{SubplotOn: "gc", LookingAt: "counts"} }
	cases := map[string]func(r *Request){
		"missing subplot":   func(r *Request) { r.SubplotOn = "" },
		"missing looking":   func(r *Request) { r.LookingAt = "" },
		"unknown subplot":   func(r *Request) { r.SubplotOn = "pos" },
		"unknown looking":   func(r *Request) { r.LookingAt = "qname" },
		"type too large":    func(r *Request) { r.Type = Values{"21"} },
		"type range":        func(r *Request) { r.Type = Values{"1:2"} },
		"tlen reversed":     func(r *Request) { r.Tlen = Values{"9:3"} },
		"tlen text":         func(r *Request) { r.Tlen = Values{"a"} },
		"tlen triple":       func(r *Request) { r.Tlen = Values{"1:2:3"} },
		"tlen min text":     func(r *Request) { r.Tlen = Values{"min:x"} },
		"gc above 100":      func(r *Request) { r.GC = Values{"101"} },
		"gc reversed":       func(r *Request) { r.GC = Values{"70:20"} },
		"flag out of range": func(r *Request) { r.Flag = Values{"M"} },
		"flag too long":     func(r *Request) { r.Flag = Values{"abcdefghijklA"} },
		"flag sql":          func(r *Request) { r.Flag = Values{"a' OR 1=1"} },
		"empty chromosome":  func(r *Request) { r.Chromosome = Values{""} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := base()
			mutate(&req)
			_, err := Normalize(req, sqlite.Dialect)
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
		})
	}
}

func TestValuesAcceptNumbersAndStrings(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"subplotOn":"gc","lookingAt":"counts","tlen":[10,"min:5",-3],"chromosome":[1,"X"]}`), &req))
	assert.Equal(t, Values{"10", "min:5", "-3"}, req.Tlen)
	assert.Equal(t, Values{"1", "X"}, req.Chromosome)

	assert.Error(t, json.Unmarshal([]byte(`{"tlen":[true]}`), &req))
}

func TestOptimizeFlags(t *testing.T) {
	cases := map[string][]string{
		"KcB":  {"Bc", "K"},
		"abcL": {"abc", "L"},
		"DcBa": {"aBcD"},
		"ca":   {"a", "c"},
		"A":    {"A"},
	}
	for in, want := range cases {
		assert.Equal(t, want, OptimizeFlags(in), in)
	}
}
