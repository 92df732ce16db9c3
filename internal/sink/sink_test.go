package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnLonginotto/SeQC/internal/pipeline"
	"github.com/JohnLonginotto/SeQC/internal/stats"
	"github.com/JohnLonginotto/SeQC/internal/storage"
	"github.com/JohnLonginotto/SeQC/internal/storage/storagetest"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
)

const hash = "0123456789abcdef0123456789abcdef"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func registry(t *testing.T) *plugin.Registry {
	t.Helper()
	reg, err := plugin.Load(stats.Sources(), plugin.WithLogger(quiet))
	require.NoError(t, err)
	return reg
}

func newSink(t *testing.T, store storage.Backend) (*Sink, *plugin.Registry) {
	t.Helper()
	reg := registry(t)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(store, reg, File{Hash: hash, Path: "/data/a.sam", Name: "a.sam", Size: 42, Header: "@SQ"},
		WithLogger(quiet),
		WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}))
	return s, reg
}

func linked(members ...string) pipeline.Group {
	return pipeline.Group{Members: members, Key: pipeline.GroupKey(members), Linkable: true}
}

func TestWriteLinkedGroupCreatesTypedTableAndIndex(t *testing.T) {
	store := storagetest.NewMemory(false)
	s, reg := newSink(t, store)

	err := s.Write(context.Background(), pipeline.GroupResult{
		Group: linked("gc", "rname"),
		Kind:  plugin.KindLinked,
		Table: &plugin.Table{Columns: []string{"gc", "rname", "counts"}, Rows: [][]any{{50, "chr1", int64(3)}}},
	})
	require.NoError(t, err)

	spec := store.Spec(hash + "_gc_rname")
	assert.Equal(t, []storage.Column{
		{Name: "gc", Type: plugin.TypeInt},
		{Name: "rname", Type: plugin.TypeText},
		{Name: "counts", Type: plugin.TypeInt},
	}, spec.Columns)

	_, indexed := store.Index(hash + "_gc_rname")
	assert.False(t, indexed)
	deferred, err := s.Index(context.Background())
	require.NoError(t, err)
	assert.Empty(t, deferred)
	cols, ok := store.Index(hash + "_gc_rname")
	require.True(t, ok)
	assert.Len(t, cols, 3)

	require.NoError(t, s.Commit(context.Background(), 3))
	sample, err := store.GetSample(context.Background(), hash)
	require.NoError(t, err)
	entry := sample.Completed["gc_rname"]
	require.NotNil(t, entry.Rows)
	assert.Equal(t, int64(1), *entry.Rows)

	gc, _ := reg.Get("gc")
	seq, _ := reg.Get("seq")
	assert.Equal(t, gc.Fingerprint, entry.Fingerprints["gc"])
	assert.Equal(t, seq.Fingerprint, entry.Fingerprints["seq"])
	assert.Equal(t, int64(1000), entry.DurationMS)

	method, ok := store.Method(seq.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, "TEXT", method.Type)
	assert.Equal(t, seq.Source, method.Code)
}

func TestSingleWriterDefersIndexes(t *testing.T) {
	store := storagetest.NewMemory(true)
	s, _ := newSink(t, store)

	require.NoError(t, s.Write(context.Background(), pipeline.GroupResult{
		Group: linked("tlen"),
		Kind:  plugin.KindLinked,
		Table: &plugin.Table{Columns: []string{"tlen", "counts"}, Rows: [][]any{{0, int64(5)}}},
	}))
	deferred, err := s.Index(context.Background())
	require.NoError(t, err)
	require.Len(t, deferred, 1)
	_, indexed := store.Index(hash + "_tlen")
	assert.False(t, indexed)

	require.NoError(t, IndexDeferred(context.Background(), store, deferred, quiet))
	_, indexed = store.Index(hash + "_tlen")
	assert.True(t, indexed)
}

func TestDocumentGoesToMetadata(t *testing.T) {
	store := storagetest.NewMemory(false)
	s, _ := newSink(t, store)

	require.NoError(t, s.Write(context.Background(), pipeline.GroupResult{
		Group:    pipeline.Group{Members: []string{"reads"}, Key: "reads"},
		Kind:     plugin.KindDocument,
		Document: map[string]int{"total": 6},
	}))
	require.NoError(t, s.Commit(context.Background(), 6))

	sample, err := store.GetSample(context.Background(), hash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":6}`, string(sample.Documents["reads"]))
	assert.Nil(t, sample.Completed["reads"].Rows)
	assert.Empty(t, s.Tables())
	assert.Equal(t, int64(6), sample.TotalReads)
}

func TestEmptyExplicitTableCreatesNothing(t *testing.T) {
	store := storagetest.NewMemory(false)
	s, _ := newSink(t, store)

	require.NoError(t, s.Write(context.Background(), pipeline.GroupResult{
		Group: pipeline.Group{Members: []string{"bins"}, Key: "bins"},
		Kind:  plugin.KindTable,
		Table: &plugin.Table{Columns: []string{"rname", "bin", "reads"}},
	}))
	_, exists := store.Table(hash + "_bins")
	assert.False(t, exists)
	assert.Equal(t, []string{"bins"}, s.Completed())
}

func TestWriteoverWithEmptyExplicitTableDropsStaleRows(t *testing.T) {
	store := storagetest.NewMemory(false)
	bins := pipeline.Group{Members: []string{"bins"}, Key: "bins"}

	first, _ := newSink(t, store)
	require.NoError(t, first.Write(context.Background(), pipeline.GroupResult{
		Group: bins,
		Kind:  plugin.KindTable,
		Table: &plugin.Table{Columns: []string{"rname", "bin", "reads"}, Rows: [][]any{{"chr1", 0, int64(5)}}},
	}))
	require.NoError(t, first.Commit(context.Background(), 5))
	_, exists := store.Table(hash + "_bins")
	require.True(t, exists)

	second, _ := newSink(t, store)
	require.NoError(t, second.Write(context.Background(), pipeline.GroupResult{
		Group: bins,
		Kind:  plugin.KindTable,
		Table: &plugin.Table{Columns: []string{"rname", "bin", "reads"}},
	}))
	require.NoError(t, second.Commit(context.Background(), 0))

	_, exists = store.Table(hash + "_bins")
	assert.False(t, exists)
	assert.Empty(t, second.Tables())
	sample, err := store.GetSample(context.Background(), hash)
	require.NoError(t, err)
	require.NotNil(t, sample.Completed["bins"].Rows)
	assert.Zero(t, *sample.Completed["bins"].Rows)
}

func TestExplicitTableIndexedOnDeclaredColumns(t *testing.T) {
	store := storagetest.NewMemory(false)
	s, _ := newSink(t, store)

	require.NoError(t, s.Write(context.Background(), pipeline.GroupResult{
		Group: pipeline.Group{Members: []string{"bins"}, Key: "bins"},
		Kind:  plugin.KindTable,
		Table: &plugin.Table{Columns: []string{"rname", "bin", "reads"}, Rows: [][]any{{"chr1", 0, int64(2)}}},
	}))
	_, err := s.Index(context.Background())
	require.NoError(t, err)
	cols, ok := store.Index(hash + "_bins")
	require.True(t, ok)
	assert.Equal(t, []storage.Column{{Name: "rname", Type: plugin.TypeText}, {Name: "bin", Type: plugin.TypeInt}}, cols)
}

func TestReplaceFailurePropagates(t *testing.T) {
	store := storagetest.NewMemory(false)
	store.FailReplace = errors.New("disk full")
	s, _ := newSink(t, store)

	err := s.Write(context.Background(), pipeline.GroupResult{
		Group: linked("gc"),
		Kind:  plugin.KindLinked,
		Table: &plugin.Table{Columns: []string{"gc", "counts"}, Rows: [][]any{{50, int64(1)}}},
	})
	assert.Error(t, err)
	assert.Empty(t, s.Completed())
}

func TestPlanSkipsDocumentsAndEmptyTables(t *testing.T) {
	store := storagetest.NewMemory(true)
	reg := registry(t)
	zero, two := int64(0), int64(2)
	require.NoError(t, store.MergeSample(context.Background(), &storage.Sample{
		Hash: hash,
		Completed: map[string]storage.Completion{
			"gc_rname": {Rows: &two},
			"bins":     {Rows: &zero},
			"reads":    {},
		},
		Documents: map[string]json.RawMessage{"reads": json.RawMessage(`{}`)},
	}))

	jobs, err := Plan(context.Background(), store, reg, map[string][]string{hash: {"bins", "gc_rname", "reads"}})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, hash+"_gc_rname", jobs[0].Table)
}
