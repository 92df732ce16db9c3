package query

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/stats"
	"github.com/JohnLonginotto/SeQC/internal/storage"
	"github.com/JohnLonginotto/SeQC/internal/storage/sqlite"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
)

var (
	quiet   = slog.New(slog.NewTextHandler(io.Discard, nil))
	sampleA = strings.Repeat("a", 32)
	sampleB = strings.Repeat("b", 32)
)

var linkedColumns = []storage.Column{
	{Name: "flag", Type: plugin.TypeText},
	{Name: "gc", Type: plugin.TypeInt},
	{Name: "rname", Type: plugin.TypeText},
	{Name: "type", Type: plugin.TypeInt},
	{Name: "counts", Type: plugin.TypeInt},
}

func fixture(t *testing.T, cache Cache) (*Service, *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, sqlite.Config{Path: filepath.Join(t.TempDir(), "seqc.db")}, storage.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))

	reg, err := plugin.Load(stats.Sources(), plugin.WithLogger(quiet))
	require.NoError(t, err)

	require.NoError(t, store.ReplaceTable(ctx, storage.TableSpec{Name: sampleA + "_flag_gc_rname_type", Columns: linkedColumns}, [][]any{
		{"ABc", 40, "chr1", 1, int64(12)},
		{"abC", 55, "chr1", 2, int64(5)},
		{"ABc", 40, "chr2", 1, int64(7)},
	}))
	require.NoError(t, store.ReplaceTable(ctx, storage.TableSpec{Name: sampleA + "_tlen", Columns: []storage.Column{
		{Name: "tlen", Type: plugin.TypeInt}, {Name: "counts", Type: plugin.TypeInt},
	}}, [][]any{{0, int64(50)}, {150, int64(30)}, {300, int64(4)}}))

	three := int64(3)
	require.NoError(t, store.MergeSample(ctx, &storage.Sample{
		Hash: sampleA, Path: "/data/a.bam", FileName: "a.bam", Size: 100, TotalReads: 84,
		Completed: map[string]storage.Completion{
			"flag_gc_rname_type": {Rows: &three, DurationMS: 40},
			"tlen":               {Rows: &three, DurationMS: 2},
			"reads":              {DurationMS: 1},
		},
		UpdatedAt: time.UnixMilli(1000),
	}))
	require.NoError(t, store.MergeSample(ctx, &storage.Sample{
		Hash: sampleB, Path: "/data/b.bam", FileName: "b.bam",
		Completed: map[string]storage.Completion{"reads": {}},
	}))

	opts := []Option{WithLogger(quiet)}
	if cache != nil {
		opts = append(opts, WithCache(cache, time.Minute))
	}
	svc, err := NewService(store, reg, opts...)
	require.NoError(t, err)
	return svc, store
}

func TestQueryPicksCoveringTable(t *testing.T) {
	svc, _ := fixture(t, nil)
	ctx := context.Background()

	n, res, err := svc.Query(ctx, Request{SubplotOn: NoSubplot, LookingAt: "chromosome", Samples: []string{sampleA}})
	require.NoError(t, err)
	assert.Equal(t, UnfilteredHash, n.Hash)
	assert.Equal(t, map[string]int64{"chr1": 17, "chr2": 7}, res[NoSubplot][UnfilteredHash][sampleA])

	n, res, err = svc.Query(ctx, Request{SubplotOn: "chromosome", LookingAt: "gc", Samples: []string{sampleA}, Flag: Values{"AB"}})
	require.NoError(t, err)
	assert.Len(t, n.Hash, 4)
	assert.Equal(t, map[string]int64{"40": 12}, res["chr1"][n.Hash][sampleA])
	assert.Equal(t, map[string]int64{"40": 7}, res["chr2"][n.Hash][sampleA])
}

func TestQueryDropsZeroAndSparseTlen(t *testing.T) {
	svc, _ := fixture(t, nil)
	_, res, err := svc.Query(context.Background(), Request{SubplotOn: "tlen", LookingAt: CountsOnly, Samples: []string{sampleA}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, map[string]int64{CountsOnly: 30}, res["150"][UnfilteredHash][sampleA])
}

func TestQueryErrors(t *testing.T) {
	svc, _ := fixture(t, nil)
	ctx := context.Background()

	_, _, err := svc.Query(ctx, Request{SubplotOn: "gc", LookingAt: CountsOnly, Samples: []string{"nothex"}})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, _, err = svc.Query(ctx, Request{SubplotOn: "gc", LookingAt: CountsOnly})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, _, err = svc.Query(ctx, Request{SubplotOn: "gc", LookingAt: CountsOnly, Samples: []string{strings.Repeat("c", 32)}})
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))

	_, _, err = svc.Query(ctx, Request{SubplotOn: "gc", LookingAt: CountsOnly, Samples: []string{sampleB}})
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestQueryCacheKeyFollowsUpdatedAt(t *testing.T) {
	cache := NewMemoryCache(0)
	svc, store := fixture(t, cache)
	ctx := context.Background()
	req := Request{SubplotOn: NoSubplot, LookingAt: "tlen", Samples: []string{sampleA}}
	spec := storage.TableSpec{Name: sampleA + "_tlen", Columns: []storage.Column{
		{Name: "tlen", Type: plugin.TypeInt}, {Name: "counts", Type: plugin.TypeInt},
	}}

	_, res, err := svc.Query(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"150": 30}, res[NoSubplot][UnfilteredHash][sampleA])
	assert.Equal(t, 1, cache.Len())

	require.NoError(t, store.ReplaceTable(ctx, spec, [][]any{{150, int64(60)}}))
	_, res, err = svc.Query(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"150": 30}, res[NoSubplot][UnfilteredHash][sampleA])

	require.NoError(t, store.MergeSample(ctx, &storage.Sample{Hash: sampleA, Path: "/data/a.bam", FileName: "a.bam", UpdatedAt: time.UnixMilli(2000)}))
	_, res, err = svc.Query(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"150": 60}, res[NoSubplot][UnfilteredHash][sampleA])
	assert.Equal(t, 2, cache.Len())
}

func TestSamplesAndUpdate(t *testing.T) {
	svc, _ := fixture(t, nil)
	ctx := context.Background()

	require.NoError(t, svc.UpdateSample(ctx, sampleA, "projectName", "Run 7 (lane:1)"))
	views, err := svc.Samples(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)
	var a SampleView
	for _, v := range views {
		if v.Hash == sampleA {
			a = v
		}
	}
	assert.Equal(t, "Run 7 (lane:1)", a.ProjectName)
	assert.EqualValues(t, 43, a.AnalysisTime)
	assert.Equal(t, []string{"flag_gc_rname_type", "reads", "tlen"}, a.Analyses)

	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(svc.UpdateSample(ctx, "ABC", "colour", "red")))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(svc.UpdateSample(ctx, sampleA, "path", "x")))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(svc.UpdateSample(ctx, sampleA, "colour", "red;drop")))
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(svc.UpdateSample(ctx, strings.Repeat("d", 32), "colour", "red")))
}
