package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/storage"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "seqc.db"), LockPoll: 5 * time.Millisecond},
		storage.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))
	return store
}

var _ storage.Backend = (*Store)(nil)

func TestMigrateSeedsSettingsOnce(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	settings, err := store.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"public": "false", "listen_on": "8080", "bind_to": "127.0.0.1"}, settings)
	assert.True(t, store.SingleWriter())
}

func TestSampleLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, err := store.GetSample(ctx, "0123456789abcdef0123456789abcdef")
	require.True(t, errors.Is(err, storage.ErrSampleNotFound))

	rows := int64(4)
	first := &storage.Sample{
		Hash: "0123456789abcdef0123456789abcdef", Path: "/a.sam", FileName: "a.sam", Size: 10, TotalReads: 6,
		Completed: map[string]storage.Completion{"gc": {Rows: &rows, Fingerprints: map[string]string{"gc": "f"}}},
	}
	require.NoError(t, store.MergeSample(ctx, first))
	second := &storage.Sample{
		Hash: first.Hash, Path: "/b.sam", FileName: "b.sam", Size: 10,
		Completed: map[string]storage.Completion{"tlen": {Rows: &rows}},
	}
	require.NoError(t, store.MergeSample(ctx, second))
	require.NoError(t, store.UpdateDisplay(ctx, first.Hash, "projectName", "P1"))

	got, err := store.GetSample(ctx, first.Hash)
	require.NoError(t, err)
	assert.Equal(t, []string{"gc", "tlen"}, got.CompletedKeys())
	assert.Equal(t, "/b.sam", got.Path)
	assert.Equal(t, "P1", got.ProjectName)
	assert.EqualValues(t, 6, got.TotalReads)

	list, err := store.ListSamples(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	err = store.UpdateDisplay(ctx, "ffffffffffffffffffffffffffffffff", "colour", "red")
	assert.True(t, errors.Is(err, storage.ErrSampleNotFound))
}

func TestReplaceTableAndQuery(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	spec := storage.TableSpec{Name: "0123_flag_gc", Columns: []storage.Column{
		{Name: "flag", Type: plugin.TypeText}, {Name: "gc", Type: plugin.TypeInt}, {Name: "counts", Type: plugin.TypeInt},
	}}
	require.NoError(t, store.ReplaceTable(ctx, spec, [][]any{{"ABc", 50, int64(3)}, {"abC", nil, int64(1)}}))
	require.NoError(t, store.ReplaceTable(ctx, spec, [][]any{{"ABc", 50, int64(2)}}))
	require.NoError(t, store.CreateIndex(ctx, spec.Name, spec.Columns))
	require.NoError(t, store.CreateIndex(ctx, spec.Name, spec.Columns))

	rows, err := store.Query(ctx, `SELECT flag, SUM(counts) FROM "0123_flag_gc" WHERE flag LIKE ? GROUP BY flag`, "%AB%")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ABc", rows[0][0])
	assert.EqualValues(t, 2, rows[0][1])

	rows, err = store.Query(ctx, `SELECT COUNT(*) FROM "0123_flag_gc" WHERE flag LIKE ?`, "%ab%")
	require.NoError(t, err)
	assert.EqualValues(t, 0, rows[0][0])
}

func TestDropTable(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	spec := storage.TableSpec{Name: "0123_bins", Columns: []storage.Column{
		{Name: "rname", Type: plugin.TypeText}, {Name: "reads", Type: plugin.TypeInt},
	}}
	require.NoError(t, store.ReplaceTable(ctx, spec, [][]any{{"chr1", int64(5)}}))
	require.NoError(t, store.DropTable(ctx, spec.Name))
	require.NoError(t, store.DropTable(ctx, spec.Name))

	_, err := store.Query(ctx, `SELECT COUNT(*) FROM "0123_bins"`)
	assert.Error(t, err)
}

func TestWriterLockIsExclusive(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	release, err := store.AcquireWriter(ctx)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = store.AcquireWriter(short)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))

	release()
	release()
	again, err := store.AcquireWriter(ctx)
	require.NoError(t, err)
	again()
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}
