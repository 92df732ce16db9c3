package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnLonginotto/SeQC/internal/pipeline"
	"github.com/JohnLonginotto/SeQC/internal/storage"
)

type fakeStore struct {
	samples map[string]*storage.Sample
	err     error
	reads   int
}

func (f *fakeStore) GetSample(_ context.Context, hash string) (*storage.Sample, error) {
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.samples[hash]
	if !ok {
		return nil, storage.ErrSampleNotFound
	}
	return s, nil
}

var (
	gcGroup   = pipeline.Group{Members: []string{"gc"}, Key: "gc", Linkable: true}
	tlenGroup = pipeline.Group{Members: []string{"tlen"}, Key: "tlen", Linkable: true}
)

const hash = "0123456789abcdef0123456789abcdef"

func TestAbsentSampleKeepsEveryGroup(t *testing.T) {
	d, err := FilterPending(context.Background(), &fakeStore{}, hash, []pipeline.Group{gcGroup, tlenGroup}, false)
	require.NoError(t, err)
	assert.False(t, d.Skip)
	assert.Nil(t, d.Existing)
	assert.Equal(t, []pipeline.Group{gcGroup, tlenGroup}, d.Pending)
}

func TestCompletedGroupsAreDropped(t *testing.T) {
	store := &fakeStore{samples: map[string]*storage.Sample{
		hash: {Hash: hash, Completed: map[string]storage.Completion{"gc": {}}},
	}}
	d, err := FilterPending(context.Background(), store, hash, []pipeline.Group{gcGroup, tlenGroup}, false)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Group{tlenGroup}, d.Pending)
	assert.Equal(t, []string{"gc"}, d.Done)
	assert.False(t, d.Skip)
}

func TestEverythingDoneSkipsAndIsIdempotent(t *testing.T) {
	store := &fakeStore{samples: map[string]*storage.Sample{
		hash: {Hash: hash, Completed: map[string]storage.Completion{"gc": {}, "tlen": {}}},
	}}
	groups := []pipeline.Group{gcGroup, tlenGroup}
	first, err := FilterPending(context.Background(), store, hash, groups, false)
	require.NoError(t, err)
	second, err := FilterPending(context.Background(), store, hash, groups, false)
	require.NoError(t, err)

	assert.True(t, first.Skip)
	assert.Empty(t, first.Pending)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, store.reads)
}

func TestWriteoverKeepsEveryGroup(t *testing.T) {
	store := &fakeStore{samples: map[string]*storage.Sample{
		hash: {Hash: hash, Completed: map[string]storage.Completion{"gc": {}, "tlen": {}}},
	}}
	d, err := FilterPending(context.Background(), store, hash, []pipeline.Group{gcGroup, tlenGroup}, true)
	require.NoError(t, err)
	assert.False(t, d.Skip)
	assert.Len(t, d.Pending, 2)
	assert.NotNil(t, d.Existing)
}

func TestStorageErrorsPropagate(t *testing.T) {
	_, err := FilterPending(context.Background(), &fakeStore{err: errors.New("connection refused")}, hash, []pipeline.Group{gcGroup}, false)
	assert.Error(t, err)
}
