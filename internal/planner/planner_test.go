package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore implements Store over in-memory ID sets.
type fakeStore struct {
	present []int64
	allNull []int64
	deleted []int64
	err     error
}

func (f *fakeStore) MaxID(context.Context) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	var max int64
	for _, id := range f.present {
		if id > max && !f.isDeleted(id) {
			max = id
		}
	}
	return max, nil
}

func (f *fakeStore) PresentIDs(context.Context) ([]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []int64
	for _, id := range f.present {
		if !f.isDeleted(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeStore) AllNullIDs(context.Context) ([]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []int64
	for _, id := range f.allNull {
		if !f.isDeleted(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) isDeleted(id int64) bool {
	for _, d := range f.deleted {
		if d == id {
			return true
		}
	}
	return false
}

type fakeRemote struct {
	max int64
	err error
}

func (f *fakeRemote) MaxRemoteID(context.Context) (int64, error) {
	return f.max, f.err
}

func TestMissingIDsFindsGaps(t *testing.T) {
	t.Parallel()

	store := &fakeStore{present: []int64{1, 2, 5, 6, 9}}
	p := New(store, &fakeRemote{}, zap.NewNop())

	missing, err := p.MissingIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 7, 8}, missing)
}

func TestMissingIDsEmptyStore(t *testing.T) {
	t.Parallel()

	p := New(&fakeStore{}, &fakeRemote{}, zap.NewNop())
	missing, err := p.MissingIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestMissingIDsNeverExceedsMax(t *testing.T) {
	t.Parallel()

	store := &fakeStore{present: []int64{3}}
	p := New(store, &fakeRemote{}, zap.NewNop())

	missing, err := p.MissingIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, missing)
	for _, id := range missing {
		assert.LessOrEqual(t, id, int64(3))
	}
}

func TestCatchUpIDs(t *testing.T) {
	t.Parallel()

	store := &fakeStore{present: []int64{990}}
	p := New(store, &fakeRemote{max: 1000}, zap.NewNop())

	ids, frontier, err := p.CatchUpIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), frontier)
	assert.Equal(t, []int64{991, 992, 993, 994, 995, 996, 997, 998, 999, 1000}, ids)
}

func TestCatchUpIDsAlreadyCurrent(t *testing.T) {
	t.Parallel()

	store := &fakeStore{present: []int64{1000}}
	p := New(store, &fakeRemote{max: 1000}, zap.NewNop())

	ids, frontier, err := p.CatchUpIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), frontier)
	assert.Empty(t, ids)
}

func TestCatchUpIDsFrontierError(t *testing.T) {
	t.Parallel()

	p := New(&fakeStore{}, &fakeRemote{err: errors.New("listing down")}, zap.NewNop())
	_, _, err := p.CatchUpIDs(context.Background())
	require.Error(t, err)
}

func TestTrimNullFrontierStopsAtFirstDataRow(t *testing.T) {
	t.Parallel()

	// 7 has data; 8, 9, 10 are all-null at the top. 3 is all-null but
	// sits below a data row and must survive.
	store := &fakeStore{
		present: []int64{3, 7, 8, 9, 10},
		allNull: []int64{3, 8, 9, 10},
	}
	p := New(store, &fakeRemote{}, zap.NewNop())

	trimmed, err := p.TrimNullFrontier(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), trimmed)
	assert.Equal(t, []int64{10, 9, 8}, store.deleted)
}

func TestTrimNullFrontierNoNullsAtTop(t *testing.T) {
	t.Parallel()

	store := &fakeStore{present: []int64{1, 2, 3}, allNull: []int64{2}}
	p := New(store, &fakeRemote{}, zap.NewNop())

	trimmed, err := p.TrimNullFrontier(context.Background())
	require.NoError(t, err)
	assert.Zero(t, trimmed)
	assert.Empty(t, store.deleted)
}

func TestTrimNullFrontierEmptyStore(t *testing.T) {
	t.Parallel()

	p := New(&fakeStore{}, &fakeRemote{}, zap.NewNop())
	trimmed, err := p.TrimNullFrontier(context.Background())
	require.NoError(t, err)
	assert.Zero(t, trimmed)
}
