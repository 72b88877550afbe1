package view

import (
	"sort"
	"testing"

	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshot struct {
	data map[string][]byte
}

func newFakeSnapshot(pairs map[string][]byte) *fakeSnapshot {
	return &fakeSnapshot{data: pairs}
}

func (f *fakeSnapshot) Get(key kv.Key) ([]byte, bool, error) {
	v, ok := f.data[string(key)]
	return v, ok, nil
}

func (f *fakeSnapshot) Iterate(r kv.Range, fn func(key kv.Key, value []byte) bool) error {
	var keys []string
	for k := range f.data {
		if r.Contains(kv.Key(k)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn(kv.Key(k), f.data[k]) {
			break
		}
	}
	return nil
}

func TestGetFallsThroughToSnapshot(t *testing.T) {
	snap := newFakeSnapshot(map[string][]byte{"a": []byte("1")})
	v := New(snap)
	val, found, err := v.Get(kv.Key("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("1"), val)
}

func TestPutShadowsSnapshot(t *testing.T) {
	snap := newFakeSnapshot(map[string][]byte{"a": []byte("old")})
	v := New(snap)
	v.Put(kv.Key("a"), []byte("new"))
	val, found, err := v.Get(kv.Key("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("new"), val)
}

func TestRemoveHidesSnapshotValue(t *testing.T) {
	snap := newFakeSnapshot(map[string][]byte{"a": []byte("1")})
	v := New(snap)
	v.Remove(kv.Key("a"))
	_, found, err := v.Get(kv.Key("a"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoveRangeHidesSnapshotKeysUntilRePut(t *testing.T) {
	snap := newFakeSnapshot(map[string][]byte{"a": []byte("1"), "b": []byte("2"), "c": []byte("3")})
	v := New(snap)
	v.RemoveRange(kv.Range{Start: kv.Key("a"), End: kv.Key("c")})

	_, found, _ := v.Get(kv.Key("a"))
	assert.False(t, found)
	_, found, _ = v.Get(kv.Key("b"))
	assert.False(t, found)
	val, found, _ := v.Get(kv.Key("c"))
	assert.True(t, found)
	assert.Equal(t, []byte("3"), val)

	v.Put(kv.Key("a"), []byte("resurrected"))
	val, found, _ = v.Get(kv.Key("a"))
	assert.True(t, found)
	assert.Equal(t, []byte("resurrected"), val)
}

func TestAdjustCounterAccumulatesAndReadsThroughSnapshot(t *testing.T) {
	snap := newFakeSnapshot(map[string][]byte{"ctr": kv.EncodeCounter(10)})
	v := New(snap)
	v.AdjustCounter(kv.Key("ctr"), 5)
	v.AdjustCounter(kv.Key("ctr"), -2)

	val, found, err := v.Get(kv.Key("ctr"))
	require.NoError(t, err)
	require.True(t, found)
	got, err := kv.DecodeCounter(val)
	require.NoError(t, err)
	assert.Equal(t, int64(13), got)
}

func TestAdjustCounterCreatesAbsentCounter(t *testing.T) {
	snap := newFakeSnapshot(nil)
	v := New(snap)
	v.AdjustCounter(kv.Key("new"), 7)
	val, found, err := v.Get(kv.Key("new"))
	require.NoError(t, err)
	require.True(t, found)
	got, err := kv.DecodeCounter(val)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)
}

func TestGetRangeMergesBufferedWritesAndSnapshot(t *testing.T) {
	snap := newFakeSnapshot(map[string][]byte{"a": []byte("1"), "b": []byte("2")})
	v := New(snap)
	v.Put(kv.Key("aa"), []byte("new"))
	v.Remove(kv.Key("b"))

	var seen []string
	err := v.GetRange(kv.Range{}, func(key kv.Key, value []byte) bool {
		seen = append(seen, string(key))
		return true
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "aa"}, seen)
}

func TestFindConflictDetectsOverlap(t *testing.T) {
	reads := []kv.Range{{Start: kv.Key("a"), End: kv.Key("m")}}
	mutations := kv.MutationSet{kv.Put{Key: kv.Key("b"), Value: []byte("x")}}
	assert.True(t, FindConflict(reads, mutations))

	disjoint := kv.MutationSet{kv.Put{Key: kv.Key("z"), Value: []byte("x")}}
	assert.False(t, FindConflict(reads, disjoint))
}

func TestMutationsOrdersRangeRemovesBeforePointWrites(t *testing.T) {
	snap := newFakeSnapshot(nil)
	v := New(snap)
	v.RemoveRange(kv.Range{Start: kv.Key("a"), End: kv.Key("z")})
	v.Put(kv.Key("m"), []byte("value"))

	set := v.Mutations()
	require.Len(t, set, 2)
	_, isRemoveRange := set[0].(kv.RemoveRange)
	assert.True(t, isRemoveRange)
	_, isPut := set[1].(kv.Put)
	assert.True(t, isPut)
}

func TestIsReadOnly(t *testing.T) {
	snap := newFakeSnapshot(nil)
	v := New(snap)
	assert.True(t, v.IsReadOnly())
	v.Put(kv.Key("a"), []byte("1"))
	assert.False(t, v.IsReadOnly())
}
