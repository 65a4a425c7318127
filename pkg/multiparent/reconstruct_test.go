package multiparent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltvcs/quilt/pkg/types"
)

// A long chain of diffs reconstructs byte-exact, exercising the
// worklist and cursor reuse over many hops.
func TestReconstructDeepChain(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(Options{SnapshotInterval: 1000})
	var parents []types.Key
	var text [][]byte
	var want [][][]byte
	for i := 0; i < 40; i++ {
		k := key(fmt.Sprintf("v%d", i))
		text = append(text, []byte(fmt.Sprintf("%040d\n", i)))
		snapshot := append([][]byte{}, text...)
		want = append(want, snapshot)
		_, err := s.AddVersion(k, parents, snapshot, AddOptions{})
		require.NoError(t, err)
		parents = []types.Key{k}
	}
	require.Equal(t, 1, s.SnapshotCount())

	s.ClearCache()
	// Newest first, so every read has to walk back toward the snapshot.
	for i := 39; i >= 0; i-- {
		got, err := s.GetLines(key(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
		assert.Equal(t, want[i], got)
	}
}

func TestReconstructFromTwoParents(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(Options{SnapshotInterval: 1000})
	v1 := [][]byte{longLine('a'), longLine('b'), longLine('c')}
	v2 := [][]byte{longLine('x'), longLine('y'), longLine('z')}
	_, err := s.AddVersion(key("v1"), nil, v1, AddOptions{})
	require.NoError(t, err)
	_, err = s.AddVersion(key("v2"), nil, v2, AddOptions{})
	require.NoError(t, err)

	merged := [][]byte{longLine('a'), longLine('b'), longLine('y'), longLine('z')}
	_, err = s.AddVersion(key("m"), []types.Key{key("v1"), key("v2")}, merged, AddOptions{})
	require.NoError(t, err)
	require.False(t, s.IsSnapshotVersion(key("m")))

	s.ClearCache()
	got, err := s.GetLines(key("m"))
	require.NoError(t, err)
	assert.Equal(t, merged, got)
}

func TestReconstructCorruptParentReference(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(Options{})
	// A diff that copies from a parent it never declared.
	diff := &MultiParent{Hunks: []Hunk{
		&ParentText{Parent: 0, ParentPos: 0, ChildPos: 0, NumLines: 1},
	}}
	require.NoError(t, s.addDiff(key("bad"), nil, diff))

	_, err := s.CacheVersion(key("bad"))
	assert.ErrorIs(t, err, types.ErrCorrupt)
}

func TestReconstructUncoveredRange(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(Options{})
	_, err := s.AddVersion(key("v1"), nil, lines("a\n", "b\n"), AddOptions{})
	require.NoError(t, err)
	// Copies lines 5..7 of a two-line parent.
	diff := &MultiParent{Hunks: []Hunk{
		&ParentText{Parent: 0, ParentPos: 5, ChildPos: 0, NumLines: 2},
	}}
	require.NoError(t, s.addDiff(key("bad"), []types.Key{key("v1")}, diff))

	_, err = s.CacheVersion(key("bad"))
	assert.ErrorIs(t, err, types.ErrCorrupt)
}
