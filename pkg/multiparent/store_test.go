package multiparent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltvcs/quilt/pkg/types"
)

func key(name string) types.Key {
	return types.Key{"file", name}
}

// longLine returns a line bulky enough that a one-line change diffs
// smaller than a full snapshot.
func longLine(c rune) []byte {
	return []byte(strings.Repeat(string(c), 20) + "\n")
}

func TestAddAndReconstruct(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(Options{})
	_, err := s.AddVersion(key("v1"), nil, lines("a\n", "b\n"), AddOptions{})
	require.NoError(t, err)
	_, err = s.AddVersion(key("v2"), []types.Key{key("v1")}, lines("a\n", "c\n"), AddOptions{})
	require.NoError(t, err)

	// Drop cached lines so the second read goes through the diff chain.
	s.ClearCache()
	got, err := s.GetLines(key("v2"))
	require.NoError(t, err)
	assert.Equal(t, lines("a\n", "c\n"), got)
	assert.True(t, s.IsSnapshotVersion(key("v1")))
}

func TestReconstructThroughDiffChain(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(Options{SnapshotInterval: 100})
	v1 := [][]byte{longLine('a'), longLine('b')}
	v2 := [][]byte{longLine('a'), longLine('c')}
	v3 := [][]byte{longLine('a'), longLine('c'), longLine('d')}
	_, err := s.AddVersion(key("v1"), nil, v1, AddOptions{})
	require.NoError(t, err)
	_, err = s.AddVersion(key("v2"), []types.Key{key("v1")}, v2, AddOptions{})
	require.NoError(t, err)
	_, err = s.AddVersion(key("v3"), []types.Key{key("v2")}, v3, AddOptions{})
	require.NoError(t, err)

	assert.False(t, s.IsSnapshotVersion(key("v2")))
	assert.False(t, s.IsSnapshotVersion(key("v3")))
	s.ClearCache()
	got, err := s.GetLines(key("v3"))
	require.NoError(t, err)
	assert.Equal(t, v3, got)
}

func TestAddVersionChecks(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(Options{})
	_, err := s.AddVersion(key("v1"), nil, lines("a\n"), AddOptions{})
	require.NoError(t, err)

	_, err = s.AddVersion(key("v1"), []types.Key{key("ghost")}, lines("a\n"), AddOptions{})
	assert.ErrorIs(t, err, types.ErrInconsistentParents)

	_, err = s.AddVersion(key("v2"), nil, lines("a\n"), AddOptions{ExpectedSHA1: "deadbeef"})
	assert.ErrorIs(t, err, types.ErrCorrupt)

	_, err = s.GetLines(key("nope"))
	assert.ErrorIs(t, err, types.ErrMissingKey)
}

func TestReceipt(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(Options{})
	receipt, err := s.AddVersion(key("v1"), nil, lines("a\n", "bb\n"), AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, key("v1"), receipt.Key)
	assert.Equal(t, types.SHA1Lines(lines("a\n", "bb\n")), receipt.SHA1)
	assert.Equal(t, 5, receipt.Length)
}

// With an interval of 3, a linear chain snapshots every third hop: the
// root, then the version whose walk exhausts the budget.
func TestSnapshotInterval(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(Options{SnapshotInterval: 3})
	var parents []types.Key
	var text [][]byte
	for i := 0; i < 4; i++ {
		k := key(string(rune('1' + i)))
		text = append(text, longLine(rune('a'+i)))
		_, err := s.AddVersion(k, parents, append([][]byte{}, text...), AddOptions{})
		require.NoError(t, err)
		parents = []types.Key{k}
	}
	assert.True(t, s.IsSnapshotVersion(key("1")))
	assert.False(t, s.IsSnapshotVersion(key("2")))
	assert.False(t, s.IsSnapshotVersion(key("3")))
	assert.True(t, s.IsSnapshotVersion(key("4")))
	assert.Equal(t, 2, s.SnapshotCount())
}

func TestMaxSnapshots(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(Options{SnapshotInterval: 1, MaxSnapshots: 1})
	_, err := s.AddVersion(key("v1"), nil, [][]byte{longLine('a')}, AddOptions{})
	require.NoError(t, err)
	_, err = s.AddVersion(key("v2"), []types.Key{key("v1")}, [][]byte{longLine('a'), longLine('b')}, AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.SnapshotCount())
}

// A diff that would serialize no smaller than the full text is stored
// as a snapshot even in auto mode.
func TestForcedSnapshotOnLargeDiff(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(Options{SnapshotInterval: 100})
	_, err := s.AddVersion(key("v1"), nil, lines("aaaa\n"), AddOptions{})
	require.NoError(t, err)
	// Shares nothing with its parent.
	_, err = s.AddVersion(key("v2"), []types.Key{key("v1")}, lines("zzzz\n"), AddOptions{})
	require.NoError(t, err)
	assert.True(t, s.IsSnapshotVersion(key("v2")))
}

func TestMakeSnapshot(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(Options{SnapshotInterval: 100})
	v1 := [][]byte{longLine('a'), longLine('b')}
	v2 := [][]byte{longLine('a'), longLine('b'), longLine('c')}
	_, err := s.AddVersion(key("v1"), nil, v1, AddOptions{})
	require.NoError(t, err)
	_, err = s.AddVersion(key("v2"), []types.Key{key("v1")}, v2, AddOptions{})
	require.NoError(t, err)
	require.False(t, s.IsSnapshotVersion(key("v2")))

	require.NoError(t, s.MakeSnapshot(key("v2")))
	assert.True(t, s.IsSnapshotVersion(key("v2")))
	s.ClearCache()
	got, err := s.GetLines(key("v2"))
	require.NoError(t, err)
	assert.Equal(t, v2, got)
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "texts")
	s := NewFileStore(path, Options{})
	_, err := s.AddVersion(key("v1"), nil, lines("a\n", "b\n"), AddOptions{})
	require.NoError(t, err)
	_, err = s.AddVersion(key("v2"), []types.Key{key("v1")}, lines("a\n", "c\n"), AddOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Save())

	reopened := NewFileStore(path, Options{})
	require.NoError(t, reopened.Load())
	got, err := reopened.GetLines(key("v2"))
	require.NoError(t, err)
	assert.Equal(t, lines("a\n", "c\n"), got)
	assert.True(t, reopened.IsSnapshotVersion(key("v1")))
	parents, err := reopened.GetParents(key("v2"))
	require.NoError(t, err)
	assert.Equal(t, []types.Key{key("v1")}, parents)

	require.NoError(t, reopened.Destroy())
	if _, err := os.Stat(path + ".mpknit"); !os.IsNotExist(err) {
		t.Fatalf("data file should be gone, stat err: %v", err)
	}
}

func TestFileStoreLoadFresh(t *testing.T) {
	t.Parallel()

	s := NewFileStore(filepath.Join(t.TempDir(), "texts"), Options{})
	require.NoError(t, s.Load())
	assert.Empty(t, s.Versions())
}

func chainStore(t *testing.T, n int) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(Options{SnapshotInterval: 100})
	var parents []types.Key
	var text [][]byte
	for i := 0; i < n; i++ {
		k := key(string(rune('1' + i)))
		text = append(text, longLine(rune('a'+i)))
		_, err := s.AddVersion(k, parents, append([][]byte{}, text...), AddOptions{})
		require.NoError(t, err)
		parents = []types.Key{k}
	}
	return s
}

func TestSelectSnapshots(t *testing.T) {
	t.Parallel()

	src := chainStore(t, 5)
	dst := NewMemoryStore(Options{SnapshotInterval: 2})
	snapshots, err := dst.SelectSnapshots(src)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		key("1").ID(): true,
		key("4").ID(): true,
	}, snapshots)
}

func TestImportVersionedFile(t *testing.T) {
	t.Parallel()

	src := chainStore(t, 5)
	dst := NewMemoryStore(Options{SnapshotInterval: 2})
	snapshots, err := dst.SelectSnapshots(src)
	require.NoError(t, err)
	require.NoError(t, dst.ImportVersionedFile(src, snapshots, ImportOptions{NoCache: true, Verify: true}))

	assert.Len(t, dst.Versions(), 5)
	assert.True(t, dst.IsSnapshotVersion(key("1")))
	assert.False(t, dst.IsSnapshotVersion(key("2")))
	assert.True(t, dst.IsSnapshotVersion(key("4")))
	for _, v := range src.Versions() {
		want, err := src.GetLines(v)
		require.NoError(t, err)
		got, err := dst.GetLines(v)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestImportVerifyRequiresNoCache(t *testing.T) {
	t.Parallel()

	dst := NewMemoryStore(Options{})
	err := dst.ImportVersionedFile(NewMemoryStore(Options{}), nil, ImportOptions{Verify: true})
	assert.Error(t, err)
}

func TestImportDiffs(t *testing.T) {
	t.Parallel()

	src := chainStore(t, 3)
	dst := NewMemoryStore(Options{})
	require.NoError(t, dst.ImportDiffs(src.Store))
	got, err := dst.GetLines(key("3"))
	require.NoError(t, err)
	want, err := src.GetLines(key("3"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGetBuildRanking(t *testing.T) {
	t.Parallel()

	s := chainStore(t, 3)
	ranking := s.GetBuildRanking()
	require.Len(t, ranking, 3)
	// The middle version both avoids an ancestor and is referenced, so
	// the greedy pass picks it first.
	assert.Equal(t, key("2"), ranking[0])
}

func TestSizeRankingAndSelectBySize(t *testing.T) {
	t.Parallel()

	s := chainStore(t, 4)
	ranks, err := s.GetSizeRanking()
	require.NoError(t, err)
	require.Len(t, ranks, 3) // the root snapshot is excluded
	for i := 1; i < len(ranks); i++ {
		assert.LessOrEqual(t, ranks[i-1].Gain, ranks[i].Gain)
	}

	picked, err := s.SelectBySize(2)
	require.NoError(t, err)
	assert.Len(t, picked, 1) // one snapshot exists already
	for _, k := range picked {
		assert.False(t, s.IsSnapshotVersion(k))
	}
}

func TestTopoIter(t *testing.T) {
	t.Parallel()

	parents := map[string][]types.Key{
		key("c").ID(): {key("a"), key("b")},
		key("b").ID(): {key("a")},
		key("a").ID(): {key("ghost")},
	}
	order := TopoIter([]types.Key{key("c"), key("b"), key("a")}, func(k types.Key) []types.Key {
		return parents[k.ID()]
	})
	require.Len(t, order, 3)
	assert.Equal(t, key("a"), order[0])
	assert.Equal(t, key("b"), order[1])
	assert.Equal(t, key("c"), order[2])
}
