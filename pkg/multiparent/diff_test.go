package multiparent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltvcs/quilt/pkg/types"
)

func lines(ss ...string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

func TestFromLinesNoParents(t *testing.T) {
	t.Parallel()

	diff := FromLines(lines("a\n", "b\n"), nil)
	require.Len(t, diff.Hunks, 1)
	assert.True(t, diff.Hunks[0].equal(&NewText{Lines: lines("a\n", "b\n")}))
	assert.Equal(t, 2, diff.NumLines())
	assert.True(t, diff.IsSnapshot())
}

func TestFromLinesSingleParent(t *testing.T) {
	t.Parallel()

	diff := FromLines(lines("a\n", "c\n"), [][][]byte{lines("a\n", "b\n")})
	want := &MultiParent{Hunks: []Hunk{
		&ParentText{Parent: 0, ParentPos: 0, ChildPos: 0, NumLines: 1},
		&NewText{Lines: lines("c\n")},
	}}
	assert.True(t, diff.Equal(want), "got %#v", diff.Hunks)
	assert.False(t, diff.IsSnapshot())
}

func TestFromLinesEmptyText(t *testing.T) {
	t.Parallel()

	diff := FromLines(nil, [][][]byte{lines("a\n")})
	require.Len(t, diff.Hunks, 1)
	nt, ok := diff.Hunks[0].(*NewText)
	require.True(t, ok)
	assert.Empty(t, nt.Lines)
	assert.Equal(t, 0, diff.NumLines())
}

// When two parents offer equally long runs, the first-declared parent
// wins.
func TestFromLinesTieBreak(t *testing.T) {
	t.Parallel()

	text := lines("x\n", "y\n")
	parentA := lines("x\n", "y\n")
	parentB := lines("x\n", "y\n")
	diff := FromLines(text, [][][]byte{parentA, parentB})

	require.Len(t, diff.Hunks, 1)
	pt, ok := diff.Hunks[0].(*ParentText)
	require.True(t, ok)
	assert.Equal(t, 0, pt.Parent)
	assert.Equal(t, 2, pt.NumLines)
}

// A longer run in a later parent beats a shorter one in an earlier
// parent.
func TestFromLinesLongestRunWins(t *testing.T) {
	t.Parallel()

	text := lines("p\n", "q\n", "r\n")
	parentA := lines("p\n")
	parentB := lines("p\n", "q\n", "r\n")
	diff := FromLines(text, [][][]byte{parentA, parentB})

	require.Len(t, diff.Hunks, 1)
	pt, ok := diff.Hunks[0].(*ParentText)
	require.True(t, ok)
	assert.Equal(t, 1, pt.Parent)
	assert.Equal(t, 3, pt.NumLines)
}

func TestPatchRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []*MultiParent{
		Snapshot(lines("a\n", "b\n")),
		{Hunks: []Hunk{
			&ParentText{Parent: 0, ParentPos: 0, ChildPos: 0, NumLines: 1},
			&NewText{Lines: lines("c\n")},
			&ParentText{Parent: 1, ParentPos: 3, ChildPos: 2, NumLines: 4},
		}},
		// Final line without a trailing newline.
		{Hunks: []Hunk{&NewText{Lines: lines("a\n", "b")}}},
		{Hunks: []Hunk{&NewText{Lines: lines("only")}}},
	}
	for _, diff := range cases {
		patch := diff.ToPatch()
		assert.Equal(t, len(patch), diff.PatchLen())
		got, err := FromPatch(patch)
		require.NoError(t, err)
		assert.True(t, got.Equal(diff), "patch %q", patch)
	}
}

func TestPatchFormat(t *testing.T) {
	t.Parallel()

	diff := &MultiParent{Hunks: []Hunk{
		&ParentText{Parent: 0, ParentPos: 0, ChildPos: 0, NumLines: 1},
		&NewText{Lines: lines("c\n")},
	}}
	assert.Equal(t, "c 0 0 0 1\ni 1\nc\n\n", string(diff.ToPatch()))
}

func TestFromPatchCorrupt(t *testing.T) {
	t.Parallel()

	for _, patch := range []string{
		"x 1\n",        // unknown tag
		"i 2\na\n",     // truncated insert
		"c 0 0 0\n",    // short copy line
		"\ni 1\na\n\n", // separator with no preceding hunk
	} {
		_, err := FromPatch([]byte(patch))
		assert.ErrorIs(t, err, types.ErrCorrupt, "patch %q", patch)
	}
}

func TestRangeIterator(t *testing.T) {
	t.Parallel()

	diff := &MultiParent{Hunks: []Hunk{
		&ParentText{Parent: 0, ParentPos: 2, ChildPos: 0, NumLines: 2},
		&NewText{Lines: lines("new\n")},
	}}
	it := diff.RangeIterator()

	r, ok := it.Next()
	require.True(t, ok)
	assert.False(t, r.IsNew)
	assert.Equal(t, 0, r.Start)
	assert.Equal(t, 2, r.End)
	assert.Equal(t, 2, r.ParentStart)
	assert.Equal(t, 4, r.ParentEnd)

	r, ok = it.Next()
	require.True(t, ok)
	assert.True(t, r.IsNew)
	assert.Equal(t, 2, r.Start)
	assert.Equal(t, 3, r.End)

	_, ok = it.Next()
	assert.False(t, ok)
}
