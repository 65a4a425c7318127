// Package multiparent implements a delta-chain text store: each stored
// text is either a full snapshot or a diff expressed against one or more
// parent texts, and any revision can be rebuilt by walking the chain of
// diffs back to a snapshot.
package multiparent

import (
	"github.com/pmezard/go-difflib/difflib"
)

// Hunk is one segment of a diff: either literal text introduced by this
// revision (NewText) or a line range copied unchanged from a parent
// (ParentText).
type Hunk interface {
	equal(Hunk) bool
}

// NewText holds lines introduced by this revision.
type NewText struct {
	Lines [][]byte
}

func (h *NewText) equal(other Hunk) bool {
	o, ok := other.(*NewText)
	if !ok || len(o.Lines) != len(h.Lines) {
		return false
	}
	for i := range h.Lines {
		if string(h.Lines[i]) != string(o.Lines[i]) {
			return false
		}
	}
	return true
}

// ParentText references a run of lines present in one of the revision's
// declared parents. Parent indexes into the revision's own parent list,
// not into the global key space.
type ParentText struct {
	Parent    int
	ParentPos int
	ChildPos  int
	NumLines  int
}

func (h *ParentText) equal(other Hunk) bool {
	o, ok := other.(*ParentText)
	return ok && *o == *h
}

// MultiParent is an ordered sequence of hunks whose concatenated content
// reconstructs a full text. Hunk ranges are contiguous and cover the
// whole destination text.
type MultiParent struct {
	Hunks []Hunk
}

// Snapshot builds a diff that carries the full text literally.
func Snapshot(lines [][]byte) *MultiParent {
	return &MultiParent{Hunks: []Hunk{&NewText{Lines: lines}}}
}

// Equal reports whether two diffs have identical hunks.
func (mp *MultiParent) Equal(other *MultiParent) bool {
	if len(mp.Hunks) != len(other.Hunks) {
		return false
	}
	for i := range mp.Hunks {
		if !mp.Hunks[i].equal(other.Hunks[i]) {
			return false
		}
	}
	return true
}

// MatchingBlocks computes the matching blocks between a parent text and
// the destination text, in the form FromLinesBlocks expects for its
// precomputed first-parent blocks.
func MatchingBlocks(parent, text [][]byte) []difflib.Match {
	m := difflib.NewMatcher(toStrings(parent), toStrings(text))
	return m.GetMatchingBlocks()
}

// FromLines produces a diff of text against zero or more parent texts.
// Parents are in priority order; when several parents cover the current
// line the longest remaining run wins, with ties going to the
// earliest-declared parent. Zero parents yields a snapshot.
func FromLines(text [][]byte, parents [][][]byte) *MultiParent {
	return FromLinesBlocks(text, parents, nil)
}

// FromLinesBlocks is FromLines with optionally precomputed matching
// blocks for the first parent, so a caller diffing one text against the
// same base repeatedly can reuse them.
func FromLinesBlocks(text [][]byte, parents [][][]byte, leftBlocks []difflib.Match) *MultiParent {
	comparisons := make([][]difflib.Match, len(parents))
	if len(parents) > 0 {
		if leftBlocks == nil {
			leftBlocks = MatchingBlocks(parents[0], text)
		}
		comparisons[0] = leftBlocks
		for i, p := range parents[1:] {
			comparisons[i+1] = MatchingBlocks(p, text)
		}
	}

	blockIdx := make([]int, len(comparisons))
	nextBlock := func(p int) *difflib.Match {
		if blockIdx[p] >= len(comparisons[p]) {
			return nil
		}
		b := comparisons[p][blockIdx[p]]
		blockIdx[p]++
		return &b
	}
	cur := make([]*difflib.Match, len(comparisons))
	for p := range cur {
		cur[p] = nextBlock(p)
	}

	diff := &MultiParent{}
	newText := &NewText{}
	curLine := 0
	for curLine < len(text) {
		var best *ParentText
		for p := range cur {
			block := cur[p]
			if block == nil {
				continue
			}
			i, j, n := block.A, block.B, block.Size
			for j+n < curLine {
				block = nextBlock(p)
				cur[p] = block
				if block == nil {
					break
				}
				i, j, n = block.A, block.B, block.Size
			}
			if block == nil || j > curLine {
				continue
			}
			offset := curLine - j
			i += offset
			j = curLine
			n -= offset
			if n == 0 {
				continue
			}
			// Strict > keeps the first-declared parent on ties.
			if best == nil || n > best.NumLines {
				best = &ParentText{Parent: p, ParentPos: i, ChildPos: j, NumLines: n}
			}
		}
		if best == nil {
			newText.Lines = append(newText.Lines, text[curLine])
			curLine++
		} else {
			if len(newText.Lines) > 0 {
				diff.Hunks = append(diff.Hunks, newText)
				newText = &NewText{}
			}
			diff.Hunks = append(diff.Hunks, best)
			curLine += best.NumLines
		}
	}
	if len(newText.Lines) > 0 {
		diff.Hunks = append(diff.Hunks, newText)
	}
	if len(diff.Hunks) == 0 {
		diff.Hunks = append(diff.Hunks, &NewText{})
	}
	return diff
}

// NumLines returns the total destination length of the diff.
func (mp *MultiParent) NumLines() int {
	extra := 0
	for i := len(mp.Hunks) - 1; i >= 0; i-- {
		switch h := mp.Hunks[i].(type) {
		case *ParentText:
			return h.ChildPos + h.NumLines + extra
		case *NewText:
			extra += len(h.Lines)
		}
	}
	return extra
}

// IsSnapshot reports whether the diff is a full snapshot: exactly one
// hunk, and that hunk literal text.
func (mp *MultiParent) IsSnapshot() bool {
	if len(mp.Hunks) != 1 {
		return false
	}
	_, ok := mp.Hunks[0].(*NewText)
	return ok
}

func toStrings(lines [][]byte) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = string(line)
	}
	return out
}
