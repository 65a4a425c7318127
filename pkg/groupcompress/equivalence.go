// Package groupcompress packs many, possibly unrelated, texts into
// shared buffers of copy/insert instructions. Later texts may copy byte
// ranges from any earlier content in the same buffer, which keeps
// per-text overhead low even across texts with no ancestry relation.
package groupcompress

// EquivalenceTable tracks, for every indexed line appended to a group
// buffer, the buffer line offsets where that exact line occurs. The
// compressor owns one table per group and feeds it lines as they are
// written out.
type EquivalenceTable struct {
	matching map[string][]int
	numLines int
}

// NewEquivalenceTable creates an empty table.
func NewEquivalenceTable() *EquivalenceTable {
	return &EquivalenceTable{matching: make(map[string][]int)}
}

// Matches returns the buffer line offsets whose content equals line, or
// nil when the line has never been indexed.
func (t *EquivalenceTable) Matches(line []byte) []int {
	return t.matching[string(line)]
}

// ExtendLines appends lines to the table. index holds one flag per
// line; only flagged lines become match candidates (headers and
// instruction lines are appended unindexed so copies never target
// them).
func (t *EquivalenceTable) ExtendLines(lines [][]byte, index []bool) {
	for i, line := range lines {
		if index[i] {
			t.matching[string(line)] = append(t.matching[string(line)], t.numLines+i)
		}
	}
	t.numLines += len(lines)
}

// Len returns the number of lines appended so far, indexed or not.
func (t *EquivalenceTable) Len() int {
	return t.numLines
}
