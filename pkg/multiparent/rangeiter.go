package multiparent

// Range describes one hunk of a diff together with the destination line
// range it covers. For a literal hunk IsNew is true and Lines holds the
// content; for a parent hunk Parent/ParentStart/ParentEnd locate the
// copied run inside the declared parent.
type Range struct {
	Start, End int
	IsNew      bool
	Lines      [][]byte

	Parent      int
	ParentStart int
	ParentEnd   int
}

// RangeIterator walks the hunks of a diff lazily, yielding one Range per
// hunk. It is finite and cannot be restarted; callers needing to rewind
// create a fresh iterator.
type RangeIterator struct {
	hunks []Hunk
	idx   int
	start int
}

// RangeIterator returns an iterator over the diff's hunks.
func (mp *MultiParent) RangeIterator() *RangeIterator {
	return &RangeIterator{hunks: mp.Hunks}
}

// Next returns the next hunk range. ok is false once the diff is
// exhausted.
func (it *RangeIterator) Next() (r Range, ok bool) {
	if it.idx >= len(it.hunks) {
		return Range{}, false
	}
	hunk := it.hunks[it.idx]
	it.idx++
	switch h := hunk.(type) {
	case *NewText:
		r = Range{
			Start: it.start,
			End:   it.start + len(h.Lines),
			IsNew: true,
			Lines: h.Lines,
		}
	case *ParentText:
		r = Range{
			Start:       h.ChildPos,
			End:         h.ChildPos + h.NumLines,
			Parent:      h.Parent,
			ParentStart: h.ParentPos,
			ParentEnd:   h.ParentPos + h.NumLines,
		}
	}
	it.start = r.End
	return r, true
}
