package multiparent

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/quiltvcs/quilt/pkg/types"
)

// ToPatch serializes the diff into its line-oriented text form.
//
// A literal hunk is written as "i <n>" followed by the n lines verbatim
// and a bare newline; a parent hunk as "c <parent> <parent_pos>
// <child_pos> <num_lines>". When the final literal line of a hunk lacks
// a terminating newline it merges with the bare separator line, and
// FromPatch restores it symmetrically, so the round trip is byte exact.
func (mp *MultiParent) ToPatch() []byte {
	var buf bytes.Buffer
	for _, hunk := range mp.Hunks {
		switch h := hunk.(type) {
		case *NewText:
			fmt.Fprintf(&buf, "i %d\n", len(h.Lines))
			for _, line := range h.Lines {
				buf.Write(line)
			}
			buf.WriteByte('\n')
		case *ParentText:
			fmt.Fprintf(&buf, "c %d %d %d %d\n", h.Parent, h.ParentPos, h.ChildPos, h.NumLines)
		}
	}
	return buf.Bytes()
}

// PatchLen returns the serialized patch size in bytes.
func (mp *MultiParent) PatchLen() int {
	n := 0
	for _, hunk := range mp.Hunks {
		switch h := hunk.(type) {
		case *NewText:
			n += len(fmt.Sprintf("i %d\n", len(h.Lines))) + 1
			n += types.LinesLen(h.Lines)
		case *ParentText:
			n += len(fmt.Sprintf("c %d %d %d %d\n", h.Parent, h.ParentPos, h.ChildPos, h.NumLines))
		}
	}
	return n
}

// FromPatch parses a serialized patch back into a diff. Unrecognized
// leading tags mean the backing data is damaged and yield ErrCorrupt.
func FromPatch(data []byte) (*MultiParent, error) {
	lines := types.SplitLines(data)
	var hunks []Hunk
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch line[0] {
		case 'i':
			n, err := atoiField(line, 1)
			if err != nil {
				return nil, err
			}
			if i+n >= len(lines) {
				return nil, fmt.Errorf("%w: truncated insert hunk of %d lines", types.ErrCorrupt, n)
			}
			hunkLines := make([][]byte, n)
			copy(hunkLines, lines[i+1:i+1+n])
			i += n
			if n > 0 {
				// The serializer's separator newline merged into the
				// final line; strip it here, the separator branch below
				// restores it for lines that really ended in one.
				last := hunkLines[n-1]
				hunkLines[n-1] = last[:len(last)-1]
			}
			hunks = append(hunks, &NewText{Lines: hunkLines})
		case '\n':
			if len(hunks) == 0 {
				return nil, fmt.Errorf("%w: separator before any hunk", types.ErrCorrupt)
			}
			nt, ok := hunks[len(hunks)-1].(*NewText)
			if !ok {
				return nil, fmt.Errorf("%w: separator after non-literal hunk", types.ErrCorrupt)
			}
			if len(nt.Lines) > 0 {
				last := nt.Lines[len(nt.Lines)-1]
				nt.Lines[len(nt.Lines)-1] = append(append([]byte{}, last...), '\n')
			}
		case 'c':
			fields := bytes.Fields(line)
			if len(fields) != 5 {
				return nil, fmt.Errorf("%w: malformed copy hunk %q", types.ErrCorrupt, line)
			}
			nums := make([]int, 4)
			for j, f := range fields[1:] {
				v, err := strconv.Atoi(string(f))
				if err != nil {
					return nil, fmt.Errorf("%w: malformed copy hunk %q", types.ErrCorrupt, line)
				}
				nums[j] = v
			}
			hunks = append(hunks, &ParentText{
				Parent:    nums[0],
				ParentPos: nums[1],
				ChildPos:  nums[2],
				NumLines:  nums[3],
			})
		default:
			return nil, fmt.Errorf("%w: unknown patch tag %q", types.ErrCorrupt, line[0])
		}
	}
	return &MultiParent{Hunks: hunks}, nil
}

func atoiField(line []byte, idx int) (int, error) {
	fields := bytes.Fields(line)
	if idx >= len(fields) {
		return 0, fmt.Errorf("%w: malformed hunk header %q", types.ErrCorrupt, line)
	}
	n, err := strconv.Atoi(string(fields[idx]))
	if err != nil {
		return 0, fmt.Errorf("%w: malformed hunk header %q", types.ErrCorrupt, line)
	}
	return n, nil
}
