package multiparent

import (
	"fmt"

	"github.com/quiltvcs/quilt/pkg/types"
)

// reconstructor materializes contiguous line ranges of stored versions
// by resolving parent hunks against the ancestry graph. Chains are
// walked with an explicit worklist rather than recursion so arbitrarily
// deep delta chains cannot exhaust the call stack.
type reconstructor struct {
	store  *Store
	cursor map[string]*diffCursor
}

// diffCursor remembers where scanning last stopped in a version's diff,
// so repeated range requests against the same version avoid rescanning
// from the start. The cache is advisory: whenever it is behind a
// request, the iterator is simply recreated.
type diffCursor struct {
	it *RangeIterator
	r  Range
}

func newReconstructor(s *Store) *reconstructor {
	return &reconstructor{store: s, cursor: make(map[string]*diffCursor)}
}

type rangeReq struct {
	key        types.Key
	start, end int
}

// reconstructVersion appends all lines of key to out.
func (r *reconstructor) reconstructVersion(out *[][]byte, key types.Key) error {
	diff, err := r.store.getDiff(key)
	if err != nil {
		return err
	}
	return r.reconstruct(out, key, 0, diff.NumLines())
}

func (r *reconstructor) reconstruct(out *[][]byte, key types.Key, start, end int) error {
	if start == end {
		return nil
	}
	pending := []rangeReq{{key: key, start: start, end: end}}
	for len(pending) > 0 {
		req := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		id := req.key.ID()

		cur, ok := r.cursor[id]
		if !ok || cur.r.Start > req.start {
			diff, err := r.store.getDiff(req.key)
			if err != nil {
				return err
			}
			it := diff.RangeIterator()
			first, ok := it.Next()
			if !ok {
				return fmt.Errorf("%w: empty diff for %s", types.ErrCorrupt, req.key)
			}
			cur = &diffCursor{it: it, r: first}
		}
		// Advance to the first hunk relevant to the request.
		for cur.r.End <= req.start {
			next, ok := cur.it.Next()
			if !ok {
				return fmt.Errorf("%w: no hunk covers line %d of %s", types.ErrCorrupt, req.start, req.key)
			}
			cur.r = next
		}
		r.cursor[id] = cur

		// If the hunk cannot satisfy the whole request, split it and
		// leave the tail for later; emitting the current hunk before the
		// pushed remainder preserves destination line order.
		if req.end > cur.r.End {
			pending = append(pending, rangeReq{key: req.key, start: cur.r.End, end: req.end})
			req.end = cur.r.End
		}
		if cur.r.IsNew {
			*out = append(*out, cur.r.Lines[req.start-cur.r.Start:req.end-cur.r.Start]...)
			continue
		}
		// Rewrite the parent hunk as a range request against the parent
		// version and process it next.
		parents := r.store.parentsOf(req.key)
		if cur.r.Parent >= len(parents) {
			return fmt.Errorf("%w: %s references parent %d of %d", types.ErrCorrupt, req.key, cur.r.Parent, len(parents))
		}
		pending = append(pending, rangeReq{
			key:   parents[cur.r.Parent],
			start: cur.r.ParentStart + req.start - cur.r.Start,
			end:   cur.r.ParentEnd + req.end - cur.r.End,
		})
	}
	return nil
}
