package multiparent

import (
	"fmt"
	"sort"

	"github.com/quiltvcs/quilt/pkg/types"
)

// doSnapshot decides whether a new version should be stored as a full
// snapshot. Zero parents always snapshot. Otherwise the parent chain is
// walked for up to snapshotInterval generations, following the parents
// of non-snapshot versions; if the walk never bottoms out at snapshots
// the chain has grown too deep and a new snapshot caps it.
func (s *Store) doSnapshot(parents []types.Key) bool {
	if s.snapshotInterval < 0 {
		return false
	}
	if s.maxSnapshots > 0 && len(s.snapshots) >= s.maxSnapshots {
		return false
	}
	if len(parents) == 0 {
		return true
	}
	frontier := parents
	for i := 0; i < s.snapshotInterval; i++ {
		if len(frontier) == 0 {
			return false
		}
		var next []types.Key
		for _, key := range frontier {
			if !s.snapshots[key.ID()] {
				next = append(next, s.parents[key.ID()]...)
			}
		}
		frontier = next
	}
	return true
}

// VersionSource is the read side another versioned store must expose to
// be imported or analyzed: its keys, per-key parents and per-key lines.
type VersionSource interface {
	Versions() []types.Key
	GetParents(key types.Key) ([]types.Key, error)
	GetLines(key types.Key) ([][]byte, error)
}

// TopoIter returns the source's keys in parent-before-child order.
// Parents outside the source (ghosts) do not block their children.
func TopoIter(versions []types.Key, parents func(types.Key) []types.Key) []types.Key {
	present := make(map[string]bool, len(versions))
	for _, v := range versions {
		present[v.ID()] = true
	}
	seen := make(map[string]bool, len(versions))
	pendingParents := func(key types.Key) int {
		n := 0
		for _, p := range parents(key) {
			if present[p.ID()] && !seen[p.ID()] {
				n++
			}
		}
		return n
	}
	descendants := make(map[string][]types.Key)
	for _, v := range versions {
		for _, p := range parents(v) {
			descendants[p.ID()] = append(descendants[p.ID()], v)
		}
	}
	var out []types.Key
	var cur []types.Key
	for _, v := range versions {
		if pendingParents(v) == 0 {
			cur = append(cur, v)
		}
	}
	for len(cur) > 0 {
		var next []types.Key
		for _, v := range cur {
			if seen[v.ID()] || pendingParents(v) != 0 {
				continue
			}
			next = append(next, descendants[v.ID()]...)
			out = append(out, v)
			seen[v.ID()] = true
		}
		cur = next
	}
	return out
}

// SelectSnapshots walks the source in topological order and picks the
// keys to snapshot so that no key accumulates more than snapshotInterval
// non-snapshot build ancestors. The returned set is keyed by Key.ID.
func (s *Store) SelectSnapshots(src VersionSource) (map[string]bool, error) {
	versions := src.Versions()
	parentsOf := make(map[string][]types.Key, len(versions))
	for _, v := range versions {
		parents, err := src.GetParents(v)
		if err != nil {
			return nil, err
		}
		parentsOf[v.ID()] = parents
	}
	buildAncestors := make(map[string]map[string]bool, len(versions))
	snapshots := make(map[string]bool)
	for _, v := range TopoIter(versions, func(k types.Key) []types.Key { return parentsOf[k.ID()] }) {
		parents := parentsOf[v.ID()]
		if len(parents) == 0 {
			snapshots[v.ID()] = true
			buildAncestors[v.ID()] = map[string]bool{}
			continue
		}
		potential := make(map[string]bool)
		for _, p := range parents {
			potential[p.ID()] = true
			for ancestor := range buildAncestors[p.ID()] {
				potential[ancestor] = true
			}
		}
		if len(potential) > s.snapshotInterval {
			snapshots[v.ID()] = true
			buildAncestors[v.ID()] = map[string]bool{}
		} else {
			buildAncestors[v.ID()] = potential
		}
	}
	return snapshots, nil
}

// GetBuildRanking orders keys for on-disk emission by a greedy
// approximation of minimal total reconstruction work: repeatedly pick
// the key maximizing |couldAvoid| x |referencedBy| and retire its
// contribution from the remaining keys. couldAvoid holds the ancestors
// whose deltas a snapshot of the key would let readers skip;
// referencedBy is its inverse.
func (s *Store) GetBuildRanking() []types.Key {
	couldAvoid := make(map[string]map[string]bool, len(s.order))
	referencedBy := make(map[string]map[string]bool, len(s.order))
	for _, v := range TopoIter(s.order, s.parentsOf) {
		id := v.ID()
		avoid := make(map[string]bool)
		if !s.snapshots[id] {
			for _, p := range s.parents[id] {
				avoid[p.ID()] = true
				for a := range couldAvoid[p.ID()] {
					avoid[a] = true
				}
			}
			delete(avoid, id)
		}
		couldAvoid[id] = avoid
		for a := range avoid {
			if referencedBy[a] == nil {
				referencedBy[a] = make(map[string]bool)
			}
			referencedBy[a][id] = true
		}
	}

	available := make([]types.Key, len(s.order))
	copy(available, s.order)
	ranking := make([]types.Key, 0, len(available))
	for len(available) > 0 {
		sort.SliceStable(available, func(i, j int) bool {
			si := len(couldAvoid[available[i].ID()]) * len(referencedBy[available[i].ID()])
			sj := len(couldAvoid[available[j].ID()]) * len(referencedBy[available[j].ID()])
			return si < sj
		})
		selected := available[len(available)-1]
		available = available[:len(available)-1]
		ranking = append(ranking, selected)
		sid := selected.ID()
		for id := range referencedBy[sid] {
			for a := range couldAvoid[sid] {
				delete(couldAvoid[id], a)
			}
		}
		for id := range couldAvoid[sid] {
			for r := range referencedBy[sid] {
				delete(referencedBy[id], r)
			}
		}
	}
	return ranking
}

// SizeRank pairs a non-snapshot key with the bytes a snapshot of it
// would add over its current diff.
type SizeRank struct {
	Gain int
	Key  types.Key
}

// GetSizeRanking orders non-snapshot keys by (snapshot cost - delta
// cost), cheapest promotions last.
func (s *Store) GetSizeRanking() ([]SizeRank, error) {
	var ranks []SizeRank
	for _, v := range s.order {
		if s.snapshots[v.ID()] {
			continue
		}
		diff, err := s.getDiff(v)
		if err != nil {
			return nil, err
		}
		lines, err := s.CacheVersion(v)
		if err != nil {
			return nil, err
		}
		ranks = append(ranks, SizeRank{
			Gain: Snapshot(lines).PatchLen() - diff.PatchLen(),
			Key:  v,
		})
	}
	sort.SliceStable(ranks, func(i, j int) bool { return ranks[i].Gain < ranks[j].Gain })
	return ranks, nil
}

// SelectBySize picks the keys to promote to snapshots under a total
// snapshot budget of n, preferring the cheapest promotions.
func (s *Store) SelectBySize(n int) ([]types.Key, error) {
	remaining := n - len(s.snapshots)
	if remaining <= 0 {
		return nil, nil
	}
	ranks, err := s.GetSizeRanking()
	if err != nil {
		return nil, err
	}
	if remaining > len(ranks) {
		remaining = len(ranks)
	}
	out := make([]types.Key, 0, remaining)
	for _, r := range ranks[len(ranks)-remaining:] {
		out = append(out, r.Key)
	}
	return out, nil
}

// ImportOptions tunes ImportVersionedFile.
type ImportOptions struct {
	// NoCache clears the line cache after every insert so the import's
	// memory use stays bounded by a single text.
	NoCache bool
	// SingleParent diffs each version against only its first parent.
	SingleParent bool
	// Verify reconstructs each version right after inserting it and
	// compares it to the input. Requires NoCache.
	Verify bool
}

// ImportVersionedFile copies every version of src into the store in
// parent-before-child order. When snapshots is nil the per-insert policy
// decides; otherwise exactly the listed keys (by ID) become snapshots.
func (s *Store) ImportVersionedFile(src VersionSource, snapshots map[string]bool, opts ImportOptions) error {
	if opts.Verify && !opts.NoCache {
		return fmt.Errorf("import verification requires the no-cache mode")
	}
	remaining := src.Versions()
	for len(remaining) > 0 {
		var deferred []types.Key
		added := 0
		for _, v := range remaining {
			parents, err := src.GetParents(v)
			if err != nil {
				return err
			}
			ready := true
			for _, p := range parents {
				if !s.HasVersion(p) {
					ready = false
					break
				}
			}
			if !ready {
				deferred = append(deferred, v)
				continue
			}
			lines, err := src.GetLines(v)
			if err != nil {
				return err
			}
			addOpts := AddOptions{SingleParent: opts.SingleParent}
			if snapshots != nil {
				if snapshots[v.ID()] {
					addOpts.Snapshot = SnapshotAlways
				} else {
					addOpts.Snapshot = SnapshotNever
				}
			}
			if _, err := s.AddVersion(v, parents, lines, addOpts); err != nil {
				return err
			}
			added++
			if opts.NoCache {
				s.ClearCache()
				if opts.Verify {
					got, err := s.CacheVersion(v)
					if err != nil {
						return err
					}
					if types.SHA1Lines(got) != types.SHA1Lines(lines) {
						return fmt.Errorf("imported %s does not reconstruct to its input: %w", v, types.ErrCorrupt)
					}
					s.ClearCache()
				}
			}
		}
		if added == 0 && len(deferred) > 0 {
			return fmt.Errorf("import stalled, %d versions have unresolvable parents (first: %s): %w",
				len(deferred), deferred[0], types.ErrMissingKey)
		}
		remaining = deferred
	}
	return nil
}

// ImportDiffs copies the stored diffs of src verbatim, without
// re-diffing the texts.
func (s *Store) ImportDiffs(src *Store) error {
	for _, v := range src.order {
		diff, err := src.getDiff(v)
		if err != nil {
			return err
		}
		if err := s.addDiff(v, src.parents[v.ID()], diff); err != nil {
			return err
		}
		if src.snapshots[v.ID()] {
			s.snapshots[v.ID()] = true
		}
		if sha, ok := src.shas[v.ID()]; ok {
			s.shas[v.ID()] = sha
		}
	}
	return nil
}
