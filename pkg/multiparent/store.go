package multiparent

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/quiltvcs/quilt/pkg/types"
)

// DefaultSnapshotInterval bounds how many delta hops a reconstruction
// may need before hitting a snapshot.
const DefaultSnapshotInterval = 25

// Backend stores and retrieves serialized diffs for a Store. The Store
// owns the ancestry graph, the snapshot set and the line cache; the
// backend only has to persist diffs per key.
type Backend interface {
	addDiff(key types.Key, diff *MultiParent) error
	getDiff(key types.Key) (*MultiParent, error)
	destroy() error
}

// Options configures a Store.
type Options struct {
	// SnapshotInterval is the maximum delta chain depth before a new
	// snapshot is taken. Zero selects DefaultSnapshotInterval; a
	// negative value disables automatic snapshotting entirely.
	SnapshotInterval int
	// MaxSnapshots caps the total number of snapshots; zero means
	// unlimited.
	MaxSnapshots int
	Logger       *logrus.Logger
}

// SnapshotMode controls whether AddVersion stores a snapshot or a diff.
type SnapshotMode int

const (
	// SnapshotAuto lets the chain-depth policy decide.
	SnapshotAuto SnapshotMode = iota
	// SnapshotAlways stores a full snapshot.
	SnapshotAlways
	// SnapshotNever stores a diff even when the policy would snapshot.
	SnapshotNever
)

// AddOptions tunes a single AddVersion call.
type AddOptions struct {
	Snapshot SnapshotMode
	// SingleParent diffs against only the first parent while retaining
	// the full parent list as metadata.
	SingleParent bool
	// ExpectedSHA1, when set, must match the sha1 of the supplied lines.
	ExpectedSHA1 string
}

// Store keeps many revisions of many texts as snapshots plus
// multi-parent diffs. It is the in-memory common core; the persistent
// variant plugs in a file backend. A Store is single-writer: callers
// serialize access externally.
type Store struct {
	snapshotInterval int
	maxSnapshots     int
	log              *logrus.Logger

	backend   Backend
	lines     map[string][][]byte
	parents   map[string][]types.Key
	shas      map[string]string
	snapshots map[string]bool
	order     []types.Key
}

func newStore(backend Backend, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	interval := opts.SnapshotInterval
	if interval == 0 {
		interval = DefaultSnapshotInterval
	}
	return &Store{
		snapshotInterval: interval,
		maxSnapshots:     opts.MaxSnapshots,
		log:              opts.Logger,
		backend:          backend,
		lines:            make(map[string][][]byte),
		parents:          make(map[string][]types.Key),
		shas:             make(map[string]string),
		snapshots:        make(map[string]bool),
	}
}

// MemoryStore keeps all diffs in memory.
type MemoryStore struct {
	*Store
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{Store: newStore(newMemoryBackend(), opts)}
}

// Destroy drops all stored diffs.
func (s *MemoryStore) Destroy() error {
	return s.backend.destroy()
}

// AddVersion stores lines under key with the given parents. In auto
// mode the snapshot policy decides between snapshot and diff; a diff
// that degenerates to pure literal content, or whose patch would be at
// least as large as a snapshot, is stored as a snapshot instead.
// Re-adding a key with a different parent set fails with
// ErrInconsistentParents before anything is written.
func (s *Store) AddVersion(key types.Key, parents []types.Key, lines [][]byte, opts AddOptions) (types.Receipt, error) {
	id := key.ID()
	if existing, ok := s.parents[id]; ok {
		if !types.SameParents(existing, parents) {
			return types.Receipt{}, fmt.Errorf("re-adding %s with parents %v (had %v): %w",
				key, parents, existing, types.ErrInconsistentParents)
		}
	}
	sha := types.SHA1Lines(lines)
	if opts.ExpectedSHA1 != "" && opts.ExpectedSHA1 != sha {
		return types.Receipt{}, fmt.Errorf("sha1 mismatch for %s: got %s want %s: %w",
			key, sha, opts.ExpectedSHA1, types.ErrCorrupt)
	}

	snapshot := opts.Snapshot == SnapshotAlways
	if opts.Snapshot == SnapshotAuto {
		snapshot = s.doSnapshot(parents)
	}

	var diff *MultiParent
	if snapshot {
		s.snapshots[id] = true
		diff = Snapshot(lines)
	} else {
		baseKeys := parents
		if opts.SingleParent && len(parents) > 1 {
			baseKeys = parents[:1]
		}
		parentLines, err := s.GetLineList(baseKeys...)
		if err != nil {
			return types.Receipt{}, fmt.Errorf("resolving diff bases for %s: %w", key, err)
		}
		diff = FromLines(lines, parentLines)
		if diff.IsSnapshot() {
			s.snapshots[id] = true
		} else if snap := Snapshot(lines); diff.PatchLen() >= snap.PatchLen() {
			s.log.WithFields(logrus.Fields{"key": key.String()}).Debug("diff larger than snapshot, forcing snapshot")
			diff = snap
			s.snapshots[id] = true
		}
	}

	if err := s.addDiff(key, parents, diff); err != nil {
		return types.Receipt{}, err
	}
	s.shas[id] = sha
	s.lines[id] = lines
	return types.Receipt{Key: key, SHA1: sha, Length: types.LinesLen(lines)}, nil
}

func (s *Store) addDiff(key types.Key, parents []types.Key, diff *MultiParent) error {
	id := key.ID()
	if err := s.backend.addDiff(key, diff); err != nil {
		return err
	}
	if _, known := s.parents[id]; !known {
		s.order = append(s.order, key)
	}
	s.parents[id] = parents
	return nil
}

// MakeSnapshot rewrites an existing version as a snapshot, superseding
// its diff.
func (s *Store) MakeSnapshot(key types.Key) error {
	lines, err := s.CacheVersion(key)
	if err != nil {
		return err
	}
	if err := s.addDiff(key, s.parents[key.ID()], Snapshot(lines)); err != nil {
		return err
	}
	s.snapshots[key.ID()] = true
	return nil
}

// GetLineList reconstructs each requested key in order.
func (s *Store) GetLineList(keys ...types.Key) ([][][]byte, error) {
	out := make([][][]byte, 0, len(keys))
	for _, key := range keys {
		lines, err := s.CacheVersion(key)
		if err != nil {
			return nil, err
		}
		out = append(out, lines)
	}
	return out, nil
}

// CacheVersion returns the lines of key, reconstructing and caching them
// if needed. The reconstruction is verified against the recorded sha1.
func (s *Store) CacheVersion(key types.Key) ([][]byte, error) {
	id := key.ID()
	if lines, ok := s.lines[id]; ok {
		return lines, nil
	}
	if _, ok := s.parents[id]; !ok {
		return nil, fmt.Errorf("version %s: %w", key, types.ErrMissingKey)
	}
	var lines [][]byte
	if err := newReconstructor(s).reconstructVersion(&lines, key); err != nil {
		return nil, err
	}
	if want, ok := s.shas[id]; ok {
		if got := types.SHA1Lines(lines); got != want {
			return nil, fmt.Errorf("reconstructed %s has sha1 %s, recorded %s: %w",
				key, got, want, types.ErrCorrupt)
		}
	}
	s.lines[id] = lines
	return lines, nil
}

// GetLines is CacheVersion under the name VersionSource expects, so one
// store can be imported into another.
func (s *Store) GetLines(key types.Key) ([][]byte, error) {
	return s.CacheVersion(key)
}

// ClearCache drops the reconstructed-line cache to bound memory use.
// Stored diffs are unaffected.
func (s *Store) ClearCache() {
	s.lines = make(map[string][][]byte)
}

// Versions returns all stored keys in insertion order.
func (s *Store) Versions() []types.Key {
	out := make([]types.Key, len(s.order))
	copy(out, s.order)
	return out
}

// HasVersion reports whether key is stored.
func (s *Store) HasVersion(key types.Key) bool {
	_, ok := s.parents[key.ID()]
	return ok
}

// GetParents returns the declared parents of key.
func (s *Store) GetParents(key types.Key) ([]types.Key, error) {
	parents, ok := s.parents[key.ID()]
	if !ok {
		return nil, fmt.Errorf("version %s: %w", key, types.ErrMissingKey)
	}
	return parents, nil
}

// IsSnapshotVersion reports whether key is stored as a snapshot.
func (s *Store) IsSnapshotVersion(key types.Key) bool {
	return s.snapshots[key.ID()]
}

// SnapshotCount returns the number of stored snapshots.
func (s *Store) SnapshotCount() int {
	return len(s.snapshots)
}

func (s *Store) getDiff(key types.Key) (*MultiParent, error) {
	return s.backend.getDiff(key)
}

// parentsOf is the reconstructor's parent lookup; unknown keys resolve
// to nil and surface as corruption when a hunk references them.
func (s *Store) parentsOf(key types.Key) []types.Key {
	return s.parents[key.ID()]
}

// memoryBackend stores diffs in a map.
type memoryBackend struct {
	diffs map[string]*MultiParent
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{diffs: make(map[string]*MultiParent)}
}

func (b *memoryBackend) addDiff(key types.Key, diff *MultiParent) error {
	b.diffs[key.ID()] = diff
	return nil
}

func (b *memoryBackend) getDiff(key types.Key) (*MultiParent, error) {
	diff, ok := b.diffs[key.ID()]
	if !ok {
		return nil, fmt.Errorf("diff for %s: %w", key, types.ErrMissingKey)
	}
	return diff, nil
}

func (b *memoryBackend) destroy() error {
	b.diffs = make(map[string]*MultiParent)
	return nil
}
