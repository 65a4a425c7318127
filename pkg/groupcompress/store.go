package groupcompress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/quiltvcs/quilt/internal/keyvalstore"
	"github.com/quiltvcs/quilt/pkg/types"
)

const (
	blobPrefix            = "gcblob:"
	blobSeqKey            = "gcmeta:nextblob"
	defaultFlushThreshold = 4 * 1024 * 1024
)

// GroupConfig configures a GroupStore.
type GroupConfig struct {
	// Path is the badger directory holding blobs and the index.
	Path string
	// FlushThresholdMB bounds the in-memory group buffer; the group is
	// sealed once it grows past this. 0 means 4 MiB.
	FlushThresholdMB int
	// MinimumFreeGB refuses to open on a nearly full disk, 0 disables.
	MinimumFreeGB int
	Logger        *logrus.Logger
}

// AddOptions tweaks a single GroupStore.AddLines call.
type AddOptions struct {
	// ExpectedSHA1, when set, must match the computed content hash.
	ExpectedSHA1 string
	// RandomID promises the key was freshly generated, so a re-add of
	// the same key skips the parent consistency check.
	RandomID bool
}

// pendingRecord is a record compressed into the current buffer but not
// yet flushed to disk.
type pendingRecord struct {
	key     types.Key
	parents []types.Key
	start   int
	end     int
}

// GroupStore compresses many texts together into shared zstd blobs and
// keeps a key index beside them in badger. Records accumulate in memory
// and hit disk when the buffer passes the flush threshold, on an
// explicit Flush, or on Close.
type GroupStore struct {
	mu sync.Mutex

	kv    *keyvalstore.Store
	index *GroupIndex
	log   *logrus.Logger

	flushThreshold int
	compressor     *GroupCompressor
	pending        []pendingRecord
	unadded        map[string]int // key id -> pending slot
	pendingRandom  bool

	blobCache map[string][]byte

	totalIn  int
	totalOut int
}

// NewGroupStore opens (creating if necessary) a store at config.Path.
func NewGroupStore(config GroupConfig) (*GroupStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	kv, err := keyvalstore.New(keyvalstore.StoreConfig{
		Path:          config.Path,
		MinimumFreeGB: config.MinimumFreeGB,
		Logger:        config.Logger,
	})
	if err != nil {
		return nil, err
	}
	threshold := config.FlushThresholdMB * 1024 * 1024
	if threshold <= 0 {
		threshold = defaultFlushThreshold
	}
	return &GroupStore{
		kv:             kv,
		index:          NewGroupIndex(kv),
		log:            config.Logger,
		flushThreshold: threshold,
		compressor:     NewGroupCompressor(),
		unadded:        make(map[string]int),
		blobCache:      make(map[string][]byte),
	}, nil
}

// AddLines compresses lines into the current group under key. A key
// whose last element is empty gets it filled with "sha1:<hex>"; the
// completed key is returned in the receipt. Re-adding a present key
// with different parents fails with ErrInconsistentParents before
// anything is written.
func (gs *GroupStore) AddLines(key types.Key, parents []types.Key, lines [][]byte, opts AddOptions) (types.Receipt, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	// Complete a content-addressed key before consistency checks so the
	// lookup sees the same id the index will store.
	key = key.WithSHA1(types.SHA1Lines(lines))
	if !opts.RandomID {
		if err := gs.checkParents(key, parents); err != nil {
			return types.Receipt{}, err
		}
	}

	key, sha, _, err := gs.compressor.Compress(key, lines, opts.ExpectedSHA1)
	if err != nil {
		return types.Receipt{}, err
	}
	span := gs.compressor.spans[key.ID()]
	if len(gs.pending) == 0 {
		gs.pendingRandom = opts.RandomID
	} else {
		gs.pendingRandom = gs.pendingRandom && opts.RandomID
	}
	gs.unadded[key.ID()] = len(gs.pending)
	gs.pending = append(gs.pending, pendingRecord{
		key:     key,
		parents: parents,
		start:   span.startByte,
		end:     span.endByte,
	})

	receipt := types.Receipt{Key: key, SHA1: sha, Length: types.LinesLen(lines)}
	if gs.compressor.Endpoint() >= gs.flushThreshold {
		if err := gs.flushLocked(); err != nil {
			return types.Receipt{}, err
		}
	}
	return receipt, nil
}

// checkParents rejects a key that exists, pending or on disk, with
// different parents. The caller holds the lock.
func (gs *GroupStore) checkParents(key types.Key, parents []types.Key) error {
	if slot, ok := gs.unadded[key.ID()]; ok {
		if !types.SameParents(gs.pending[slot].parents, parents) {
			return fmt.Errorf("key %s already buffered with parents %v: %w",
				key, gs.pending[slot].parents, types.ErrInconsistentParents)
		}
		return nil
	}
	existing, err := gs.index.lookup(key)
	if errors.Is(err, types.ErrMissingKey) {
		return nil
	}
	if err != nil {
		return err
	}
	if !types.SameParents(existing.Parents, parents) {
		return fmt.Errorf("key %s already stored with parents %v: %w",
			key, existing.Parents, types.ErrInconsistentParents)
	}
	return nil
}

// Flush seals the current group: the buffer is zstd-compressed into one
// blob, the index learns every buffered key, and a fresh compressor
// starts the next group. A flush with nothing buffered is a no-op.
func (gs *GroupStore) Flush() error {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.flushLocked()
}

func (gs *GroupStore) flushLocked() error {
	if len(gs.pending) == 0 {
		return nil
	}

	blobKey, err := gs.nextBlobKey()
	if err != nil {
		return err
	}
	records := make([]Record, len(gs.pending))
	for i, p := range gs.pending {
		records[i] = Record{
			Key:      p.key,
			Position: fmt.Sprintf("%s %d %d", blobKey, p.start, p.end),
			Parents:  p.parents,
		}
	}
	// Validate the whole batch before the blob hits disk.
	if _, err := gs.index.checkRecords(records, gs.pendingRandom); err != nil {
		return err
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("init zstd writer: %w", err)
	}
	if _, err := zw.Write(gs.compressor.Bytes()); err != nil {
		zw.Close()
		return fmt.Errorf("compress group blob: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish group blob: %w", err)
	}

	if err := gs.kv.Write([]byte(blobKey), buf.Bytes()); err != nil {
		return fmt.Errorf("write group blob %s: %w", blobKey, err)
	}
	if err := gs.index.AddRecords(records, gs.pendingRandom); err != nil {
		return err
	}

	gs.log.WithFields(logrus.Fields{
		"blob":    blobKey,
		"records": len(records),
		"raw":     gs.compressor.Endpoint(),
		"stored":  buf.Len(),
	}).Debug("flushed group")

	gs.totalIn += gs.compressor.inputBytes
	gs.totalOut += buf.Len()
	gs.compressor = NewGroupCompressor()
	gs.pending = gs.pending[:0]
	gs.unadded = make(map[string]int)
	gs.pendingRandom = false
	return nil
}

// nextBlobKey reserves a monotonically increasing blob name.
func (gs *GroupStore) nextBlobKey() (string, error) {
	seq := uint64(0)
	raw, err := gs.kv.Read([]byte(blobSeqKey))
	if err == nil {
		seq, err = strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return "", fmt.Errorf("blob sequence counter unreadable: %w", types.ErrCorrupt)
		}
	} else if !errors.Is(err, types.ErrMissingKey) {
		return "", err
	}
	next := strconv.FormatUint(seq+1, 10)
	if err := gs.kv.Write([]byte(blobSeqKey), []byte(next)); err != nil {
		return "", fmt.Errorf("advance blob sequence: %w", err)
	}
	return fmt.Sprintf("%s%08d", blobPrefix, seq), nil
}

// Get returns the lines of key, whether it is still buffered or already
// sealed into a blob.
func (gs *GroupStore) Get(key types.Key) ([][]byte, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if _, ok := gs.unadded[key.ID()]; ok {
		lines, _, err := gs.compressor.Extract(key)
		return lines, err
	}

	details, err := gs.index.lookup(key)
	if err != nil {
		return nil, err
	}
	blobKey, start, end, err := parsePosition(details.Position)
	if err != nil {
		return nil, err
	}
	plain, err := gs.readGroup(blobKey)
	if err != nil {
		return nil, err
	}
	if start < 0 || end > len(plain) || start >= end {
		return nil, fmt.Errorf("record %s spans [%d:%d) outside blob %s of %d bytes: %w",
			key, start, end, blobKey, len(plain), types.ErrCorrupt)
	}
	recordLines := types.SplitLines(plain[start:end])
	lines, _, err := expandRecord(plain, recordLines, key.ID())
	return lines, err
}

func parsePosition(position string) (blobKey string, start, end int, err error) {
	fields := strings.Fields(position)
	if len(fields) != 3 {
		return "", 0, 0, fmt.Errorf("malformed position %q: %w", position, types.ErrCorrupt)
	}
	start, err = strconv.Atoi(fields[1])
	if err == nil {
		end, err = strconv.Atoi(fields[2])
	}
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed position %q: %w", position, types.ErrCorrupt)
	}
	return fields[0], start, end, nil
}

// readGroup returns the decompressed content of one blob, caching it
// for later records from the same group.
func (gs *GroupStore) readGroup(blobKey string) ([]byte, error) {
	if plain, ok := gs.blobCache[blobKey]; ok {
		return plain, nil
	}
	raw, err := gs.kv.Read([]byte(blobKey))
	if err != nil {
		if errors.Is(err, types.ErrMissingKey) {
			return nil, fmt.Errorf("blob %s referenced by index but absent: %w", blobKey, types.ErrCorrupt)
		}
		return nil, err
	}
	zr, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", blobKey, types.ErrCorrupt)
	}
	defer zr.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, fmt.Errorf("blob %s: %w", blobKey, types.ErrCorrupt)
	}
	plain := buf.Bytes()
	gs.blobCache[blobKey] = plain
	return plain, nil
}

// HasKey reports whether key is buffered or indexed.
func (gs *GroupStore) HasKey(key types.Key) (bool, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if _, ok := gs.unadded[key.ID()]; ok {
		return true, nil
	}
	return gs.index.HasKey(key)
}

// GetParentMap returns the parents of each present key, buffered ones
// included. Absent keys are omitted.
func (gs *GroupStore) GetParentMap(keys []types.Key) (map[string][]types.Key, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	out, err := gs.index.GetParentMap(keys)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if slot, ok := gs.unadded[key.ID()]; ok {
			out[key.ID()] = gs.pending[slot].parents
		}
	}
	return out, nil
}

// Keys lists every key, buffered or sealed.
func (gs *GroupStore) Keys() ([]types.Key, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	keys, err := gs.index.Keys()
	if err != nil {
		return nil, err
	}
	for _, p := range gs.pending {
		keys = append(keys, p.key)
	}
	return keys, nil
}

// ClearCache drops decompressed blobs held in memory.
func (gs *GroupStore) ClearCache() {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.blobCache = make(map[string][]byte)
}

// Ratio reports cumulative input bytes over stored bytes, counting the
// unflushed buffer at its raw size.
func (gs *GroupStore) Ratio() float64 {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	in := gs.totalIn + gs.compressor.inputBytes
	out := gs.totalOut + gs.compressor.Endpoint()
	if out == 0 {
		return 0
	}
	return float64(in) / float64(out)
}

// Close flushes any buffered records and closes the backing store.
func (gs *GroupStore) Close() error {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if err := gs.flushLocked(); err != nil {
		return err
	}
	return gs.kv.Close()
}

// SortGCOptimal orders keys for maximal sharing when re-adding them to
// a fresh group: children before parents so recent texts compress
// first, with all keys of one prefix (file) kept adjacent. Ghost
// parents are ignored.
func SortGCOptimal(parentMap map[string][]types.Key) []types.Key {
	present := make(map[string]types.Key, len(parentMap))
	ids := make([]string, 0, len(parentMap))
	for id := range parentMap {
		present[id] = types.KeyFromID(id)
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Topological order, parents first.
	var topo []string
	state := make(map[string]int, len(ids)) // 0 unseen, 1 on stack, 2 done
	var visit func(id string)
	visit = func(id string) {
		if state[id] != 0 {
			return
		}
		state[id] = 1
		for _, parent := range parentMap[id] {
			pid := parent.ID()
			if _, ok := present[pid]; ok && state[pid] != 1 {
				visit(pid)
			}
		}
		state[id] = 2
		topo = append(topo, id)
	}
	for _, id := range ids {
		visit(id)
	}

	// Bucket by prefix in first-seen order, newest first within each.
	prefixOf := func(id string) string {
		key := present[id]
		if len(key) > 1 {
			return strings.Join(key[:len(key)-1], "\x00")
		}
		return ""
	}
	var prefixes []string
	buckets := make(map[string][]types.Key)
	for i := len(topo) - 1; i >= 0; i-- {
		id := topo[i]
		prefix := prefixOf(id)
		if _, ok := buckets[prefix]; !ok {
			prefixes = append(prefixes, prefix)
		}
		buckets[prefix] = append(buckets[prefix], present[id])
	}
	out := make([]types.Key, 0, len(topo))
	for _, prefix := range prefixes {
		out = append(out, buckets[prefix]...)
	}
	return out
}
