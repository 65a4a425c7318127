package groupcompress

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack"

	"github.com/quiltvcs/quilt/internal/keyvalstore"
	"github.com/quiltvcs/quilt/pkg/types"
)

const indexPrefix = "gcidx:"

// indexEntry is the stored form of one index record.
type indexEntry struct {
	Position string     `msgpack:"p"`
	Parents  [][]string `msgpack:"r"`
}

// Record is one key to be added to a GroupIndex: where its compressed
// record lives and which keys it was derived from.
type Record struct {
	Key      types.Key
	Position string
	Parents  []types.Key
}

// BuildDetails is what a reader needs to rebuild one key.
type BuildDetails struct {
	Key      types.Key
	Position string
	Parents  []types.Key
}

// GroupIndex maps keys to positions inside compressed groups. It is
// add-only: a key, once written, never changes position or parents, and
// re-adding it with different parents is an error.
type GroupIndex struct {
	kv *keyvalstore.Store
}

// NewGroupIndex wraps an open key-value store.
func NewGroupIndex(kv *keyvalstore.Store) *GroupIndex {
	return &GroupIndex{kv: kv}
}

func indexKey(key types.Key) []byte {
	return []byte(indexPrefix + key.ID())
}

// checkRecords splits records into the ones that are genuinely new and
// verifies the rest against what the index already holds. randomID keys
// are content addressed, so a present randomID record is skipped without
// a parent comparison.
func (gi *GroupIndex) checkRecords(records []Record, randomID bool) ([]Record, error) {
	fresh := records[:0:0]
	for _, rec := range records {
		existing, err := gi.lookup(rec.Key)
		if errors.Is(err, types.ErrMissingKey) {
			fresh = append(fresh, rec)
			continue
		}
		if err != nil {
			return nil, err
		}
		if randomID {
			continue
		}
		if !types.SameParents(existing.Parents, rec.Parents) {
			return nil, fmt.Errorf("key %s already stored with parents %v: %w",
				rec.Key, existing.Parents, types.ErrInconsistentParents)
		}
	}
	return fresh, nil
}

// AddRecords writes records to the index. Every record is validated
// against existing entries before any write happens, so a failed batch
// leaves the index untouched.
func (gi *GroupIndex) AddRecords(records []Record, randomID bool) error {
	fresh, err := gi.checkRecords(records, randomID)
	if err != nil {
		return err
	}
	pairs := make([][2][]byte, 0, len(fresh))
	for _, rec := range fresh {
		entry := indexEntry{Position: rec.Position, Parents: keysToSlices(rec.Parents)}
		raw, err := msgpack.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("encode index entry for %s: %w", rec.Key, err)
		}
		pairs = append(pairs, [2][]byte{indexKey(rec.Key), raw})
	}
	if err := gi.kv.WriteBatch(pairs); err != nil {
		return fmt.Errorf("write index records: %w", err)
	}
	return nil
}

func (gi *GroupIndex) lookup(key types.Key) (*BuildDetails, error) {
	raw, err := gi.kv.Read(indexKey(key))
	if err != nil {
		return nil, err
	}
	var entry indexEntry
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode index entry for %s: %w", key, types.ErrCorrupt)
	}
	return &BuildDetails{
		Key:      key,
		Position: entry.Position,
		Parents:  slicesToKeys(entry.Parents),
	}, nil
}

// HasKey reports whether key is indexed.
func (gi *GroupIndex) HasKey(key types.Key) (bool, error) {
	return gi.kv.Has(indexKey(key))
}

// GetBuildDetails returns build details for the given keys, silently
// omitting the ones that are not indexed.
func (gi *GroupIndex) GetBuildDetails(keys []types.Key) (map[string]BuildDetails, error) {
	out := make(map[string]BuildDetails, len(keys))
	for _, key := range keys {
		details, err := gi.lookup(key)
		if errors.Is(err, types.ErrMissingKey) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key.ID()] = *details
	}
	return out, nil
}

// GetParentMap returns the parents of each present key. Missing keys are
// omitted, so callers can detect ghosts by comparing against their
// request.
func (gi *GroupIndex) GetParentMap(keys []types.Key) (map[string][]types.Key, error) {
	details, err := gi.GetBuildDetails(keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]types.Key, len(details))
	for id, d := range details {
		out[id] = d.Parents
	}
	return out, nil
}

// Keys lists every indexed key.
func (gi *GroupIndex) Keys() ([]types.Key, error) {
	items, err := gi.kv.GetItemsWithPrefix([]byte(indexPrefix))
	if err != nil {
		return nil, fmt.Errorf("scan index: %w", err)
	}
	keys := make([]types.Key, 0, len(items))
	for _, item := range items {
		id := strings.TrimPrefix(string(item[0]), indexPrefix)
		keys = append(keys, types.KeyFromID(id))
	}
	return keys, nil
}

func keysToSlices(keys []types.Key) [][]string {
	out := make([][]string, len(keys))
	for i, k := range keys {
		out[i] = []string(k)
	}
	return out
}

func slicesToKeys(raw [][]string) []types.Key {
	out := make([]types.Key, len(raw))
	for i, s := range raw {
		out[i] = types.Key(s)
	}
	return out
}
