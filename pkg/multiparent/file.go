package multiparent

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/ulikunitz/xz/lzma"
	"github.com/vmihailenco/msgpack"

	"github.com/quiltvcs/quilt/pkg/types"
)

// File name suffixes for the persistent store: the append-only diff data
// file and its index.
const (
	dataSuffix  = ".mpknit"
	indexSuffix = ".mpidx"
)

// FileStore is a Store persisted to a pair of files: an append-only data
// file of individually lzma-compressed patch records, and an index file
// holding the ancestry graph, the snapshot set and per-key offsets. The
// files are opened and closed on every call; crash safety of the
// metadata comes from Save writing the index wholesale.
type FileStore struct {
	*Store
	backend *fileBackend
}

// NewFileStore creates a persistent store writing to path+".mpknit" and
// path+".mpidx". An existing store is picked up by calling Load.
func NewFileStore(path string, opts Options) *FileStore {
	backend := &fileBackend{path: path, offsets: make(map[string][2]int64)}
	return &FileStore{Store: newStore(backend, opts), backend: backend}
}

// Save writes the index file: parent map, snapshot set, content hashes
// and per-key record offsets.
func (s *FileStore) Save() error {
	idx := fileIndex{
		Keys:      make([][]string, 0, len(s.order)),
		Parents:   make(map[string][][]string, len(s.parents)),
		SHA1s:     s.shas,
		Snapshots: make([]string, 0, len(s.snapshots)),
		Offsets:   s.backend.offsets,
	}
	for _, key := range s.order {
		idx.Keys = append(idx.Keys, key)
		parents := make([][]string, 0, len(s.parents[key.ID()]))
		for _, p := range s.parents[key.ID()] {
			parents = append(parents, p)
		}
		idx.Parents[key.ID()] = parents
	}
	for id := range s.snapshots {
		idx.Snapshots = append(idx.Snapshots, id)
	}
	data, err := msgpack.Marshal(&idx)
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	if err := os.WriteFile(s.backend.path+indexSuffix, data, 0o644); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}

// Load reads the index file written by Save. A missing index means a
// fresh store and is not an error.
func (s *FileStore) Load() error {
	data, err := os.ReadFile(s.backend.path + indexSuffix)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading index: %w", err)
	}
	var idx fileIndex
	if err := msgpack.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("decoding index: %w", err)
	}
	s.order = s.order[:0]
	s.parents = make(map[string][]types.Key, len(idx.Keys))
	for _, elems := range idx.Keys {
		key := types.Key(elems)
		parents := make([]types.Key, 0, len(idx.Parents[key.ID()]))
		for _, p := range idx.Parents[key.ID()] {
			parents = append(parents, types.Key(p))
		}
		s.order = append(s.order, key)
		s.parents[key.ID()] = parents
	}
	s.shas = idx.SHA1s
	if s.shas == nil {
		s.shas = make(map[string]string)
	}
	s.snapshots = make(map[string]bool, len(idx.Snapshots))
	for _, id := range idx.Snapshots {
		s.snapshots[id] = true
	}
	s.backend.offsets = idx.Offsets
	if s.backend.offsets == nil {
		s.backend.offsets = make(map[string][2]int64)
	}
	return nil
}

// Destroy removes the backing files. Files already absent are ignored;
// any other I/O failure is returned.
func (s *FileStore) Destroy() error {
	return s.backend.destroy()
}

type fileIndex struct {
	Keys      [][]string            `msgpack:"keys"`
	Parents   map[string][][]string `msgpack:"parents"`
	SHA1s     map[string]string     `msgpack:"sha1s"`
	Snapshots []string              `msgpack:"snapshots"`
	Offsets   map[string][2]int64   `msgpack:"offsets"`
}

type fileBackend struct {
	path    string
	offsets map[string][2]int64
}

func (b *fileBackend) addDiff(key types.Key, diff *MultiParent) error {
	f, err := os.OpenFile(b.path+dataSuffix, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening data file: %w", err)
	}
	defer f.Close()
	start, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seeking data file: %w", err)
	}

	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("creating lzma writer: %w", err)
	}
	if _, err := fmt.Fprintf(w, "version %s\n", key.ID()); err != nil {
		return err
	}
	if _, err := w.Write(diff.ToPatch()); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing lzma writer: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("appending record: %w", err)
	}
	b.offsets[key.ID()] = [2]int64{start, int64(buf.Len())}
	return nil
}

func (b *fileBackend) getDiff(key types.Key) (*MultiParent, error) {
	span, ok := b.offsets[key.ID()]
	if !ok {
		return nil, fmt.Errorf("diff for %s: %w", key, types.ErrMissingKey)
	}
	f, err := os.Open(b.path + dataSuffix)
	if err != nil {
		return nil, fmt.Errorf("opening data file: %w", err)
	}
	defer f.Close()
	raw := make([]byte, span[1])
	if _, err := f.ReadAt(raw, span[0]); err != nil {
		return nil, fmt.Errorf("reading record for %s: %w", key, err)
	}
	r, err := lzma.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decompressing record for %s: %w", key, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing record for %s: %w", key, err)
	}
	nl := bytes.IndexByte(plain, '\n')
	if nl < 0 || !bytes.Equal(plain[:nl], []byte("version "+key.ID())) {
		return nil, fmt.Errorf("record header mismatch for %s: %w", key, types.ErrCorrupt)
	}
	return FromPatch(plain[nl+1:])
}

func (b *fileBackend) destroy() error {
	for _, suffix := range []string{dataSuffix, indexSuffix} {
		if err := os.Remove(b.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", b.path+suffix, err)
		}
	}
	b.offsets = make(map[string][2]int64)
	return nil
}
