// Package quilt stores many related texts compactly by expressing each
// one in terms of the others: as multi-parent diffs against its
// ancestors, or packed together into shared compression groups.
package quilt

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/quiltvcs/quilt/internal/config"
	"github.com/quiltvcs/quilt/pkg/groupcompress"
	"github.com/quiltvcs/quilt/pkg/multiparent"
	"github.com/quiltvcs/quilt/pkg/types"
)

// Key identifies one stored text, see types.Key.
type Key = types.Key

// Receipt describes a completed add, see types.Receipt.
type Receipt = types.Receipt

// Re-exported sentinel errors, so callers rarely need pkg/types.
var (
	ErrCorrupt             = types.ErrCorrupt
	ErrInconsistentParents = types.ErrInconsistentParents
	ErrMissingKey          = types.ErrMissingKey
)

// TextStore is what both engines offer: add texts with named parents,
// get them back byte-exact.
type TextStore interface {
	Add(key Key, parents []Key, lines [][]byte) (Receipt, error)
	Get(key Key) ([][]byte, error)
	Close() error
}

// Config configures a store handle. The zero value is usable after
// setting Path.
type Config struct {
	// Path is the data directory.
	Path string
	// Engine is "multiparent" (default) or "group".
	Engine string
	// SnapshotInterval overrides the multiparent chain depth bound.
	SnapshotInterval int
	// MaxSnapshots caps automatic snapshots, 0 means unlimited.
	MaxSnapshots int
	// FlushThresholdMB bounds the group engine's buffer.
	FlushThresholdMB int
	// MinimumFreeGB refuses to open on a nearly full disk, 0 disables.
	MinimumFreeGB int
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger
}

// FromFile builds a Config from a YAML config file.
func FromFile(path string) (Config, error) {
	fileConf, err := config.Load(path)
	if err != nil {
		return Config{}, err
	}
	conf := Config{
		Path:             fileConf.Path,
		Engine:           fileConf.Engine,
		SnapshotInterval: fileConf.SnapshotInterval,
		MaxSnapshots:     fileConf.MaxSnapshots,
		FlushThresholdMB: fileConf.FlushThresholdMB,
		MinimumFreeGB:    fileConf.MinimumFreeGB,
	}
	log := logrus.New()
	level, err := logrus.ParseLevel(fileConf.LogLevel)
	if err != nil {
		return Config{}, fmt.Errorf("bad log level %q: %w", fileConf.LogLevel, err)
	}
	log.SetLevel(level)
	conf.Logger = log
	return conf, nil
}

// New opens a store handle for the configured engine.
func New(conf Config) (TextStore, error) {
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	switch conf.Engine {
	case "", "multiparent":
		return newMultiParentHandle(conf)
	case "group":
		return newGroupHandle(conf)
	default:
		return nil, fmt.Errorf("unknown engine %q", conf.Engine)
	}
}

// multiParentHandle adapts a file-backed multiparent store to TextStore.
// The index is rewritten on Close, so a crash loses at most index
// freshness, not diff records.
type multiParentHandle struct {
	store *multiparent.FileStore
}

func newMultiParentHandle(conf Config) (*multiParentHandle, error) {
	if err := os.MkdirAll(conf.Path, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	store := multiparent.NewFileStore(filepath.Join(conf.Path, "texts"), multiparent.Options{
		SnapshotInterval: conf.SnapshotInterval,
		MaxSnapshots:     conf.MaxSnapshots,
		Logger:           conf.Logger,
	})
	h := &multiParentHandle{store: store}
	if err := h.store.Load(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *multiParentHandle) Add(key Key, parents []Key, lines [][]byte) (Receipt, error) {
	return h.store.AddVersion(key, parents, lines, multiparent.AddOptions{})
}

func (h *multiParentHandle) Get(key Key) ([][]byte, error) {
	return h.store.GetLines(key)
}

func (h *multiParentHandle) Close() error {
	return h.store.Save()
}

// groupHandle adapts a GroupStore to TextStore.
type groupHandle struct {
	store *groupcompress.GroupStore
}

func newGroupHandle(conf Config) (*groupHandle, error) {
	dir := filepath.Join(conf.Path, "groups")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	store, err := groupcompress.NewGroupStore(groupcompress.GroupConfig{
		Path:             dir,
		FlushThresholdMB: conf.FlushThresholdMB,
		MinimumFreeGB:    conf.MinimumFreeGB,
		Logger:           conf.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &groupHandle{store: store}, nil
}

func (h *groupHandle) Add(key Key, parents []Key, lines [][]byte) (Receipt, error) {
	return h.store.AddLines(key, parents, lines, groupcompress.AddOptions{})
}

func (h *groupHandle) Get(key Key) ([][]byte, error) {
	return h.store.Get(key)
}

func (h *groupHandle) Close() error {
	return h.store.Close()
}
