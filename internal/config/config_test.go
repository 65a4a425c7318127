package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quilt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	conf, err := Load(write(t, "path: /tmp/quilt\n"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/quilt", conf.Path)
	assert.Equal(t, "multiparent", conf.Engine)
	assert.Equal(t, 25, conf.SnapshotInterval)
	assert.Equal(t, 4, conf.FlushThresholdMB)
	assert.Equal(t, "info", conf.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	conf, err := Load(write(t, "engine: group\nsnapshotInterval: 7\nminimumFreeGB: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, "group", conf.Engine)
	assert.Equal(t, 7, conf.SnapshotInterval)
	assert.Equal(t, 2, conf.MinimumFreeGB)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(write(t, "engine: [not, a, string\n"))
	assert.Error(t, err)

	_, err = Load(write(t, "engine: bogus\n"))
	assert.Error(t, err)
}
