package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry()

	entry, ok := r.Lookup("Part.makeBox")
	require.True(t, ok)
	assert.Equal(t, 3, entry.MinArgs)
	assert.Equal(t, 5, entry.MaxArgs)
	assert.Equal(t, "primitive", entry.Category)

	helix, ok := r.Lookup("Part.makeLongHelix")
	require.True(t, ok)
	assert.True(t, helix.Deprecated)
	assert.Equal(t, "Part.makeHelix", helix.Replacement)

	_, ok = r.Lookup("Part.frobnicate")
	assert.False(t, ok)
}

func TestRegistryNamespaces(t *testing.T) {
	ns := NewRegistry().Namespaces()
	for _, want := range []string{"App", "Part", "Mesh", "Sketcher", "doc", "sketch", "body"} {
		assert.True(t, ns[want], "namespace %s", want)
	}
	assert.False(t, ns["shape"])
}

func TestRegistryLoadFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	yaml := "Part.makeBox:\n  min_args: 2\n  max_args: 6\n  category: primitive\nCustom.doThing:\n  min_args: 1\n  max_args: 1\n  category: custom\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadFile(path))

	box, ok := r.Lookup("Part.makeBox")
	require.True(t, ok)
	assert.Equal(t, 2, box.MinArgs)
	assert.Equal(t, 6, box.MaxArgs)

	custom, ok := r.Lookup("Custom.doThing")
	require.True(t, ok)
	assert.Equal(t, "custom", custom.Category)

	// Entries the file does not mention keep their built-in values.
	cyl, ok := r.Lookup("Part.makeCylinder")
	require.True(t, ok)
	assert.Equal(t, 2, cyl.MinArgs)
}

func TestRegistryLoadFileBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{{ not yaml"), 0o644))

	r := NewRegistry()
	err := r.LoadFile(path)
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))

	// Table untouched.
	box, ok := r.Lookup("Part.makeBox")
	require.True(t, ok)
	assert.Equal(t, 3, box.MinArgs)
}

func TestRegistryLoadFileMissing(t *testing.T) {
	r := NewRegistry()
	err := r.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))
}

func TestRegistryHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("Custom.first:\n  min_args: 0\n  max_args: 0\n  category: c\n"), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadFile(path))
	require.NoError(t, r.Watch(context.Background(), path))
	t.Cleanup(r.Close)

	require.NoError(t, os.WriteFile(path, []byte("Custom.second:\n  min_args: 1\n  max_args: 2\n  category: c\n"), 0o644))
	require.Eventually(t, func() bool {
		_, ok := r.Lookup("Custom.second")
		return ok
	}, 5*time.Second, 50*time.Millisecond, "edited registry never reloaded")
}

func TestRegistryHotReloadKeepsTableOnBrokenEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("Custom.first:\n  min_args: 0\n  max_args: 0\n  category: c\n"), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadFile(path))
	require.NoError(t, r.Watch(context.Background(), path))
	t.Cleanup(r.Close)

	require.NoError(t, os.WriteFile(path, []byte("{{{ broken"), 0o644))
	assert.Never(t, func() bool {
		_, ok := r.Lookup("Custom.first")
		return !ok
	}, time.Second, 100*time.Millisecond, "broken edit must keep the previous table")
}
