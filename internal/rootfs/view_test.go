package rootfs

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilnhq/kilnd/internal/layer"
)

// Lays out a read-only layer directory from a path→content map.
func layerDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func TestReadResolvesNewestFirst(t *testing.T) {
	older := layerDir(t, map[string]string{"a.txt": "from older", "shared.txt": "older wins?"})
	newer := layerDir(t, map[string]string{"b.txt": "from newer", "shared.txt": "newer wins"})

	view := NewView(t.TempDir(), []string{older, newer})

	got, err := view.ReadFile("/a.txt")
	require.NoError(t, err)
	require.Equal(t, "from older", string(got))

	got, err = view.ReadFile("/b.txt")
	require.NoError(t, err)
	require.Equal(t, "from newer", string(got))

	got, err = view.ReadFile("/shared.txt")
	require.NoError(t, err)
	require.Equal(t, "newer wins", string(got))
}

func TestWritableLayerShadowsImageLayers(t *testing.T) {
	base := layerDir(t, map[string]string{"config.ini": "baked in"})
	view := NewView(t.TempDir(), []string{base})

	require.NoError(t, view.WriteFile("/config.ini", []byte("runtime override"), 0644))

	got, err := view.ReadFile("/config.ini")
	require.NoError(t, err)
	require.Equal(t, "runtime override", string(got))

	// The image layer is untouched.
	onDisk, err := os.ReadFile(filepath.Join(base, "config.ini"))
	require.NoError(t, err)
	require.Equal(t, "baked in", string(onDisk))
}

func TestReadMissingPath(t *testing.T) {
	view := NewView(t.TempDir(), []string{layerDir(t, nil)})

	_, err := view.ReadFile("/nope.txt")
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRemoveRecordsWhiteout(t *testing.T) {
	base := layerDir(t, map[string]string{"doomed.txt": "x"})
	writable := t.TempDir()
	view := NewView(writable, []string{base})

	require.NoError(t, view.Remove("/doomed.txt"))

	_, err := view.ReadFile("/doomed.txt")
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.False(t, view.Exists("/doomed.txt"))

	// The removal is recorded as a marker; the lower layer still has the file.
	_, err = os.Stat(filepath.Join(writable, layer.WhiteoutPrefix+"doomed.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(base, "doomed.txt"))
	require.NoError(t, err)

	// Writing the path again clears the whiteout.
	require.NoError(t, view.WriteFile("/doomed.txt", []byte("back"), 0644))
	got, err := view.ReadFile("/doomed.txt")
	require.NoError(t, err)
	require.Equal(t, "back", string(got))
}

func TestRemoveMissingPath(t *testing.T) {
	view := NewView(t.TempDir(), nil)
	require.ErrorIs(t, view.Remove("/ghost"), fs.ErrNotExist)
}

func TestWhiteoutInImageLayerHidesOlderContent(t *testing.T) {
	older := layerDir(t, map[string]string{"legacy.txt": "old"})
	newer := layerDir(t, map[string]string{layer.WhiteoutPrefix + "legacy.txt": ""})

	view := NewView(t.TempDir(), []string{older, newer})

	_, err := view.ReadFile("/legacy.txt")
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestMergeFlattensStack(t *testing.T) {
	first := layerDir(t, map[string]string{"a.txt": "a", "etc/conf": "v1"})
	second := layerDir(t, map[string]string{
		"b.txt":                        "b",
		"etc/conf":                     "v2",
		layer.WhiteoutPrefix + "a.txt": "",
	})

	writable := t.TempDir()
	view := NewView(writable, []string{first, second})
	require.NoError(t, view.WriteFile("/c.txt", []byte("c"), 0644))

	merged := t.TempDir()
	require.NoError(t, view.Merge(merged))

	_, err := os.Stat(filepath.Join(merged, "a.txt"))
	require.True(t, os.IsNotExist(err))

	got, err := os.ReadFile(filepath.Join(merged, "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "b", string(got))

	got, err = os.ReadFile(filepath.Join(merged, "etc/conf"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))

	got, err = os.ReadFile(filepath.Join(merged, "c.txt"))
	require.NoError(t, err)
	require.Equal(t, "c", string(got))
}
