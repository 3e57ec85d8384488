package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/kilnhq/kilnd/internal/image"
	"github.com/kilnhq/kilnd/internal/isolation"
	"github.com/kilnhq/kilnd/internal/layer"
	"github.com/kilnhq/kilnd/internal/rootfs"
)

type testEnv struct {
	rt     *Runtime
	layers *layer.Store
	images *image.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	data := t.TempDir()

	layers, err := layer.NewStore(filepath.Join(data, "layers"))
	require.NoError(t, err)
	images, err := image.NewStore(filepath.Join(data, "images"), layers)
	require.NoError(t, err)
	unpacker, err := rootfs.NewUnpacker(filepath.Join(data, "unpacked"), layers)
	require.NoError(t, err)
	rt, err := NewRuntime(images, layers, unpacker, isolation.ProcessExecutor{}, filepath.Join(data, "containers"))
	require.NoError(t, err)

	return &testEnv{rt: rt, layers: layers, images: images}
}

// Saves a single-layer image whose entrypoint runs script through the
// shell.
func (e *testEnv) makeImage(t *testing.T, script string, files map[string]string) *image.Image {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	desc, err := e.layers.Put(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	config := ocispec.Image{
		Config: ocispec.ImageConfig{
			Entrypoint: []string{"/bin/sh", "-c"},
			Cmd:        []string{script},
			Env:        []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"},
		},
		RootFS: ocispec.RootFS{Type: "layers", DiffIDs: []digest.Digest{desc.DiffID}},
	}
	img, err := e.images.Save(config, []ocispec.Descriptor{{
		MediaType: desc.MediaType,
		Digest:    desc.Digest,
		Size:      desc.Size,
	}})
	require.NoError(t, err)
	return img
}

func TestContainerRunToCompletion(t *testing.T) {
	e := newTestEnv(t)
	img := e.makeImage(t, "cat a.txt", map[string]string{"a.txt": "hello\n"})

	c, err := e.rt.Create(img.Digest, "runner")
	require.NoError(t, err)

	status, err := e.rt.Status(c.ID)
	require.NoError(t, err)
	require.Equal(t, StateCreated, status.State)

	require.NoError(t, e.rt.Start(context.Background(), c.ID))
	require.NoError(t, e.rt.Wait(context.Background(), c.ID))

	status, err = e.rt.Status(c.ID)
	require.NoError(t, err)
	require.Equal(t, StateExited, status.State)
	require.Equal(t, 0, status.ExitCode)

	log, err := e.rt.Logs(c.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"hello"}, log.Lines())
}

func TestContainerExitCode(t *testing.T) {
	e := newTestEnv(t)
	img := e.makeImage(t, "exit 4", nil)

	c, err := e.rt.Create(img.Digest, "")
	require.NoError(t, err)
	require.NoError(t, e.rt.Start(context.Background(), c.ID))
	require.NoError(t, e.rt.Wait(context.Background(), c.ID))

	status, err := e.rt.Status(c.ID)
	require.NoError(t, err)
	require.Equal(t, StateExited, status.State)
	require.Equal(t, 4, status.ExitCode)
}

func TestStopRunningContainer(t *testing.T) {
	e := newTestEnv(t)
	img := e.makeImage(t, "sleep 30", nil)

	c, err := e.rt.Create(img.Digest, "")
	require.NoError(t, err)
	require.NoError(t, e.rt.Start(context.Background(), c.ID))

	require.NoError(t, e.rt.Stop(context.Background(), c.ID, 2*time.Second))

	status, err := e.rt.Status(c.ID)
	require.NoError(t, err)
	require.Equal(t, StateStopped, status.State)
}

func TestStartRequiresCreatedState(t *testing.T) {
	e := newTestEnv(t)
	img := e.makeImage(t, "true", nil)

	c, err := e.rt.Create(img.Digest, "")
	require.NoError(t, err)
	require.NoError(t, e.rt.Start(context.Background(), c.ID))
	require.NoError(t, e.rt.Wait(context.Background(), c.ID))

	err = e.rt.Start(context.Background(), c.ID)
	require.ErrorIs(t, err, ErrState)
}

func TestRemoveRunningContainerFails(t *testing.T) {
	e := newTestEnv(t)
	img := e.makeImage(t, "sleep 30", nil)

	c, err := e.rt.Create(img.Digest, "")
	require.NoError(t, err)
	require.NoError(t, e.rt.Start(context.Background(), c.ID))

	err = e.rt.Remove(c.ID)
	require.ErrorIs(t, err, ErrRunning)

	require.NoError(t, e.rt.Stop(context.Background(), c.ID, 2*time.Second))
	require.NoError(t, e.rt.Remove(c.ID))

	_, err = e.rt.Status(c.ID)
	require.True(t, errdefs.IsNotFound(err))
}

func TestRemoveReleasesLayerReferences(t *testing.T) {
	e := newTestEnv(t)
	img := e.makeImage(t, "true", nil)
	layerDigest := img.Manifest.Layers[0].Digest

	c, err := e.rt.Create(img.Digest, "")
	require.NoError(t, err)
	require.Equal(t, int64(2), e.layers.RefCount(layerDigest))

	require.NoError(t, e.rt.Remove(c.ID))
	require.Equal(t, int64(1), e.layers.RefCount(layerDigest))
}

func TestContainerOutlivesImageRemoval(t *testing.T) {
	e := newTestEnv(t)
	img := e.makeImage(t, "true", nil)
	layerDigest := img.Manifest.Layers[0].Digest

	c, err := e.rt.Create(img.Digest, "")
	require.NoError(t, err)

	// The container's reference keeps the layer out of garbage collection.
	require.NoError(t, e.images.Remove(img.Digest))
	deleted, err := e.layers.GC()
	require.NoError(t, err)
	require.Empty(t, deleted)
	require.True(t, e.layers.Exists(layerDigest))

	require.NoError(t, e.rt.Remove(c.ID))
	deleted, err = e.layers.GC()
	require.NoError(t, err)
	require.Equal(t, []digest.Digest{layerDigest}, deleted)
}

func TestCreateRequiresEntrypoint(t *testing.T) {
	e := newTestEnv(t)

	img, err := e.images.Save(ocispec.Image{}, nil)
	require.NoError(t, err)

	_, err = e.rt.Create(img.Digest, "")
	require.ErrorIs(t, err, ErrContainer)
}

func TestCreateUnknownImage(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.rt.Create(digest.FromString("nope"), "")
	require.True(t, errdefs.IsNotFound(err))
}

func TestLogStreamFollow(t *testing.T) {
	e := newTestEnv(t)
	img := e.makeImage(t, "echo one; echo two", nil)

	c, err := e.rt.Create(img.Digest, "")
	require.NoError(t, err)
	require.NoError(t, e.rt.Start(context.Background(), c.ID))

	log, err := e.rt.Logs(c.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var lines []string
	for line := range log.Stream(ctx, true) {
		lines = append(lines, line)
	}
	require.Equal(t, []string{"one", "two"}, lines)
}

func TestLogMultipleReaders(t *testing.T) {
	e := newTestEnv(t)
	img := e.makeImage(t, "echo shared", nil)

	c, err := e.rt.Create(img.Digest, "")
	require.NoError(t, err)
	require.NoError(t, e.rt.Start(context.Background(), c.ID))
	require.NoError(t, e.rt.Wait(context.Background(), c.ID))

	log, err := e.rt.Logs(c.ID)
	require.NoError(t, err)

	for range 3 {
		var lines []string
		for line := range log.Stream(context.Background(), false) {
			lines = append(lines, line)
		}
		require.Equal(t, []string{"shared"}, lines)
	}
}
