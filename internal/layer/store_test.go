package layer

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

// Builds a small diff tar with a single file entry.
func diffTar(t *testing.T, name, content string) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0644,
		Size:     int64(len(content)),
	}))
	_, err := io.WriteString(tw, content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	return buf.Bytes()
}

func TestPutOpenRoundtrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	content := diffTar(t, "a.txt", "hello")
	desc, err := store.Put(bytes.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, desc.Digest.Validate())
	require.Equal(t, digest.FromBytes(content), desc.DiffID)

	rc, err := store.OpenUncompressed(desc.Digest)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestPutIdempotent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	content := diffTar(t, "a.txt", "hello")

	first, err := store.Put(bytes.NewReader(content))
	require.NoError(t, err)
	second, err := store.Put(bytes.NewReader(content))
	require.NoError(t, err)

	require.Equal(t, first.Digest, second.Digest)

	count, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestPutConcurrentSameContent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	content := diffTar(t, "a.txt", "concurrent")

	var wg sync.WaitGroup
	digests := make([]digest.Digest, 8)
	for i := range digests {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			desc, err := store.Put(bytes.NewReader(content))
			require.NoError(t, err)
			digests[i] = desc.Digest
		}(i)
	}
	wg.Wait()

	for _, d := range digests[1:] {
		require.Equal(t, digests[0], d)
	}

	count, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestOpenNotFound(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Open(digest.FromString("missing"))
	require.Error(t, err)
	require.True(t, errdefs.IsNotFound(err))
}

func TestOpenCorrupt(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	desc, err := store.Put(bytes.NewReader(diffTar(t, "a.txt", "pristine")))
	require.NoError(t, err)

	// Flip bytes on disk behind the store's back.
	path := store.blobPath(desc.Digest)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	rc, err := store.Open(desc.Digest)
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestPutCompressedRejectsMismatch(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	wrong := digest.FromString("not the content")
	_, err = store.PutCompressed(bytes.NewReader([]byte("blob bytes")), wrong)
	require.ErrorIs(t, err, ErrCorrupt)
	require.False(t, store.Exists(wrong))
}

func TestRefCountingAndGC(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	shared, err := store.Put(bytes.NewReader(diffTar(t, "shared.txt", "shared")))
	require.NoError(t, err)
	exclusive, err := store.Put(bytes.NewReader(diffTar(t, "only.txt", "exclusive")))
	require.NoError(t, err)

	// Two images share one layer; only one references the other.
	store.Ref(shared.Digest)
	store.Ref(shared.Digest)
	store.Ref(exclusive.Digest)

	store.Unref(exclusive.Digest)
	store.Unref(shared.Digest)

	deleted, err := store.GC()
	require.NoError(t, err)
	require.Equal(t, []digest.Digest{exclusive.Digest}, deleted)
	require.True(t, store.Exists(shared.Digest))
	require.False(t, store.Exists(exclusive.Digest))

	// Dropping the last reference makes the shared layer collectible too.
	store.Unref(shared.Digest)
	deleted, err = store.GC()
	require.NoError(t, err)
	require.Equal(t, []digest.Digest{shared.Digest}, deleted)
}

func TestGCKeepsReferencedLayers(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	desc, err := store.Put(bytes.NewReader(diffTar(t, "keep.txt", "keep")))
	require.NoError(t, err)
	store.Ref(desc.Digest)

	deleted, err := store.GC()
	require.NoError(t, err)
	require.Empty(t, deleted)
	require.True(t, store.Exists(desc.Digest))
	require.Equal(t, int64(1), store.RefCount(desc.Digest))
}
