package layer

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kilnhq/kilnd/internal/paths"
)

// Describes a stored layer blob.
type Descriptor struct {
	Digest    digest.Digest // Digest of the compressed blob, the blob's address.
	DiffID    digest.Digest // Digest of the uncompressed tar stream.
	Size      int64         // Compressed size in bytes.
	MediaType string        // OCI media type of the blob.
}

// Content-addressed storage of layer diffs with reference counting.
//
// Blobs live under <root>/blobs/<algorithm>/<encoded>. Writes go through a
// temp file and an atomic rename, serialized per digest so concurrent puts
// of identical content produce exactly one blob and readers never observe a
// partial write.
type Store struct {
	root  string                        // Directory holding the blob tree.
	mu    sync.Mutex                    // Guards the locks and refs maps.
	locks map[digest.Digest]*sync.Mutex // Per-digest write locks.
	refs  map[digest.Digest]int64       // Reference counts, guarded by the per-digest lock.
}

// Creates a layer store rooted at the given directory.
//
// The blob directory is created if it does not exist. Reference counts start
// at zero; owners of persisted state (image and container stores) re-register
// their references at startup.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "blobs"), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return &Store{
		root:  root,
		locks: make(map[digest.Digest]*sync.Mutex),
		refs:  make(map[digest.Digest]int64),
	}, nil
}

// Stores an uncompressed diff tar, compressing it on the way in.
//
// The content is gzipped to a temp file while both the compressed and
// uncompressed digests are computed. Put is idempotent: storing identical
// content twice returns the same descriptor and leaves a single blob on
// disk. Concurrent puts of the same content serialize on the digest lock;
// the losers short-circuit on the existence check.
func (s *Store) Put(r io.Reader) (Descriptor, error) {
	tmp, err := os.CreateTemp(s.root, "put-*.tmp")
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	compressed := digest.SHA256.Digester()
	uncompressed := digest.SHA256.Digester()

	gz := gzip.NewWriter(io.MultiWriter(tmp, compressed.Hash()))
	if _, err := io.Copy(io.MultiWriter(gz, uncompressed.Hash()), r); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := gz.Close(); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrStore, err)
	}

	info, err := tmp.Stat()
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrStore, err)
	}

	desc := Descriptor{
		Digest:    compressed.Digest(),
		DiffID:    uncompressed.Digest(),
		Size:      info.Size(),
		MediaType: ocispec.MediaTypeImageLayerGzip,
	}

	if err := s.commit(tmp, desc.Digest); err != nil {
		return Descriptor{}, err
	}

	return desc, nil
}

// Stores an already-compressed blob, verifying it against the expected
// digest as it is written.
//
// Used by registry pulls, where the blob arrives compressed and its address
// is known from the manifest. The write is all-or-nothing: a digest mismatch
// leaves no trace in the store and returns [ErrCorrupt].
func (s *Store) PutCompressed(r io.Reader, expected digest.Digest) (int64, error) {
	tmp, err := os.CreateTemp(s.root, "put-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStore, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	verifier := expected.Verifier()
	size, err := io.Copy(io.MultiWriter(tmp, verifier), r)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStore, err)
	}

	if !verifier.Verified() {
		return 0, fmt.Errorf("%w: digest mismatch for %s", ErrCorrupt, expected)
	}

	if err := s.commit(tmp, expected); err != nil {
		return 0, err
	}

	return size, nil
}

// Moves a temp file into its content-addressed location.
//
// Takes the per-digest lock for the duration of the move. If the blob
// already exists the temp file is discarded, which is what makes Put
// idempotent under concurrency.
func (s *Store) commit(tmp *os.File, dgst digest.Digest) error {
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	lock := s.lock(dgst)
	lock.Lock()
	defer lock.Unlock()

	path := s.blobPath(dgst)
	if _, err := os.Stat(path); err == nil {
		slog.Debug("layer already stored", "digest", dgst)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	slog.Debug("layer stored", "digest", dgst)
	return nil
}

// Opens a stored blob for reading.
//
// The returned reader yields the compressed bytes and verifies them against
// the digest: if the blob was corrupted on disk, the read that reaches EOF
// fails with [ErrCorrupt]. A missing blob fails with a not-found error
// classifiable via errdefs.
func (s *Store) Open(dgst digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("layer %s: %w", dgst, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return &verifiedReader{f: f, verifier: dgst.Verifier(), digest: dgst}, nil
}

// Opens a stored blob and decompresses it, yielding the diff tar stream.
func (s *Store) OpenUncompressed(dgst digest.Digest) (io.ReadCloser, error) {
	rc, err := s.Open(dgst)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	return &uncompressedReader{gz: gz, underlying: rc}, nil
}

// Reports whether a blob exists in the store.
func (s *Store) Exists(dgst digest.Digest) bool {
	_, err := os.Stat(s.blobPath(dgst))
	return err == nil
}

// Increments the reference count for a layer.
func (s *Store) Ref(dgst digest.Digest) {
	lock := s.lock(dgst)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	s.refs[dgst]++
	s.mu.Unlock()
}

// Decrements the reference count for a layer.
//
// The blob is not deleted here, even at zero; deletion is deferred to [GC]
// so that a concurrent Ref can still resurrect the layer.
func (s *Store) Unref(dgst digest.Digest) {
	lock := s.lock(dgst)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if s.refs[dgst] > 0 {
		s.refs[dgst]--
	}
	s.mu.Unlock()
}

// Returns the current reference count for a layer.
func (s *Store) RefCount(dgst digest.Digest) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[dgst]
}

// Deletes all blobs whose reference count is zero and returns their digests.
//
// Each candidate is deleted under its digest lock, so a Put or Ref racing
// with collection either completes before the delete or finds the store
// consistent afterwards.
func (s *Store) GC() ([]digest.Digest, error) {
	digests, err := s.walkBlobs()
	if err != nil {
		return nil, err
	}

	var deleted []digest.Digest
	for _, dgst := range digests {
		lock := s.lock(dgst)
		lock.Lock()

		s.mu.Lock()
		count := s.refs[dgst]
		s.mu.Unlock()

		if count == 0 {
			if err := os.Remove(s.blobPath(dgst)); err != nil && !os.IsNotExist(err) {
				lock.Unlock()
				return deleted, fmt.Errorf("%w: %w", ErrStore, err)
			}
			deleted = append(deleted, dgst)
			slog.Debug("layer collected", "digest", dgst)
		}

		lock.Unlock()
	}

	return deleted, nil
}

// Returns the number of stored blobs.
func (s *Store) Count() (int, error) {
	digests, err := s.walkBlobs()
	if err != nil {
		return 0, err
	}
	return len(digests), nil
}

// Returns the total size in bytes of all stored blobs.
func (s *Store) Size() (int64, error) {
	var total int64
	err := filepath.WalkDir(filepath.Join(s.root, "blobs"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return total, nil
}

// Lists the digests of all stored blobs.
func (s *Store) walkBlobs() ([]digest.Digest, error) {
	var digests []digest.Digest

	blobs := filepath.Join(s.root, "blobs")
	algos, err := os.ReadDir(blobs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	for _, algo := range algos {
		if !algo.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(blobs, algo.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStore, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			dgst := digest.NewDigestFromEncoded(digest.Algorithm(algo.Name()), entry.Name())
			if err := dgst.Validate(); err != nil {
				continue
			}
			digests = append(digests, dgst)
		}
	}

	return digests, nil
}

// Returns the on-disk path for a blob.
func (s *Store) blobPath(dgst digest.Digest) string {
	return filepath.Join(s.root, "blobs", dgst.Algorithm().String(), dgst.Encoded())
}

// Returns the write lock for a digest, creating it on first use.
func (s *Store) lock(dgst digest.Digest) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[dgst]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[dgst] = lock
	}
	return lock
}

// Reader that verifies blob content against its digest as it is consumed.
type verifiedReader struct {
	f        *os.File
	verifier digest.Verifier
	digest   digest.Digest
	checked  bool
}

// Reads from the underlying file, feeding the verifier.
//
// When the file is exhausted the computed digest is compared to the
// expected one exactly once; a mismatch surfaces as [ErrCorrupt].
func (r *verifiedReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if n > 0 {
		r.verifier.Write(p[:n])
	}
	if err == io.EOF && !r.checked {
		r.checked = true
		if !r.verifier.Verified() {
			return n, fmt.Errorf("%w: digest mismatch for %s", ErrCorrupt, r.digest)
		}
	}
	return n, err
}

func (r *verifiedReader) Close() error {
	return r.f.Close()
}

// Reader pairing a gzip stream with its underlying verified reader so both
// are closed together.
type uncompressedReader struct {
	gz         *gzip.Reader
	underlying io.ReadCloser
}

func (r *uncompressedReader) Read(p []byte) (int, error) {
	return r.gz.Read(p)
}

func (r *uncompressedReader) Close() error {
	gzErr := r.gz.Close()
	if err := r.underlying.Close(); err != nil {
		return err
	}
	return gzErr
}
