package rootfs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/kilnhq/kilnd/internal/layer"
	"github.com/kilnhq/kilnd/internal/paths"
)

// Materializes layer blobs into per-digest directories.
//
// Unpacked layers are shared between all views that include the layer, so
// each blob is extracted at most once. Extraction goes through a temp
// directory and a rename, so a partially extracted layer is never visible.
type Unpacker struct {
	root   string       // Directory holding one subdirectory per unpacked layer.
	layers *layer.Store // Source of layer blobs.
}

// Creates an unpacker rooted at the given directory.
func NewUnpacker(root string, layers *layer.Store) (*Unpacker, error) {
	if err := os.MkdirAll(root, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRootFS, err)
	}
	return &Unpacker{root: root, layers: layers}, nil
}

// Returns the directory containing the unpacked layer, extracting the blob
// on first use.
//
// Whiteout markers are preserved verbatim; the union view interprets them
// at read time.
func (u *Unpacker) Unpack(dgst digest.Digest) (string, error) {
	dir := filepath.Join(u.root, dgst.Encoded())
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}

	rc, err := u.layers.OpenUncompressed(dgst)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	tmp, err := os.MkdirTemp(u.root, "unpack-*")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRootFS, err)
	}

	if err := layer.Extract(tmp, rc); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}

	if err := os.Rename(tmp, dir); err != nil {
		os.RemoveAll(tmp)
		// A concurrent unpack may have won the rename.
		if _, statErr := os.Stat(dir); statErr == nil {
			return dir, nil
		}
		return "", fmt.Errorf("%w: %w", ErrRootFS, err)
	}

	slog.Debug("layer unpacked", "digest", dgst, "dir", dir)
	return dir, nil
}

// Unpacks every layer of a chain in manifest order and returns their
// directories, oldest first.
func (u *Unpacker) UnpackChain(digests []digest.Digest) ([]string, error) {
	dirs := make([]string, 0, len(digests))
	for _, dgst := range digests {
		dir, err := u.Unpack(dgst)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, dir)
	}
	return dirs, nil
}

// Deletes unpacked directories whose layer blob no longer exists in the
// store. Called after layer garbage collection.
func (u *Unpacker) Prune() error {
	entries, err := os.ReadDir(u.root)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRootFS, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dgst := digest.NewDigestFromEncoded(digest.SHA256, entry.Name())
		if err := dgst.Validate(); err != nil {
			continue
		}
		if u.layers.Exists(dgst) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(u.root, entry.Name())); err != nil {
			return fmt.Errorf("%w: %w", ErrRootFS, err)
		}
		slog.Debug("unpacked layer pruned", "digest", dgst)
	}

	return nil
}
