package layer

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/opencontainers/go-digest"
)

const (

	// Prefix for whiteout markers in diff tars (AUFS convention, as used
	// by OCI layer archives). A marker ".wh.<name>" records that <name>
	// was removed relative to the parent layer.
	WhiteoutPrefix = ".wh."

	// Marker recording that a directory is opaque: contents from lower
	// layers are hidden entirely.
	OpaqueWhiteout = ".wh..wh..opq"
)

// Records the state of a single path within a directory snapshot.
type Entry struct {
	Mode     fs.FileMode   // File mode including type bits.
	Size     int64         // Size in bytes for regular files.
	Digest   digest.Digest // Content digest for regular files, empty otherwise.
	Linkname string        // Target for symbolic links.
}

// Captures the state of every path under dir.
//
// Keys are slash-separated paths relative to dir. Regular file content is
// hashed so that [Diff] detects modifications regardless of timestamps.
func Snapshot(dir string) (map[string]Entry, error) {
	entries := make(map[string]Entry)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		entry := Entry{Mode: info.Mode(), Size: info.Size()}

		switch {
		case info.Mode().IsRegular():
			dgst, err := digestFile(path)
			if err != nil {
				return err
			}
			entry.Digest = dgst
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			entry.Linkname = target
		}

		entries[rel] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	return entries, nil
}

// Writes the delta between two snapshots of dir as a diff tar.
//
// Paths present only in after, or changed between the snapshots, are written
// from the directory's current content. Paths present only in before become
// whiteout markers. Entries are emitted in sorted order so identical deltas
// produce byte-identical archives.
func Diff(w io.Writer, dir string, before, after map[string]Entry) error {
	tw := tar.NewWriter(w)

	var changed, removed []string
	for path, entry := range after {
		prev, ok := before[path]
		if !ok || !sameEntry(prev, entry) {
			changed = append(changed, path)
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			removed = append(removed, path)
		}
	}
	sort.Strings(changed)
	sort.Strings(removed)

	for _, path := range removed {
		name := filepath.ToSlash(filepath.Join(filepath.Dir(path), WhiteoutPrefix+filepath.Base(path)))
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0,
			Size:     0,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}
	}

	for _, path := range changed {
		if err := writeDiffEntry(tw, dir, path, after[path]); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}

// Reports whether two snapshot entries describe the same filesystem state.
func sameEntry(a, b Entry) bool {
	return a.Mode == b.Mode && a.Size == b.Size && a.Digest == b.Digest && a.Linkname == b.Linkname
}

// Writes one changed path from the directory into the diff tar.
func writeDiffEntry(tw *tar.Writer, dir, path string, entry Entry) error {
	hdr := &tar.Header{
		Name: path,
		Mode: int64(entry.Mode.Perm()),
	}

	switch {
	case entry.Mode.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case entry.Mode&fs.ModeSymlink != 0:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = entry.Linkname
	case entry.Mode.IsRegular():
		hdr.Typeflag = tar.TypeReg
		hdr.Size = entry.Size
	default:
		// Sockets, devices and pipes are not captured in diffs.
		return nil
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	if hdr.Typeflag == tar.TypeReg {
		f, err := os.Open(filepath.Join(dir, filepath.FromSlash(path)))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}
	}

	return nil
}

// Extracts a diff tar into dir verbatim, preserving whiteout markers as
// regular files.
//
// Used when materializing a single layer into its own directory: the union
// view interprets the markers at read time. Entry paths are confined to dir.
func Extract(dir string, r io.Reader) error {
	return untar(dir, r, false)
}

// Applies a diff tar onto dir, interpreting whiteout markers.
//
// A ".wh.<name>" entry removes <name> from dir; an opaque marker clears the
// containing directory. All other entries are extracted in place,
// overwriting existing paths. Applying each layer of a chain in order onto
// an empty directory reproduces the flattened filesystem.
func Apply(dir string, r io.Reader) error {
	return untar(dir, r, true)
}

// Shared extraction loop for [Extract] and [Apply].
func untar(dir string, r io.Reader, interpretWhiteouts bool) error {
	tr := tar.NewReader(r)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}

		name := filepath.ToSlash(filepath.Clean(hdr.Name))
		if name == "." || name == "/" {
			continue
		}

		if interpretWhiteouts {
			if applied, err := applyWhiteout(dir, name); err != nil {
				return err
			} else if applied {
				continue
			}
		}

		target, err := securejoin.SecureJoin(dir, name)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}

		if err := extractEntry(target, hdr, tr); err != nil {
			return err
		}
	}
}

// Handles a whiteout entry during [Apply]. Returns true when the entry was
// a marker and has been applied.
func applyWhiteout(dir, name string) (bool, error) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, WhiteoutPrefix) {
		return false, nil
	}

	parent, err := securejoin.SecureJoin(dir, filepath.Dir(name))
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	if base == OpaqueWhiteout {
		entries, err := os.ReadDir(parent)
		if err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("%w: %w", ErrStore, err)
		}
		for _, entry := range entries {
			if err := os.RemoveAll(filepath.Join(parent, entry.Name())); err != nil {
				return false, fmt.Errorf("%w: %w", ErrStore, err)
			}
		}
		return true, nil
	}

	target := filepath.Join(parent, strings.TrimPrefix(base, WhiteoutPrefix))
	if err := os.RemoveAll(target); err != nil {
		return false, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return true, nil
}

// Writes a single tar entry to its target path.
func extractEntry(target string, hdr *tar.Header, tr *tar.Reader) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, fs.FileMode(hdr.Mode).Perm()|0700); err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("%w: %w", ErrStore, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}
		os.Remove(target)
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}

	default:
		// Hard links, devices and other entry types are skipped.
	}

	return nil
}

// Computes the digest of a file's content.
func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return digest.SHA256.FromReader(f)
}
