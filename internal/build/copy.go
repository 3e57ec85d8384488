package build

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// One file or directory headed into a COPY layer.
type copyEntry struct {
	src  string      // Absolute host path.
	name string      // Slash-separated path inside the layer, no leading slash.
	mode fs.FileMode // Host mode bits.
	size int64
	dir  bool
}

// Resolves a COPY instruction against the build context.
//
// The pattern is a glob relative to the context directory; matches outside
// the context are rejected. A single file match lands at the destination
// path itself, anything else lands under the destination as a directory.
// The result is sorted, so layer content is deterministic.
func collectCopyEntries(contextDir, pattern, dest string) ([]copyEntry, error) {
	if filepath.IsAbs(pattern) || strings.Contains(pattern, "..") {
		return nil, fmt.Errorf("source pattern %q escapes the build context", pattern)
	}

	matches, err := filepath.Glob(filepath.Join(contextDir, pattern))
	if err != nil {
		return nil, fmt.Errorf("bad source pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no files match %q", pattern)
	}
	sort.Strings(matches)

	destRel := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(dest)), "/")

	var entries []copyEntry
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			return nil, err
		}

		target := path.Join(destRel, filepath.Base(match))
		if len(matches) == 1 && !info.IsDir() && !strings.HasSuffix(dest, "/") {
			target = destRel
		}

		if info.IsDir() {
			sub, err := collectDir(match, target)
			if err != nil {
				return nil, err
			}
			entries = append(entries, sub...)
			continue
		}
		entries = append(entries, copyEntry{
			src:  match,
			name: target,
			mode: info.Mode(),
			size: info.Size(),
		})
	}

	return entries, nil
}

// Collects a directory tree rooted at src into entries under target.
func collectDir(src, target string) ([]copyEntry, error) {
	var entries []copyEntry

	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		name := target
		if rel != "." {
			name = path.Join(target, filepath.ToSlash(rel))
		}
		entries = append(entries, copyEntry{
			src:  p,
			name: name,
			mode: info.Mode(),
			size: info.Size(),
			dir:  d.IsDir(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Writes the entries as an uncompressed diff tar.
//
// Headers carry no timestamps, so identical content always produces
// identical bytes.
func writeCopyLayer(w io.Writer, entries []copyEntry) error {
	tw := tar.NewWriter(w)

	for _, entry := range entries {
		hdr := &tar.Header{
			Name: entry.name,
			Mode: int64(entry.mode.Perm()),
		}
		if entry.dir {
			hdr.Name += "/"
			hdr.Typeflag = tar.TypeDir
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = entry.size
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if entry.dir {
			continue
		}

		f, err := os.Open(entry.src)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	return tw.Close()
}

// Digests the entries including file content, for the step cache key.
func copySourcesDigest(entries []copyEntry) (digest.Digest, error) {
	hash := digest.SHA256.Digester()

	for _, entry := range entries {
		fmt.Fprintf(hash.Hash(), "%s\x00%o\x00", entry.name, entry.mode.Perm())
		if entry.dir {
			continue
		}
		f, err := os.Open(entry.src)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(hash.Hash(), f); err != nil {
			f.Close()
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
	}

	return hash.Digest(), nil
}
