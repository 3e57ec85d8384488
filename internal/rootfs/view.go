package rootfs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/kilnhq/kilnd/internal/layer"
)

// A copy-on-write union of a writable layer over read-only image layers.
//
// Layers are held newest-first: the writable layer, then the image layers
// from top to bottom. Reads return the first match walking down the stack;
// whiteout markers in an upper layer hide paths from the layers below.
// Writes and removals affect only the writable layer.
type View struct {
	writable    afero.Fs   // The mutable top layer.
	writableDir string     // Host directory backing the writable layer.
	stack       []afero.Fs // All layers, newest first; stack[0] is writable.
	layerDirs   []string   // Host directories for the read-only layers, oldest first.
}

// Creates a view of a writable directory stacked over unpacked layer
// directories.
//
// layerDirs is in manifest order, oldest layer first, matching the order
// produced by [Unpacker.UnpackChain].
func NewView(writableDir string, layerDirs []string) *View {
	writable := afero.NewBasePathFs(afero.NewOsFs(), writableDir)

	stack := make([]afero.Fs, 0, len(layerDirs)+1)
	stack = append(stack, writable)
	for i := len(layerDirs) - 1; i >= 0; i-- {
		stack = append(stack, afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), layerDirs[i])))
	}

	return &View{
		writable:    writable,
		writableDir: writableDir,
		stack:       stack,
		layerDirs:   layerDirs,
	}
}

// Reads the content of a path, resolving through the layer stack.
//
// The writable layer is checked first, then each image layer from newest to
// oldest; the first match wins. A whiteout marker above a match hides it. A
// path found nowhere fails with fs.ErrNotExist.
func (v *View) ReadFile(path string) ([]byte, error) {
	layerFs, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(layerFs, path)
}

// Reports where a path resolves, if anywhere.
func (v *View) Stat(path string) (fs.FileInfo, error) {
	layerFs, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	return layerFs.Stat(path)
}

// Reports whether a path exists in the view.
func (v *View) Exists(path string) bool {
	_, err := v.resolve(path)
	return err == nil
}

// Writes a file into the writable layer, leaving lower layers untouched.
//
// Any whiteout previously hiding the path is cleared, so the new content
// becomes visible immediately.
func (v *View) WriteFile(path string, data []byte, mode fs.FileMode) error {
	clean := cleanPath(path)

	if err := v.writable.MkdirAll(filepath.Dir(clean), 0755); err != nil {
		return fmt.Errorf("%w: %w", ErrRootFS, err)
	}
	v.writable.Remove(whiteoutFor(clean))

	if err := afero.WriteFile(v.writable, clean, data, mode); err != nil {
		return fmt.Errorf("%w: %w", ErrRootFS, err)
	}
	return nil
}

// Removes a path from the view.
//
// Content in the writable layer is deleted directly. If the path also (or
// only) exists in a lower layer, a whiteout marker is recorded so lower
// content stays hidden. Removing a path that resolves nowhere fails with
// fs.ErrNotExist.
func (v *View) Remove(path string) error {
	clean := cleanPath(path)

	if !v.Exists(clean) {
		return fmt.Errorf("%s: %w", clean, fs.ErrNotExist)
	}

	if ok, _ := afero.Exists(v.writable, clean); ok {
		if err := v.writable.RemoveAll(clean); err != nil {
			return fmt.Errorf("%w: %w", ErrRootFS, err)
		}
	}

	if v.existsBelow(clean) {
		marker := whiteoutFor(clean)
		if err := v.writable.MkdirAll(filepath.Dir(marker), 0755); err != nil {
			return fmt.Errorf("%w: %w", ErrRootFS, err)
		}
		if err := afero.WriteFile(v.writable, marker, nil, 0600); err != nil {
			return fmt.Errorf("%w: %w", ErrRootFS, err)
		}
	}

	return nil
}

// Flattens the view into dir.
//
// Image layers are applied oldest to newest, then the writable layer, each
// interpreting the whiteouts of the layers above it. The result is the
// filesystem a process inside the container observes.
func (v *View) Merge(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %w", ErrRootFS, err)
	}

	for _, layerDir := range v.layerDirs {
		if err := applyDir(dir, layerDir); err != nil {
			return err
		}
	}
	return applyDir(dir, v.writableDir)
}

// Returns the host directory backing the writable layer.
func (v *View) WritableDir() string {
	return v.writableDir
}

// Finds the topmost layer containing path, honoring whiteouts.
func (v *View) resolve(path string) (afero.Fs, error) {
	clean := cleanPath(path)

	for _, layerFs := range v.stack {
		if hidden, err := hiddenIn(layerFs, clean); err != nil {
			return nil, err
		} else if hidden {
			return nil, fmt.Errorf("%s: %w", clean, fs.ErrNotExist)
		}

		if ok, err := afero.Exists(layerFs, clean); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRootFS, err)
		} else if ok {
			return layerFs, nil
		}
	}

	return nil, fmt.Errorf("%s: %w", clean, fs.ErrNotExist)
}

// Reports whether path exists in any read-only layer below the writable one.
func (v *View) existsBelow(clean string) bool {
	for _, layerFs := range v.stack[1:] {
		if hidden, _ := hiddenIn(layerFs, clean); hidden {
			return false
		}
		if ok, _ := afero.Exists(layerFs, clean); ok {
			return true
		}
	}
	return false
}

// Reports whether a layer hides path via a whiteout or opaque marker.
func hiddenIn(layerFs afero.Fs, clean string) (bool, error) {
	if ok, err := afero.Exists(layerFs, whiteoutFor(clean)); err != nil {
		return false, fmt.Errorf("%w: %w", ErrRootFS, err)
	} else if ok {
		return true, nil
	}

	// An opaque marker in an ancestor directory hides everything beneath
	// it that this layer does not itself provide.
	for dir := filepath.Dir(clean); dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		opaque := filepath.Join(dir, layer.OpaqueWhiteout)
		if ok, _ := afero.Exists(layerFs, opaque); ok {
			if present, _ := afero.Exists(layerFs, clean); !present {
				return true, nil
			}
			return false, nil
		}
	}

	return false, nil
}

// Returns the whiteout marker path for a given path.
func whiteoutFor(clean string) string {
	return filepath.Join(filepath.Dir(clean), layer.WhiteoutPrefix+filepath.Base(clean))
}

// Normalizes a view path to an absolute, slash-rooted form.
func cleanPath(path string) string {
	return filepath.Clean("/" + strings.TrimPrefix(path, "/"))
}

// Copies one layer directory onto dst, interpreting whiteout markers.
func applyDir(dst, src string) error {
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == src {
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		base := filepath.Base(rel)
		target := filepath.Join(dst, rel)

		if base == layer.OpaqueWhiteout {
			return clearDir(filepath.Dir(target))
		}
		if strings.HasPrefix(base, layer.WhiteoutPrefix) {
			hidden := filepath.Join(filepath.Dir(target), strings.TrimPrefix(base, layer.WhiteoutPrefix))
			return os.RemoveAll(hidden)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case info.Mode()&fs.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(linkTarget, target)
		case info.Mode().IsRegular():
			return copyFile(target, path, info.Mode().Perm())
		default:
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRootFS, err)
	}
	return nil
}

// Removes every entry in dir, leaving dir itself in place.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Copies a regular file, creating parent directories as needed.
func copyFile(dst, src string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
