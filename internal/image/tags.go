package image

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"

	"github.com/kilnhq/kilnd/internal/paths"
)

// Maps human-readable names to image digests.
//
// Each tag is a single file under the tag directory whose content is the
// image digest. Writes replace the file atomically, giving last-write-wins
// semantics without coordination.
type TagStore struct {
	root string // Directory holding one file per tag.
}

// Creates a tag store rooted at the given directory.
func NewTagStore(root string) (*TagStore, error) {
	if err := os.MkdirAll(root, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImage, err)
	}
	return &TagStore{root: root}, nil
}

// Points a tag at an image digest, replacing any previous target.
//
// The name is validated and normalized the way registries normalize it
// (e.g. "app" becomes "docker.io/library/app:latest").
func (t *TagStore) Set(name string, dgst digest.Digest) (string, error) {
	normalized, err := normalize(name)
	if err != nil {
		return "", err
	}

	path := t.tagPath(normalized)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(dgst.String()), paths.DefaultFileMode); err != nil {
		return "", fmt.Errorf("%w: %w", ErrImage, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %w", ErrImage, err)
	}

	return normalized, nil
}

// Resolves a tag to the image digest it points at.
func (t *TagStore) Resolve(name string) (digest.Digest, error) {
	normalized, err := normalize(name)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(t.tagPath(normalized))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("tag %s: %w", normalized, errdefs.ErrNotFound)
		}
		return "", fmt.Errorf("%w: %w", ErrImage, err)
	}

	dgst := digest.Digest(strings.TrimSpace(string(data)))
	if err := dgst.Validate(); err != nil {
		return "", fmt.Errorf("%w: tag %s: %w", ErrImage, normalized, err)
	}
	return dgst, nil
}

// Removes a tag. Removing an absent tag is not an error.
func (t *TagStore) Remove(name string) error {
	normalized, err := normalize(name)
	if err != nil {
		return err
	}
	if err := os.Remove(t.tagPath(normalized)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}
	return nil
}

// Lists all tags and their targets.
func (t *TagStore) List() (map[string]digest.Digest, error) {
	entries, err := os.ReadDir(t.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImage, err)
	}

	tags := make(map[string]digest.Digest, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		name, err := url.QueryUnescape(entry.Name())
		if err != nil {
			continue
		}
		dgst, err := t.Resolve(name)
		if err != nil {
			continue
		}
		tags[name] = dgst
	}

	return tags, nil
}

// Lists the tags pointing at a given image digest.
func (t *TagStore) TagsFor(dgst digest.Digest) ([]string, error) {
	all, err := t.List()
	if err != nil {
		return nil, err
	}

	var names []string
	for name, target := range all {
		if target == dgst {
			names = append(names, name)
		}
	}
	return names, nil
}

// Validates and normalizes a tag name.
func normalize(name string) (string, error) {
	named, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidName, name, err)
	}
	return reference.TagNameOnly(named).String(), nil
}

// Returns the on-disk path for a tag.
//
// Names are query-escaped so slashes and colons are filename-safe.
func (t *TagStore) tagPath(normalized string) string {
	return filepath.Join(t.root, url.QueryEscape(normalized))
}
