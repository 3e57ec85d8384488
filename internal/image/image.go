package image

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kilnhq/kilnd/internal/layer"
	"github.com/kilnhq/kilnd/internal/paths"
)

// An immutable image: manifest, config, and their raw bytes.
//
// The digest of the raw manifest is the image's identity. Raw bytes are kept
// alongside the decoded forms so that pushes transfer exactly what was
// stored and re-serialization can never shift the identity.
type Image struct {
	Digest      digest.Digest    // Digest of the raw manifest bytes.
	Manifest    ocispec.Manifest // Decoded manifest.
	Config      ocispec.Image    // Decoded config.
	RawManifest []byte           // Manifest bytes as stored.
	RawConfig   []byte           // Config bytes as stored.
}

// Persists images on disk and maintains their layer references.
//
// Each image lives under <root>/<algorithm>/<encoded>/ as a manifest.json
// and config.json pair, written via temp file and atomic rename.
type Store struct {
	root   string       // Directory holding image records.
	layers *layer.Store // Layer store referenced by image manifests.
}

// Creates an image store rooted at the given directory.
func NewStore(root string, layers *layer.Store) (*Store, error) {
	if err := os.MkdirAll(root, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImage, err)
	}
	return &Store{root: root, layers: layers}, nil
}

// Assembles and saves an image from a config and its layer descriptors.
//
// The config is serialized and referenced from a fresh manifest. Used by the
// builder, where no raw manifest exists yet. Layer descriptors must already
// be present in the layer store.
func (s *Store) Save(config ocispec.Image, layerDescs []ocispec.Descriptor) (*Image, error) {
	rawConfig, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImage, err)
	}

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    digest.FromBytes(rawConfig),
			Size:      int64(len(rawConfig)),
		},
		Layers: layerDescs,
	}

	rawManifest, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImage, err)
	}

	return s.SaveRaw(rawManifest, rawConfig)
}

// Saves an image from raw manifest and config bytes.
//
// Used by registry pulls, where the manifest bytes must be preserved exactly
// to keep the remote digest. Every layer the manifest references must exist
// in the layer store before the image is considered valid; a reference is
// taken on each. Saving an already-present image is a no-op and does not
// take additional references.
func (s *Store) SaveRaw(rawManifest, rawConfig []byte) (*Image, error) {
	img, err := decode(rawManifest, rawConfig)
	if err != nil {
		return nil, err
	}

	for _, desc := range img.Manifest.Layers {
		if !s.layers.Exists(desc.Digest) {
			return nil, fmt.Errorf("%w: %s", ErrMissingLayer, desc.Digest)
		}
	}

	dir := s.imageDir(img.Digest)
	if _, err := os.Stat(dir); err == nil {
		return img, nil
	}

	if err := writeAtomic(dir, "manifest.json", rawManifest); err != nil {
		return nil, err
	}
	if err := writeAtomic(dir, "config.json", rawConfig); err != nil {
		return nil, err
	}

	for _, desc := range img.Manifest.Layers {
		s.layers.Ref(desc.Digest)
	}

	slog.Debug("image saved", "digest", img.Digest, "layers", len(img.Manifest.Layers))
	return img, nil
}

// Loads an image by digest.
func (s *Store) Get(dgst digest.Digest) (*Image, error) {
	dir := s.imageDir(dgst)

	rawManifest, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("image %s: %w", dgst, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %w", ErrImage, err)
	}
	rawConfig, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImage, err)
	}

	return decode(rawManifest, rawConfig)
}

// Reports whether an image exists.
func (s *Store) Exists(dgst digest.Digest) bool {
	_, err := os.Stat(filepath.Join(s.imageDir(dgst), "manifest.json"))
	return err == nil
}

// Lists all stored images.
func (s *Store) List() ([]*Image, error) {
	var images []*Image

	algos, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImage, err)
	}

	for _, algo := range algos {
		if !algo.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, algo.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrImage, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dgst := digest.NewDigestFromEncoded(digest.Algorithm(algo.Name()), entry.Name())
			if err := dgst.Validate(); err != nil {
				continue
			}
			img, err := s.Get(dgst)
			if err != nil {
				slog.Warn("skipping unreadable image record", "digest", dgst, "error", err)
				continue
			}
			images = append(images, img)
		}
	}

	return images, nil
}

// Removes an image and releases its layer references.
//
// The layers themselves are not deleted; they become eligible for collection
// once no other image or container references them.
func (s *Store) Remove(dgst digest.Digest) error {
	img, err := s.Get(dgst)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(s.imageDir(dgst)); err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}

	for _, desc := range img.Manifest.Layers {
		s.layers.Unref(desc.Digest)
	}

	slog.Debug("image removed", "digest", dgst)
	return nil
}

// Re-registers layer references for all stored images.
//
// Called at daemon startup, since reference counts live in memory.
func (s *Store) RegisterRefs() error {
	images, err := s.List()
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, desc := range img.Manifest.Layers {
			s.layers.Ref(desc.Digest)
		}
	}
	return nil
}

// Decodes raw manifest and config bytes into an [Image].
func decode(rawManifest, rawConfig []byte) (*Image, error) {
	var manifest ocispec.Manifest
	if err := json.Unmarshal(rawManifest, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImage, err)
	}

	var config ocispec.Image
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImage, err)
	}

	return &Image{
		Digest:      digest.FromBytes(rawManifest),
		Manifest:    manifest,
		Config:      config,
		RawManifest: rawManifest,
		RawConfig:   rawConfig,
	}, nil
}

// Returns the record directory for an image digest.
func (s *Store) imageDir(dgst digest.Digest) string {
	return filepath.Join(s.root, dgst.Algorithm().String(), dgst.Encoded())
}

// Writes a file into dir via a temp file and atomic rename.
func writeAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}

	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, data, paths.DefaultFileMode); err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %w", ErrImage, err)
	}
	return nil
}
