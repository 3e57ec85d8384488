package build

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"runtime"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/kilnhq/kilnd/internal/image"
	"github.com/kilnhq/kilnd/internal/isolation"
	"github.com/kilnhq/kilnd/internal/layer"
)

// PATH handed to RUN steps when the config carries no environment.
const defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Executes recipes against the stores.
type Builder struct {
	layers  *layer.Store
	images  *image.Store
	tags    *image.TagStore
	exec    isolation.Executor
	cache   *Cache
	scratch string // Parent directory for per-build rootfs scratch space.
}

// A build job.
type Request struct {
	Recipe     *Recipe
	ContextDir string    // Directory COPY sources resolve against.
	Tag        string    // Optional tag for the resulting image.
	Output     io.Writer // Receives RUN command output. Nil discards.
}

// Creates a builder. Scratch directories for in-progress builds are created
// under scratchDir and removed when the build finishes.
func NewBuilder(layers *layer.Store, images *image.Store, tags *image.TagStore, exec isolation.Executor, cache *Cache, scratchDir string) *Builder {
	return &Builder{
		layers:  layers,
		images:  images,
		tags:    tags,
		exec:    exec,
		cache:   cache,
		scratch: scratchDir,
	}
}

// Runs a recipe to completion and returns the resulting image.
//
// The build halts at the first failing step with a [*BuildError] carrying
// the step's 1-based index; no image is saved or tagged on failure. An
// unchanged recipe with unchanged inputs hits the step cache throughout and
// reproduces the identical image digest.
func (b *Builder) Build(ctx context.Context, req Request) (*image.Image, error) {
	if err := os.MkdirAll(b.scratch, 0755); err != nil {
		return nil, stepError(1, OpSetBase, err)
	}
	rootDir, err := os.MkdirTemp(b.scratch, "build-*")
	if err != nil {
		return nil, stepError(1, OpSetBase, err)
	}
	defer os.RemoveAll(rootDir)

	st, err := b.prepareBase(req.Recipe.Instructions[0], rootDir)
	if err != nil {
		return nil, err
	}

	for i, ins := range req.Recipe.Instructions[1:] {
		step := i + 2
		if err := ctx.Err(); err != nil {
			return nil, stepError(step, ins.Op, err)
		}
		if err := b.runStep(ctx, st, step, ins, req); err != nil {
			return nil, err
		}
	}

	st.config.RootFS = ocispec.RootFS{Type: "layers", DiffIDs: st.diffIDs}

	img, err := b.images.Save(st.config, st.descriptors)
	if err != nil {
		return nil, err
	}
	if req.Tag != "" {
		if _, err := b.tags.Set(req.Tag, img.Digest); err != nil {
			return nil, err
		}
	}

	slog.Info("build finished", "image", img.Digest, "layers", len(st.descriptors), "tag", req.Tag)
	return img, nil
}

// Mutable state threaded through the steps of one build.
type buildState struct {
	config      ocispec.Image
	descriptors []ocispec.Descriptor
	diffIDs     []digest.Digest
	parent      digest.Digest // Digest of the newest layer in the chain.
	rootDir     string        // Scratch rootfs reflecting the chain so far.
}

// Resolves the SET_BASE instruction and materializes the base chain.
func (b *Builder) prepareBase(ins Instruction, rootDir string) (*buildState, error) {
	st := &buildState{rootDir: rootDir}

	name := ins.Args[0]
	if name == "scratch" {
		st.config = ocispec.Image{}
		st.config.OS = "linux"
		st.config.Architecture = runtime.GOARCH
		return st, nil
	}

	base, err := b.resolveImage(name)
	if err != nil {
		return nil, stepError(1, OpSetBase, err)
	}

	st.config = base.Config
	st.descriptors = append(st.descriptors, base.Manifest.Layers...)
	st.diffIDs = append(st.diffIDs, base.Config.RootFS.DiffIDs...)

	for _, desc := range base.Manifest.Layers {
		if err := b.applyLayer(rootDir, desc.Digest); err != nil {
			return nil, stepError(1, OpSetBase, err)
		}
		st.parent = desc.Digest
	}

	return st, nil
}

// Resolves an image by tag or digest.
func (b *Builder) resolveImage(name string) (*image.Image, error) {
	if dgst, err := digest.Parse(name); err == nil {
		return b.images.Get(dgst)
	}
	dgst, err := b.tags.Resolve(name)
	if err != nil {
		return nil, err
	}
	return b.images.Get(dgst)
}

// Executes one instruction.
func (b *Builder) runStep(ctx context.Context, st *buildState, step int, ins Instruction, req Request) error {
	switch ins.Op {
	case OpCopy:
		return b.copyStep(st, step, ins, req.ContextDir)
	case OpRun:
		return b.execStep(ctx, st, step, ins, req.Output)

	case OpEnv:
		st.config.Config.Env = setEnv(st.config.Config.Env, ins.Args[0], ins.Args[1])
	case OpExpose:
		if st.config.Config.ExposedPorts == nil {
			st.config.Config.ExposedPorts = make(map[string]struct{})
		}
		for _, port := range ins.Args {
			st.config.Config.ExposedPorts[port] = struct{}{}
		}
	case OpCmd:
		st.config.Config.Cmd = ins.Args
	case OpEntrypoint:
		st.config.Config.Entrypoint = ins.Args
	case OpWorkdir:
		st.config.Config.WorkingDir = path.Clean("/" + strings.TrimPrefix(ins.Args[0], "/"))
	}
	return nil
}

// Archives COPY sources into a layer, reusing a cached layer when the
// sources are unchanged.
func (b *Builder) copyStep(st *buildState, step int, ins Instruction, contextDir string) error {
	pattern, dest := ins.Args[0], ins.Args[1]

	entries, err := collectCopyEntries(contextDir, pattern, dest)
	if err != nil {
		return stepError(step, OpCopy, err)
	}
	srcDigest, err := copySourcesDigest(entries)
	if err != nil {
		return stepError(step, OpCopy, err)
	}

	stepDigest := digest.FromString(strings.Join([]string{"COPY", pattern, dest, srcDigest.String()}, "\x00"))
	if b.restoreCached(st, step, stepDigest) {
		return nil
	}

	var buf bytes.Buffer
	if err := writeCopyLayer(&buf, entries); err != nil {
		return stepError(step, OpCopy, err)
	}
	if err := layer.Apply(st.rootDir, bytes.NewReader(buf.Bytes())); err != nil {
		return stepError(step, OpCopy, err)
	}

	return b.commitLayer(st, step, ins.Op, stepDigest, buf.Bytes())
}

// Runs a command in the build rootfs and captures the filesystem diff as a
// layer.
func (b *Builder) execStep(ctx context.Context, st *buildState, step int, ins Instruction, output io.Writer) error {
	command := ins.Args[0]
	env := st.config.Config.Env
	if len(env) == 0 {
		env = []string{defaultPath}
	}
	cwd := st.config.Config.WorkingDir
	if cwd == "" {
		cwd = "/"
	}

	stepDigest := digest.FromString(strings.Join([]string{"RUN", command, cwd, strings.Join(env, "\x1f")}, "\x00"))
	if b.restoreCached(st, step, stepDigest) {
		return nil
	}

	before, err := layer.Snapshot(st.rootDir)
	if err != nil {
		return stepError(step, OpRun, err)
	}

	code, err := isolation.Run(ctx, b.exec, isolation.Command{
		Process: specs.Process{
			Args: []string{"/bin/sh", "-c", command},
			Env:  env,
			Cwd:  cwd,
		},
		RootFS: st.rootDir,
		Stdout: output,
		Stderr: output,
	})
	if err != nil {
		return stepError(step, OpRun, err)
	}
	if code != 0 {
		return stepError(step, OpRun, fmt.Errorf("command exited with code %d", code))
	}

	after, err := layer.Snapshot(st.rootDir)
	if err != nil {
		return stepError(step, OpRun, err)
	}

	var buf bytes.Buffer
	if err := layer.Diff(&buf, st.rootDir, before, after); err != nil {
		return stepError(step, OpRun, err)
	}

	return b.commitLayer(st, step, ins.Op, stepDigest, buf.Bytes())
}

// Applies a cached layer when the step key hits and the blob still exists.
func (b *Builder) restoreCached(st *buildState, step int, stepDigest digest.Digest) bool {
	key := cacheKey(st.parent, stepDigest)

	entry, ok := b.cache.Get(key)
	if !ok || !b.layers.Exists(entry.Digest) {
		return false
	}
	if err := b.applyLayer(st.rootDir, entry.Digest); err != nil {
		// Fall through to rebuilding the step.
		slog.Warn("cached layer unusable", "digest", entry.Digest, "error", err)
		return false
	}

	st.appendLayer(ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayerGzip,
		Digest:    entry.Digest,
		Size:      entry.Size,
	}, entry.DiffID)

	slog.Debug("step cache hit", "step", step, "layer", entry.Digest)
	return true
}

// Stores a freshly built diff tar and records it in the chain and cache.
func (b *Builder) commitLayer(st *buildState, step int, op Op, stepDigest digest.Digest, diffTar []byte) error {
	desc, err := b.layers.Put(bytes.NewReader(diffTar))
	if err != nil {
		return stepError(step, op, err)
	}

	key := cacheKey(st.parent, stepDigest)
	if err := b.cache.Put(key, cacheEntry{Digest: desc.Digest, DiffID: desc.DiffID, Size: desc.Size}); err != nil {
		return stepError(step, op, err)
	}

	st.appendLayer(ocispec.Descriptor{
		MediaType: desc.MediaType,
		Digest:    desc.Digest,
		Size:      desc.Size,
	}, desc.DiffID)

	slog.Debug("layer built", "step", step, "op", op, "layer", desc.Digest, "size", desc.Size)
	return nil
}

func (st *buildState) appendLayer(desc ocispec.Descriptor, diffID digest.Digest) {
	st.descriptors = append(st.descriptors, desc)
	st.diffIDs = append(st.diffIDs, diffID)
	st.parent = desc.Digest
}

// Extracts a stored layer into the build rootfs.
func (b *Builder) applyLayer(rootDir string, dgst digest.Digest) error {
	rc, err := b.layers.OpenUncompressed(dgst)
	if err != nil {
		return err
	}
	defer rc.Close()
	return layer.Apply(rootDir, rc)
}

// Replaces or appends a KEY=VALUE pair.
func setEnv(env []string, key, value string) []string {
	entry := key + "=" + value
	for i, existing := range env {
		if strings.HasPrefix(existing, key+"=") {
			env[i] = entry
			return env
		}
	}
	return append(env, entry)
}
