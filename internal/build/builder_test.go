package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/containerd/errdefs"

	"github.com/kilnhq/kilnd/internal/image"
	"github.com/kilnhq/kilnd/internal/isolation"
	"github.com/kilnhq/kilnd/internal/layer"
	"github.com/kilnhq/kilnd/internal/rootfs"
)

type testEngine struct {
	builder *Builder
	layers  *layer.Store
	images  *image.Store
	tags    *image.TagStore
	data    string
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	data := t.TempDir()

	layers, err := layer.NewStore(filepath.Join(data, "layers"))
	if err != nil {
		t.Fatalf("creating layer store: %v", err)
	}
	images, err := image.NewStore(filepath.Join(data, "images"), layers)
	if err != nil {
		t.Fatalf("creating image store: %v", err)
	}
	tags, err := image.NewTagStore(filepath.Join(data, "tags"))
	if err != nil {
		t.Fatalf("creating tag store: %v", err)
	}
	cache, err := OpenCache(filepath.Join(data, "buildcache.json"))
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}

	builder := NewBuilder(layers, images, tags, isolation.ProcessExecutor{}, cache, filepath.Join(data, "scratch"))
	return &testEngine{builder: builder, layers: layers, images: images, tags: tags, data: data}
}

func contextWithFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return dir
}

func mustParse(t *testing.T, text string) *Recipe {
	t.Helper()
	recipe, err := ParseRecipe(strings.NewReader(text))
	if err != nil {
		t.Fatalf("parsing recipe: %v", err)
	}
	return recipe
}

func TestBuildTwoLayerImage(t *testing.T) {
	e := newTestEngine(t)
	ctx := contextWithFile(t, "a.txt", "hello\n")

	recipe := mustParse(t, `
SET_BASE scratch
COPY a.txt /a.txt
RUN echo hi > b.txt
`)

	img, err := e.builder.Build(context.Background(), Request{Recipe: recipe, ContextDir: ctx})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(img.Manifest.Layers) != 2 {
		t.Fatalf("layer count = %d, want 2", len(img.Manifest.Layers))
	}
	if len(img.Config.RootFS.DiffIDs) != 2 {
		t.Fatalf("diff ID count = %d, want 2", len(img.Config.RootFS.DiffIDs))
	}

	// Both files resolve through the layered view.
	unpacker, err := rootfs.NewUnpacker(filepath.Join(e.data, "unpacked"), e.layers)
	if err != nil {
		t.Fatalf("creating unpacker: %v", err)
	}
	var digests []string
	dirs := make([]string, 0, 2)
	for _, desc := range img.Manifest.Layers {
		dir, err := unpacker.Unpack(desc.Digest)
		if err != nil {
			t.Fatalf("unpacking %s: %v", desc.Digest, err)
		}
		dirs = append(dirs, dir)
		digests = append(digests, desc.Digest.String())
	}
	if digests[0] == digests[1] {
		t.Fatalf("layers share digest %s", digests[0])
	}

	view := rootfs.NewView(t.TempDir(), dirs)
	data, err := view.ReadFile("/a.txt")
	if err != nil {
		t.Fatalf("reading /a.txt: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("/a.txt = %q, want %q", data, "hello\n")
	}
	data, err = view.ReadFile("/b.txt")
	if err != nil {
		t.Fatalf("reading /b.txt: %v", err)
	}
	if strings.TrimSpace(string(data)) != "hi" {
		t.Fatalf("/b.txt = %q, want hi", data)
	}
}

func TestBuildRebuildIsDeterministic(t *testing.T) {
	e := newTestEngine(t)
	ctx := contextWithFile(t, "a.txt", "hello\n")

	recipe := mustParse(t, `
SET_BASE scratch
COPY a.txt /a.txt
RUN echo hi > b.txt
`)

	first, err := e.builder.Build(context.Background(), Request{Recipe: recipe, ContextDir: ctx})
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := e.builder.Build(context.Background(), Request{Recipe: recipe, ContextDir: ctx})
	if err != nil {
		t.Fatalf("second build: %v", err)
	}

	if first.Digest != second.Digest {
		t.Fatalf("image digest changed across rebuilds: %s != %s", first.Digest, second.Digest)
	}

	count, err := e.layers.Count()
	if err != nil {
		t.Fatalf("counting layers: %v", err)
	}
	if count != 2 {
		t.Fatalf("stored layer count = %d, want 2", count)
	}
}

func TestBuildSharedFirstStepReusesLayer(t *testing.T) {
	e := newTestEngine(t)
	ctx := contextWithFile(t, "a.txt", "hello\n")

	first, err := e.builder.Build(context.Background(), Request{
		Recipe:     mustParse(t, "SET_BASE scratch\nCOPY a.txt /a.txt\nRUN echo one > one.txt\n"),
		ContextDir: ctx,
	})
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := e.builder.Build(context.Background(), Request{
		Recipe:     mustParse(t, "SET_BASE scratch\nCOPY a.txt /a.txt\nRUN echo two > two.txt\n"),
		ContextDir: ctx,
	})
	if err != nil {
		t.Fatalf("second build: %v", err)
	}

	if first.Manifest.Layers[0].Digest != second.Manifest.Layers[0].Digest {
		t.Fatalf("first layers differ: %s != %s", first.Manifest.Layers[0].Digest, second.Manifest.Layers[0].Digest)
	}
	if first.Manifest.Layers[1].Digest == second.Manifest.Layers[1].Digest {
		t.Fatal("second layers should differ")
	}
}

func TestBuildChangedInputInvalidatesCache(t *testing.T) {
	e := newTestEngine(t)
	ctx := contextWithFile(t, "a.txt", "hello\n")

	recipe := mustParse(t, "SET_BASE scratch\nCOPY a.txt /a.txt\nRUN cp a.txt c.txt\n")

	first, err := e.builder.Build(context.Background(), Request{Recipe: recipe, ContextDir: ctx})
	if err != nil {
		t.Fatalf("first build: %v", err)
	}

	if err := os.WriteFile(filepath.Join(ctx, "a.txt"), []byte("changed\n"), 0644); err != nil {
		t.Fatalf("rewriting a.txt: %v", err)
	}

	second, err := e.builder.Build(context.Background(), Request{Recipe: recipe, ContextDir: ctx})
	if err != nil {
		t.Fatalf("second build: %v", err)
	}

	if first.Digest == second.Digest {
		t.Fatal("image digest unchanged after input change")
	}
	for i := range first.Manifest.Layers {
		if first.Manifest.Layers[i].Digest == second.Manifest.Layers[i].Digest {
			t.Errorf("layer %d unchanged after input change", i)
		}
	}
}

func TestBuildErrorCarriesStepIndex(t *testing.T) {
	e := newTestEngine(t)

	recipe := mustParse(t, "SET_BASE scratch\nCOPY missing.txt /missing.txt\n")

	_, err := e.builder.Build(context.Background(), Request{Recipe: recipe, ContextDir: t.TempDir()})
	var be *BuildError
	if !errors.As(err, &be) {
		t.Fatalf("error = %v, want *BuildError", err)
	}
	if be.Step != 2 {
		t.Fatalf("step = %d, want 2", be.Step)
	}
	if be.Op != OpCopy {
		t.Fatalf("op = %q, want COPY", be.Op)
	}
}

func TestBuildFailureSavesNothing(t *testing.T) {
	e := newTestEngine(t)
	ctx := contextWithFile(t, "a.txt", "hello\n")

	recipe := mustParse(t, "SET_BASE scratch\nCOPY a.txt /a.txt\nRUN exit 7\n")

	_, err := e.builder.Build(context.Background(), Request{Recipe: recipe, ContextDir: ctx, Tag: "app:broken"})
	var be *BuildError
	if !errors.As(err, &be) {
		t.Fatalf("error = %v, want *BuildError", err)
	}
	if be.Step != 3 {
		t.Fatalf("step = %d, want 3", be.Step)
	}

	images, err := e.images.List()
	if err != nil {
		t.Fatalf("listing images: %v", err)
	}
	if len(images) != 0 {
		t.Fatalf("image count = %d, want 0", len(images))
	}
	if _, err := e.tags.Resolve("app:broken"); !errdefs.IsNotFound(err) {
		t.Fatalf("tag lookup error = %v, want not found", err)
	}
}

func TestBuildMetadataSteps(t *testing.T) {
	e := newTestEngine(t)

	recipe := mustParse(t, `
SET_BASE scratch
ENV APP_MODE=staging
ENV APP_MODE=production
EXPOSE 8080
WORKDIR srv/app
ENTRYPOINT /bin/app
CMD serve
`)

	img, err := e.builder.Build(context.Background(), Request{Recipe: recipe, Tag: "app:latest"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(img.Manifest.Layers) != 0 {
		t.Fatalf("layer count = %d, want 0", len(img.Manifest.Layers))
	}

	cfg := img.Config.Config
	if len(cfg.Env) != 1 || cfg.Env[0] != "APP_MODE=production" {
		t.Fatalf("env = %v, want [APP_MODE=production]", cfg.Env)
	}
	if _, ok := cfg.ExposedPorts["8080/tcp"]; !ok {
		t.Fatalf("exposed ports = %v, want 8080/tcp", cfg.ExposedPorts)
	}
	if cfg.WorkingDir != "/srv/app" {
		t.Fatalf("working dir = %q, want /srv/app", cfg.WorkingDir)
	}
	if len(cfg.Entrypoint) != 1 || cfg.Entrypoint[0] != "/bin/app" {
		t.Fatalf("entrypoint = %v, want [/bin/app]", cfg.Entrypoint)
	}
	if len(cfg.Cmd) != 1 || cfg.Cmd[0] != "serve" {
		t.Fatalf("cmd = %v, want [serve]", cfg.Cmd)
	}

	dgst, err := e.tags.Resolve("app:latest")
	if err != nil {
		t.Fatalf("resolving tag: %v", err)
	}
	if dgst != img.Digest {
		t.Fatalf("tag target = %s, want %s", dgst, img.Digest)
	}
}

func TestBuildOnBaseImage(t *testing.T) {
	e := newTestEngine(t)
	ctx := contextWithFile(t, "a.txt", "hello\n")

	base, err := e.builder.Build(context.Background(), Request{
		Recipe:     mustParse(t, "SET_BASE scratch\nCOPY a.txt /a.txt\n"),
		ContextDir: ctx,
		Tag:        "base:latest",
	})
	if err != nil {
		t.Fatalf("base build: %v", err)
	}

	img, err := e.builder.Build(context.Background(), Request{
		Recipe:     mustParse(t, "SET_BASE base:latest\nRUN cp a.txt b.txt\n"),
		ContextDir: ctx,
	})
	if err != nil {
		t.Fatalf("derived build: %v", err)
	}

	if len(img.Manifest.Layers) != 2 {
		t.Fatalf("layer count = %d, want 2", len(img.Manifest.Layers))
	}
	if img.Manifest.Layers[0].Digest != base.Manifest.Layers[0].Digest {
		t.Fatal("derived image does not share the base layer")
	}
}
