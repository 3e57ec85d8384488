package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/kilnhq/kilnd/internal/image"
	"github.com/kilnhq/kilnd/internal/isolation"
	"github.com/kilnhq/kilnd/internal/layer"
	"github.com/kilnhq/kilnd/internal/paths"
	"github.com/kilnhq/kilnd/internal/rootfs"
)

// A container lifecycle state.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped" // Terminated by Stop.
	StateExited  State = "exited"  // Exited on its own.
	StateFailed  State = "failed"  // Could not be set up or supervised.
)

// A container and its supervision state.
type Container struct {
	ID    string
	Name  string
	Image digest.Digest

	mu       sync.Mutex
	state    State
	exitCode int
	proc     isolation.Process
	done     chan struct{} // Closed when the process has been reaped.

	log      *Log
	dir      string          // Per-container directory: upper/ and merged/.
	layers   []digest.Digest // Referenced image layers, released on removal.
	process  specs.Process   // Entrypoint resolved at creation.
	hostname string
}

// Point-in-time container status.
type Status struct {
	ID       string
	Name     string
	Image    digest.Digest
	State    State
	ExitCode int // Meaningful in the stopped and exited states.
}

// Creates and supervises containers.
type Runtime struct {
	images   *image.Store
	layers   *layer.Store
	unpacker *rootfs.Unpacker
	exec     isolation.Executor
	root     string // Directory holding per-container state.

	mu         sync.Mutex
	containers map[string]*Container
}

// Creates a runtime storing container filesystems under root.
func NewRuntime(images *image.Store, layers *layer.Store, unpacker *rootfs.Unpacker, exec isolation.Executor, root string) (*Runtime, error) {
	if err := os.MkdirAll(root, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContainer, err)
	}
	return &Runtime{
		images:     images,
		layers:     layers,
		unpacker:   unpacker,
		exec:       exec,
		root:       root,
		containers: make(map[string]*Container),
	}, nil
}

// Creates a container from an image.
//
// Takes a reference on every image layer, so the image's layers survive
// image removal until the container is removed. The container starts in
// the created state; nothing runs yet.
func (r *Runtime) Create(imageDigest digest.Digest, name string) (*Container, error) {
	img, err := r.images.Get(imageDigest)
	if err != nil {
		return nil, err
	}

	args := append(append([]string(nil), img.Config.Config.Entrypoint...), img.Config.Config.Cmd...)
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: image %s has no entrypoint or cmd", ErrContainer, imageDigest)
	}

	id := uuid.NewString()
	dir := filepath.Join(r.root, id)
	if err := os.MkdirAll(filepath.Join(dir, "upper"), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContainer, err)
	}

	var layerDigests []digest.Digest
	for _, desc := range img.Manifest.Layers {
		r.layers.Ref(desc.Digest)
		layerDigests = append(layerDigests, desc.Digest)
	}

	cwd := img.Config.Config.WorkingDir
	if cwd == "" {
		cwd = "/"
	}

	c := &Container{
		ID:     id,
		Name:   name,
		Image:  imageDigest,
		state:  StateCreated,
		done:   make(chan struct{}),
		log:    newLog(),
		dir:    dir,
		layers: layerDigests,
		process: specs.Process{
			Args: args,
			Env:  img.Config.Config.Env,
			Cwd:  cwd,
		},
		hostname: id[:12],
	}

	r.mu.Lock()
	r.containers[id] = c
	r.mu.Unlock()

	slog.Info("container created", "id", id, "name", name, "image", imageDigest)
	return c, nil
}

// Starts a created container.
//
// The image layers are flattened with the container's writable layer into
// a merged rootfs, then the entrypoint runs under the executor. Output
// streams into the container log. Setup and launch failures leave the
// container in the failed state.
func (r *Runtime) Start(ctx context.Context, id string) error {
	c, err := r.get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCreated {
		return fmt.Errorf("%w: cannot start a %s container", ErrState, c.state)
	}

	merged, err := r.mergeRootFS(c)
	if err != nil {
		c.fail(err)
		return err
	}

	proc, err := r.exec.Start(ctx, isolation.Command{
		Process:  c.process,
		RootFS:   merged,
		Hostname: c.hostname,
		Stdout:   c.log,
		Stderr:   c.log,
	})
	if err != nil {
		c.fail(err)
		return err
	}

	c.proc = proc
	c.state = StateRunning
	go c.supervise(proc)

	slog.Info("container started", "id", id, "pid", proc.Pid())
	return nil
}

// Flattens the container's view into its merged directory.
func (r *Runtime) mergeRootFS(c *Container) (string, error) {
	dirs, err := r.unpacker.UnpackChain(c.layers)
	if err != nil {
		return "", err
	}

	view := rootfs.NewView(filepath.Join(c.dir, "upper"), dirs)
	merged := filepath.Join(c.dir, "merged")
	if err := os.MkdirAll(merged, paths.DefaultDirMode); err != nil {
		return "", fmt.Errorf("%w: %w", ErrContainer, err)
	}
	if err := view.Merge(merged); err != nil {
		return "", err
	}
	return merged, nil
}

// Reaps the process and records the terminal state.
func (c *Container) supervise(proc isolation.Process) {
	code, err := proc.Wait()

	c.mu.Lock()
	if err != nil {
		c.state = StateFailed
		slog.Error("container supervision failed", "id", c.ID, "error", err)
	} else if c.state == StateRunning {
		// Stop marks the state itself before the process dies.
		c.state = StateExited
	}
	c.exitCode = code
	c.mu.Unlock()

	c.log.close()
	close(c.done)
	slog.Info("container exited", "id", c.ID, "code", code, "state", c.state)
}

// Stops a running container.
//
// Sends SIGTERM, waits up to timeout for the process to exit, then sends
// SIGKILL. The container ends in the stopped state either way.
func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	c, err := r.get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot stop a %s container", ErrState, c.state)
	}
	c.state = StateStopped
	proc := c.proc
	c.mu.Unlock()

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		slog.Debug("signal after exit", "id", id, "error", err)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(timeout):
	case <-ctx.Done():
		return ctx.Err()
	}

	slog.Warn("container did not stop in time, killing", "id", id, "timeout", timeout)
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		slog.Debug("kill after exit", "id", id, "error", err)
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Removes a container that is not running.
//
// Releases the image layer references and deletes the container's
// writable and merged directories.
func (r *Runtime) Remove(id string) error {
	c, err := r.get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunning, id)
	}
	c.mu.Unlock()

	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("%w: %w", ErrContainer, err)
	}
	for _, dgst := range c.layers {
		r.layers.Unref(dgst)
	}

	r.mu.Lock()
	delete(r.containers, id)
	r.mu.Unlock()

	slog.Info("container removed", "id", id)
	return nil
}

// Returns the container's current status.
func (r *Runtime) Status(id string) (Status, error) {
	c, err := r.get(id)
	if err != nil {
		return Status{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		ID:       c.ID,
		Name:     c.Name,
		Image:    c.Image,
		State:    c.state,
		ExitCode: c.exitCode,
	}, nil
}

// Lists the status of every known container.
func (r *Runtime) List() []Status {
	r.mu.Lock()
	ids := make([]*Container, 0, len(r.containers))
	for _, c := range r.containers {
		ids = append(ids, c)
	}
	r.mu.Unlock()

	statuses := make([]Status, 0, len(ids))
	for _, c := range ids {
		c.mu.Lock()
		statuses = append(statuses, Status{
			ID:       c.ID,
			Name:     c.Name,
			Image:    c.Image,
			State:    c.state,
			ExitCode: c.exitCode,
		})
		c.mu.Unlock()
	}
	return statuses
}

// Returns the container's log.
func (r *Runtime) Logs(id string) (*Log, error) {
	c, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return c.log, nil
}

// Blocks until the container's process has been reaped.
func (r *Runtime) Wait(ctx context.Context, id string) error {
	c, err := r.get(id)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) get(id string) (*Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, errdefs.ErrNotFound)
	}
	return c, nil
}

// Records a setup failure. Caller holds c.mu.
func (c *Container) fail(err error) {
	c.state = StateFailed
	c.log.close()
	close(c.done)
	slog.Error("container start failed", "id", c.ID, "error", err)
}
