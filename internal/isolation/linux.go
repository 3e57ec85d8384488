//go:build linux

package isolation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// Environment variables carrying the init payload across the re-exec.
const (
	initFlagEnv = "KILND_INIT"
	initSpecEnv = "KILND_INIT_SPEC"
)

// Payload handed to the init process.
type initSpec struct {
	Process  specs.Process `json:"process"`
	RootFS   string        `json:"rootfs"`
	Hostname string        `json:"hostname"`
}

// Runs processes inside fresh Linux namespaces.
//
// The daemon binary is re-executed as an init process with new PID, mount,
// UTS, IPC and network namespaces. The init process chroots into the
// rootfs, mounts /proc, applies rlimits, and replaces itself with the
// target process. Requires privileges for clone(2) with namespace flags;
// unprivileged deployments fall back to [ProcessExecutor].
type NamespaceExecutor struct{}

// Launches the command inside new namespaces.
func (NamespaceExecutor) Start(ctx context.Context, cmd Command) (Process, error) {
	if len(cmd.Process.Args) == 0 {
		return nil, fmt.Errorf("%w: empty argument list", ErrExec)
	}

	payload, err := json.Marshal(initSpec{
		Process:  cmd.Process,
		RootFS:   cmd.RootFS,
		Hostname: cmd.Hostname,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	c := exec.CommandContext(ctx, "/proc/self/exe")
	c.Env = []string{
		initFlagEnv + "=1",
		initSpecEnv + "=" + base64.StdEncoding.EncodeToString(payload),
	}
	c.Stdout = discardIfNil(cmd.Stdout)
	c.Stderr = discardIfNil(cmd.Stderr)
	c.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUTS |
			syscall.CLONE_NEWPID |
			syscall.CLONE_NEWNS |
			syscall.CLONE_NEWIPC |
			syscall.CLONE_NEWNET,
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	return &hostProcess{cmd: c}, nil
}

// Reports whether this process was re-executed as a container init.
//
// Called from main before any other work.
func IsInitProcess() bool {
	return os.Getenv(initFlagEnv) == "1"
}

// Entry point for the container init process.
//
// Establishes the execution context inside the namespaces the parent
// created, then replaces itself with the target process. Never returns on
// success.
func RunInit() error {
	payload, err := base64.StdEncoding.DecodeString(os.Getenv(initSpecEnv))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	var spec initSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	if spec.Hostname != "" {
		if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
			return fmt.Errorf("%w: sethostname: %w", ErrSetup, err)
		}
	}

	if err := unix.Chroot(spec.RootFS); err != nil {
		return fmt.Errorf("%w: chroot: %w", ErrSetup, err)
	}

	cwd := spec.Process.Cwd
	if cwd == "" {
		cwd = "/"
	}
	if err := os.Chdir(cwd); err != nil {
		return fmt.Errorf("%w: chdir: %w", ErrSetup, err)
	}

	// A fresh /proc for the new PID namespace, so process listings inside
	// the container only see the container.
	_ = os.MkdirAll("/proc", 0755)
	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil && !errors.Is(err, unix.EPERM) {
		return fmt.Errorf("%w: mount /proc: %w", ErrSetup, err)
	}

	if err := applyRlimits(spec.Process.Rlimits); err != nil {
		return err
	}

	if err := unix.Exec(spec.Process.Args[0], spec.Process.Args, spec.Process.Env); err != nil {
		return fmt.Errorf("%w: %w", ErrExec, err)
	}
	return nil
}

// Applies OCI rlimits to the current process before exec.
func applyRlimits(rlimits []specs.POSIXRlimit) error {
	for _, rl := range rlimits {
		resource, ok := rlimitResources[rl.Type]
		if !ok {
			return fmt.Errorf("%w: unknown rlimit %q", ErrSetup, rl.Type)
		}
		limit := &unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := unix.Setrlimit(resource, limit); err != nil {
			return fmt.Errorf("%w: setrlimit %s: %w", ErrSetup, rl.Type, err)
		}
	}
	return nil
}

// Maps OCI rlimit names to resource constants.
var rlimitResources = map[string]int{
	"RLIMIT_AS":     unix.RLIMIT_AS,
	"RLIMIT_CORE":   unix.RLIMIT_CORE,
	"RLIMIT_CPU":    unix.RLIMIT_CPU,
	"RLIMIT_DATA":   unix.RLIMIT_DATA,
	"RLIMIT_FSIZE":  unix.RLIMIT_FSIZE,
	"RLIMIT_NOFILE": unix.RLIMIT_NOFILE,
	"RLIMIT_NPROC":  unix.RLIMIT_NPROC,
	"RLIMIT_STACK":  unix.RLIMIT_STACK,
}
