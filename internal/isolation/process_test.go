package isolation

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestProcessExecutorRun(t *testing.T) {
	rootfs := t.TempDir()

	var stdout bytes.Buffer
	code, err := Run(context.Background(), ProcessExecutor{}, Command{
		Process: specs.Process{
			Args: []string{"sh", "-c", "echo hi > out.txt && echo done"},
			Env:  []string{"PATH=/usr/bin:/bin"},
			Cwd:  "/",
		},
		RootFS: rootfs,
		Stdout: &stdout,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if got := strings.TrimSpace(stdout.String()); got != "done" {
		t.Fatalf("stdout = %q, want done", got)
	}

	// Relative paths land inside the rootfs.
	data, err := os.ReadFile(filepath.Join(rootfs, "out.txt"))
	if err != nil {
		t.Fatalf("reading out.txt: %v", err)
	}
	if strings.TrimSpace(string(data)) != "hi" {
		t.Fatalf("out.txt = %q, want hi", data)
	}
}

func TestProcessExecutorNonZeroExit(t *testing.T) {
	code, err := Run(context.Background(), ProcessExecutor{}, Command{
		Process: specs.Process{
			Args: []string{"sh", "-c", "exit 3"},
			Env:  []string{"PATH=/usr/bin:/bin"},
		},
		RootFS: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
}

func TestProcessExecutorEmptyArgs(t *testing.T) {
	_, err := Run(context.Background(), ProcessExecutor{}, Command{RootFS: t.TempDir()})
	if err == nil {
		t.Fatal("expected error for empty args")
	}
}

func TestProcessExecutorWorkdir(t *testing.T) {
	rootfs := t.TempDir()

	var stdout bytes.Buffer
	code, err := Run(context.Background(), ProcessExecutor{}, Command{
		Process: specs.Process{
			Args: []string{"pwd"},
			Env:  []string{"PATH=/usr/bin:/bin"},
			Cwd:  "/srv/app",
		},
		RootFS: rootfs,
		Stdout: &stdout,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	want := filepath.Join(rootfs, "srv/app")
	if got := strings.TrimSpace(stdout.String()); got != want {
		t.Fatalf("pwd = %q, want %q", got, want)
	}
}
