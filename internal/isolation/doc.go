// Package isolation abstracts process isolation behind a capability
// interface.
//
// An [Executor] launches a process against a prepared root filesystem and
// returns a handle for signalling and waiting. Two implementations exist:
//
//   - [ProcessExecutor] runs the process directly on the host with the
//     working directory anchored inside the rootfs. It provides no kernel
//     isolation and needs no privileges, which makes it suitable for build
//     steps and tests.
//   - The namespace executor (Linux only) re-executes the daemon binary
//     into fresh PID, mount, UTS and network namespaces, chroots into the
//     rootfs, and applies resource limits before executing the target
//     process.
//
// The process description is an OCI runtime-spec Process, so arguments,
// environment, working directory and rlimits travel in a standard shape.
package isolation
