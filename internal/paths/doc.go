// Package paths centralizes filesystem locations used by the daemon,
// derived from the XDG base directory specification.
package paths
