// Package rootfs composes container filesystems from stored layers.
//
// Layers are materialized ("unpacked") once per digest into a shared
// directory, preserving whiteout markers. A [View] stacks a writable
// directory on top of an image's unpacked layers with copy-on-write
// semantics: reads resolve through the writable layer first, then the image
// layers newest to oldest; writes and removals touch only the writable
// layer, recording removals as whiteout markers. Merging a view flattens
// the stack into a scratch directory for process execution.
package rootfs
