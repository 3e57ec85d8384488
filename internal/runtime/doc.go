// Package runtime instantiates and supervises containers.
//
// A container is a writable layer stacked on an image's unpacked layers
// plus, while running, one supervised process. Lifecycle:
//
//	created -> running -> (stopped | exited | failed) -> removed
//
// Transitions outside this order are rejected. Containers live in memory;
// a daemon restart forgets them, their layer references are rebuilt from
// the image store alone.
package runtime
