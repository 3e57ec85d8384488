// Package registry transfers images to and from remote registries.
//
// The wire format is the OCI distribution subset the engine needs:
// manifests at /v2/<name>/manifests/<ref>, blobs at
// /v2/<name>/blobs/<digest>, monolithic blob upload. Transfers are
// deduplicated against the local stores in both directions, so pulling an
// image that is already present moves no bytes, and pushing skips blobs
// the remote reports as present.
package registry
