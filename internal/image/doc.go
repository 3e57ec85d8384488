// Package image manages immutable, content-addressed images and mutable
// tags.
//
// An image is an OCI manifest plus its config: an ordered list of layer
// descriptors and the execution metadata (entrypoint, command, environment,
// exposed ports, working directory). The image's identity is the digest of
// its manifest bytes; the same build always yields the same identity.
//
// Saving an image validates that every referenced layer exists in the layer
// store and takes a reference on each; removal releases them. Tags map
// human-readable names to image digests with last-write-wins semantics.
package image
