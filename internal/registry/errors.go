package registry

import "errors"

var (
	// A transfer failed after exhausting retries, or failed permanently.
	ErrTransfer = errors.New("transfer failed")

	// The reference cannot be parsed or does not name a tag or digest.
	ErrReference = errors.New("invalid image reference")
)
