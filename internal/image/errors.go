package image

import "errors"

var (
	ErrImage        = errors.New("image error")
	ErrMissingLayer = errors.New("image references missing layer")
	ErrInvalidName  = errors.New("invalid image name")
)
