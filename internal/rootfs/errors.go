package rootfs

import "errors"

var (
	ErrRootFS = errors.New("rootfs error")
)
