package layer

import "errors"

var (
	ErrStore   = errors.New("layer store error")
	ErrCorrupt = errors.New("layer content corrupt")
	ErrInUse   = errors.New("layer still referenced")
)
