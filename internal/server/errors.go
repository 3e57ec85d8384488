package server

import "errors"

// The server could not be set up or torn down.
var ErrServer = errors.New("server failed")
