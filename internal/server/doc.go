// Package server implements the kilnd daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands
// from the kiln CLI. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the
// server dispatches the command, and writes the result back before
// closing the connection. Container log commands additionally stream log
// envelopes before the final result.
//
// The engine behind the socket is fully in-process: the layer store,
// image store, builder, container runtime and registry client all operate
// on a single data directory.
//
// Example usage:
//
//	srv, err := server.New(server.Config{})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
