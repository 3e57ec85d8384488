// Package protocol defines the wire format between the kiln CLI and the
// kilnd daemon.
//
// Messages are JSON envelopes, one per line. The envelope names a command
// and carries a command-specific payload:
//
//	{"command":"image.pull","payload":{"ref":"app:latest"}}
//
// Responses reuse the envelope with the "ok", "error" or "log" commands.
// Log envelopes stream container output; the exchange still ends with a
// final ok or error envelope.
package protocol
