package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// The protocol message is malformed.
var ErrProtocol = errors.New("invalid protocol message")

// A protocol command name.
type Command string

const (
	CmdBuild Command = "build"

	CmdImagePull   Command = "image.pull"
	CmdImagePush   Command = "image.push"
	CmdImageTag    Command = "image.tag"
	CmdImageRemove Command = "image.remove"
	CmdImageList   Command = "image.list"

	CmdContainerCreate Command = "container.create"
	CmdContainerStart  Command = "container.start"
	CmdContainerStop   Command = "container.stop"
	CmdContainerRemove Command = "container.remove"
	CmdContainerStatus Command = "container.status"
	CmdContainerLogs   Command = "container.logs"

	CmdStatus   Command = "status"
	CmdGC       Command = "gc"
	CmdShutdown Command = "shutdown"

	// Response commands.
	CmdOK    Command = "ok"
	CmdError Command = "error"
	CmdLog   Command = "log"
)

// A single protocol message.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Serializes a command and payload into an envelope, without the trailing
// newline.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		env.Payload = data
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return data, nil
}

// Parses an envelope line and returns it with its raw payload.
func Decode(line []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if env.Command == "" {
		return nil, nil, fmt.Errorf("%w: missing command", ErrProtocol)
	}
	return &env, env.Payload, nil
}

// Parses a raw payload into a concrete request or result type.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return &v, nil
}
