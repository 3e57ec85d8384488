package protocol

import (
	"errors"
	"testing"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	data, err := Encode(CmdImagePull, &ImagePullRequest{Ref: "app:latest"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env, payload, err := Decode(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Command != CmdImagePull {
		t.Fatalf("command = %q, want %q", env.Command, CmdImagePull)
	}

	req, err := DecodePayload[ImagePullRequest](payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Ref != "app:latest" {
		t.Fatalf("ref = %q, want %q", req.Ref, "app:latest")
	}
}

func TestEncodeWithoutPayload(t *testing.T) {
	data, err := Encode(CmdShutdown, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env, payload, err := Decode(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Command != CmdShutdown {
		t.Fatalf("command = %q, want %q", env.Command, CmdShutdown)
	}
	if len(payload) != 0 {
		t.Fatalf("payload = %q, want empty", payload)
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", "hello"},
		{"missing command", `{"payload":{}}`},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tt.line))
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("error = %v, want ErrProtocol", err)
			}
		})
	}
}

func TestDecodePayloadRejectsMismatch(t *testing.T) {
	_, err := DecodePayload[ContainerStopRequest]([]byte(`{"timeoutSeconds":"soon"}`))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("error = %v, want ErrProtocol", err)
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	req, err := DecodePayload[ContainerRequest](nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.ID != "" {
		t.Fatalf("id = %q, want empty", req.ID)
	}
}
