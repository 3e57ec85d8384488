package cli

import (
	"context"
	"log/slog"

	"github.com/kilnhq/kilnd/internal/server"
)

// Represents the 'kilnd start' command.
type StartCmd struct{}

// Executes the start command.
//
// Starts the engine server on a Unix domain socket and blocks until the
// context is cancelled (e.g. via SIGINT or SIGTERM) or a client requests
// shutdown.
func (c *StartCmd) Run(ctx context.Context) error {
	srv, err := server.New(server.Config{
		SocketPath:       RootCmd.Socket,
		DataDir:          RootCmd.Data,
		InsecureRegistry: RootCmd.InsecureRegistry,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("kilnd is running")

	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return srv.Stop()
	case <-done:
		return nil
	}
}
