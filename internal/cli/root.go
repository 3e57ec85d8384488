package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/kilnhq/kilnd/internal"
)

// Represents the root command for the kilnd daemon.
var RootCmd struct {
	Quiet            bool       `short:"q" help:"Suppress informational output." env:"KILND_QUIET"`
	Verbose          bool       `short:"v" help:"Enable verbose output." env:"KILND_VERBOSE"`
	Debug            bool       `short:"d" help:"Enable debug output." env:"KILND_DEBUG"`
	Socket           string     `short:"s" help:"Override the default Unix socket path." placeholder:"PATH" env:"KILND_SOCKET"`
	Data             string     `help:"Override the default data directory." placeholder:"DIR" env:"KILND_DATA"`
	InsecureRegistry bool       `help:"Talk to registries over plain HTTP." env:"KILND_INSECURE_REGISTRY"`
	Start            StartCmd   `cmd:"" help:"Start the daemon."`
	Version          VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	// Optional; deployments without a .env file are the common case.
	godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("The kiln daemon.\n\nListens on a Unix domain socket for commands from the kiln CLI."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Reconfigures the global logger based on CLI flags.
func configureLogger() {
	debug := RootCmd.Debug || internal.IsDebug()
	quiet := RootCmd.Quiet || internal.IsQuiet()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	} else if quiet {
		level = slog.LevelWarn
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: RootCmd.Verbose || internal.IsVerbose(),
	})
	slog.SetDefault(slog.New(handler))
}
