// Parses flags and configures logging for the kilnd daemon.
//
// The daemon accepts the following flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-s, --socket    Unix socket path.
//	    --data      Data directory for layers, images and containers.
//
// Flags override build-time defaults set via linker flags. After parsing,
// the global logger is reconfigured to reflect the final level before the
// server starts. A .env file in the working directory is loaded before
// flag parsing, so deployments can pin flags through the environment.
package cli
