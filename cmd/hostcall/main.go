// hostcall drives an application session against a host from the command
// line: inspect the host context, call host functions, call backend
// functions with a bearer token, and watch host events.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/workspace/hostbridge/internal/bridge"
	"github.com/workspace/hostbridge/internal/config"
	"github.com/workspace/hostbridge/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app is the state shared by every subcommand.
type app struct {
	cfg *config.Config

	hostURL   string
	endpoint  string
	clientID  string
	logLevel  string
	logFormat string
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "hostcall",
		Short:         "Talk to an application host over the envelope protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.SetupWithOptions(logging.Options{
				Level:   a.logLevel,
				Format:  a.logFormat,
				Service: "hostcall",
			}, cmd.ErrOrStderr())
			return a.load()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.hostURL, "host-url", "", "host WebSocket URL (overrides HOST_URL)")
	flags.StringVar(&a.endpoint, "endpoint", "", "functions endpoint (overrides FUNCTIONS_ENDPOINT)")
	flags.StringVar(&a.clientID, "client-id", "", "application client id (overrides CLIENT_ID)")
	flags.StringVar(&a.logLevel, "log-level", os.Getenv("LOG_LEVEL"), "log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "text", "log format: json, text")

	cmd.AddCommand(
		newContextCommand(a),
		newSendCommand(a),
		newExecCommand(a),
		newWatchCommand(a),
	)
	return cmd
}

func (a *app) load() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.hostURL != "" {
		cfg.HostURL = a.hostURL
	}
	if a.endpoint != "" {
		cfg.FunctionsEndpoint = a.endpoint
	}
	if a.clientID != "" {
		cfg.ClientID = a.clientID
	}
	if err := cfg.ValidateClient(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) connect(ctx context.Context, opts bridge.Options) (*bridge.Bridge, error) {
	return bridge.Connect(ctx, a.cfg, opts)
}
