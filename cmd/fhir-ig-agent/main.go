// Command fhir-ig-agent is the CLI entry point: it either runs the
// per-cache-root coordinator service (--agent) or acts as a client that
// ensures a single package is cached (ensure <id> <version>), streaming
// the event protocol as single-line JSON to stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fhir-ig/agent/internal/config"
	"github.com/fhir-ig/agent/internal/coordinator"
	"github.com/fhir-ig/agent/internal/ipc"
	"github.com/fhir-ig/agent/internal/logging"
	"github.com/fhir-ig/agent/internal/protocol"
)

// exit codes, per spec.md §6: 0 success, 1 operational failure, 2 usage error.
const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

var runAsAgent bool

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		if ue, ok := err.(*usageError); ok {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ue.err)
			return exitUsage
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFail
	}
	return exitCode
}

// exitCode is set by RunE handlers that need to report something other
// than plain success/failure (the ensure command's per-event exit codes).
var exitCode = exitOK

// embeddedStartTimeout bounds how long ensure waits for a just-launched
// embedded coordinator to start listening before giving up.
const embeddedStartTimeout = 5 * time.Second

// usageError wraps an error that should map to exit code 2 instead of 1.
type usageError struct{ err error }

func (u *usageError) Error() string { return u.err.Error() }

var rootCmd = &cobra.Command{
	Use:   "fhir-ig-agent",
	Short: "Local package cache manager for FHIR Implementation Guide tarballs",
	Long: `fhir-ig-agent caches FHIR Implementation Guide packages on disk,
resolving, downloading, verifying, and extracting them on demand through
a per-cache-root background coordinator shared by all local clients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !runAsAgent {
			return cmd.Help()
		}
		return runAgent(cmd)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("root", "", "Cache root (default ~/.fhir)")
	flags.String("pipe", "", "Base name for IPC endpoints")
	flags.Int("max", 0, "Max concurrent downloads")
	flags.String("registries", "", "Ordered registry URLs (comma-separated)")
	flags.Bool("preserve-tar", false, "Retain package.tgz in the final directory")
	flags.Int("http-timeout", 0, "HTTP request ceiling, in seconds")
	flags.Int("max-retries", 0, "Resolution retry attempts")
	flags.Int("retry-delay", 0, "Base retry delay, in seconds")
	flags.String("log-level", "", "Log threshold: Debug, Info, Warning, Error")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.String("config", "", "Path to YAML config file (default <root>/agent.yaml)")
	flags.String("metrics-addr", "", "Serve Prometheus metrics for the running --agent process")

	rootCmd.Flags().BoolVar(&runAsAgent, "agent", false, "Run only the coordinator service, blocking until idle")

	rootCmd.AddCommand(ensureCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, &usageError{err}
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
	return cfg, nil
}

// runAgent runs the coordinator service in the foreground until ctx is
// cancelled (SIGINT/SIGTERM) or the idle watchdog shuts it down.
func runAgent(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	c, err := coordinator.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx); err != nil {
		return err
	}
	return nil
}

var ensureCmd = &cobra.Command{
	Use:   "ensure <id> <version>",
	Short: "Ensure a package is cached locally, downloading it if necessary",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return &usageError{fmt.Errorf("ensure requires exactly 2 arguments: <id> <version>")}
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnsure(cmd, args[0], args[1])
	},
}

// runEnsure dials (and, if necessary, starts) the coordinator for the
// resolved cache root and streams the event protocol as single-line JSON
// to stdout, per spec.md §6.
func runEnsure(cmd *cobra.Command, id, version string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	c, err := coordinator.New(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	req := protocol.Request{Op: "ensure", ID: id, Version: version}

	events, err := ipc.Dial(ctx, c.SocketPath(), req)
	if err != nil {
		events, err = startAndDial(ctx, c, req)
		if err != nil {
			exitCode = exitFail
			return fmt.Errorf("dial coordinator: %w", err)
		}
	}

	return streamEvents(events)
}

// startAndDial launches an embedded coordinator for this cache root in the
// background and retries the dial once a socket appears, so `ensure` is
// useful standalone without a separately managed --agent process. Losing
// the singleton lock race is not a failure (spec.md §4.3): another
// process is already serving this cache root, so this just keeps dialing
// its socket instead of giving up.
func startAndDial(ctx context.Context, c *coordinator.Coordinator, req protocol.Request) (<-chan protocol.Event, error) {
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- c.Run(context.Background()) }()

	dialCtx, cancel := context.WithTimeout(ctx, embeddedStartTimeout)
	defer cancel()

	for {
		events, err := ipc.Dial(ctx, c.SocketPath(), req)
		if err == nil {
			return events, nil
		}
		select {
		case runErr := <-runErrCh:
			if runErr != nil && runErr != ipc.ErrLocked {
				return nil, fmt.Errorf("embedded coordinator exited before starting: %w", runErr)
			}
		case <-dialCtx.Done():
			return nil, fmt.Errorf("embedded coordinator did not start listening in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func streamEvents(events <-chan protocol.Event) error {
	enc := json.NewEncoder(os.Stdout)
	for event := range events {
		switch event.Type {
		case protocol.EventProgress:
			enc.Encode(event)
		case protocol.EventHit, protocol.EventComplete:
			enc.Encode(struct {
				Path string `json:"path"`
			}{event.Path})
			return nil
		case protocol.EventError:
			exitCode = exitFail
			return fmt.Errorf("%s", event.Message)
		}
	}
	exitCode = exitFail
	return fmt.Errorf("coordinator closed the stream without a terminal event")
}
