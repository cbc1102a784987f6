// Package fhircache is the public library facade (C13) over the
// fhir-ig-agent coordinator: Ensure resolves a FHIR Implementation Guide
// package to its on-disk cache directory, downloading it first if needed,
// starting an embedded coordinator on demand when one isn't already
// running for the requested cache root.
package fhircache

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fhir-ig/agent/internal/config"
	"github.com/fhir-ig/agent/internal/coordinator"
	"github.com/fhir-ig/agent/internal/ipc"
	"github.com/fhir-ig/agent/internal/protocol"
)

// Options configures a single Ensure call. The zero value uses the
// built-in cache root and registry defaults and does not auto-start a
// coordinator.
type Options struct {
	// Root overrides the cache root directory (defaults to "~/.fhir").
	Root string
	// PipeBase overrides the IPC endpoint namespace.
	PipeBase string
	// Registries overrides the ordered registry list.
	Registries []string
	// AutoStart launches an embedded coordinator in this process if none
	// is already running for the resolved cache root.
	AutoStart bool
	// OnProgress, if set, receives human-readable progress messages.
	OnProgress func(message string)
}

func (o Options) toConfig() *config.Config {
	cfg := config.Default()
	if o.Root != "" {
		cfg.Root = o.Root
	}
	if o.PipeBase != "" {
		cfg.PipeBase = o.PipeBase
	}
	if len(o.Registries) > 0 {
		cfg.Registries = o.Registries
	}
	return cfg
}

// Ensure returns the on-disk directory containing the extracted package
// id@version, downloading and publishing it first if it is not already
// cached. It dials the coordinator for the resolved cache root, starting
// one in this process when opts.AutoStart is set and none answers.
func Ensure(ctx context.Context, opts Options, id, version string) (string, error) {
	cfg := opts.toConfig()

	c, err := coordinator.New(cfg)
	if err != nil {
		return "", fmt.Errorf("fhircache: build coordinator: %w", err)
	}

	req := protocol.Request{Op: "ensure", ID: id, Version: version}

	events, err := ipc.Dial(ctx, c.SocketPath(), req)
	if err != nil {
		if !opts.AutoStart {
			return "", fmt.Errorf("fhircache: no coordinator running for this cache root and AutoStart is disabled: %w", err)
		}
		if startErr := startEmbedded(ctx, c); startErr != nil {
			return "", startErr
		}
		events, err = ipc.Dial(ctx, c.SocketPath(), req)
		if err != nil {
			return "", fmt.Errorf("fhircache: dial embedded coordinator: %w", err)
		}
	}

	return drain(events, opts.OnProgress)
}

func drain(events <-chan protocol.Event, onProgress func(string)) (string, error) {
	for event := range events {
		switch event.Type {
		case protocol.EventProgress:
			if onProgress != nil {
				onProgress(event.Message)
			}
		case protocol.EventHit, protocol.EventComplete:
			return event.Path, nil
		case protocol.EventError:
			return "", fmt.Errorf("fhircache: %s", event.Message)
		}
	}
	return "", fmt.Errorf("fhircache: coordinator closed the stream without a terminal event")
}

// startEmbedded runs a coordinator in the background of this process and
// waits for its socket to appear, so a library caller doesn't need a
// separately managed agent process for simple one-off uses. Losing the
// singleton lock race is not a failure (spec.md §4.3): another process
// already owns this cache root, so this keeps waiting for its socket
// instead of giving up.
func startEmbedded(ctx context.Context, c *coordinator.Coordinator) error {
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- c.Run(context.Background())
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(c.SocketPath()); err == nil {
			return nil
		}
		select {
		case err := <-runErrCh:
			if err != nil && err != ipc.ErrLocked {
				return fmt.Errorf("fhircache: embedded coordinator exited before starting: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return fmt.Errorf("fhircache: embedded coordinator did not start listening in time")
}
