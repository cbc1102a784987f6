// Package coordinator wires the per-cache-root service together: the
// singleton lock and IPC listener (C3), the deduplicating job registry
// (C4) and its fan-out broker (C2), the registry resolver (C5), the
// download+verify+extract pipeline (C6/C7), atomic publish (C8), and the
// idle-shutdown and stale-staging maintenance loops (C9).
package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhir-ig/agent/internal/broker"
	"github.com/fhir-ig/agent/internal/cachekey"
	"github.com/fhir-ig/agent/internal/config"
	"github.com/fhir-ig/agent/internal/download"
	"github.com/fhir-ig/agent/internal/ipc"
	"github.com/fhir-ig/agent/internal/jobs"
	"github.com/fhir-ig/agent/internal/logging"
	"github.com/fhir-ig/agent/internal/metrics"
	"github.com/fhir-ig/agent/internal/protocol"
	"github.com/fhir-ig/agent/internal/publish"
	"github.com/fhir-ig/agent/internal/resolver"
)

// stagingSuffix marks a directory inside packages/ as a not-yet-published
// download in progress, so the sweeper and any stray listing can tell it
// apart from a completed package directory.
const stagingSuffix = ".tmp-"

// staleStagingAge is how old an orphaned staging directory must be before
// the sweeper removes it.
const staleStagingAge = 24 * time.Hour

// idleShutdownAfter is how long the coordinator waits with zero clients
// and zero active jobs before exiting: one full sampling interval, per
// spec.md §4.9 and invariant 5.
const idleShutdownAfter = time.Second

// Coordinator is one running instance of the per-cache-root service.
type Coordinator struct {
	root        string
	packagesDir string
	lockPath    string
	socketPath  string

	cfg      *config.Config
	log      zerolog.Logger
	broker   *broker.Broker
	registry *jobs.Registry
	resolver *resolver.Resolver
	ipcSrv   *ipc.Server
	lock     *ipc.Lock
	sem      chan struct{}

	activeClients     int64
	idleAfter         time.Duration
	idleCheckInterval time.Duration
}

// New builds a Coordinator for cfg. It does not yet acquire the lock or
// start listening; call Run for that.
func New(cfg *config.Config) (*Coordinator, error) {
	normalizedRoot, err := cachekey.Normalize(cfg.Root)
	if err != nil {
		return nil, err
	}
	packagesDir := cachekey.PackagesDir(normalizedRoot)
	if err := os.MkdirAll(packagesDir, 0o755); err != nil {
		return nil, fmt.Errorf("coordinator: create packages directory: %w", err)
	}

	service, lockName := cachekey.DerivePipeNames(normalizedRoot, cfg.PipeBase)
	runDir, err := runtimeDir()
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		root:              normalizedRoot,
		packagesDir:       packagesDir,
		lockPath:          filepath.Join(runDir, lockName),
		socketPath:        filepath.Join(runDir, service+".sock"),
		cfg:               cfg,
		log:               logging.WithComponent("coordinator"),
		broker:            broker.New(broker.MinQueueDepth),
		sem:               make(chan struct{}, cfg.MaxConcurrentDownloads),
		idleAfter:         idleShutdownAfter,
		idleCheckInterval: time.Second,
	}

	c.resolver = &resolver.Resolver{
		Registries: cfg.Registries,
		Client:     &http.Client{Timeout: cfg.HTTPTimeout},
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}
	c.registry = jobs.New(c.broker, packagesDir, c.runJob)

	return c, nil
}

func runtimeDir() (string, error) {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir, nil
	}
	return os.TempDir(), nil
}

// SocketPath returns the Unix domain socket path clients dial.
func (c *Coordinator) SocketPath() string { return c.socketPath }

// LockPath returns the advisory lock file path used for singleton election.
func (c *Coordinator) LockPath() string { return c.lockPath }

// Run acquires the singleton lock, starts the IPC listener and
// maintenance loops, and blocks until ctx is cancelled or the idle
// watchdog decides to shut down.
func (c *Coordinator) Run(ctx context.Context) error {
	lock, err := ipc.TryAcquireLock(c.lockPath)
	if err != nil {
		return err
	}
	c.lock = lock
	defer c.lock.Release()

	srv, err := ipc.Listen(c.socketPath)
	if err != nil {
		return err
	}
	c.ipcSrv = srv

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.sweepStaleStaging()
	go c.sweepLoop(runCtx)
	go c.idleWatchdog(runCtx, cancel)

	var metricsSrv *metrics.Server
	if c.cfg.MetricsAddr != "" {
		metricsSrv = metrics.NewServer(c.cfg.MetricsAddr)
		errCh := make(chan error, 1)
		metricsSrv.Start(errCh)
		go func() {
			select {
			case err := <-errCh:
				c.log.Error().Err(err).Msg("metrics server failed")
			case <-runCtx.Done():
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- c.ipcSrv.Serve(runCtx, c.handle) }()

	<-runCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := c.ipcSrv.Shutdown(shutdownCtx); err != nil {
		c.log.Warn().Err(err).Msg("error shutting down ipc listener")
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}

	return <-serveErr
}

func (c *Coordinator) handle(ctx context.Context, req protocol.Request) (<-chan protocol.Event, func(), error) {
	atomic.AddInt64(&c.activeClients, 1)
	metrics.ActiveClients.Inc()

	ch, handle, err := c.registry.EnsureStream(ctx, req.ID, req.Version)
	if err != nil {
		atomic.AddInt64(&c.activeClients, -1)
		metrics.ActiveClients.Dec()
		return nil, nil, err
	}

	release := func() {
		handle.Release()
		atomic.AddInt64(&c.activeClients, -1)
		metrics.ActiveClients.Dec()
	}
	return ch, release, nil
}

func (c *Coordinator) runJob(ctx context.Context, job *jobs.Job, emitter jobs.Emitter) {
	finalDir := filepath.Join(c.packagesDir, job.Key)

	if _, err := os.Stat(finalDir); err == nil {
		metrics.CacheHitsTotal.Inc()
		emitter.Emit(job.Key, protocol.HitEvent(job.ID, job.Version, finalDir))
		emitter.Finish(job.Key, protocol.CompletedEvent(job.ID, job.Version, finalDir))
		return
	}

	job.SetPhase("resolving")
	desc, err := c.resolver.Resolve(ctx, job.ID, job.Version)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("resolve_failed").Inc()
		emitter.Finish(job.Key, protocol.ErrorEvent(job.ID, job.Version, err.Error()))
		return
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		emitter.Finish(job.Key, protocol.ErrorEvent(job.ID, job.Version, ctx.Err().Error()))
		return
	}
	defer func() { <-c.sem }()

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	stagingDir := finalDir + stagingSuffix + uuid.New().String()
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		c.fail(emitter, job, stagingDir, fmt.Errorf("coordinator: create staging directory: %w", err))
		return
	}

	job.SetPhase("downloading")
	err = download.Run(ctx, download.Options{
		Descriptor:       *desc,
		StagingDir:       stagingDir,
		Client:           c.resolver.Client,
		PreserveTarballs: c.cfg.PreserveTarballs,
		OnProgress: func(msg string) {
			emitter.Emit(job.Key, protocol.ProgressEvent(job.ID, job.Version, msg))
		},
	})
	if err != nil {
		if _, ok := err.(*download.IntegrityError); ok {
			metrics.VerificationFailuresTotal.Inc()
		}
		metrics.DownloadsTotal.WithLabelValues("download_failed").Inc()
		c.fail(emitter, job, stagingDir, err)
		return
	}

	job.SetPhase("publishing")
	if err := publish.Publish(stagingDir, finalDir); err != nil {
		metrics.DownloadsTotal.WithLabelValues("publish_failed").Inc()
		c.fail(emitter, job, stagingDir, err)
		return
	}

	metrics.DownloadsTotal.WithLabelValues("success").Inc()
	emitter.Finish(job.Key, protocol.CompletedEvent(job.ID, job.Version, finalDir))
}

func (c *Coordinator) fail(emitter jobs.Emitter, job *jobs.Job, stagingDir string, err error) {
	if removeErr := os.RemoveAll(stagingDir); removeErr != nil {
		c.log.Warn().Err(removeErr).Str("dir", stagingDir).Msg("failed to clean up staging directory after error")
	}
	emitter.Finish(job.Key, protocol.ErrorEvent(job.ID, job.Version, err.Error()))
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepStaleStaging()
		}
	}
}

func (c *Coordinator) sweepStaleStaging() {
	entries, err := os.ReadDir(c.packagesDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-staleStagingAge)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.Contains(entry.Name(), stagingSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(c.packagesDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			c.log.Warn().Err(err).Str("dir", path).Msg("failed to remove stale staging directory")
		} else {
			c.log.Info().Str("dir", path).Msg("removed stale staging directory")
		}
	}
}

func (c *Coordinator) idleWatchdog(ctx context.Context, shutdown context.CancelFunc) {
	ticker := time.NewTicker(c.idleCheckInterval)
	defer ticker.Stop()

	var idleSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			clients := atomic.LoadInt64(&c.activeClients)
			jobsRunning := c.registry.ActiveJobCount()

			if clients == 0 && jobsRunning == 0 {
				if idleSince.IsZero() {
					idleSince = time.Now()
				} else if time.Since(idleSince) >= c.idleAfter {
					c.log.Info().Dur("idle_for", time.Since(idleSince)).Msg("shutting down after idle timeout")
					shutdown()
					return
				}
			} else {
				idleSince = time.Time{}
			}
		}
	}
}
