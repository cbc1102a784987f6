// Package jobs implements the deduplicating job registry (C4): it maps a
// package key to at-most-one running job, attaches new subscribers to an
// existing job's event stream, and short-circuits to a cache hit when the
// final package directory is already present.
package jobs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fhir-ig/agent/internal/broker"
	"github.com/fhir-ig/agent/internal/cachekey"
	"github.com/fhir-ig/agent/internal/metrics"
	"github.com/fhir-ig/agent/internal/protocol"
)

// Job is the in-memory record of a running download for one package key.
type Job struct {
	Key       string
	ID        string
	Version   string
	StartedAt time.Time

	mu    sync.Mutex
	phase string
}

// SetPhase records the job's current phase (for diagnostics; not part of
// the wire protocol).
func (j *Job) SetPhase(phase string) {
	j.mu.Lock()
	j.phase = phase
	j.mu.Unlock()
}

// Phase returns the job's current phase.
func (j *Job) Phase() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phase
}

// Emitter is the narrow interface a Runner uses to report progress and
// terminate its job. It is implemented by *Registry.
type Emitter interface {
	Emit(key string, event protocol.Event)
	Finish(key string, terminal protocol.Event)
}

// Runner executes a job: it owns resolving, downloading, verifying,
// extracting and publishing the package, reporting progress via emitter
// and calling emitter.Finish exactly once with a terminal event (hit,
// completed, or error).
type Runner func(ctx context.Context, job *Job, emitter Emitter)

// Registry is the deduplicating job map for one cache root.
type Registry struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	broker      *broker.Broker
	packagesDir string
	runner      Runner
}

// New creates a Registry backed by b, rooted at packagesDir (the
// `{root}/packages` directory), running fresh jobs with runner.
func New(b *broker.Broker, packagesDir string, runner Runner) *Registry {
	return &Registry{
		jobs:        make(map[string]*Job),
		broker:      b,
		packagesDir: packagesDir,
		runner:      runner,
	}
}

// EnsureStream implements the C4 contract: build the key, check for an
// existing final directory (cache hit), otherwise get-or-start a job and
// subscribe the caller to its event stream.
func (r *Registry) EnsureStream(ctx context.Context, id, version string) (<-chan protocol.Event, *broker.Handle, error) {
	key := cachekey.MakeKey(id, version)
	finalDir := filepath.Join(r.packagesDir, key)

	r.mu.Lock()

	if _, err := os.Stat(finalDir); err == nil {
		ch, handle := r.broker.Subscribe(key)
		r.mu.Unlock()
		metrics.CacheHitsTotal.Inc()
		r.broker.Publish(key, protocol.HitEvent(id, version, finalDir))
		r.broker.Complete(key, protocol.CompletedEvent(id, version, finalDir))
		return ch, handle, nil
	} else if !os.IsNotExist(err) {
		r.mu.Unlock()
		return nil, nil, err
	}

	if _, running := r.jobs[key]; running {
		ch, handle := r.broker.Subscribe(key)
		r.mu.Unlock()
		return ch, handle, nil
	}

	job := &Job{Key: key, ID: id, Version: version, StartedAt: time.Now()}
	r.jobs[key] = job
	ch, handle := r.broker.Subscribe(key)
	r.mu.Unlock()

	r.broker.Publish(key, protocol.StartEvent(id, version))
	go r.runner(ctx, job, r)

	return ch, handle, nil
}

// Emit publishes a non-terminal event for key. Part of the Emitter
// interface.
func (r *Registry) Emit(key string, event protocol.Event) {
	r.broker.Publish(key, event)
}

// Finish publishes the terminal event for key and removes the job entry,
// all under the registry lock so a concurrent EnsureStream either observes
// the job still running (and attaches to its live stream) or observes it
// gone together with the now-published final directory — never a lost
// terminal event.
func (r *Registry) Finish(key string, terminal protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broker.Complete(key, terminal)
	delete(r.jobs, key)
}

// ActiveJobCount returns the number of jobs currently running.
func (r *Registry) ActiveJobCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
