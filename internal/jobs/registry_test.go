package jobs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-ig/agent/internal/broker"
	"github.com/fhir-ig/agent/internal/protocol"
)

func drainTerminal(t *testing.T, ch <-chan protocol.Event) protocol.Event {
	t.Helper()
	var last protocol.Event
	for ev := range ch {
		last = ev
		if ev.Type.Terminal() {
			// keep draining until channel closes so Complete's close is observed
		}
	}
	require.True(t, last.Type.Terminal(), "expected a terminal event, got %+v", last)
	return last
}

func TestEnsureStreamCacheHit(t *testing.T) {
	dir := t.TempDir()
	finalDir := filepath.Join(dir, "hl7.fhir.us.core#6.1.0")
	require.NoError(t, os.MkdirAll(finalDir, 0o755))

	b := broker.New(broker.MinQueueDepth)
	r := New(b, dir, func(ctx context.Context, job *Job, e Emitter) {
		t.Fatal("runner should not be invoked on a cache hit")
	})

	ch, handle, err := r.EnsureStream(context.Background(), "HL7.FHIR.US.CORE", "6.1.0")
	require.NoError(t, err)
	defer handle.Release()

	ev := drainTerminal(t, ch)
	assert.Equal(t, protocol.EventComplete, ev.Type)
	assert.Equal(t, finalDir, ev.Path)
}

func TestEnsureStreamDedupesConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	var starts int32

	b := broker.New(broker.MinQueueDepth)
	r := New(b, dir, func(ctx context.Context, job *Job, e Emitter) {
		atomic.AddInt32(&starts, 1)
		time.Sleep(20 * time.Millisecond)
		finalDir := filepath.Join(dir, job.Key)
		require.NoError(t, os.MkdirAll(finalDir, 0o755))
		e.Finish(job.Key, protocol.CompletedEvent(job.ID, job.Version, finalDir))
	})

	const n = 10
	var wg sync.WaitGroup
	paths := make([]string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, handle, err := r.EnsureStream(context.Background(), "hl7.fhir.us.core", "6.1.0")
			require.NoError(t, err)
			defer handle.Release()
			ev := drainTerminal(t, ch)
			paths[i] = ev.Path
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, starts, "expected exactly one job to run for a deduplicated key")
	for i, p := range paths {
		assert.Equalf(t, filepath.Join(dir, "hl7.fhir.us.core#6.1.0"), p, "caller %d", i)
	}
}

func TestEnsureStreamErrorAllowsReentry(t *testing.T) {
	dir := t.TempDir()
	var attempts int32

	b := broker.New(broker.MinQueueDepth)
	r := New(b, dir, func(ctx context.Context, job *Job, e Emitter) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			e.Finish(job.Key, protocol.ErrorEvent(job.ID, job.Version, "boom"))
			return
		}
		finalDir := filepath.Join(dir, job.Key)
		require.NoError(t, os.MkdirAll(finalDir, 0o755))
		e.Finish(job.Key, protocol.CompletedEvent(job.ID, job.Version, finalDir))
	})

	ch, handle, err := r.EnsureStream(context.Background(), "nonexistent.package", "1.0.0")
	require.NoError(t, err)
	ev := drainTerminal(t, ch)
	handle.Release()
	assert.Equal(t, protocol.EventError, ev.Type)
	assert.Equal(t, 0, r.ActiveJobCount())

	ch2, handle2, err := r.EnsureStream(context.Background(), "nonexistent.package", "1.0.0")
	require.NoError(t, err)
	defer handle2.Release()
	ev2 := drainTerminal(t, ch2)
	assert.Equal(t, protocol.EventComplete, ev2.Type)
}
