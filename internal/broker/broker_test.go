package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-ig/agent/internal/protocol"
)

func TestPublishFanOutToMultipleSubscribers(t *testing.T) {
	b := New(MinQueueDepth)
	const n = 10

	var wg sync.WaitGroup
	results := make([]protocol.Event, n)

	for i := 0; i < n; i++ {
		ch, handle := b.Subscribe("hl7.fhir.us.core#6.1.0")
		wg.Add(1)
		go func(i int, ch <-chan protocol.Event, h *Handle) {
			defer wg.Done()
			defer h.Release()
			for ev := range ch {
				results[i] = ev
			}
		}(i, ch, handle)
	}

	// Give subscribers a chance to register before publishing.
	for b.SubscriberCount("hl7.fhir.us.core#6.1.0") < n {
		time.Sleep(time.Millisecond)
	}

	b.Complete("hl7.fhir.us.core#6.1.0", protocol.CompletedEvent("hl7.fhir.us.core", "6.1.0", "/tmp/path"))
	wg.Wait()

	for i, ev := range results {
		require.Equalf(t, protocol.EventComplete, ev.Type, "subscriber %d", i)
		assert.Equal(t, "/tmp/path", ev.Path)
	}
}

func TestDropOldestNeverBlocksPublish(t *testing.T) {
	b := New(MinQueueDepth)
	_, handle := b.Subscribe("k")
	defer handle.Release()

	// Publish far more events than the queue depth without ever reading;
	// Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < MinQueueDepth*3; i++ {
			b.Publish("k", protocol.ProgressEvent("id", "v", "tick"))
		}
		b.Complete("k", protocol.CompletedEvent("id", "v", "/path"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}
}

func TestTerminalEventAlwaysObservedAfterDrops(t *testing.T) {
	b := New(MinQueueDepth)
	ch, handle := b.Subscribe("k")
	defer handle.Release()

	for i := 0; i < MinQueueDepth*5; i++ {
		b.Publish("k", protocol.ProgressEvent("id", "v", "tick"))
	}
	b.Complete("k", protocol.CompletedEvent("id", "v", "/final"))

	var last protocol.Event
	for ev := range ch {
		last = ev
	}
	assert.Equal(t, protocol.EventComplete, last.Type)
	assert.Equal(t, "/final", last.Path)
}

func TestCompleteRemovesKeyEntry(t *testing.T) {
	b := New(MinQueueDepth)
	_, handle := b.Subscribe("k")
	b.Complete("k", protocol.CompletedEvent("id", "v", "/path"))
	handle.Release()

	assert.Equal(t, 0, b.SubscriberCount("k"))
}

func TestReleaseDrainsAndRemovesSubscriber(t *testing.T) {
	b := New(MinQueueDepth)
	_, handle := b.Subscribe("k")
	require.Equal(t, 1, b.SubscriberCount("k"))

	handle.Release()
	assert.Equal(t, 0, b.SubscriberCount("k"))

	// Releasing twice must not panic.
	handle.Release()
}
