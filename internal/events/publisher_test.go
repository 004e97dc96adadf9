package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	mu        sync.Mutex
	failures  int
	published [][]byte
}

func (f *fakeBroker) Publish(_ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker down")
	}
	f.published = append(f.published, data)
	return nil
}

func (f *fakeBroker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func TestPublish_NilPublisherIsNoOp(t *testing.T) {
	var p *Publisher
	assert.NoError(t, p.Publish(Event{Kind: DeviceConnected}))
	p.Close()
}

func TestPublish_DeliveredAsynchronously(t *testing.T) {
	broker := &fakeBroker{}
	p := newPublisher(broker, "camhub.events", 3)
	defer p.Close()

	require.NoError(t, p.Publish(Event{Kind: SessionStarted, SessionID: "s1", DeviceID: "cam-01"}))

	require.Eventually(t, func() bool { return broker.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	var got Event
	require.NoError(t, json.Unmarshal(broker.published[0], &got))
	assert.Equal(t, SessionStarted, got.Kind)
	assert.Equal(t, "s1", got.SessionID)
	assert.False(t, got.TS.IsZero(), "timestamp is stamped on enqueue")
}

func TestPublish_RetriesPastTransientFailure(t *testing.T) {
	broker := &fakeBroker{failures: 2}
	p := newPublisher(broker, "camhub.events", 3)
	defer p.Close()

	require.NoError(t, p.Publish(Event{Kind: DeviceDisconnected, DeviceID: "cam-01"}))

	require.Eventually(t, func() bool { return broker.count() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestPublish_NeverBlocksCaller(t *testing.T) {
	// A broker that is down for good: every attempt sleeps inside the
	// worker, never in Publish.
	broker := &fakeBroker{failures: 1 << 30}
	p := newPublisher(broker, "camhub.events", 3)
	defer p.Close()

	start := time.Now()
	var full bool
	for i := 0; i < queueDepth+16; i++ {
		if errors.Is(p.Publish(Event{Kind: DeviceConnected}), ErrQueueFull) {
			full = true
		}
	}
	assert.Less(t, time.Since(start), time.Second, "enqueue path must not wait on the broker")
	assert.True(t, full, "saturated backlog reports ErrQueueFull instead of blocking")
}
