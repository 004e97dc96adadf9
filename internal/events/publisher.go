// Package events publishes connection and session lifecycle events to NATS
// for downstream consumers (recording schedulers, audit, dashboards). The
// hub works fine without a broker: a nil *Publisher drops everything.
package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	DeviceConnected    = "device_connected"
	DeviceDisconnected = "device_disconnected"
	SessionStarted     = "session_started"
	SessionEnded       = "session_ended"
)

// queueDepth bounds the in-flight backlog while the broker is unreachable.
const queueDepth = 256

// ErrQueueFull is returned when the backlog is saturated; the event is lost.
var ErrQueueFull = errors.New("event queue full")

// Event is the wire shape published on the configured subject.
type Event struct {
	Kind      string    `json:"kind"`
	DeviceID  string    `json:"device_id,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	TS        time.Time `json:"ts"`
}

// broker is the slice of *nats.Conn the publisher uses; tests fake it.
type broker interface {
	Publish(subject string, data []byte) error
}

// Publisher delivers events from a background worker so callers on the
// message hot path never wait on the broker. Retries with backoff happen
// inside the worker.
type Publisher struct {
	conn       broker
	subject    string
	maxRetries int

	queue chan Event
	quit  chan struct{}
	done  chan struct{}
}

func NewPublisher(conn *nats.Conn, subject string, maxRetries int) *Publisher {
	return newPublisher(conn, subject, maxRetries)
}

func newPublisher(conn broker, subject string, maxRetries int) *Publisher {
	p := &Publisher{
		conn:       conn,
		subject:    subject,
		maxRetries: maxRetries,
		queue:      make(chan Event, queueDepth),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues the event without blocking. Nil receivers are a no-op so
// callers never have to branch on whether NATS is wired.
func (p *Publisher) Publish(event Event) error {
	if p == nil {
		return nil
	}
	if event.TS.IsZero() {
		event.TS = time.Now().UTC()
	}
	select {
	case p.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the worker promptly, abandoning any undelivered backlog.
// Nil-safe.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	close(p.quit)
	<-p.done
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			return
		case event := <-p.queue:
			p.deliver(event)
		}
	}
}

func (p *Publisher) deliver(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	for i := 0; i <= p.maxRetries; i++ {
		if err = p.conn.Publish(p.subject, data); err == nil {
			return
		}
		select {
		case <-p.quit:
			return
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
}
