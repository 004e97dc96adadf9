package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camhub/internal/protocol"
)

// WriteTimeout bounds every outbound frame. A peer that stalls past it is
// treated as a slow consumer and evicted.
const WriteTimeout = 5 * time.Second

// Application close codes. The standard 1008/1001/1011 codes cover protocol
// violations, shutdown, and internal errors; these two are ours.
const (
	CloseSuperseded   = 4000
	CloseSlowConsumer = 4001
)

var ErrConnClosed = errors.New("connection closed")

// Channel is a live peer the registry can send to and close. The websocket
// implementation is Conn; tests substitute fakes.
type Channel interface {
	Send(env *protocol.Envelope) error
	Close(code int, reason string)
	Touch()
	LastHeartbeat() time.Time
}

// Conn wraps a websocket connection with the write discipline the hub
// requires: one writer at a time, a per-frame deadline, and an idempotent
// close that delivers a close frame before tearing down the socket.
type Conn struct {
	ws  *websocket.Conn
	log zerolog.Logger

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once

	lastBeat atomic.Int64 // unix nanos
}

func NewConn(ws *websocket.Conn, log zerolog.Logger) *Conn {
	ws.SetReadLimit(protocol.MaxMessageSize)
	c := &Conn{ws: ws, log: log}
	c.Touch()
	return c
}

// Send marshals env and writes it under the write deadline. A write failure
// marks the connection dead; the caller is expected to detach it.
func (c *Conn) Send(env *protocol.Envelope) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

// Close sends a close frame and closes the socket. Safe to call twice.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(3*time.Second))
		_ = c.ws.Close()
		c.writeMu.Unlock()
		c.log.Debug().Int("code", code).Str("reason", reason).Msg("connection closed")
	})
}

// Touch records a heartbeat.
func (c *Conn) Touch() {
	c.lastBeat.Store(time.Now().UnixNano())
}

func (c *Conn) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastBeat.Load())
}
