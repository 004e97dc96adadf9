package registry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-camhub/internal/protocol"
)

// fakeChannel records sends and closes for registry behavior tests.
type fakeChannel struct {
	mu       sync.Mutex
	sent     []*protocol.Envelope
	sendErr  error
	closed   bool
	code     int
	reason   string
	lastBeat time.Time
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{lastBeat: time.Now()}
}

func (f *fakeChannel) Send(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeChannel) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
}

func (f *fakeChannel) Touch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastBeat = time.Now()
}

func (f *fakeChannel) LastHeartbeat() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBeat
}

func (f *fakeChannel) snapshot() (closed bool, code int, sent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code, len(f.sent)
}

func TestRegistry_AttachSupersedesPrior(t *testing.T) {
	r := New(zerolog.Nop())

	first := newFakeChannel()
	second := newFakeChannel()

	r.AttachDevice("cam-01", first)
	assert.True(t, r.DeviceOnline("cam-01"))

	r.AttachDevice("cam-01", second)

	closed, code, _ := first.snapshot()
	assert.True(t, closed)
	assert.Equal(t, CloseSuperseded, code)
	assert.True(t, r.DeviceOnline("cam-01"), "device stays online across supersede")

	// The superseded connection detaching late must not evict the new one.
	assert.False(t, r.DetachDevice("cam-01", first))
	assert.True(t, r.DeviceOnline("cam-01"))

	assert.True(t, r.DetachDevice("cam-01", second))
	assert.False(t, r.DeviceOnline("cam-01"))
}

func TestRegistry_SendToMissingPeer(t *testing.T) {
	r := New(zerolog.Nop())

	err := r.SendToDevice("ghost", protocol.MustEnvelope(protocol.TypeHeartbeatAck, struct{}{}))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRegistry_SlowConsumerEvicted(t *testing.T) {
	r := New(zerolog.Nop())

	ch := newFakeChannel()
	ch.sendErr = errors.New("write deadline exceeded")
	r.AttachViewer("7", ch)

	err := r.SendToViewer("7", protocol.MustEnvelope(protocol.TypeHeartbeatAck, struct{}{}))
	require.Error(t, err)

	closed, code, _ := ch.snapshot()
	assert.True(t, closed)
	assert.Equal(t, CloseSlowConsumer, code)
	assert.False(t, func() bool { _, ok := r.lookup(&r.viewers, "7"); return ok }())
}

func TestRegistry_SweepStale(t *testing.T) {
	r := New(zerolog.Nop())

	fresh := newFakeChannel()
	stale := newFakeChannel()
	stale.lastBeat = time.Now().Add(-2 * time.Minute)

	r.AttachDevice("cam-fresh", fresh)
	r.AttachDevice("cam-stale", stale)

	evicted := r.SweepStale(90 * time.Second)

	require.Len(t, evicted, 1)
	assert.Equal(t, "cam-stale", evicted[0].Key)
	assert.True(t, evicted[0].IsDevice)
	assert.False(t, r.DeviceOnline("cam-stale"))
	assert.True(t, r.DeviceOnline("cam-fresh"))

	closed, _, _ := stale.snapshot()
	assert.True(t, closed)
}

func TestRegistry_Counts(t *testing.T) {
	r := New(zerolog.Nop())
	r.AttachDevice("a", newFakeChannel())
	r.AttachDevice("b", newFakeChannel())
	r.AttachViewer("1", newFakeChannel())

	devices, viewers := r.Counts()
	assert.Equal(t, 2, devices)
	assert.Equal(t, 1, viewers)
}

func TestRegistry_CloseAll(t *testing.T) {
	r := New(zerolog.Nop())
	a, b := newFakeChannel(), newFakeChannel()
	r.AttachDevice("a", a)
	r.AttachViewer("1", b)

	r.CloseAll("shutting down")

	for _, ch := range []*fakeChannel{a, b} {
		closed, code, _ := ch.snapshot()
		assert.True(t, closed)
		assert.Equal(t, websocket.CloseGoingAway, code)
	}
	devices, viewers := r.Counts()
	assert.Zero(t, devices)
	assert.Zero(t, viewers)
}

// Exercise the real websocket Conn end to end over httptest.
func TestConn_SendAndClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 1)
	closeCode := make(chan int, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		require.NoError(t, err)
		ws.SetCloseHandler(func(code int, text string) error {
			closeCode <- code
			return nil
		})
		_, msg, err := ws.ReadMessage()
		if err == nil {
			received <- msg
		}
		// next read observes the close frame
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	conn := NewConn(ws, zerolog.Nop())
	require.NoError(t, conn.Send(protocol.MustEnvelope(protocol.TypeHeartbeat, struct{}{})))

	select {
	case msg := <-received:
		env, err := protocol.Decode(msg)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeHeartbeat, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}

	conn.Close(websocket.CloseGoingAway, "bye")
	conn.Close(websocket.CloseGoingAway, "bye") // idempotent

	select {
	case code := <-closeCode:
		assert.Equal(t, websocket.CloseGoingAway, code)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close frame")
	}

	assert.ErrorIs(t, conn.Send(protocol.MustEnvelope(protocol.TypeHeartbeat, struct{}{})), ErrConnClosed)
}
