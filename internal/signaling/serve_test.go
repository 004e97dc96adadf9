package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-camhub/internal/protocol"
	"github.com/technosupport/ts-camhub/internal/tokens"
)

func dialWS(t *testing.T, handler http.HandlerFunc) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeEnvelope(t *testing.T, ws *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

// expectClose asserts the hub sends a close frame with the given code.
func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue // drain any in-flight frames before the close
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr, "expected a close frame, got: %v", err)
		assert.Equal(t, code, closeErr.Code)
		return
	}
}

func TestServeDevice_MalformedFrameClosesPolicyViolation(t *testing.T) {
	h := newHarness(t)
	upgrader := websocket.Upgrader{}

	ws := dialWS(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.router.ServeDevice(r.Context(), conn)
	})

	writeEnvelope(t, ws, protocol.MustEnvelope(protocol.TypeHello, protocol.DeviceHello{DeviceID: "cam-01"}))
	ack := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeHelloAck, ack.Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("this is not json")))

	expectClose(t, ws, websocket.ClosePolicyViolation)
	assert.False(t, h.router.Registry.DeviceOnline("cam-01"))
}

func TestServeViewer_MalformedFrameClosesPolicyViolation(t *testing.T) {
	h := newHarness(t)
	h.router.Tokens = staticValidator{claims: &tokens.Claims{
		Username:         "amy",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "7"},
	}}
	upgrader := websocket.Upgrader{}

	ws := dialWS(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.router.ServeViewer(r.Context(), conn)
	})

	writeEnvelope(t, ws, protocol.MustEnvelope(protocol.TypeHello, protocol.ViewerHello{Token: "any"}))
	ack := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeHelloAck, ack.Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))

	expectClose(t, ws, websocket.ClosePolicyViolation)
}
