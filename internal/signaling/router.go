// Package signaling is the hub's message router: it owns the device and
// viewer read loops, the watch-session state machine, and the disconnect
// fanout that keeps sessions and presence consistent with the registry.
package signaling

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camhub/internal/data"
	"github.com/technosupport/ts-camhub/internal/events"
	"github.com/technosupport/ts-camhub/internal/metrics"
	"github.com/technosupport/ts-camhub/internal/presence"
	"github.com/technosupport/ts-camhub/internal/protocol"
	"github.com/technosupport/ts-camhub/internal/registry"
	"github.com/technosupport/ts-camhub/internal/tokens"
	"github.com/technosupport/ts-camhub/internal/turn"
)

const (
	// helloTimeout bounds how long a fresh socket may sit silent before
	// its first frame.
	helloTimeout = 30 * time.Second

	// readDeadline is the per-frame read backstop; heartbeats arrive far
	// more often, so only a dead TCP path ever trips it.
	readDeadline = 120 * time.Second

	// HeartbeatMaxAge is the staleness threshold for the sweeper.
	HeartbeatMaxAge = 90 * time.Second

	// SweepInterval is how often the sweeper scans for stale channels.
	SweepInterval = 30 * time.Second

	// proxyResponseTTL keeps proxy response mailboxes from leaking when
	// no frontend is waiting anymore.
	proxyResponseTTL = 30 * time.Second

	presenceTTL = 90 * time.Second
)

// DeviceStore is the slice of the device model the router needs.
type DeviceStore interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*data.Device, error)
	SetOnline(ctx context.Context, deviceID string, online bool, lastSeen time.Time) error
	ListOwnerIDs(ctx context.Context, deviceID string) ([]int64, error)
}

// SessionStore is the slice of the session model the router needs.
type SessionStore interface {
	Create(ctx context.Context, s *data.WatchSession) error
	GetBySessionID(ctx context.Context, sessionID string) (*data.WatchSession, error)
	SetActive(ctx context.Context, sessionID string) error
	End(ctx context.Context, sessionID, reason string) error
	EndAllForDevice(ctx context.Context, deviceStringID, reason string) ([]data.EndedSession, error)
	EndAllForUser(ctx context.Context, userID int64, reason string) ([]data.EndedSession, error)
}

// TokenValidator validates viewer bearer tokens.
type TokenValidator interface {
	Validate(tokenString string) (*tokens.Claims, error)
}

type Router struct {
	Registry *registry.Registry
	Presence presence.Store
	Devices  DeviceStore
	Sessions SessionStore
	Tokens   TokenValidator
	Turn     *turn.Minter
	Events   *events.Publisher
	Metrics  *metrics.Collector
	Log      zerolog.Logger
}

// RunSweeper evicts connections whose last heartbeat is older than
// HeartbeatMaxAge and runs the disconnect side effects for each.
func (r *Router) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stale := range r.Registry.SweepStale(HeartbeatMaxAge) {
				r.Log.Warn().Str("peer", stale.Key).Bool("device", stale.IsDevice).
					Msg("evicting stale connection")
				if stale.IsDevice {
					r.deviceDetached(ctx, stale.Key)
				} else if userID, err := strconv.ParseInt(stale.Key, 10, 64); err == nil {
					r.viewerDetached(ctx, userID)
				}
			}
		}
	}
}

// Shutdown closes every live channel with the going-away code.
func (r *Router) Shutdown() {
	r.Registry.CloseAll("server shutting down")
}

// sendError delivers an error payload on the connection, echoing the
// triggering request id when there is one.
func (r *Router) sendError(conn registry.Channel, requestID, message string) {
	env := protocol.MustEnvelope(protocol.TypeError, protocol.ErrorPayload{Message: message})
	env.RequestID = requestID
	_ = conn.Send(env)
}

// readFrame reads and decodes one envelope, refreshing the read deadline.
func readFrame(ws *websocket.Conn, deadline time.Duration) (*protocol.Envelope, error) {
	_ = ws.SetReadDeadline(time.Now().Add(deadline))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(raw)
}

// closeOnReadError terminates a connection whose read loop failed. Protocol
// violations get an explicit 1008 close so the peer learns why; socket-level
// errors mean the transport is already gone and need no close frame.
func closeOnReadError(conn registry.Channel, err error) {
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		conn.Close(websocket.ClosePolicyViolation, "malformed message")
	case errors.Is(err, protocol.ErrEmptyType):
		conn.Close(websocket.ClosePolicyViolation, "message type missing")
	case websocket.IsCloseError(err, websocket.CloseMessageTooBig) ||
		errors.Is(err, websocket.ErrReadLimit):
		conn.Close(websocket.CloseMessageTooBig, "message too large")
	}
}

// closeRaw is for sockets that never completed hello and therefore have no
// registry.Conn wrapper yet.
func closeRaw(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(3*time.Second))
	_ = ws.Close()
}

func viewerKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
