// Package agent is the device-side client of the hub: a resilient outbound
// websocket that registers the device, heartbeats, reports the local media
// service's streams, answers WebRTC offers through it, and serves tunneled
// HTTP requests against it.
package agent

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camhub/internal/protocol"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

const (
	HeartbeatInterval    = 15 * time.Second
	CapabilitiesInterval = 30 * time.Second
	HealthInterval       = 10 * time.Second

	localFetchTimeout   = 5 * time.Second
	defaultProxyTimeout = 30 * time.Second

	backoffBase = 1.0  // seconds
	backoffCap  = 30.0 // seconds
)

type Config struct {
	HubURL       string // ws(s)://hub/ws/device
	DeviceID     string
	DeviceSecret string
	AgentVersion string
	LocalHTTP    string // media service base URL, e.g. http://127.0.0.1:1984
	// DefaultStream is the media source answered for watch sessions.
	DefaultStream string
}

type Agent struct {
	cfg Config
	log zerolog.Logger

	client *http.Client

	writeMu sync.Mutex
	ws      *websocket.Conn

	state   atomic.Int32
	healthy atomic.Bool

	// attempts counts consecutive failed connects; reset on hello_ack.
	attempts int

	// sessions maps live session ids to their media exchange state.
	sessMu   sync.Mutex
	sessions map[string]*watchSession

	rng *rand.Rand
}

// watchSession tracks one live watch: the media source it plays and the
// signaling socket to the local media service once an offer arrives.
type watchSession struct {
	src string

	mu   sync.Mutex
	exch *websocket.Conn
	// pending buffers viewer candidates that arrive before the exchange
	// socket is open; flushed right after the offer.
	pending []string
}

// writeCandidate forwards one remote candidate to the media service,
// buffering it when the exchange has not opened yet.
func (s *watchSession) writeCandidate(candidate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exch == nil {
		s.pending = append(s.pending, candidate)
		return nil
	}
	return s.exch.WriteJSON(exchangeMessage{Type: msgCandidate, Value: candidate})
}

func (s *watchSession) closeExchange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exch != nil {
		_ = s.exch.Close()
		s.exch = nil
	}
}

func New(cfg Config, log zerolog.Logger) *Agent {
	if cfg.DefaultStream == "" {
		cfg.DefaultStream = "camera"
	}
	return &Agent{
		cfg:      cfg,
		log:      log.With().Str("device_id", cfg.DeviceID).Logger(),
		client:   &http.Client{},
		sessions: make(map[string]*watchSession),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State) {
	a.state.Store(int32(s))
	a.log.Debug().Str("state", s.String()).Msg("agent state")
}

// Run connects and reconnects until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			a.setState(StateStopping)
			return
		}
		a.setState(StateConnecting)

		if err := a.connectAndServe(ctx); err != nil {
			a.log.Warn().Err(err).Msg("connection lost")
		}
		if ctx.Err() != nil {
			a.setState(StateStopping)
			return
		}

		a.setState(StateReconnecting)
		a.attempts++
		sleep := a.backoff(a.attempts)
		a.log.Info().Int("attempt", a.attempts).Dur("sleep", sleep).Msg("reconnecting")
		select {
		case <-ctx.Done():
			a.setState(StateStopping)
			return
		case <-time.After(sleep):
		}
	}
}

// backoff computes min(base*2^(n-1), cap) plus up to a second of jitter.
func (a *Agent) backoff(attempt int) time.Duration {
	secs := math.Min(backoffBase*math.Pow(2, float64(attempt-1)), backoffCap)
	secs += a.rng.Float64()
	return time.Duration(secs * float64(time.Second))
}

// connectAndServe dials, handshakes, and runs the read loop until the
// socket dies or ctx is cancelled.
func (a *Agent) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, a.cfg.HubURL, nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	defer a.dropSessions()
	ws.SetReadLimit(protocol.MaxMessageSize)

	a.writeMu.Lock()
	a.ws = ws
	a.writeMu.Unlock()

	hello := protocol.MustEnvelope(protocol.TypeHello, protocol.DeviceHello{
		DeviceID:     a.cfg.DeviceID,
		AgentVersion: a.cfg.AgentVersion,
		Go2RTCHTTP:   a.cfg.LocalHTTP,
		DeviceSecret: a.cfg.DeviceSecret,
	})
	if err := a.write(hello); err != nil {
		return err
	}

	// Everything spawned for this connection dies with it.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopsStarted := false
	for {
		_ = ws.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			a.setState(StateDisconnected)
			return err
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			a.log.Warn().Err(err).Msg("undecodable frame from hub")
			continue
		}

		if env.Type == protocol.TypeHelloAck && !loopsStarted {
			a.setState(StateConnected)
			a.attempts = 0
			a.startLoops(connCtx)
			loopsStarted = true
			a.log.Info().Msg("connected to hub")
			continue
		}
		a.handleMessage(connCtx, env)
	}
}

func (a *Agent) session(id string) *watchSession {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	return a.sessions[id]
}

// dropSessions closes every media exchange. The hub ends all sessions when
// the device drops, so none survive a reconnect.
func (a *Agent) dropSessions() {
	a.sessMu.Lock()
	sessions := a.sessions
	a.sessions = make(map[string]*watchSession)
	a.sessMu.Unlock()
	for _, s := range sessions {
		s.closeExchange()
	}
}

func (a *Agent) startLoops(ctx context.Context) {
	go a.heartbeatLoop(ctx)
	go a.capabilitiesLoop(ctx)
	go a.healthLoop(ctx)
}

// write serializes frames on the shared socket. Returns without sending
// when there is no live socket.
func (a *Agent) write(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.ws == nil {
		return websocket.ErrCloseSent
	}
	_ = a.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return a.ws.WriteMessage(websocket.TextMessage, data)
}

// send drops the message unless the agent is connected. Heartbeats and
// capability reports are worthless stale; proxy responses are too, since
// the frontend deadline will have passed by any reconnect.
func (a *Agent) send(env *protocol.Envelope) {
	if a.State() != StateConnected {
		a.log.Debug().Str("type", env.Type).Msg("dropping message while not connected")
		return
	}
	if err := a.write(env); err != nil {
		a.log.Warn().Str("type", env.Type).Err(err).Msg("send failed")
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.send(protocol.MustEnvelope(protocol.TypeHeartbeat, struct{}{}))
		}
	}
}

func (a *Agent) capabilitiesLoop(ctx context.Context) {
	// Report once immediately so the hub learns the streams without
	// waiting a full interval.
	a.reportCapabilities(ctx)

	ticker := time.NewTicker(CapabilitiesInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reportCapabilities(ctx)
		}
	}
}

func (a *Agent) healthLoop(ctx context.Context) {
	a.probeHealth(ctx)

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.probeHealth(ctx)
		}
	}
}

func (a *Agent) probeHealth(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, localFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.LocalHTTP+"/api/streams", nil)
	if err != nil {
		a.healthy.Store(false)
		return
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.healthy.Store(false)
		return
	}
	resp.Body.Close()
	a.healthy.Store(resp.StatusCode == http.StatusOK)
}
