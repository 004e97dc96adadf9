package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxMessageSize bounds a single frame. Oversize frames close the
// connection with a "message too large" policy violation.
const MaxMessageSize = 10 << 20 // 10 MiB

// Message types exchanged over the device and viewer channels.
const (
	TypeHello          = "hello"
	TypeHelloAck       = "hello_ack"
	TypeHeartbeat      = "heartbeat"
	TypeHeartbeatAck   = "heartbeat_ack"
	TypeCapabilities   = "capabilities"
	TypeWatchRequest   = "watch_request"
	TypeWatchReady     = "watch_ready"
	TypeSignalOffer    = "signal_offer"
	TypeSignalAnswer   = "signal_answer"
	TypeSignalICE      = "signal_ice"
	TypeEndWatch       = "end_watch"
	TypeWatchEnded     = "watch_ended"
	TypeProxyHTTP      = "proxy_http"
	TypeProxyHTTPResp  = "proxy_http_resp"
	TypeDevicePresence = "device_presence"
	TypeError          = "error"
)

// Session end reasons carried in watch_ended payloads.
const (
	ReasonUserEnded          = "user_ended"
	ReasonDeviceDisconnected = "device_disconnected"
	ReasonViewerDisconnected = "viewer_disconnected"
	ReasonTimeout            = "timeout"
)

var (
	ErrEmptyType      = errors.New("message type missing")
	ErrMalformed      = errors.New("malformed message")
	ErrMissingPayload = errors.New("payload missing")
)

// Envelope is the wire framing for every message: a type tag, an ISO-8601
// UTC timestamp, an optional client correlation id, and a type-specific
// payload decoded lazily by the handler that knows its shape.
type Envelope struct {
	Type      string          `json:"type"`
	TS        time.Time       `json:"ts"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope stamps the current time and marshals payload.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Envelope{
		Type:    msgType,
		TS:      time.Now().UTC(),
		Payload: raw,
	}, nil
}

// MustEnvelope is NewEnvelope for payload types that cannot fail to marshal.
func MustEnvelope(msgType string, payload any) *Envelope {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode parses a raw frame and validates the type tag is present. Decode
// failures wrap ErrMalformed so read loops can tell a bad frame (protocol
// violation, close 1008) from a dead socket.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, ErrEmptyType
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e *Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return ErrMissingPayload
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// --- Payload variants, keyed by Envelope.Type ---

// DeviceHello is the first message a device must send after accept.
type DeviceHello struct {
	DeviceID     string `json:"device_id"`
	AgentVersion string `json:"agent_version,omitempty"`
	Go2RTCHTTP   string `json:"go2rtc_http,omitempty"`
	DeviceSecret string `json:"device_secret,omitempty"`
}

// ViewerHello carries the bearer token that authenticates the viewer.
type ViewerHello struct {
	Token string `json:"token"`
}

// HelloAck is the hub's reply to a successful hello.
type HelloAck struct {
	DeviceID   string `json:"device_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	ServerTime string `json:"server_time"`
}

// Capabilities reports the streams exposed by the device's media service.
type Capabilities struct {
	Streams map[string]any `json:"streams"`
}

// WatchRequest is sent viewer->hub with only DeviceID set, and hub->device
// with the allocated session and the device-side ICE configuration.
type WatchRequest struct {
	DeviceID   string `json:"device_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	ICEServers any    `json:"ice_servers,omitempty"`
}

// WatchReady tells the viewer its session is allocated.
type WatchReady struct {
	SessionID  string `json:"session_id"`
	ICEServers any    `json:"ice_servers"`
}

// SDP is an opaque session description; the hub never inspects it.
type SDP struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Signal carries an SDP offer or answer for a session.
type Signal struct {
	SessionID string `json:"session_id"`
	SDP       *SDP   `json:"sdp,omitempty"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit dictionary.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *int    `json:"sdpMLineIndex,omitempty"`
}

// SignalICE carries one trickled ICE candidate for a session.
type SignalICE struct {
	SessionID string        `json:"session_id"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

// EndWatch asks the hub to terminate a session.
type EndWatch struct {
	SessionID string `json:"session_id"`
}

// WatchEnded notifies either endpoint that a session is over.
type WatchEnded struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// ProxyHTTP is a tunneled HTTP request envelope, correlated by RID.
type ProxyHTTP struct {
	RID       string            `json:"rid"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	BodyB64   *string           `json:"body_b64,omitempty"`
	TimeoutMS int               `json:"timeout_ms"`
}

// ProxyHTTPResp is the device's answer to a ProxyHTTP envelope.
type ProxyHTTPResp struct {
	RID     string            `json:"rid"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	BodyB64 string            `json:"body_b64,omitempty"`
}

// ErrorPayload is a machine-readable failure sent to a connected peer.
type ErrorPayload struct {
	Message string `json:"message"`
}
