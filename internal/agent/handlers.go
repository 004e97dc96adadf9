package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-camhub/internal/protocol"
)

func (a *Agent) handleMessage(ctx context.Context, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeatAck:
		// liveness confirmed, nothing to do

	case protocol.TypeWatchRequest:
		var req protocol.WatchRequest
		if err := env.DecodePayload(&req); err != nil || req.SessionID == "" {
			a.log.Warn().Msg("watch_request without session_id")
			return
		}
		a.sessMu.Lock()
		a.sessions[req.SessionID] = &watchSession{src: a.cfg.DefaultStream}
		a.sessMu.Unlock()
		a.log.Info().Str("session_id", req.SessionID).Str("user_id", req.UserID).Msg("watch session requested")

	case protocol.TypeSignalOffer:
		var sig protocol.Signal
		if err := env.DecodePayload(&sig); err != nil || sig.SDP == nil {
			a.log.Warn().Msg("signal_offer without sdp")
			return
		}
		go a.answerOffer(ctx, sig)

	case protocol.TypeSignalICE:
		var ice protocol.SignalICE
		if err := env.DecodePayload(&ice); err != nil || ice.Candidate == nil {
			return
		}
		sess := a.session(ice.SessionID)
		if sess == nil {
			a.log.Warn().Str("session_id", ice.SessionID).Msg("candidate for unknown session")
			return
		}
		if err := sess.writeCandidate(ice.Candidate.Candidate); err != nil {
			a.log.Warn().Err(err).Str("session_id", ice.SessionID).Msg("forwarding candidate failed")
		}

	case protocol.TypeWatchEnded:
		var ended protocol.WatchEnded
		if err := env.DecodePayload(&ended); err != nil {
			return
		}
		a.sessMu.Lock()
		sess := a.sessions[ended.SessionID]
		delete(a.sessions, ended.SessionID)
		a.sessMu.Unlock()
		if sess != nil {
			sess.closeExchange()
		}
		a.log.Info().Str("session_id", ended.SessionID).Str("reason", ended.Reason).Msg("watch session ended")

	case protocol.TypeProxyHTTP:
		var req protocol.ProxyHTTP
		if err := env.DecodePayload(&req); err != nil || req.RID == "" {
			a.log.Warn().Msg("proxy_http without rid")
			return
		}
		go a.serveProxy(ctx, req)

	case protocol.TypeError:
		var payload protocol.ErrorPayload
		_ = env.DecodePayload(&payload)
		a.log.Warn().Str("message", payload.Message).Msg("error from hub")

	default:
		a.log.Warn().Str("type", env.Type).Msg("unexpected message from hub")
	}
}

// reportCapabilities fetches the local stream table and forwards it to the
// hub. Skipped while the local service is unhealthy.
func (a *Agent) reportCapabilities(ctx context.Context) {
	if !a.healthy.Load() && a.State() == StateConnected {
		// Give the very first report a chance: probe before skipping.
		a.probeHealth(ctx)
		if !a.healthy.Load() {
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, localFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.LocalHTTP+"/api/streams", nil)
	if err != nil {
		return
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var streams map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&streams); err != nil {
		a.log.Warn().Err(err).Msg("undecodable stream table")
		return
	}
	a.send(protocol.MustEnvelope(protocol.TypeCapabilities, protocol.Capabilities{Streams: streams}))
}

// Media service signaling messages (the /api/ws exchange).
const (
	msgOffer     = "webrtc/offer"
	msgAnswer    = "webrtc/answer"
	msgCandidate = "webrtc/candidate"
)

type exchangeMessage struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// answerOffer opens a signaling socket to the media service's WebRTC
// exchange, delivers the offer plus any buffered candidates, and relays the
// answer and locally gathered candidates back through the hub. The socket
// stays open for the session's lifetime so candidates trickle both ways.
func (a *Agent) answerOffer(ctx context.Context, sig protocol.Signal) {
	sess := a.session(sig.SessionID)
	if sess == nil {
		a.log.Warn().Str("session_id", sig.SessionID).Msg("offer for unknown session")
		return
	}

	dialer := websocket.Dialer{HandshakeTimeout: localFetchTimeout}
	wsURL := strings.Replace(a.cfg.LocalHTTP, "http", "ws", 1) + "/api/ws?src=" + url.QueryEscape(sess.src)
	exch, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		a.log.Warn().Err(err).Str("session_id", sig.SessionID).Msg("webrtc exchange dial failed")
		return
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	sess.mu.Lock()
	if sess.exch != nil {
		// Renegotiation: the previous exchange is superseded.
		_ = sess.exch.Close()
	}
	sess.exch = exch
	pending := sess.pending
	sess.pending = nil
	err = exch.WriteJSON(exchangeMessage{Type: msgOffer, Value: sig.SDP.SDP})
	for _, cand := range pending {
		if err == nil {
			err = exch.WriteJSON(exchangeMessage{Type: msgCandidate, Value: cand})
		}
	}
	sess.mu.Unlock()

	if err != nil {
		a.log.Warn().Err(err).Str("session_id", sig.SessionID).Msg("webrtc exchange write failed")
		sess.closeExchange()
		return
	}

	a.relayExchange(ctx, sig.SessionID, exch)
}

// relayExchange pumps media-service signaling back to the hub until the
// exchange socket dies or ctx is cancelled.
func (a *Agent) relayExchange(ctx context.Context, sessionID string, exch *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = exch.Close() })
	defer stop()

	for {
		var msg exchangeMessage
		if err := exch.ReadJSON(&msg); err != nil {
			a.log.Debug().Err(err).Str("session_id", sessionID).Msg("webrtc exchange closed")
			return
		}
		switch msg.Type {
		case msgAnswer:
			a.send(protocol.MustEnvelope(protocol.TypeSignalAnswer, protocol.Signal{
				SessionID: sessionID,
				SDP:       &protocol.SDP{SDP: msg.Value, Type: "answer"},
			}))
		case msgCandidate:
			a.send(protocol.MustEnvelope(protocol.TypeSignalICE, protocol.SignalICE{
				SessionID: sessionID,
				Candidate: &protocol.ICECandidate{Candidate: msg.Value},
			}))
		case "error":
			a.log.Warn().Str("session_id", sessionID).Str("message", msg.Value).Msg("media service error")
		}
	}
}

// serveProxy executes one tunneled HTTP request against the local service.
// Timeouts answer 504, every other failure 500 with the error in the body.
func (a *Agent) serveProxy(ctx context.Context, req protocol.ProxyHTTP) {
	timeout := defaultProxyTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.BodyB64 != nil {
		decoded, err := base64.StdEncoding.DecodeString(*req.BodyB64)
		if err != nil {
			a.sendProxyError(req.RID, http.StatusInternalServerError, "undecodable request body")
			return
		}
		body = bytes.NewReader(decoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, a.cfg.LocalHTTP+req.Path, body)
	if err != nil {
		a.sendProxyError(req.RID, http.StatusInternalServerError, err.Error())
		return
	}
	for name, value := range req.Headers {
		switch name {
		case "Host", "Connection", "Content-Length":
			continue
		}
		httpReq.Header.Set(name, value)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			a.sendProxyError(req.RID, http.StatusGatewayTimeout, "local service timeout")
		} else {
			a.sendProxyError(req.RID, http.StatusInternalServerError, err.Error())
		}
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxMessageSize))
	if err != nil {
		a.sendProxyError(req.RID, http.StatusInternalServerError, err.Error())
		return
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	a.send(protocol.MustEnvelope(protocol.TypeProxyHTTPResp, protocol.ProxyHTTPResp{
		RID:     req.RID,
		Status:  resp.StatusCode,
		Headers: headers,
		BodyB64: base64.StdEncoding.EncodeToString(respBody),
	}))
}

func (a *Agent) sendProxyError(rid string, status int, message string) {
	a.send(protocol.MustEnvelope(protocol.TypeProxyHTTPResp, protocol.ProxyHTTPResp{
		RID:     rid,
		Status:  status,
		Headers: map[string]string{"Content-Type": "text/plain"},
		BodyB64: base64.StdEncoding.EncodeToString([]byte(message)),
	}))
}
