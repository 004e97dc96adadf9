package signaling

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-camhub/internal/data"
	"github.com/technosupport/ts-camhub/internal/events"
	"github.com/technosupport/ts-camhub/internal/presence"
	"github.com/technosupport/ts-camhub/internal/protocol"
	"github.com/technosupport/ts-camhub/internal/registry"
)

// ServeViewer runs the read loop for a freshly upgraded viewer socket.
func (r *Router) ServeViewer(ctx context.Context, ws *websocket.Conn) {
	ws.SetReadLimit(protocol.MaxMessageSize)

	env, err := readFrame(ws, helloTimeout)
	if err != nil {
		closeRaw(ws, websocket.ClosePolicyViolation, "hello required")
		return
	}
	if env.Type != protocol.TypeHello {
		closeRaw(ws, websocket.ClosePolicyViolation, "first message must be hello")
		return
	}
	var hello protocol.ViewerHello
	if err := env.DecodePayload(&hello); err != nil || hello.Token == "" {
		closeRaw(ws, websocket.ClosePolicyViolation, "hello requires token")
		return
	}

	claims, err := r.Tokens.Validate(hello.Token)
	if err != nil {
		closeRaw(ws, websocket.ClosePolicyViolation, "invalid token")
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		closeRaw(ws, websocket.ClosePolicyViolation, "invalid token")
		return
	}

	log := r.Log.With().Int64("user_id", userID).Logger()
	conn := registry.NewConn(ws, log)

	r.Registry.AttachViewer(viewerKey(userID), conn)
	r.sendHelloAck(conn, env.RequestID, protocol.HelloAck{UserID: viewerKey(userID)})
	log.Info().Str("username", claims.Username).Msg("viewer connected")

	for {
		env, err := readFrame(ws, readDeadline)
		if err != nil {
			closeOnReadError(conn, err)
			break
		}
		r.Metrics.MessageIn(env.Type)
		r.handleViewerMessage(ctx, userID, conn, env)
	}

	if r.Registry.DetachViewer(viewerKey(userID), conn) {
		r.viewerDetached(ctx, userID)
		log.Info().Msg("viewer disconnected")
	}
}

func (r *Router) handleViewerMessage(ctx context.Context, userID int64, conn registry.Channel, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		conn.Touch()
		ack := protocol.MustEnvelope(protocol.TypeHeartbeatAck, struct{}{})
		ack.RequestID = env.RequestID
		_ = conn.Send(ack)

	case protocol.TypeWatchRequest:
		r.handleWatchRequest(ctx, userID, conn, env)

	case protocol.TypeSignalOffer:
		sess := r.liveSessionFor(ctx, userID, env)
		if sess == nil {
			return
		}
		if err := r.Sessions.SetActive(ctx, sess.SessionID); err != nil {
			if !errors.Is(err, data.ErrSessionEnded) {
				r.Log.Error().Err(err).Str("session_id", sess.SessionID).Msg("activating session failed")
			}
			// Already active is fine for renegotiation; already ended means drop.
			if sess.Status != data.SessionActive {
				return
			}
		}
		if err := r.Registry.SendToDevice(sess.DeviceStringID, env); err != nil {
			r.Metrics.MessageDropped(env.Type)
		}

	case protocol.TypeSignalICE:
		sess := r.liveSessionFor(ctx, userID, env)
		if sess == nil {
			return
		}
		if err := r.Registry.SendToDevice(sess.DeviceStringID, env); err != nil {
			r.Metrics.MessageDropped(env.Type)
		}

	case protocol.TypeEndWatch:
		r.handleEndWatch(ctx, userID, env)

	default:
		r.Log.Warn().Int64("user_id", userID).Str("type", env.Type).Msg("unexpected viewer message")
	}
}

func (r *Router) handleWatchRequest(ctx context.Context, userID int64, conn registry.Channel, env *protocol.Envelope) {
	var req protocol.WatchRequest
	if err := env.DecodePayload(&req); err != nil || req.DeviceID == "" {
		r.sendError(conn, env.RequestID, "watch_request requires device_id")
		return
	}

	dev, err := r.Devices.GetByDeviceID(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, data.ErrDeviceNotFound) {
			r.sendError(conn, env.RequestID, "Device not found")
		} else {
			r.Log.Error().Err(err).Str("device_id", req.DeviceID).Msg("device lookup failed")
			r.sendError(conn, env.RequestID, "internal error")
		}
		return
	}
	if !r.Registry.DeviceOnline(dev.DeviceID) {
		r.sendError(conn, env.RequestID, "Device is offline")
		return
	}

	sessionID := uuid.New().String()
	sess := &data.WatchSession{SessionID: sessionID, UserID: userID, DeviceID: dev.ID}
	if err := r.Sessions.Create(ctx, sess); err != nil {
		r.Log.Error().Err(err).Str("device_id", dev.DeviceID).Msg("creating session failed")
		r.sendError(conn, env.RequestID, "internal error")
		return
	}

	soft, _ := json.Marshal(struct {
		SessionID string `json:"session_id"`
		UserID    int64  `json:"user_id"`
		DeviceID  string `json:"device_id"`
		Status    string `json:"status"`
	}{sessionID, userID, dev.DeviceID, data.SessionPending})
	_ = r.Presence.Set(ctx, presence.KeySession(sessionID), string(soft), 0)

	toDevice := protocol.MustEnvelope(protocol.TypeWatchRequest, protocol.WatchRequest{
		SessionID:  sessionID,
		UserID:     viewerKey(userID),
		ICEServers: r.Turn.ICEServers("device_"+sessionID, false),
	})
	if err := r.Registry.SendToDevice(dev.DeviceID, toDevice); err != nil {
		// The device vanished between the online check and the send.
		_ = r.Sessions.End(ctx, sessionID, protocol.ReasonDeviceDisconnected)
		_ = r.Presence.Delete(ctx, presence.KeySession(sessionID))
		r.sendError(conn, env.RequestID, "Device is offline")
		return
	}

	ready := protocol.MustEnvelope(protocol.TypeWatchReady, protocol.WatchReady{
		SessionID:  sessionID,
		ICEServers: r.Turn.ICEServers("viewer_"+sessionID, true),
	})
	ready.RequestID = env.RequestID
	_ = conn.Send(ready)

	r.Metrics.SessionStarted()
	_ = r.Events.Publish(events.Event{
		Kind: events.SessionStarted, SessionID: sessionID,
		DeviceID: dev.DeviceID, UserID: userID,
	})
	r.Log.Info().Str("session_id", sessionID).Str("device_id", dev.DeviceID).
		Int64("user_id", userID).Msg("watch session created")
}

func (r *Router) handleEndWatch(ctx context.Context, userID int64, env *protocol.Envelope) {
	var req protocol.EndWatch
	if err := env.DecodePayload(&req); err != nil || req.SessionID == "" {
		return
	}
	sess, err := r.Sessions.GetBySessionID(ctx, req.SessionID)
	if err != nil || sess.UserID != userID {
		return
	}
	if err := r.Sessions.End(ctx, req.SessionID, protocol.ReasonUserEnded); err != nil {
		return // already ended
	}
	_ = r.Presence.Delete(ctx, presence.KeySession(req.SessionID))

	notice := protocol.MustEnvelope(protocol.TypeWatchEnded, protocol.WatchEnded{
		SessionID: req.SessionID,
		Reason:    protocol.ReasonUserEnded,
	})
	if err := r.Registry.SendToDevice(sess.DeviceStringID, notice); err != nil {
		r.Metrics.MessageDropped(protocol.TypeWatchEnded)
	}

	r.Metrics.SessionEnded(protocol.ReasonUserEnded)
	_ = r.Events.Publish(events.Event{
		Kind: events.SessionEnded, SessionID: req.SessionID,
		DeviceID: sess.DeviceStringID, UserID: userID,
		Reason: protocol.ReasonUserEnded,
	})
}

// liveSessionFor resolves the session named in a viewer signaling message
// and enforces ownership and liveness. Violations are silent drops.
func (r *Router) liveSessionFor(ctx context.Context, userID int64, env *protocol.Envelope) *data.WatchSession {
	var sig protocol.Signal
	if err := env.DecodePayload(&sig); err != nil || sig.SessionID == "" {
		r.Log.Warn().Int64("user_id", userID).Str("type", env.Type).Msg("signal without session_id")
		return nil
	}
	sess, err := r.Sessions.GetBySessionID(ctx, sig.SessionID)
	if err != nil {
		r.Log.Warn().Str("session_id", sig.SessionID).Str("type", env.Type).Msg("signal for unknown session")
		return nil
	}
	if sess.UserID != userID || sess.Status == data.SessionEnded {
		r.Log.Warn().Str("session_id", sig.SessionID).Int64("user_id", userID).
			Str("status", sess.Status).Msg("dropping signal for mismatched session")
		return nil
	}
	return sess
}

// viewerDetached ends every live session held by the viewer and notifies
// the device side of each.
func (r *Router) viewerDetached(ctx context.Context, userID int64) {
	ended, err := r.Sessions.EndAllForUser(ctx, userID, protocol.ReasonViewerDisconnected)
	if err != nil {
		r.Log.Error().Err(err).Int64("user_id", userID).Msg("ending sessions on disconnect failed")
		return
	}
	for _, e := range ended {
		_ = r.Presence.Delete(ctx, presence.KeySession(e.SessionID))
		notice := protocol.MustEnvelope(protocol.TypeWatchEnded, protocol.WatchEnded{
			SessionID: e.SessionID,
			Reason:    protocol.ReasonViewerDisconnected,
		})
		if err := r.Registry.SendToDevice(e.DeviceStringID, notice); err != nil {
			r.Metrics.MessageDropped(protocol.TypeWatchEnded)
		}
		r.Metrics.SessionEnded(protocol.ReasonViewerDisconnected)
		_ = r.Events.Publish(events.Event{
			Kind: events.SessionEnded, SessionID: e.SessionID,
			DeviceID: e.DeviceStringID, UserID: userID,
			Reason: protocol.ReasonViewerDisconnected,
		})
	}
}
