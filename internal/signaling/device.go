package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-camhub/internal/data"
	"github.com/technosupport/ts-camhub/internal/events"
	"github.com/technosupport/ts-camhub/internal/presence"
	"github.com/technosupport/ts-camhub/internal/protocol"
	"github.com/technosupport/ts-camhub/internal/registry"
)

// ServeDevice runs the read loop for a freshly upgraded device socket. It
// blocks until the peer disconnects or is evicted.
func (r *Router) ServeDevice(ctx context.Context, ws *websocket.Conn) {
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
	var hello protocol.DeviceHello
	if err := env.DecodePayload(&hello); err != nil || hello.DeviceID == "" {
		closeRaw(ws, websocket.ClosePolicyViolation, "hello requires device_id")
		return
	}

	dev, err := r.Devices.GetByDeviceID(ctx, hello.DeviceID)
	if err != nil {
		if errors.Is(err, data.ErrDeviceNotFound) {
			closeRaw(ws, websocket.ClosePolicyViolation, "unknown device")
		} else {
			r.Log.Error().Err(err).Str("device_id", hello.DeviceID).Msg("device lookup failed")
			closeRaw(ws, websocket.CloseInternalServerErr, "internal error")
		}
		return
	}

	log := r.Log.With().Str("device_id", dev.DeviceID).Logger()
	conn := registry.NewConn(ws, log)

	r.Registry.AttachDevice(dev.DeviceID, conn)
	r.deviceAttached(ctx, dev.DeviceID, hello.Go2RTCHTTP)
	r.sendHelloAck(conn, env.RequestID, protocol.HelloAck{DeviceID: dev.DeviceID})
	log.Info().Str("agent_version", hello.AgentVersion).Msg("device connected")

	for {
		env, err := readFrame(ws, readDeadline)
		if err != nil {
			closeOnReadError(conn, err)
			break
		}
		r.Metrics.MessageIn(env.Type)
		r.handleDeviceMessage(ctx, dev, conn, env)
	}

	if r.Registry.DetachDevice(dev.DeviceID, conn) {
		r.deviceDetached(ctx, dev.DeviceID)
		log.Info().Msg("device disconnected")
	}
}

func (r *Router) handleDeviceMessage(ctx context.Context, dev *data.Device, conn registry.Channel, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHello:
		// Agents re-hello after transient errors; refresh soft state and ack.
		var hello protocol.DeviceHello
		if err := env.DecodePayload(&hello); err == nil && hello.Go2RTCHTTP != "" {
			_ = r.Presence.Set(ctx, presence.KeyGo2RTC(dev.DeviceID), hello.Go2RTCHTTP, 0)
		}
		r.sendHelloAck(conn, env.RequestID, protocol.HelloAck{DeviceID: dev.DeviceID})

	case protocol.TypeHeartbeat:
		conn.Touch()
		_ = r.Presence.Set(ctx, presence.KeyDevicePresence(dev.DeviceID), "online", presenceTTL)
		ack := protocol.MustEnvelope(protocol.TypeHeartbeatAck, struct{}{})
		ack.RequestID = env.RequestID
		_ = conn.Send(ack)

	case protocol.TypeCapabilities:
		r.storeCapabilities(ctx, dev.DeviceID, env)

	case protocol.TypeSignalAnswer, protocol.TypeSignalICE:
		r.forwardToViewer(ctx, dev.DeviceID, env)

	case protocol.TypeProxyHTTPResp:
		var resp protocol.ProxyHTTPResp
		if err := env.DecodePayload(&resp); err != nil || resp.RID == "" {
			r.Log.Warn().Str("device_id", dev.DeviceID).Msg("proxy_http_resp without rid")
			return
		}
		if err := r.Presence.Set(ctx, presence.KeyProxyResponse(resp.RID), string(env.Payload), proxyResponseTTL); err != nil {
			r.Log.Error().Err(err).Str("rid", resp.RID).Msg("storing proxy response failed")
		}

	default:
		r.Log.Warn().Str("device_id", dev.DeviceID).Str("type", env.Type).Msg("unexpected device message")
	}
}

func (r *Router) storeCapabilities(ctx context.Context, deviceID string, env *protocol.Envelope) {
	var caps protocol.Capabilities
	if err := env.DecodePayload(&caps); err != nil {
		r.Log.Warn().Str("device_id", deviceID).Err(err).Msg("malformed capabilities")
		return
	}
	record, err := json.Marshal(struct {
		Streams     map[string]any `json:"streams"`
		LastUpdated string         `json:"last_updated"`
	}{caps.Streams, time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return
	}
	if err := r.Presence.Set(ctx, presence.KeyCapabilities(deviceID), string(record), 0); err != nil {
		r.Log.Error().Err(err).Str("device_id", deviceID).Msg("storing capabilities failed")
	}
}

// forwardToViewer relays a device signaling message to the session's viewer
// after checking the session is live and actually belongs to the sender.
func (r *Router) forwardToViewer(ctx context.Context, deviceID string, env *protocol.Envelope) {
	var sig protocol.Signal
	if err := env.DecodePayload(&sig); err != nil || sig.SessionID == "" {
		r.Log.Warn().Str("device_id", deviceID).Str("type", env.Type).Msg("signal without session_id")
		return
	}

	sess, err := r.Sessions.GetBySessionID(ctx, sig.SessionID)
	if err != nil {
		r.Log.Warn().Str("session_id", sig.SessionID).Str("type", env.Type).Msg("signal for unknown session")
		return
	}
	if sess.Status == data.SessionEnded || sess.DeviceStringID != deviceID {
		r.Log.Warn().Str("session_id", sig.SessionID).Str("device_id", deviceID).
			Str("status", sess.Status).Msg("dropping signal for mismatched session")
		return
	}

	if err := r.Registry.SendToViewer(viewerKey(sess.UserID), env); err != nil {
		r.Metrics.MessageDropped(env.Type)
	}
}

func (r *Router) sendHelloAck(conn registry.Channel, requestID string, ack protocol.HelloAck) {
	ack.ServerTime = time.Now().UTC().Format(time.RFC3339)
	env := protocol.MustEnvelope(protocol.TypeHelloAck, ack)
	env.RequestID = requestID
	_ = conn.Send(env)
}

// deviceAttached runs the connect side effects: persistence flag, presence
// soft state, owner notification, lifecycle event.
func (r *Router) deviceAttached(ctx context.Context, deviceID, go2rtcHTTP string) {
	now := time.Now().UTC()
	if err := r.Devices.SetOnline(ctx, deviceID, true, now); err != nil {
		r.Log.Error().Err(err).Str("device_id", deviceID).Msg("marking device online failed")
	}
	_ = r.Presence.HSet(ctx, presence.HashOnlineDevices, deviceID, now.Format(time.RFC3339))
	_ = r.Presence.Set(ctx, presence.KeyDevicePresence(deviceID), "online", presenceTTL)
	if go2rtcHTTP != "" {
		_ = r.Presence.Set(ctx, presence.KeyGo2RTC(deviceID), go2rtcHTTP, 0)
	}
	r.notifyOwners(ctx, deviceID, true)
	if err := r.Events.Publish(events.Event{Kind: events.DeviceConnected, DeviceID: deviceID}); err != nil {
		r.Log.Warn().Err(err).Msg("publishing device_connected failed")
	}
}

// deviceDetached runs the disconnect side effects and the session fanout.
// Store failures here must not stop peers from being notified.
func (r *Router) deviceDetached(ctx context.Context, deviceID string) {
	now := time.Now().UTC()
	if err := r.Devices.SetOnline(ctx, deviceID, false, now); err != nil {
		r.Log.Error().Err(err).Str("device_id", deviceID).Msg("marking device offline failed")
	}
	_ = r.Presence.HDel(ctx, presence.HashOnlineDevices, deviceID)
	_ = r.Presence.Delete(ctx, presence.KeyDevicePresence(deviceID))
	_ = r.Presence.Delete(ctx, presence.KeyGo2RTC(deviceID))

	ended, err := r.Sessions.EndAllForDevice(ctx, deviceID, protocol.ReasonDeviceDisconnected)
	if err != nil {
		r.Log.Error().Err(err).Str("device_id", deviceID).Msg("ending sessions on disconnect failed")
	}
	for _, e := range ended {
		_ = r.Presence.Delete(ctx, presence.KeySession(e.SessionID))
		notice := protocol.MustEnvelope(protocol.TypeWatchEnded, protocol.WatchEnded{
			SessionID: e.SessionID,
			Reason:    protocol.ReasonDeviceDisconnected,
		})
		if err := r.Registry.SendToViewer(viewerKey(e.UserID), notice); err != nil {
			r.Metrics.MessageDropped(protocol.TypeWatchEnded)
		}
		r.Metrics.SessionEnded(protocol.ReasonDeviceDisconnected)
		_ = r.Events.Publish(events.Event{
			Kind: events.SessionEnded, SessionID: e.SessionID,
			DeviceID: deviceID, UserID: e.UserID,
			Reason: protocol.ReasonDeviceDisconnected,
		})
	}

	r.notifyOwners(ctx, deviceID, false)
	_ = r.Events.Publish(events.Event{Kind: events.DeviceDisconnected, DeviceID: deviceID})
}

// notifyOwners best-effort pushes a device_presence update to every
// connected viewer paired with the device.
func (r *Router) notifyOwners(ctx context.Context, deviceID string, online bool) {
	owners, err := r.Devices.ListOwnerIDs(ctx, deviceID)
	if err != nil {
		r.Log.Warn().Err(err).Str("device_id", deviceID).Msg("owner lookup failed")
		return
	}
	notice := protocol.MustEnvelope(protocol.TypeDevicePresence, struct {
		DeviceID string `json:"device_id"`
		Online   bool   `json:"online"`
	}{deviceID, online})
	for _, userID := range owners {
		_ = r.Registry.SendToViewer(viewerKey(userID), notice)
	}
}
