package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-camhub/internal/data"
	"github.com/technosupport/ts-camhub/internal/presence"
	"github.com/technosupport/ts-camhub/internal/protocol"
	"github.com/technosupport/ts-camhub/internal/registry"
	"github.com/technosupport/ts-camhub/internal/tokens"
	"github.com/technosupport/ts-camhub/internal/turn"
)

// --- fakes ---

type fakeChannel struct {
	mu     sync.Mutex
	sent   []*protocol.Envelope
	closed bool
}

func (f *fakeChannel) Send(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeChannel) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeChannel) Touch()                   {}
func (f *fakeChannel) LastHeartbeat() time.Time { return time.Now() }

func (f *fakeChannel) envelopes() []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeChannel) lastOfType(t *testing.T, msgType string) *protocol.Envelope {
	t.Helper()
	envs := f.envelopes()
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == msgType {
			return envs[i]
		}
	}
	t.Fatalf("no %s envelope sent (got %d envelopes)", msgType, len(envs))
	return nil
}

type fakeDevices struct {
	mu      sync.Mutex
	devices map[string]*data.Device
	online  map[string]bool
	owners  map[string][]int64
}

func newFakeDevices(devs ...*data.Device) *fakeDevices {
	f := &fakeDevices{
		devices: make(map[string]*data.Device),
		online:  make(map[string]bool),
		owners:  make(map[string][]int64),
	}
	for _, d := range devs {
		f.devices[d.DeviceID] = d
	}
	return f
}

func (f *fakeDevices) GetByDeviceID(_ context.Context, deviceID string) (*data.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, data.ErrDeviceNotFound
	}
	return d, nil
}

func (f *fakeDevices) SetOnline(_ context.Context, deviceID string, online bool, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[deviceID] = online
	return nil
}

func (f *fakeDevices) ListOwnerIDs(_ context.Context, deviceID string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[deviceID], nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*data.WatchSession
	byNumID  map[int64]string // device numeric id -> device string id
}

func newFakeSessions(devices map[int64]string) *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*data.WatchSession), byNumID: devices}
}

func (f *fakeSessions) Create(_ context.Context, s *data.WatchSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.Status = data.SessionPending
	s.StartedAt = time.Now()
	s.DeviceStringID = f.byNumID[s.DeviceID]
	f.sessions[s.SessionID] = s
	return nil
}

func (f *fakeSessions) GetBySessionID(_ context.Context, sessionID string) (*data.WatchSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, data.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) SetActive(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.Status != data.SessionPending {
		return data.ErrSessionEnded
	}
	s.Status = data.SessionActive
	return nil
}

func (f *fakeSessions) End(_ context.Context, sessionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.Status == data.SessionEnded {
		return data.ErrSessionEnded
	}
	s.Status = data.SessionEnded
	s.EndedReason = &reason
	return nil
}

func (f *fakeSessions) EndAllForDevice(_ context.Context, deviceStringID, reason string) ([]data.EndedSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ended []data.EndedSession
	for _, s := range f.sessions {
		if s.DeviceStringID == deviceStringID && s.Status != data.SessionEnded {
			s.Status = data.SessionEnded
			s.EndedReason = &reason
			ended = append(ended, data.EndedSession{SessionID: s.SessionID, UserID: s.UserID, DeviceStringID: s.DeviceStringID})
		}
	}
	return ended, nil
}

func (f *fakeSessions) EndAllForUser(_ context.Context, userID int64, reason string) ([]data.EndedSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ended []data.EndedSession
	for _, s := range f.sessions {
		if s.UserID == userID && s.Status != data.SessionEnded {
			s.Status = data.SessionEnded
			s.EndedReason = &reason
			ended = append(ended, data.EndedSession{SessionID: s.SessionID, UserID: s.UserID, DeviceStringID: s.DeviceStringID})
		}
	}
	return ended, nil
}

type staticValidator struct{ claims *tokens.Claims }

func (v staticValidator) Validate(string) (*tokens.Claims, error) { return v.claims, nil }

// --- harness ---

type harness struct {
	router   *Router
	devices  *fakeDevices
	sessions *fakeSessions
	store    *presence.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cam := &data.Device{ID: 1, DeviceID: "cam-01", Name: "Front Door", Type: "camera"}
	devices := newFakeDevices(cam)
	sessions := newFakeSessions(map[int64]string{1: "cam-01"})
	store := presence.NewMemoryStore()

	r := &Router{
		Registry: registry.New(zerolog.Nop()),
		Presence: store,
		Devices:  devices,
		Sessions: sessions,
		Tokens:   staticValidator{},
		Turn:     turn.NewMinter("coturn", "turn.example.com", 3478, "secret"),
		Log:      zerolog.Nop(),
	}
	return &harness{router: r, devices: devices, sessions: sessions, store: store}
}

func (h *harness) connectDevice(deviceID string) *fakeChannel {
	ch := &fakeChannel{}
	h.router.Registry.AttachDevice(deviceID, ch)
	return ch
}

func (h *harness) connectViewer(userID int64) *fakeChannel {
	ch := &fakeChannel{}
	h.router.Registry.AttachViewer(viewerKey(userID), ch)
	return ch
}

func sessionIDFrom(t *testing.T, env *protocol.Envelope) string {
	t.Helper()
	var ready protocol.WatchReady
	require.NoError(t, env.DecodePayload(&ready))
	require.NotEmpty(t, ready.SessionID)
	return ready.SessionID
}

// --- tests ---

func TestHeartbeat_AckEchoesRequestID(t *testing.T) {
	h := newHarness(t)
	viewer := h.connectViewer(7)

	beat := protocol.MustEnvelope(protocol.TypeHeartbeat, struct{}{})
	beat.RequestID = "hb-1"
	h.router.handleViewerMessage(context.Background(), 7, viewer, beat)

	ack := viewer.lastOfType(t, protocol.TypeHeartbeatAck)
	assert.Equal(t, "hb-1", ack.RequestID)
}

func TestWatchRequest_HappyPath(t *testing.T) {
	h := newHarness(t)
	device := h.connectDevice("cam-01")
	viewer := h.connectViewer(7)

	req := protocol.MustEnvelope(protocol.TypeWatchRequest, protocol.WatchRequest{DeviceID: "cam-01"})
	req.RequestID = "wr-1"
	h.router.handleViewerMessage(context.Background(), 7, viewer, req)

	ready := viewer.lastOfType(t, protocol.TypeWatchReady)
	assert.Equal(t, "wr-1", ready.RequestID)
	sessionID := sessionIDFrom(t, ready)

	forwarded := device.lastOfType(t, protocol.TypeWatchRequest)
	var wr protocol.WatchRequest
	require.NoError(t, forwarded.DecodePayload(&wr))
	assert.Equal(t, sessionID, wr.SessionID)
	assert.Equal(t, "7", wr.UserID)
	assert.NotNil(t, wr.ICEServers)

	sess, err := h.sessions.GetBySessionID(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, data.SessionPending, sess.Status)

	_, err = h.store.Get(context.Background(), presence.KeySession(sessionID))
	assert.NoError(t, err, "session soft state should be written")
}

func TestWatchRequest_UnknownDevice(t *testing.T) {
	h := newHarness(t)
	viewer := h.connectViewer(7)

	req := protocol.MustEnvelope(protocol.TypeWatchRequest, protocol.WatchRequest{DeviceID: "ghost"})
	h.router.handleViewerMessage(context.Background(), 7, viewer, req)

	errEnv := viewer.lastOfType(t, protocol.TypeError)
	var payload protocol.ErrorPayload
	require.NoError(t, errEnv.DecodePayload(&payload))
	assert.Equal(t, "Device not found", payload.Message)
}

func TestWatchRequest_DeviceOffline(t *testing.T) {
	h := newHarness(t)
	viewer := h.connectViewer(7)
	// cam-01 exists in persistence but has no live channel

	req := protocol.MustEnvelope(protocol.TypeWatchRequest, protocol.WatchRequest{DeviceID: "cam-01"})
	h.router.handleViewerMessage(context.Background(), 7, viewer, req)

	errEnv := viewer.lastOfType(t, protocol.TypeError)
	var payload protocol.ErrorPayload
	require.NoError(t, errEnv.DecodePayload(&payload))
	assert.Equal(t, "Device is offline", payload.Message)
}

func TestSignalOffer_PromotesAndForwards(t *testing.T) {
	h := newHarness(t)
	device := h.connectDevice("cam-01")
	viewer := h.connectViewer(7)

	req := protocol.MustEnvelope(protocol.TypeWatchRequest, protocol.WatchRequest{DeviceID: "cam-01"})
	h.router.handleViewerMessage(context.Background(), 7, viewer, req)
	sessionID := sessionIDFrom(t, viewer.lastOfType(t, protocol.TypeWatchReady))

	offer := protocol.MustEnvelope(protocol.TypeSignalOffer, protocol.Signal{
		SessionID: sessionID,
		SDP:       &protocol.SDP{SDP: "v=0...", Type: "offer"},
	})
	h.router.handleViewerMessage(context.Background(), 7, viewer, offer)

	forwarded := device.lastOfType(t, protocol.TypeSignalOffer)
	var sig protocol.Signal
	require.NoError(t, forwarded.DecodePayload(&sig))
	assert.Equal(t, "v=0...", sig.SDP.SDP)

	sess, err := h.sessions.GetBySessionID(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, data.SessionActive, sess.Status)
}

func TestSignalAnswer_ForwardedToViewer(t *testing.T) {
	h := newHarness(t)
	h.connectDevice("cam-01")
	viewer := h.connectViewer(7)

	req := protocol.MustEnvelope(protocol.TypeWatchRequest, protocol.WatchRequest{DeviceID: "cam-01"})
	h.router.handleViewerMessage(context.Background(), 7, viewer, req)
	sessionID := sessionIDFrom(t, viewer.lastOfType(t, protocol.TypeWatchReady))

	answer := protocol.MustEnvelope(protocol.TypeSignalAnswer, protocol.Signal{
		SessionID: sessionID,
		SDP:       &protocol.SDP{SDP: "v=0-answer", Type: "answer"},
	})
	h.router.forwardToViewer(context.Background(), "cam-01", answer)

	forwarded := viewer.lastOfType(t, protocol.TypeSignalAnswer)
	var sig protocol.Signal
	require.NoError(t, forwarded.DecodePayload(&sig))
	assert.Equal(t, "v=0-answer", sig.SDP.SDP)
}

func TestSignalAnswer_MismatchedDeviceDropped(t *testing.T) {
	h := newHarness(t)
	h.connectDevice("cam-01")
	viewer := h.connectViewer(7)

	req := protocol.MustEnvelope(protocol.TypeWatchRequest, protocol.WatchRequest{DeviceID: "cam-01"})
	h.router.handleViewerMessage(context.Background(), 7, viewer, req)
	sessionID := sessionIDFrom(t, viewer.lastOfType(t, protocol.TypeWatchReady))
	before := len(viewer.envelopes())

	answer := protocol.MustEnvelope(protocol.TypeSignalAnswer, protocol.Signal{
		SessionID: sessionID,
		SDP:       &protocol.SDP{SDP: "x", Type: "answer"},
	})
	h.router.forwardToViewer(context.Background(), "cam-other", answer)

	assert.Len(t, viewer.envelopes(), before, "signal from the wrong device must not reach the viewer")
}

func TestEndWatch_NotifiesDevice(t *testing.T) {
	h := newHarness(t)
	device := h.connectDevice("cam-01")
	viewer := h.connectViewer(7)

	req := protocol.MustEnvelope(protocol.TypeWatchRequest, protocol.WatchRequest{DeviceID: "cam-01"})
	h.router.handleViewerMessage(context.Background(), 7, viewer, req)
	sessionID := sessionIDFrom(t, viewer.lastOfType(t, protocol.TypeWatchReady))

	end := protocol.MustEnvelope(protocol.TypeEndWatch, protocol.EndWatch{SessionID: sessionID})
	h.router.handleViewerMessage(context.Background(), 7, viewer, end)

	notice := device.lastOfType(t, protocol.TypeWatchEnded)
	var ended protocol.WatchEnded
	require.NoError(t, notice.DecodePayload(&ended))
	assert.Equal(t, sessionID, ended.SessionID)
	assert.Equal(t, protocol.ReasonUserEnded, ended.Reason)

	sess, err := h.sessions.GetBySessionID(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, data.SessionEnded, sess.Status)
	require.NotNil(t, sess.EndedReason)
	assert.Equal(t, protocol.ReasonUserEnded, *sess.EndedReason)

	_, err = h.store.Get(context.Background(), presence.KeySession(sessionID))
	assert.ErrorIs(t, err, presence.ErrNotFound, "soft state should be deleted on end")
}

func TestEndWatch_ForeignSessionIgnored(t *testing.T) {
	h := newHarness(t)
	device := h.connectDevice("cam-01")
	owner := h.connectViewer(7)
	intruder := h.connectViewer(8)

	req := protocol.MustEnvelope(protocol.TypeWatchRequest, protocol.WatchRequest{DeviceID: "cam-01"})
	h.router.handleViewerMessage(context.Background(), 7, owner, req)
	sessionID := sessionIDFrom(t, owner.lastOfType(t, protocol.TypeWatchReady))
	before := len(device.envelopes())

	end := protocol.MustEnvelope(protocol.TypeEndWatch, protocol.EndWatch{SessionID: sessionID})
	h.router.handleViewerMessage(context.Background(), 8, intruder, end)

	sess, err := h.sessions.GetBySessionID(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, data.SessionPending, sess.Status, "another user's end_watch must be a no-op")
	assert.Len(t, device.envelopes(), before)
}

func TestDeviceDetached_FanoutEndsSessions(t *testing.T) {
	h := newHarness(t)
	h.connectDevice("cam-01")
	viewer := h.connectViewer(7)

	req := protocol.MustEnvelope(protocol.TypeWatchRequest, protocol.WatchRequest{DeviceID: "cam-01"})
	h.router.handleViewerMessage(context.Background(), 7, viewer, req)
	sessionID := sessionIDFrom(t, viewer.lastOfType(t, protocol.TypeWatchReady))

	h.router.deviceDetached(context.Background(), "cam-01")

	notice := viewer.lastOfType(t, protocol.TypeWatchEnded)
	var ended protocol.WatchEnded
	require.NoError(t, notice.DecodePayload(&ended))
	assert.Equal(t, sessionID, ended.SessionID)
	assert.Equal(t, protocol.ReasonDeviceDisconnected, ended.Reason)

	h.devices.mu.Lock()
	assert.False(t, h.devices.online["cam-01"])
	h.devices.mu.Unlock()
}

func TestViewerDetached_FanoutNotifiesDevice(t *testing.T) {
	h := newHarness(t)
	device := h.connectDevice("cam-01")
	viewer := h.connectViewer(7)

	req := protocol.MustEnvelope(protocol.TypeWatchRequest, protocol.WatchRequest{DeviceID: "cam-01"})
	h.router.handleViewerMessage(context.Background(), 7, viewer, req)
	sessionID := sessionIDFrom(t, viewer.lastOfType(t, protocol.TypeWatchReady))

	h.router.viewerDetached(context.Background(), 7)

	notice := device.lastOfType(t, protocol.TypeWatchEnded)
	var ended protocol.WatchEnded
	require.NoError(t, notice.DecodePayload(&ended))
	assert.Equal(t, sessionID, ended.SessionID)
	assert.Equal(t, protocol.ReasonViewerDisconnected, ended.Reason)
}

func TestProxyResponse_StoredWithTTL(t *testing.T) {
	h := newHarness(t)
	dev := &data.Device{ID: 1, DeviceID: "cam-01"}

	env := protocol.MustEnvelope(protocol.TypeProxyHTTPResp, protocol.ProxyHTTPResp{
		RID: "rid-1", Status: 200, BodyB64: "aGVsbG8=",
	})
	h.router.handleDeviceMessage(context.Background(), dev, &fakeChannel{}, env)

	raw, err := h.store.Get(context.Background(), presence.KeyProxyResponse("rid-1"))
	require.NoError(t, err)
	assert.Contains(t, raw, `"rid":"rid-1"`)
}

func TestCapabilities_Stored(t *testing.T) {
	h := newHarness(t)
	dev := &data.Device{ID: 1, DeviceID: "cam-01"}

	env := protocol.MustEnvelope(protocol.TypeCapabilities, protocol.Capabilities{
		Streams: map[string]any{"front": map[string]any{"codec": "h264"}},
	})
	h.router.handleDeviceMessage(context.Background(), dev, &fakeChannel{}, env)

	raw, err := h.store.Get(context.Background(), presence.KeyCapabilities("cam-01"))
	require.NoError(t, err)
	assert.Contains(t, raw, `"front"`)
	assert.Contains(t, raw, `"last_updated"`)
}
