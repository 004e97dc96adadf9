package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camhub/internal/metrics"
	"github.com/technosupport/ts-camhub/internal/presence"
	"github.com/technosupport/ts-camhub/internal/protocol"
	"github.com/technosupport/ts-camhub/internal/registry"
)

const (
	// ProxyDeadline is the end-to-end budget for one tunneled request.
	ProxyDeadline = 30 * time.Second

	// proxyPollInterval is how often the frontend checks the response
	// mailbox. The correlator is the presence store, so any hub sharing
	// it can serve the response.
	proxyPollInterval = 250 * time.Millisecond
)

// DeviceSender delivers envelopes to a device channel.
type DeviceSender interface {
	DeviceOnline(deviceID string) bool
	SendToDevice(deviceID string, env *protocol.Envelope) error
}

type ProxyHandler struct {
	Registry DeviceSender
	Presence presence.Store
	Metrics  *metrics.Collector
	Log      zerolog.Logger
}

// Handle tunnels any HTTP method to the service next to the device.
// {GET,POST,PUT,DELETE} /api/devices/{device_id}/proxy/*
func (h *ProxyHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	deviceID := chi.URLParam(r, "device_id")
	tail := chi.URLParam(r, "*")

	if !h.Registry.DeviceOnline(deviceID) {
		h.Metrics.ProxyRequest("503", time.Since(start))
		http.Error(w, "Device is offline", http.StatusServiceUnavailable)
		return
	}

	path := "/" + tail
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	var bodyB64 *string
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, protocol.MaxMessageSize))
		if err != nil {
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
		if len(body) > 0 {
			enc := base64.StdEncoding.EncodeToString(body)
			bodyB64 = &enc
		}
	}

	rid := uuid.New().String()
	env := protocol.MustEnvelope(protocol.TypeProxyHTTP, protocol.ProxyHTTP{
		RID:       rid,
		Method:    r.Method,
		Path:      path,
		Headers:   headers,
		BodyB64:   bodyB64,
		TimeoutMS: int(ProxyDeadline / time.Millisecond),
	})
	if err := h.Registry.SendToDevice(deviceID, env); err != nil {
		if errors.Is(err, registry.ErrNotConnected) {
			h.Metrics.ProxyRequest("503", time.Since(start))
			http.Error(w, "Device is offline", http.StatusServiceUnavailable)
			return
		}
		h.Metrics.ProxyRequest("502", time.Since(start))
		http.Error(w, "Failed to reach device", http.StatusBadGateway)
		return
	}

	resp, err := h.awaitResponse(r.Context(), rid)
	if err != nil {
		h.Metrics.ProxyRequest("504", time.Since(start))
		http.Error(w, "Device did not respond", http.StatusGatewayTimeout)
		return
	}

	body, err := base64.StdEncoding.DecodeString(resp.BodyB64)
	if err != nil {
		h.Log.Warn().Str("rid", rid).Err(err).Msg("undecodable proxy response body")
		h.Metrics.ProxyRequest("502", time.Since(start))
		http.Error(w, "Malformed device response", http.StatusBadGateway)
		return
	}

	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(body)
	h.Metrics.ProxyRequest(strconv.Itoa(resp.Status), time.Since(start))
}

// awaitResponse polls the response mailbox until the deadline. The key is
// deleted on success so at most one waiter is ever satisfied.
func (h *ProxyHandler) awaitResponse(ctx context.Context, rid string) (*protocol.ProxyHTTPResp, error) {
	ctx, cancel := context.WithTimeout(ctx, ProxyDeadline)
	defer cancel()

	ticker := time.NewTicker(proxyPollInterval)
	defer ticker.Stop()

	key := presence.KeyProxyResponse(rid)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			raw, err := h.Presence.Get(ctx, key)
			if errors.Is(err, presence.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			_ = h.Presence.Delete(ctx, key)

			var resp protocol.ProxyHTTPResp
			if err := json.Unmarshal([]byte(raw), &resp); err != nil {
				return nil, err
			}
			return &resp, nil
		}
	}
}
