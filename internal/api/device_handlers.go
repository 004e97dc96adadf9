package api

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camhub/internal/data"
	"github.com/technosupport/ts-camhub/internal/middleware"
)

const (
	PairingCodeLength = 6
	PairingCodeTTL    = 300 * time.Second

	// pairingCodeAttempts bounds the uniqueness retry loop; collisions on a
	// six-digit space are rare enough that hitting it means something is wrong.
	pairingCodeAttempts = 10
)

// OnlineChecker answers "does the registry hold a live channel right now".
type OnlineChecker interface {
	DeviceOnline(deviceID string) bool
}

type DeviceHandler struct {
	DB       *sql.DB
	Devices  data.DeviceModel
	Pairing  data.PairingModel
	Registry OnlineChecker
	Log      zerolog.Logger
}

// Register creates or refreshes a device row. Idempotent on device_id.
// POST /api/devices/register
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID   string `json:"device_id"`
		DeviceName string `json:"device_name"`
		DeviceType string `json:"device_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}
	if req.DeviceType == "" {
		req.DeviceType = "camera"
	}
	if req.DeviceName == "" {
		req.DeviceName = req.DeviceID
	}

	dev := &data.Device{DeviceID: req.DeviceID, Name: req.DeviceName, Type: req.DeviceType}
	if err := h.Devices.Register(r.Context(), dev); err != nil {
		h.Log.Error().Err(err).Str("device_id", req.DeviceID).Msg("device registration failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"device_id": dev.DeviceID,
		"message":   "Device registered",
	})
}

// GeneratePairing mints a short-lived numeric pairing code for a device.
// POST /api/pairing/generate?device_id=...
func (h *DeviceHandler) GeneratePairing(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	dev, err := h.Devices.GetByDeviceID(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, data.ErrDeviceNotFound) {
			http.Error(w, "Device not found", http.StatusNotFound)
			return
		}
		h.Log.Error().Err(err).Msg("device lookup failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	pc, err := h.mintCode(r, dev.ID)
	if err != nil {
		h.Log.Error().Err(err).Msg("generating pairing code failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"code":       pc.Code,
		"expires_at": pc.ExpiresAt.Format(time.RFC3339),
		"ttl":        int(PairingCodeTTL.Seconds()),
	})
}

// mintCode generates and persists a code nobody else holds outstanding. The
// outstanding check is advisory only; the partial unique index on unused
// codes is what actually arbitrates, so a lost insert race comes back as
// ErrDuplicate and we draw again.
func (h *DeviceHandler) mintCode(r *http.Request, deviceID int64) (*data.PairingCode, error) {
	for i := 0; i < pairingCodeAttempts; i++ {
		code, err := numericCode(PairingCodeLength)
		if err != nil {
			return nil, err
		}
		taken, err := h.Pairing.CodeOutstanding(r.Context(), code)
		if err != nil {
			return nil, err
		}
		if taken {
			continue
		}
		pc := &data.PairingCode{Code: code, DeviceID: deviceID, ExpiresAt: time.Now().UTC().Add(PairingCodeTTL)}
		err = h.Pairing.Create(r.Context(), pc)
		if err == nil {
			return pc, nil
		}
		if !errors.Is(err, data.ErrDuplicate) {
			return nil, err
		}
	}
	return nil, errors.New("pairing code space exhausted")
}

func numericCode(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}

// Pair redeems a pairing code for the authenticated viewer.
// POST /api/devices/pair
func (h *DeviceHandler) Pair(w http.ResponseWriter, r *http.Request) {
	ac, err := middleware.GetAuthContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		PairingCode string `json:"pairing_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PairingCode == "" {
		http.Error(w, "pairing_code is required", http.StatusBadRequest)
		return
	}

	dev, err := h.Pairing.Consume(r.Context(), h.DB, req.PairingCode, ac.UserID)
	if err != nil {
		if errors.Is(err, data.ErrPairingCodeNotFound) {
			http.Error(w, "Pairing code not found or expired", http.StatusNotFound)
			return
		}
		h.Log.Error().Err(err).Msg("redeeming pairing code failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, deviceResponse(dev, h.Registry.DeviceOnline(dev.DeviceID)))
}

// Status reports liveness for one device.
// GET /api/devices/{device_id}/status
func (h *DeviceHandler) Status(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")

	dev, err := h.Devices.GetByDeviceID(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, data.ErrDeviceNotFound) {
			http.Error(w, "Device not found", http.StatusNotFound)
			return
		}
		h.Log.Error().Err(err).Msg("device lookup failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"device_id": dev.DeviceID,
		"is_online": h.Registry.DeviceOnline(dev.DeviceID),
	}
	if dev.LastSeen != nil {
		resp["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	} else {
		resp["last_seen"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

// List returns the authenticated viewer's paired devices.
// GET /api/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	ac, err := middleware.GetAuthContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	devices, err := h.Devices.ListByOwner(r.Context(), ac.UserID)
	if err != nil {
		h.Log.Error().Err(err).Int64("user_id", ac.UserID).Msg("listing devices failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResponse(d, h.Registry.DeviceOnline(d.DeviceID)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func deviceResponse(d *data.Device, online bool) map[string]any {
	resp := map[string]any{
		"device_id": d.DeviceID,
		"name":      d.Name,
		"type":      d.Type,
		"is_online": online,
	}
	if d.LastSeen != nil {
		resp["last_seen"] = d.LastSeen.Format(time.RFC3339)
	}
	return resp
}
