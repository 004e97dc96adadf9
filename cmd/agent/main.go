package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camhub/internal/agent"
)

var version = "dev"

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "camhub-agent").Logger()

	cfg := agent.Config{
		HubURL:        envOr("HUB_URL", "ws://localhost:8080/ws/device"),
		DeviceID:      os.Getenv("DEVICE_ID"),
		DeviceSecret:  os.Getenv("DEVICE_SECRET"),
		AgentVersion:  version,
		LocalHTTP:     envOr("GO2RTC_URL", "http://127.0.0.1:1984"),
		DefaultStream: envOr("DEFAULT_STREAM", "camera"),
	}
	if cfg.DeviceID == "" {
		log.Fatal().Msg("DEVICE_ID is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registerDevice(ctx, cfg, log)

	log.Info().
		Str("hub", cfg.HubURL).
		Str("device_id", cfg.DeviceID).
		Str("local", cfg.LocalHTTP).
		Msg("Agent starting")

	a := agent.New(cfg, log)
	a.Run(ctx)
	log.Info().Msg("Agent stopped")
}

// registerDevice creates the device row over the hub's REST API. The hub
// refuses hello from unknown devices, so this runs before the socket dials;
// it is idempotent, so re-running on every start is fine.
func registerDevice(ctx context.Context, cfg agent.Config, log zerolog.Logger) {
	base := strings.Replace(cfg.HubURL, "ws", "http", 1)
	if i := strings.Index(base, "/ws/"); i >= 0 {
		base = base[:i]
	}

	body, _ := json.Marshal(map[string]string{"device_id": cfg.DeviceID})
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/devices/register", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("Device registration skipped, hub unreachable")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Msg("Device registration rejected")
		return
	}
	log.Info().Msg("Device registered with hub")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
