package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camhub/internal/middleware"
)

// Handlers bundles everything the route table needs.
type Handlers struct {
	Auth    *AuthHandler
	Devices *DeviceHandler
	Proxy   *ProxyHandler
	WS      *WSHandler
	Health  *HealthHandler
	Metrics http.Handler

	JWTAuth *middleware.JWTAuth
	Log     zerolog.Logger
}

// NewRouter wires the full HTTP surface: public endpoints, the
// token-protected viewer API, the device/viewer sockets, and metrics.
func NewRouter(h Handlers) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger(h.Log))

	r.Get("/", h.Health.Root)
	r.Get("/health", h.Health.Health)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}

	r.Get("/ws/device", h.WS.Device)
	r.Get("/ws/viewer", h.WS.Viewer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.Auth.Register)
		r.Post("/auth/login", h.Auth.Login)

		// Device-side endpoints: agents register and mint pairing codes
		// before any user owns them, so no bearer token here.
		r.Post("/devices/register", h.Devices.Register)
		r.Post("/pairing/generate", h.Devices.GeneratePairing)
		r.Get("/devices/{device_id}/status", h.Devices.Status)

		r.Group(func(r chi.Router) {
			r.Use(h.JWTAuth.Middleware)

			r.Get("/devices", h.Devices.List)
			r.Post("/devices/pair", h.Devices.Pair)
			r.HandleFunc("/devices/{device_id}/proxy/*", h.Proxy.Handle)
		})
	})

	return r
}
