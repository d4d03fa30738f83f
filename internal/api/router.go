// Package api builds the gateway's HTTP surface: the WebSocket upgrade
// endpoint, health, and Prometheus metrics.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meshtalk-io/meshtalk/internal/ws"
)

// RouterConfig holds the dependencies needed to build the HTTP router.
type RouterConfig struct {
	Edge   *ws.Edge
	Logger *zap.Logger
}

// NewRouter builds the Chi router. The canonical upgrade path is
// /wss/default.io; the /wss/* glob keeps older client builds working.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/wss/default.io", cfg.Edge.ServeWS)
	r.Get("/wss/*", cfg.Edge.ServeWS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
