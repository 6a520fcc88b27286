package app

import (
	"net/http"
	"time"

	"relay/internal/metrics"
)

// routes mounts ops endpoints, the WebSocket gateway, and the REST API on
// one router.
func (a *App) routes() http.Handler {
	r := a.api.Router()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if a.cfg.ReadinessRequireDB && a.pool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if a.pool != nil {
			if err := PingDB(req.Context(), a.pool, 2*time.Second); err != nil {
				a.log.Info("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	r.Handle("/metrics", metrics.Handler(a.promReg))
	r.HandleFunc("/api/ws", a.gateway.HandleWS)

	return r
}
