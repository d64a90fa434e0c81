package app

import (
	"context"
	"net/http"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// Handler returns the full HTTP surface wrapped in the middleware chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)

	var h http.Handler = mux
	h = WithSecurityHeaders(h)
	h = WithCORS(h, a.cfg, a.log)
	return WithRequestLogging(h, a.log)
}

func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && a.cfg.Store == StoreMemory {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		var err error
		if a.dbPool != nil {
			err = PingDB(r.Context(), a.dbPool, readyTimeout)
		} else {
			err = readinessPing(r.Context(), a.store)
		}
		if err != nil {
			a.log.Info("readyz.store.not_ready", "err", err)
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
		if p, ok := a.bus.(pinger); ok {
			if err := readinessPing(r.Context(), p); err != nil {
				a.log.Info("readyz.bus.not_ready", "err", err)
				http.Error(w, "bus not ready", http.StatusServiceUnavailable)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", a.metrics.Handler())

	a.api.Register(mux)
	mux.Handle("/ws", a.ws)
}

func readinessPing(parent context.Context, p pinger) error {
	ctx, cancel := context.WithTimeout(parent, readyTimeout)
	defer cancel()
	return p.Ping(ctx)
}
