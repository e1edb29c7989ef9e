package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"caselog/pkg/api/handlers"
	"caselog/pkg/auth"
	"caselog/pkg/config"
	"caselog/pkg/fanout"
	"caselog/pkg/ingest"
	"caselog/pkg/search"
	"caselog/pkg/store"
	"caselog/pkg/telemetry"
	"caselog/pkg/utils"
)

// Handler assembles the full HTTP surface: probes and metrics on the root,
// versioned API behind the auth gateway, admin operations behind the admin
// guard.
func Handler(cfg *config.Config, proc *ingest.Processor, idx *search.Index, hub *fanout.Hub) http.Handler {
	a := &handlers.API{
		Proc:          proc,
		Idx:           idx,
		Hub:           hub,
		MaxResults:    cfg.Search.MaxResults,
		MaxEventBytes: cfg.Storage.MaxEventBytes.Int64(),
		Heartbeat:     cfg.Stream.Heartbeat.Duration(),
	}

	r := mux.NewRouter()
	r.Use(observe)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !store.Ready() {
			utils.JSONError(w, http.StatusServiceUnavailable, "store not ready")
			return
		}
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ready"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	a.Register(v1)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(auth.RequireAdmin)
	a.RegisterAdmin(admin)

	sec := auth.SecConfig{
		JWTSecret:      cfg.Security.JWTSecret,
		AllowedOrigins: cfg.Security.CORS.AllowedOrigins,
		RPS:            cfg.Security.RateLimit.RPS,
		Burst:          cfg.Security.RateLimit.Burst,
		IPWhitelist:    cfg.Security.IPWhitelist,
		AdminKeys:      cfg.AdminKeySet(),
	}
	return auth.Gateway(sec)(r)
}

// observe records request latency per route and status.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		telemetry.RequestDuration.
			WithLabelValues(route, strconv.Itoa(sw.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush lets streaming handlers reach the underlying flusher through the
// status recorder.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
