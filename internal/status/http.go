package status

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/scm"
)

// Pinger checks the backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type handler struct {
	collector *Collector
	store     Pinger
	logger    *zap.Logger
}

// NewRouter serves /health, /api/v1/status and /metrics. A nil gatherer
// exposes the default registry.
func NewRouter(c *Collector, store Pinger, gatherer prometheus.Gatherer, logger *zap.Logger) *mux.Router {
	h := &handler{collector: c, store: store, logger: logger}
	metricsHandler := promhttp.Handler()
	if gatherer != nil {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods("GET")
	r.HandleFunc("/api/v1/status", h.status).Methods("GET")
	r.Handle("/metrics", metricsHandler)
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := Filter{RepoID: q.Get("repo_id")}
	if s := q.Get("job_type"); s != "" {
		jt, err := scm.ParseJobType(s)
		if err != nil {
			http.Error(w, `{"error":"invalid job_type"}`, http.StatusBadRequest)
			return
		}
		f.JobType = jt
	}

	snap, err := h.collector.Collect(r.Context(), f)
	if err != nil {
		h.logger.Error("collect status failed", zap.Error(err))
		http.Error(w, `{"error":"failed to collect status"}`, http.StatusInternalServerError)
		return
	}

	switch q.Get("format") {
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		err = WriteText(w, snap)
	case "prometheus":
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		err = WritePrometheus(w, snap)
	default:
		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(snap)
	}
	if err != nil {
		h.logger.Warn("write status response", zap.Error(err))
	}
}
