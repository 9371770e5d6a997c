package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fieldline/upsertd/internal/health"
	"github.com/fieldline/upsertd/internal/segment"
	"github.com/fieldline/upsertd/internal/watermark"
)

// SegmentRegistry resolves hosted segments for the debug endpoints
type SegmentRegistry interface {
	Lookup(table, name string) (*segment.ImmutableUpsertSegment, bool)
}

// AdminConfig holds admin server configuration
type AdminConfig struct {
	Port        int
	MetricsPath string
}

// AdminServer serves probes, Prometheus metrics, and debug endpoints over
// HTTP
type AdminServer struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// NewAdminServer wires the admin routes. segments may be nil when this
// process hosts no segments.
func NewAdminServer(
	cfg *AdminConfig,
	checker *health.Checker,
	watermarks *watermark.Manager,
	segments SegmentRegistry,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *AdminServer {
	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	s := &AdminServer{logger: logger}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeProbe(w, checker.Liveness(), checker.Results())
	}).Methods(http.MethodGet)
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeProbe(w, checker.Readiness(), checker.Results())
	}).Methods(http.MethodGet)
	router.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).
		Methods(http.MethodGet)
	router.HandleFunc("/debug/watermarks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, watermarks.Snapshot())
	}).Methods(http.MethodGet)
	router.HandleFunc("/debug/tables/{table}/segments/{segment}/virtualcolumn",
		s.virtualColumnHandler(segments)).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for tests
func (s *AdminServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving in a background goroutine
func (s *AdminServer) Start() {
	go func() {
		s.logger.Info("Admin server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server exited", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts the server down
func (s *AdminServer) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// virtualColumnHandler dumps the virtual column state at one source offset
// of a hosted segment
func (s *AdminServer) virtualColumnHandler(segments SegmentRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if segments == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no segments hosted"})
			return
		}
		vars := mux.Vars(r)
		seg, ok := segments.Lookup(vars["table"], vars["segment"])
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "segment not hosted"})
			return
		}
		offset, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing or invalid offset"})
			return
		}
		info, err := seg.VirtualColumnInfo(offset)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"info": info})
	}
}

func writeProbe(w http.ResponseWriter, ok bool, results []health.CheckResult) {
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"ok": ok, "checks": results})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
