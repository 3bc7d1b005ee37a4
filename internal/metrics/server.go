package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Health is the last block the engine handled, read by /healthz
type Health struct {
	lastBlock atomic.Uint64
	lastSeen  atomic.Int64
}

func (h *Health) MarkBlock(n uint64) {
	h.lastBlock.Store(n)
	h.lastSeen.Store(time.Now().Unix())
}

func (h *Health) LastBlock() uint64 {
	return h.lastBlock.Load()
}

// Server exposes /metrics and /healthz
type Server struct {
	srv    *http.Server
	health *Health
	maxAge time.Duration
	log    *zap.Logger
}

func NewServer(addr string, gatherer prometheus.Gatherer, health *Health, maxAge time.Duration, logger *zap.Logger) *Server {
	s := &Server{health: health, maxAge: maxAge, log: logger.Named("status")}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	seen := s.health.lastSeen.Load()
	if seen == 0 || time.Since(time.Unix(seen, 0)) > s.maxAge {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("stale\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Start serves in the background until Stop
func (s *Server) Start() {
	go func() {
		s.log.Info("status server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status server stopped", zap.Error(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
