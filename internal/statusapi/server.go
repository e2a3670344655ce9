// Package statusapi: маленький HTTP-сервер для healthcheck'ов хостинга,
// метрик Prometheus и живой ленты итогов циклов сверки по websocket.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/EgorLis/presencebot/internal/reconcile"
)

type Server struct {
	log     *zap.Logger
	userTag func() string
	hub     *hub
	last    atomic.Pointer[reconcile.Report]
	now     func() time.Time
}

// New: userTag отдаёт имя бота (пустое, пока нет READY).
func New(userTag func() string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if userTag == nil {
		userTag = func() string { return "" }
	}
	log = log.Named("status")
	return &Server{
		log:     log,
		userTag: userTag,
		hub:     newHub(log),
		now:     time.Now,
	}
}

// Publish запоминает последний цикл и рассылает его websocket-клиентам.
func (s *Server) Publish(rep reconcile.Report) {
	s.last.Store(&rep)
	s.hub.broadcast(rep)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.serveRoot)
	r.Get("/health", s.serveHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.hub.serveWS)
	return r
}

// ListenAndServe держит сервер до отмены ctx, потом мягко гасит.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

type rootResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type healthResponse struct {
	Status    string            `json:"status"`
	Bot       string            `json:"bot"`
	LastCycle *reconcile.Report `json:"last_cycle"`
}

func (s *Server) serveRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		Status:    "ok",
		Message:   "Bot is running",
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	tag := s.userTag()
	if tag == "" {
		tag = "starting..."
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Bot:       tag,
		LastCycle: s.last.Load(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
