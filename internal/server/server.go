// Package server exposes the chart cache over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"CoinChart/internal/collector"
	"CoinChart/internal/model"
	"CoinChart/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Service is the part of the collector the HTTP layer drives.
type Service interface {
	Collect(ctx context.Context, inst model.Instrument, tf model.Timeframe) (*model.ChartResult, error)
	Evict(ctx context.Context, instrumentID string, tf model.Timeframe) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (map[string]store.Stats, error)
}

type Server struct {
	addr string
	svc  Service
	log  *zap.Logger
	srv  *http.Server
}

func New(addr string, svc Service, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{addr: addr, svc: svc, log: log}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/instruments", s.handleInstruments)
		r.Get("/series/{instrument}/{timeframe}", s.handleSeries)
		r.Get("/cache/stats", s.handleStats)
		r.Delete("/cache", s.handleClear)
		r.Delete("/cache/{instrument}/{timeframe}", s.handleEvict)
	})
	return r
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}
	}()

	s.log.Info("http server starting", zap.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleInstruments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"instruments": model.Catalog,
		"timeframes":  model.Timeframes,
	})
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	tf, err := model.ParseTimeframe(chi.URLParam(r, "timeframe"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := chi.URLParam(r, "instrument")
	inst, ok := model.LookupInstrument(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown instrument "+strconv.Quote(id)))
		return
	}

	res, err := s.svc.Collect(r.Context(), inst, tf)
	if err != nil {
		s.writeCollectError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeCollectError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *collector.RateLimitError
	switch {
	case errors.As(err, &rl):
		if rl.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
		}
		writeError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, collector.ErrNoData):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, model.ErrUnknownTimeframe), errors.Is(err, collector.ErrInvalidInstrument):
		writeError(w, http.StatusBadRequest, err)
	case r.Context().Err() != nil:
		// client went away; nobody reads this
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		s.log.Error("collect failed", zap.String("request_id", RequestIDFromContext(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		// partial stats are still useful
		s.log.Warn("stats incomplete", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	tf, err := model.ParseTimeframe(chi.URLParam(r, "timeframe"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.Evict(r.Context(), chi.URLParam(r, "instrument"), tf); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
