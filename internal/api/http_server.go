package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cinebook/internal/config"
	"cinebook/internal/domain"
	"cinebook/internal/logging"
	"cinebook/internal/models"

	"github.com/rs/zerolog"
)

// Services are the collaborators behind the HTTP API.
type Services struct {
	Ledger   domain.LedgerService
	Bookings domain.BookingService
	Catalog  domain.Catalog
	// Ready reports whether storage is reachable; nil means always ready.
	Ready func(ctx context.Context) error
}

// HTTPServer exposes the reservation and booking operations over JSON.
type HTTPServer struct {
	cfg            *config.APIConfig
	defaultHoldTTL time.Duration
	maxHoldTTL     time.Duration
	exports        config.ExportsConfig
	svc            Services
	server         *http.Server
	auth           *HTTPAuth
	logger         *zerolog.Logger
}

func NewHTTPServer(cfg *config.Config, svc Services, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:            &cfg.API,
		defaultHoldTTL: cfg.Reservation.DefaultHoldTTL,
		maxHoldTTL:     cfg.Reservation.MaxHoldTTL,
		exports:        cfg.Exports,
		svc:            svc,
		auth:           NewHTTPAuth(&cfg.API),
		logger:         logger,
	}

	if srv.maxHoldTTL <= 0 {
		srv.maxHoldTTL = models.MaxHoldTTL
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("GET /readyz", srv.handleReadyz)

	mux.HandleFunc("POST /api/v1/holds", srv.handleHold)
	mux.HandleFunc("POST /api/v1/holds/release", srv.handleRelease)

	mux.HandleFunc("POST /api/v1/bookings", srv.handleCreateBooking)
	mux.HandleFunc("GET /api/v1/bookings/{id}", srv.handleGetBooking)
	mux.HandleFunc("POST /api/v1/bookings/{id}/confirm", srv.handleConfirmBooking)
	mux.HandleFunc("POST /api/v1/bookings/{id}/cancel", srv.handleCancelBooking)

	mux.HandleFunc("GET /api/v1/users/{id}/bookings", srv.handleUserBookings)

	mux.HandleFunc("GET /api/v1/showtimes/{id}/availability", srv.handleAvailability)
	mux.HandleFunc("GET /api/v1/showtimes/{id}/bookings", srv.handleListBookings)
	mux.HandleFunc("GET /api/v1/showtimes/{id}/bookings/export", srv.handleExport)

	handler := corsMiddleware(srv.loggingMiddleware(srv.auth.Wrap(mux)))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	logging.Component(s.logger, "http").Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.svc.Ready(ctx); err != nil {
			logging.FromContext(r.Context(), s.logger).Warn().Err(err).Msg("readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorResponse{Error: message})
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}
