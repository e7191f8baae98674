package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cinebook/internal/domain"
	"cinebook/internal/export"
	"cinebook/internal/logging"
)

type holdRequest struct {
	ShowtimeID string   `json:"showtime_id"`
	SeatIDs    []string `json:"seat_ids"`
	HolderID   string   `json:"holder_id"`
	TTLSeconds int      `json:"ttl_seconds"`
}

type releaseRequest struct {
	ReservationIDs []string `json:"reservation_ids"`
}

type createBookingRequest struct {
	UserID     string   `json:"user_id"`
	ShowtimeID string   `json:"showtime_id"`
	SeatIDs    []string `json:"seat_ids"`
}

type confirmRequest struct {
	PaymentSucceeded *bool `json:"payment_succeeded"`
}

func (s *HTTPServer) handleHold(w http.ResponseWriter, r *http.Request) {
	var body holdRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if body.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "ttl_seconds must not be negative")
		return
	}
	ttl := s.defaultHoldTTL
	switch maxSeconds := int(s.maxHoldTTL / time.Second); {
	case body.TTLSeconds > maxSeconds:
		ttl = s.maxHoldTTL
	case body.TTLSeconds != 0:
		ttl = time.Duration(body.TTLSeconds) * time.Second
	}

	res, err := s.svc.Ledger.Hold(r.Context(), domain.HoldRequest{
		ShowtimeID: body.ShowtimeID,
		SeatIDs:    body.SeatIDs,
		HolderID:   body.HolderID,
		TTL:        ttl,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *HTTPServer) handleRelease(w http.ResponseWriter, r *http.Request) {
	var body releaseRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.svc.Ledger.Release(r.Context(), body.ReservationIDs); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": body.ReservationIDs})
}

func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var body createBookingRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	booking, err := s.svc.Bookings.CreateBooking(r.Context(), domain.CreateBookingRequest{
		UserID:     body.UserID,
		ShowtimeID: body.ShowtimeID,
		SeatIDs:    body.SeatIDs,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := s.svc.Bookings.GetBooking(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// handleConfirmBooking only reaches the ledger once payment succeeded.
func (s *HTTPServer) handleConfirmBooking(w http.ResponseWriter, r *http.Request) {
	var body confirmRequest
	if err := decodeJSON(r, &body); err != nil || body.PaymentSucceeded == nil {
		writeError(w, http.StatusBadRequest, "payment_succeeded is required")
		return
	}
	if !*body.PaymentSucceeded {
		s.writeServiceError(w, r, domain.ErrPaymentDeclined)
		return
	}

	booking, err := s.svc.Bookings.ConfirmBooking(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := s.svc.Bookings.CancelBooking(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request) {
	availability, err := s.svc.Ledger.GetAvailability(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, availability)
}

func (s *HTTPServer) handleListBookings(w http.ResponseWriter, r *http.Request) {
	bookings, err := s.svc.Bookings.ListBookings(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": bookings})
}

func (s *HTTPServer) handleUserBookings(w http.ResponseWriter, r *http.Request) {
	bookings, err := s.svc.Bookings.ListUserBookings(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": bookings})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if !s.exports.Enabled {
		writeError(w, http.StatusNotFound, "export is disabled")
		return
	}

	showtimeID := r.PathValue("id")
	showtime, err := s.svc.Catalog.GetShowtime(r.Context(), showtimeID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	bookings, err := s.svc.Bookings.ListBookings(r.Context(), showtimeID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteBookingsReport(&buf, s.exports.SheetName, showtime, bookings); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="bookings_%s.xlsx"`, showtimeID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type errorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	SeatIDs []string `json:"seat_ids,omitempty"`
}

// errorStatus maps domain errors to HTTP statuses and stable codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrSeatsNotHeld):
		return http.StatusConflict, "seats_not_held"
	case errors.Is(err, domain.ErrBookingExpired):
		return http.StatusGone, "booking_expired"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrIllegalTransition):
		return http.StatusConflict, "illegal_transition"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrShowtimeNotBookable):
		return http.StatusConflict, "showtime_not_bookable"
	case errors.Is(err, domain.ErrPaymentDeclined):
		return http.StatusPaymentRequired, "payment_declined"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	resp := errorResponse{Error: err.Error(), Code: code}

	var (
		conflict *domain.ConflictError
		notHeld  *domain.SeatsNotHeldError
		expired  *domain.BookingExpiredError
	)
	switch {
	case errors.As(err, &conflict):
		resp.SeatIDs = conflict.SeatIDs
	case errors.As(err, &notHeld):
		resp.SeatIDs = notHeld.SeatIDs
	case errors.As(err, &expired):
		resp.SeatIDs = expired.SeatIDs
	}

	logger := logging.FromContext(r.Context(), s.logger)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	} else {
		logger.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request rejected")
	}

	writeJSON(w, status, resp)
}
