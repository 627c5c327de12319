package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/slotwise/booking/internal/availability"
	"github.com/slotwise/booking/internal/booking"
)

// BookingService is the slice of the booking core the HTTP layer needs.
type BookingService interface {
	CreateBooking(ctx context.Context, in booking.CreateInput) (*booking.CreateResult, error)
	ConfirmPayment(ctx context.Context, id uuid.UUID, paymentRef string) (*booking.ConfirmResult, error)
	ConfirmManual(ctx context.Context, id uuid.UUID) (*booking.Booking, error)
	CancelBooking(ctx context.Context, id uuid.UUID, reason, actor string) (*booking.Booking, error)
	SweepExpiredReservations(ctx context.Context) (int, error)
	GenerateSlots(ctx context.Context, appointmentID uuid.UUID, date time.Time, providerID *uuid.UUID) ([]availability.TimeSlot, error)
	CheckAvailability(ctx context.Context, appointmentID uuid.UUID, start, end time.Time, providerID *uuid.UUID) (int, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*booking.Booking, error)
	ListBookingsByCustomer(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]booking.Booking, error)
}

func createBookingHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appointmentID, err := uuid.Parse(req.AppointmentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
			return
		}
		customerID, err := uuid.Parse(req.CustomerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_customer_id", "customer_id must be a valid UUID")
			return
		}
		organizerID, err := uuid.Parse(req.OrganizerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_organizer_id", "organizer_id must be a valid UUID")
			return
		}
		providerID, ok := parseOptionalUUID(req.ProviderID)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}

		res, err := svc.CreateBooking(r.Context(), booking.CreateInput{
			AppointmentID:  appointmentID,
			CustomerID:     customerID,
			OrganizerID:    organizerID,
			ProviderID:     providerID,
			StartTime:      req.StartTime,
			EndTime:        req.EndTime,
			Capacity:       req.Capacity,
			Answers:        req.Answers,
			CustomerName:   req.CustomerName,
			CustomerEmail:  req.CustomerEmail,
			CustomerPhone:  req.CustomerPhone,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := toBookingResponse(res.Booking)
		resp.RequiresPayment = res.RequiresPayment
		resp.IsDuplicate = res.IsDuplicate

		status := http.StatusCreated
		if res.IsDuplicate {
			status = http.StatusOK
		}
		writeJSON(w, status, resp)
	}
}

func confirmPaymentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_booking_id", "id must be a valid UUID")
			return
		}

		var req ConfirmPaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		res, err := svc.ConfirmPayment(r.Context(), id, req.PaymentReference)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := toBookingResponse(res.Booking)
		resp.AlreadyProcessed = res.AlreadyProcessed
		writeJSON(w, http.StatusOK, resp)
	}
}

func confirmManualHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_booking_id", "id must be a valid UUID")
			return
		}

		b, err := svc.ConfirmManual(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toBookingResponse(b))
	}
}

func cancelBookingHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_booking_id", "id must be a valid UUID")
			return
		}

		var req CancelBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Actor == "" {
			req.Actor = "customer"
		}

		b, err := svc.CancelBooking(r.Context(), id, req.Reason, req.Actor)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toBookingResponse(b))
	}
}

func getBookingHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_booking_id", "id must be a valid UUID")
			return
		}

		b, err := svc.GetBooking(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toBookingResponse(b))
	}
}

func listBookingsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		customerID, err := uuid.Parse(r.URL.Query().Get("customer_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_customer_id", "customer_id must be a valid UUID")
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		bookings, err := svc.ListBookingsByCustomer(r.Context(), customerID, limit, offset)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := make([]BookingResponse, 0, len(bookings))
		for i := range bookings {
			resp = append(resp, toBookingResponse(&bookings[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func generateSlotsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		date, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		providerID, ok := parseOptionalUUID(r.URL.Query().Get("provider"))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider must be a valid UUID")
			return
		}

		slots, err := svc.GenerateSlots(r.Context(), appointmentID, date, providerID)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := make([]SlotResponse, 0, len(slots))
		for _, s := range slots {
			resp = append(resp, SlotResponse{Start: s.Start, End: s.End})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func checkAvailabilityHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start", "start must be RFC3339")
			return
		}
		end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_end", "end must be RFC3339")
			return
		}

		providerID, ok := parseOptionalUUID(r.URL.Query().Get("provider"))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider must be a valid UUID")
			return
		}

		remaining, err := svc.CheckAvailability(r.Context(), appointmentID, start, end, providerID)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, AvailabilityResponse{
			AppointmentID:     appointmentID,
			StartTime:         start,
			EndTime:           end,
			RemainingCapacity: remaining,
		})
	}
}

func sweepHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expired, err := svc.SweepExpiredReservations(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, SweepResponse{Expired: expired})
	}
}

func parseOptionalUUID(s string) (*uuid.UUID, bool) {
	if s == "" {
		return nil, true
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, false
	}
	return &id, true
}

func handleBookingError(w http.ResponseWriter, err error) {
	var vErr *booking.ValidationError
	if errors.As(err, &vErr) {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "validation_failed",
			Details: vErr.Error(),
			Fields:  vErr.Violations,
		})
		return
	}

	switch {
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, booking.ErrBookingNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, booking.ErrNotAvailable):
		writeError(w, http.StatusConflict, "not_available", err.Error())
	case errors.Is(err, booking.ErrTooSoon):
		writeError(w, http.StatusUnprocessableEntity, "too_soon", err.Error())
	case errors.Is(err, booking.ErrTooFarAhead):
		writeError(w, http.StatusUnprocessableEntity, "too_far_ahead", err.Error())
	case errors.Is(err, booking.ErrSlotFull):
		writeError(w, http.StatusConflict, "slot_full", err.Error())
	case errors.Is(err, booking.ErrInvalidProvider):
		writeError(w, http.StatusUnprocessableEntity, "invalid_provider", err.Error())
	case errors.Is(err, booking.ErrReservationExpired):
		writeError(w, http.StatusConflict, "reservation_expired", err.Error())
	case errors.Is(err, booking.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "concurrent_modification", err.Error())
	case errors.Is(err, booking.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, booking.ErrWindowBusy):
		writeError(w, http.StatusConflict, "window_busy", "window is currently being booked, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
