package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/booking/internal/booking"
)

type CreateBookingRequest struct {
	AppointmentID  string            `json:"appointment_id"`
	CustomerID     string            `json:"customer_id"`
	OrganizerID    string            `json:"organizer_id"`
	ProviderID     string            `json:"provider_id,omitempty"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        time.Time         `json:"end_time"`
	Capacity       int               `json:"capacity,omitempty"`
	Answers        map[string]string `json:"answers,omitempty"`
	CustomerName   string            `json:"customer_name,omitempty"`
	CustomerEmail  string            `json:"customer_email,omitempty"`
	CustomerPhone  string            `json:"customer_phone,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type ConfirmPaymentRequest struct {
	PaymentReference string `json:"payment_reference"`
}

type CancelBookingRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
}

type BookingResponse struct {
	ID                uuid.UUID  `json:"id"`
	ConfirmationCode  string     `json:"confirmation_code"`
	AppointmentID     uuid.UUID  `json:"appointment_id"`
	CustomerID        uuid.UUID  `json:"customer_id"`
	ProviderID        *uuid.UUID `json:"provider_id,omitempty"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           time.Time  `json:"end_time"`
	Date              string     `json:"date"`
	Capacity          int        `json:"capacity"`
	Status            string     `json:"status"`
	PaymentStatus     string     `json:"payment_status"`
	ReservationExpiry *time.Time `json:"reservation_expiry,omitempty"`

	RequiresPayment  bool `json:"requires_payment,omitempty"`
	IsDuplicate      bool `json:"is_duplicate,omitempty"`
	AlreadyProcessed bool `json:"already_processed,omitempty"`
}

func toBookingResponse(b *booking.Booking) BookingResponse {
	return BookingResponse{
		ID:                b.ID,
		ConfirmationCode:  b.ConfirmationCode,
		AppointmentID:     b.AppointmentID,
		CustomerID:        b.CustomerID,
		ProviderID:        b.ProviderID,
		StartTime:         b.StartTime,
		EndTime:           b.EndTime,
		Date:              b.Date,
		Capacity:          b.Capacity,
		Status:            string(b.Status),
		PaymentStatus:     string(b.PaymentStatus),
		ReservationExpiry: b.ReservationExpiry,
	}
}

type SlotResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type AvailabilityResponse struct {
	AppointmentID     uuid.UUID `json:"appointment_id"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	RemainingCapacity int       `json:"remaining_capacity"`
}

type SweepResponse struct {
	Expired int `json:"expired"`
}

type ErrorResponse struct {
	Error   string                   `json:"error"`
	Details string                   `json:"details,omitempty"`
	Fields  []booking.FieldViolation `json:"fields,omitempty"`
}
