package booking

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	// StatusPendingPayment holds capacity until payment lands or the
	// reservation expiry passes.
	StatusPendingPayment Status = "pending_payment"
	// StatusPending is the manual-confirmation variant: capacity is held
	// until an operator confirms or cancels.
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
)

type PaymentStatus string

const (
	PaymentNotRequired PaymentStatus = "not_required"
	PaymentPending     PaymentStatus = "pending"
	PaymentPaid        PaymentStatus = "paid"
	PaymentFailed      PaymentStatus = "failed"
	PaymentRefunded    PaymentStatus = "refunded"
)

type PaymentMode string

const (
	PayNow           PaymentMode = "pay_now"
	PayLater         PaymentMode = "pay_later"
	PaymentNotNeeded PaymentMode = "not_applicable"
)

type AssignmentType string

const (
	AssignAuto     AssignmentType = "auto"
	AssignStaff    AssignmentType = "staff"
	AssignResource AssignmentType = "resource"
)

type QuestionType string

const (
	QuestionText   QuestionType = "text"
	QuestionEmail  QuestionType = "email"
	QuestionPhone  QuestionType = "phone"
	QuestionNumber QuestionType = "number"
	QuestionSelect QuestionType = "select"
)

// Question is one intake field the customer answers when booking.
type Question struct {
	ID       string       `json:"id"`
	Label    string       `json:"label"`
	Type     QuestionType `json:"type"`
	Required bool         `json:"required"`
	Options  []string     `json:"options,omitempty"`
}

// AppointmentConfig is the booking core's read-only view of an appointment.
// It is owned by appointment management and treated as immutable while a
// booking request is in flight.
type AppointmentConfig struct {
	ID                         uuid.UUID
	Name                       string
	Active                     bool
	Capacity                   int
	DurationMinutes            int
	SlotIntervalMinutes        int // 0 means "same as duration"
	MinNoticeMinutes           int
	MaxAdvanceMinutes          int
	PaymentMode                PaymentMode
	RequiresManualConfirmation bool
	AssignmentType             AssignmentType
	EligibleProviderIDs        []uuid.UUID
	Questions                  []Question
}

// Duration returns the slot length.
func (c *AppointmentConfig) Duration() time.Duration {
	return time.Duration(c.DurationMinutes) * time.Minute
}

// Interval returns the slot step, defaulting to the duration.
func (c *AppointmentConfig) Interval() time.Duration {
	if c.SlotIntervalMinutes <= 0 {
		return c.Duration()
	}
	return time.Duration(c.SlotIntervalMinutes) * time.Minute
}

// EligibleProvider reports membership in the appointment's provider set.
func (c *AppointmentConfig) EligibleProvider(id uuid.UUID) bool {
	for _, p := range c.EligibleProviderIDs {
		if p == id {
			return true
		}
	}
	return false
}

// Booking is the central mutable entity. Rows are never deleted; terminal
// statuses are permanent.
type Booking struct {
	ID               uuid.UUID
	ConfirmationCode string
	AppointmentID    uuid.UUID
	CustomerID       uuid.UUID
	OrganizerID      uuid.UUID
	ProviderID       *uuid.UUID
	StartTime        time.Time
	EndTime          time.Time
	Date             string // YYYY-MM-DD, redundant with StartTime for reporting
	Capacity         int    // units consumed, >= 1 for group bookings
	Status           Status
	PaymentStatus    PaymentStatus
	PaymentReference  *string
	ReservationExpiry *time.Time // set only while status = pending_payment
	IdempotencyKey   *string
	Version          int64
	Answers          map[string]string
	CustomerName     string
	CustomerEmail    string
	CustomerPhone    string
	CancelReason     *string
	CancelledBy      *string
	CancelledAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HoldsCapacity reports whether the booking still counts against the
// capacity ledger at the given instant.
func (b *Booking) HoldsCapacity(now time.Time) bool {
	switch b.Status {
	case StatusConfirmed, StatusPending:
		return true
	case StatusPendingPayment:
		return b.ReservationExpiry != nil && b.ReservationExpiry.After(now)
	default:
		return false
	}
}

var statusTransitions = map[Status][]Status{
	StatusPendingPayment: {StatusConfirmed, StatusExpired, StatusCancelled},
	StatusPending:        {StatusConfirmed, StatusCancelled},
	StatusConfirmed:      {StatusCancelled, StatusCompleted, StatusNoShow},
}

// CanTransition reports whether moving from one status to another is legal.
// Everything not listed is terminal.
func CanTransition(from, to Status) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EventLog is one append-only audit row. Writes are best effort; a failed
// audit insert is logged and never fails the booking operation.
type EventLog struct {
	ID        int64
	EventType string
	BookingID *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}

const (
	EventBookingCreated   = "BOOKING_CREATED"
	EventBookingConfirmed = "BOOKING_CONFIRMED"
	EventBookingExpired   = "BOOKING_EXPIRED"
	EventBookingCancelled = "BOOKING_CANCELLED"
)
