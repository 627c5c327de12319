package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/booking/internal/availability"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrBookingNotFound     = errors.New("booking not found")
	ErrTemplateNotFound    = errors.New("availability template not found")

	// ErrIdempotentReplay is returned by InsertBooking when the unique
	// (appointment, customer, idempotency key) index rejects the row. The
	// caller re-reads the winning booking and reports a duplicate.
	ErrIdempotentReplay = errors.New("idempotency key already used")

	// ErrCodeCollision is returned when the generated confirmation code is
	// already taken. The caller regenerates and retries.
	ErrCodeCollision = errors.New("confirmation code collision")
)

// WindowKey identifies one capacity pool: an exact time window of one
// appointment, optionally narrowed to a provider. It doubles as the lock key
// for both the Redis window lock and the Postgres advisory lock.
type WindowKey struct {
	AppointmentID uuid.UUID
	Start         time.Time
	End           time.Time
	ProviderID    *uuid.UUID
}

func (k WindowKey) String() string {
	provider := "-"
	if k.ProviderID != nil {
		provider = k.ProviderID.String()
	}
	return fmt.Sprintf("%s:%d:%d:%s", k.AppointmentID, k.Start.UTC().Unix(), k.End.UTC().Unix(), provider)
}

// Tx is the slice of the store visible inside one booking transaction. The
// ledger read and any write through a Tx are mutually consistent: the
// enclosing transaction holds an advisory lock on the window, so no second
// writer can interleave between the capacity check and the insert.
type Tx interface {
	GetAppointmentConfig(ctx context.Context, id uuid.UUID) (*AppointmentConfig, error)
	FindByIdempotencyKey(ctx context.Context, appointmentID, customerID uuid.UUID, key string) (*Booking, error)

	// ConsumedCapacity sums booked units over confirmed bookings, held
	// manual-confirmation bookings and live pay-now reservations for the
	// window.
	ConsumedCapacity(ctx context.Context, key WindowKey, now time.Time) (int, error)

	InsertBooking(ctx context.Context, b *Booking) (*Booking, error)

	// ConfirmPayment performs the optimistic confirm: the update is keyed on
	// the booking's current version and matches zero rows when a concurrent
	// writer got there first.
	ConfirmPayment(ctx context.Context, id uuid.UUID, version int64, paymentRef string) (*Booking, error)
}

// Repository contains all store interactions needed by the service.
type Repository interface {
	GetAppointmentConfig(ctx context.Context, id uuid.UUID) (*AppointmentConfig, error)
	GetTemplate(ctx context.Context, appointmentID uuid.UUID, providerID *uuid.UUID) (*availability.Template, error)

	GetBookingByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	ListBookingsByCustomer(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]Booking, error)

	// FindByIdempotencyKey outside a transaction; used to recover the
	// winning row after a unique-index rejection.
	FindByIdempotencyKey(ctx context.Context, appointmentID, customerID uuid.UUID, key string) (*Booking, error)

	// ConsumedCapacity outside a transaction; used by the advisory
	// availability endpoint where a snapshot read is enough.
	ConsumedCapacity(ctx context.Context, key WindowKey, now time.Time) (int, error)

	// InWindowTx runs fn inside one transaction holding the window's
	// advisory lock.
	InWindowTx(ctx context.Context, key WindowKey, fn func(ctx context.Context, tx Tx) error) error

	// UpdateStatus applies a conditional from -> to transition. Zero matched
	// rows surface as ErrBookingNotFound, which callers racing the reaper or
	// a confirm treat as "someone else already moved it".
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, reason, actor *string) (*Booking, error)

	// FindExpiredPending lists reapable reservations.
	FindExpiredPending(ctx context.Context, now time.Time) ([]Booking, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
