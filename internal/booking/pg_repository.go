package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slotwise/booking/internal/availability"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the scan helpers
// and shared queries work inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const bookingColumns = `
	id, confirmation_code, appointment_id, customer_id, organizer_id, provider_id,
	start_time, end_time, booking_date, capacity, status, payment_status,
	payment_reference, reservation_expiry, idempotency_key, version, answers,
	customer_name, customer_email, customer_phone,
	cancel_reason, cancelled_by, cancelled_at, created_at, updated_at`

// Helpers

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var bookingDate time.Time
	var answers []byte

	err := row.Scan(
		&b.ID,
		&b.ConfirmationCode,
		&b.AppointmentID,
		&b.CustomerID,
		&b.OrganizerID,
		&b.ProviderID,
		&b.StartTime,
		&b.EndTime,
		&bookingDate,
		&b.Capacity,
		&b.Status,
		&b.PaymentStatus,
		&b.PaymentReference,
		&b.ReservationExpiry,
		&b.IdempotencyKey,
		&b.Version,
		&answers,
		&b.CustomerName,
		&b.CustomerEmail,
		&b.CustomerPhone,
		&b.CancelReason,
		&b.CancelledBy,
		&b.CancelledAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}

	b.Date = bookingDate.Format("2006-01-02")
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &b.Answers); err != nil {
			return nil, fmt.Errorf("decode booking answers: %w", err)
		}
	}

	return &b, nil
}

func scanAppointmentConfig(row pgx.Row) (*AppointmentConfig, error) {
	var c AppointmentConfig
	var interval *int
	var providers, questions []byte

	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Active,
		&c.Capacity,
		&c.DurationMinutes,
		&interval,
		&c.MinNoticeMinutes,
		&c.MaxAdvanceMinutes,
		&c.PaymentMode,
		&c.RequiresManualConfirmation,
		&c.AssignmentType,
		&providers,
		&questions,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if interval != nil {
		c.SlotIntervalMinutes = *interval
	}
	if len(providers) > 0 {
		if err := json.Unmarshal(providers, &c.EligibleProviderIDs); err != nil {
			return nil, fmt.Errorf("decode eligible providers: %w", err)
		}
	}
	if len(questions) > 0 {
		if err := json.Unmarshal(questions, &c.Questions); err != nil {
			return nil, fmt.Errorf("decode questions: %w", err)
		}
	}

	return &c, nil
}

func getAppointmentConfig(ctx context.Context, q querier, id uuid.UUID) (*AppointmentConfig, error) {
	row := q.QueryRow(ctx, `
		SELECT id, name, active, capacity, duration_minutes, slot_interval_minutes,
		       min_notice_minutes, max_advance_minutes, payment_mode,
		       requires_manual_confirmation, assignment_type,
		       eligible_provider_ids, questions
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointmentConfig(row)
}

func consumedCapacity(ctx context.Context, q querier, key WindowKey, now time.Time) (int, error) {
	var consumed int
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(capacity), 0)
		FROM bookings
		WHERE appointment_id = $1
		  AND start_time = $2
		  AND end_time = $3
		  AND ($4::uuid IS NULL OR provider_id = $4)
		  AND (
		        status IN ('confirmed', 'pending')
		     OR (status = 'pending_payment' AND reservation_expiry > $5)
		  )
	`, key.AppointmentID, key.Start, key.End, key.ProviderID, now).Scan(&consumed)
	if err != nil {
		return 0, fmt.Errorf("sum consumed capacity: %w", err)
	}
	return consumed, nil
}

func findByIdempotencyKey(ctx context.Context, q querier, appointmentID, customerID uuid.UUID, key string) (*Booking, error) {
	row := q.QueryRow(ctx, `
		SELECT`+bookingColumns+`
		FROM bookings
		WHERE appointment_id = $1
		  AND customer_id = $2
		  AND idempotency_key = $3
	`, appointmentID, customerID, key)
	return scanBooking(row)
}

// Interface methods

func (r *PgRepository) GetAppointmentConfig(ctx context.Context, id uuid.UUID) (*AppointmentConfig, error) {
	return getAppointmentConfig(ctx, r.pool, id)
}

func (r *PgRepository) GetTemplate(ctx context.Context, appointmentID uuid.UUID, providerID *uuid.UUID) (*availability.Template, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, appointment_id, provider_id, weekly, overrides
		FROM availability_templates
		WHERE appointment_id = $1
		  AND ($2::uuid IS NULL AND provider_id IS NULL OR provider_id = $2)
	`, appointmentID, providerID)

	var t availability.Template
	var weekly, overrides []byte
	err := row.Scan(&t.ID, &t.AppointmentID, &t.ProviderID, &weekly, &overrides)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}

	var days []availability.DayEntry
	if err := json.Unmarshal(weekly, &days); err != nil {
		return nil, fmt.Errorf("decode weekly template: %w", err)
	}
	for i := 0; i < len(days) && i < 7; i++ {
		t.Weekly[i] = days[i]
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &t.Overrides); err != nil {
			return nil, fmt.Errorf("decode overrides: %w", err)
		}
	}

	return &t, nil
}

func (r *PgRepository) GetBookingByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

func (r *PgRepository) ListBookingsByCustomer(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+bookingColumns+`
		FROM bookings
		WHERE customer_id = $1
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3
	`, customerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) FindByIdempotencyKey(ctx context.Context, appointmentID, customerID uuid.UUID, key string) (*Booking, error) {
	return findByIdempotencyKey(ctx, r.pool, appointmentID, customerID, key)
}

func (r *PgRepository) ConsumedCapacity(ctx context.Context, key WindowKey, now time.Time) (int, error) {
	return consumedCapacity(ctx, r.pool, key, now)
}

// InWindowTx runs fn inside one transaction that first takes an advisory
// lock on the window key. The lock serializes every capacity-affecting
// read+write for the same window, so the ledger sum and the subsequent
// insert or confirm cannot interleave with another writer. Read committed
// is sufficient once writers are serialized this way.
func (r *PgRepository) InWindowTx(ctx context.Context, key WindowKey, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin booking tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key.String()); err != nil {
		return fmt.Errorf("lock window: %w", err)
	}

	if err := fn(ctx, pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit booking tx: %w", err)
	}
	return nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, reason, actor *string) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE bookings
		SET status = $2,
		    version = version + 1,
		    updated_at = now(),
		    reservation_expiry = CASE WHEN $2 IN ('expired', 'cancelled') THEN NULL ELSE reservation_expiry END,
		    cancel_reason = COALESCE($4, cancel_reason),
		    cancelled_by = COALESCE($5, cancelled_by),
		    cancelled_at = CASE WHEN $2 = 'cancelled' THEN now() ELSE cancelled_at END
		WHERE id = $1
		  AND status = $3
		RETURNING`+bookingColumns+`
	`, id, to, from, reason, actor)

	return scanBooking(row)
}

func (r *PgRepository) FindExpiredPending(ctx context.Context, now time.Time) ([]Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+bookingColumns+`
		FROM bookings
		WHERE status = 'pending_payment'
		  AND payment_status = 'pending'
		  AND reservation_expiry IS NOT NULL
		  AND reservation_expiry < $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, booking_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.BookingID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Transaction view

type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) GetAppointmentConfig(ctx context.Context, id uuid.UUID) (*AppointmentConfig, error) {
	return getAppointmentConfig(ctx, t.tx, id)
}

func (t pgTx) FindByIdempotencyKey(ctx context.Context, appointmentID, customerID uuid.UUID, key string) (*Booking, error) {
	return findByIdempotencyKey(ctx, t.tx, appointmentID, customerID, key)
}

func (t pgTx) ConsumedCapacity(ctx context.Context, key WindowKey, now time.Time) (int, error) {
	return consumedCapacity(ctx, t.tx, key, now)
}

func (t pgTx) InsertBooking(ctx context.Context, b *Booking) (*Booking, error) {
	answers, err := json.Marshal(b.Answers)
	if err != nil {
		return nil, fmt.Errorf("encode booking answers: %w", err)
	}

	row := t.tx.QueryRow(ctx, `
		INSERT INTO bookings (
			id, confirmation_code, appointment_id, customer_id, organizer_id, provider_id,
			start_time, end_time, booking_date, capacity, status, payment_status,
			payment_reference, reservation_expiry, idempotency_key, version, answers,
			customer_name, customer_email, customer_phone,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        NULL, $13, $14, 1, $15, $16, $17, $18, now(), now())
		RETURNING`+bookingColumns+`
	`,
		b.ID, b.ConfirmationCode, b.AppointmentID, b.CustomerID, b.OrganizerID, b.ProviderID,
		b.StartTime, b.EndTime, b.Date, b.Capacity, b.Status, b.PaymentStatus,
		b.ReservationExpiry, b.IdempotencyKey,
		answers, b.CustomerName, b.CustomerEmail, b.CustomerPhone,
	)

	created, err := scanBooking(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "bookings_idempotency":
				return nil, ErrIdempotentReplay
			case "bookings_confirmation_code":
				return nil, ErrCodeCollision
			}
		}
		return nil, err
	}

	return created, nil
}

func (t pgTx) ConfirmPayment(ctx context.Context, id uuid.UUID, version int64, paymentRef string) (*Booking, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE bookings
		SET status = 'confirmed',
		    payment_status = 'paid',
		    payment_reference = $3,
		    reservation_expiry = NULL,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $2
		RETURNING`+bookingColumns+`
	`, id, version, paymentRef)

	confirmed, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, ErrConcurrentModification
		}
		return nil, err
	}

	return confirmed, nil
}
