package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/slotwise/booking/internal/availability"
	"github.com/slotwise/booking/internal/config"
	redisclient "github.com/slotwise/booking/internal/redis"
)

var (
	ErrNotAvailable            = errors.New("appointment is not open for booking")
	ErrTooSoon                 = errors.New("start time is below the minimum notice")
	ErrTooFarAhead             = errors.New("start time is beyond the booking horizon")
	ErrSlotFull                = errors.New("window has no remaining capacity")
	ErrInvalidProvider         = errors.New("provider is not eligible for this appointment")
	ErrReservationExpired      = errors.New("reservation has expired")
	ErrConcurrentModification  = errors.New("booking was modified concurrently")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrWindowBusy              = errors.New("window is currently being booked, please retry")
)

const codeAttempts = 3

type Service struct {
	repo   Repository
	locker redisclient.Locker
	cfg    config.Config
	clock  func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
		clock:  time.Now,
	}
}

type CreateInput struct {
	AppointmentID  uuid.UUID
	CustomerID     uuid.UUID
	OrganizerID    uuid.UUID
	ProviderID     *uuid.UUID
	StartTime      time.Time
	EndTime        time.Time
	Capacity       int
	Answers        map[string]string
	CustomerName   string
	CustomerEmail  string
	CustomerPhone  string
	IdempotencyKey string
}

type CreateResult struct {
	Booking           *Booking
	RequiresPayment   bool
	ReservationExpiry *time.Time
	IsDuplicate       bool
}

type ConfirmResult struct {
	Booking          *Booking
	AlreadyProcessed bool
}

// CreateBooking admits a booking request against the window's remaining
// capacity. Everything from the idempotency lookup to the insert happens in
// one transaction holding the window's advisory lock, so two concurrent
// requests cannot both pass the capacity check when only one fits. An outer
// Redis lock sheds most contention before it reaches the database.
func (s *Service) CreateBooking(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if in.Capacity == 0 {
		in.Capacity = 1
	}
	if in.Capacity < 1 {
		return nil, &ValidationError{Violations: []FieldViolation{{Field: "capacity", Reason: "must be at least 1"}}}
	}
	if !in.EndTime.After(in.StartTime) {
		return nil, &ValidationError{Violations: []FieldViolation{{Field: "end_time", Reason: "must be after start_time"}}}
	}

	key := WindowKey{
		AppointmentID: in.AppointmentID,
		Start:         in.StartTime.UTC(),
		End:           in.EndTime.UTC(),
		ProviderID:    in.ProviderID,
	}

	var out *CreateResult

	attempt := func() error {
		return s.locker.WithWindowLock(ctx, key.String(), func(lockCtx context.Context) error {
			txCtx, cancel := context.WithTimeout(lockCtx, s.cfg.CommitTimeout)
			defer cancel()

			return s.repo.InWindowTx(txCtx, key, func(txCtx context.Context, tx Tx) error {
				res, err := s.createInTx(txCtx, tx, in, key)
				if err != nil {
					return err
				}
				out = res
				return nil
			})
		})
	}

	err := attempt()
	// A confirmation code collision aborts the whole transaction, so the
	// retry restarts it rather than re-inserting inside a dead tx.
	for tries := 1; errors.Is(err, ErrCodeCollision) && tries < codeAttempts; tries++ {
		err = attempt()
	}

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrWindowBusy
		}
		if errors.Is(err, ErrIdempotentReplay) {
			return s.recoverDuplicate(ctx, in)
		}
		return nil, err
	}

	if !out.IsDuplicate {
		s.logEvent(ctx, out.Booking.ID, EventBookingCreated, map[string]any{
			"appointment_id": in.AppointmentID.String(),
			"customer_id":    in.CustomerID.String(),
			"start_time":     in.StartTime,
			"capacity":       out.Booking.Capacity,
			"status":         string(out.Booking.Status),
		})
	}

	return out, nil
}

func (s *Service) createInTx(ctx context.Context, tx Tx, in CreateInput, key WindowKey) (*CreateResult, error) {
	// Idempotency short-circuit: a retried request returns the original
	// booking unchanged, with no new write.
	idemKey := strings.TrimSpace(in.IdempotencyKey)
	if idemKey != "" {
		existing, err := tx.FindByIdempotencyKey(ctx, in.AppointmentID, in.CustomerID, idemKey)
		if err == nil {
			return duplicateResult(existing), nil
		}
		if !errors.Is(err, ErrBookingNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	cfg, err := tx.GetAppointmentConfig(ctx, in.AppointmentID)
	if err != nil {
		return nil, err
	}
	if !cfg.Active {
		return nil, ErrNotAvailable
	}

	now := s.clock()
	lead := in.StartTime.Sub(now)
	if lead < time.Duration(cfg.MinNoticeMinutes)*time.Minute {
		return nil, ErrTooSoon
	}
	if cfg.MaxAdvanceMinutes > 0 && lead > time.Duration(cfg.MaxAdvanceMinutes)*time.Minute {
		return nil, ErrTooFarAhead
	}

	if err := s.checkWindowOffered(ctx, cfg, in); err != nil {
		return nil, err
	}

	consumed, err := tx.ConsumedCapacity(ctx, key, now)
	if err != nil {
		return nil, err
	}
	if cfg.Capacity-consumed < in.Capacity {
		return nil, ErrSlotFull
	}

	if in.ProviderID != nil && cfg.AssignmentType != AssignAuto && !cfg.EligibleProvider(*in.ProviderID) {
		return nil, ErrInvalidProvider
	}

	if vErr := validateAnswers(cfg.Questions, in.Answers); vErr != nil {
		return nil, vErr
	}

	b := &Booking{
		ID:            uuid.New(),
		AppointmentID: in.AppointmentID,
		CustomerID:    in.CustomerID,
		OrganizerID:   in.OrganizerID,
		ProviderID:    in.ProviderID,
		StartTime:     in.StartTime.UTC(),
		EndTime:       in.EndTime.UTC(),
		Date:          in.StartTime.Format("2006-01-02"),
		Capacity:      in.Capacity,
		Answers:       in.Answers,
		CustomerName:  strings.TrimSpace(in.CustomerName),
		CustomerEmail: strings.TrimSpace(in.CustomerEmail),
		CustomerPhone: strings.TrimSpace(in.CustomerPhone),
	}
	if idemKey != "" {
		b.IdempotencyKey = &idemKey
	}

	requiresPayment := false
	switch cfg.PaymentMode {
	case PayNow:
		// Capacity is held provisionally; the reaper releases it if payment
		// never lands.
		expiry := now.Add(s.cfg.ReservationTTL)
		b.Status = StatusPendingPayment
		b.PaymentStatus = PaymentPending
		b.ReservationExpiry = &expiry
		requiresPayment = true
	case PayLater:
		b.Status = StatusConfirmed
		b.PaymentStatus = PaymentPending
		if cfg.RequiresManualConfirmation {
			b.Status = StatusPending
		}
	default:
		b.Status = StatusConfirmed
		b.PaymentStatus = PaymentNotRequired
		if cfg.RequiresManualConfirmation {
			b.Status = StatusPending
		}
	}

	code, err := newConfirmationCode()
	if err != nil {
		return nil, err
	}
	b.ConfirmationCode = code

	created, err := tx.InsertBooking(ctx, b)
	if err != nil {
		return nil, err
	}

	return &CreateResult{
		Booking:           created,
		RequiresPayment:   requiresPayment,
		ReservationExpiry: created.ReservationExpiry,
	}, nil
}

// checkWindowOffered rejects windows the schedule never generated. The
// template is external read-only data, so reading it outside the booking
// transaction is fine.
func (s *Service) checkWindowOffered(ctx context.Context, cfg *AppointmentConfig, in CreateInput) error {
	tmpl, err := s.repo.GetTemplate(ctx, in.AppointmentID, in.ProviderID)
	if err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			// No provider-scoped template; fall back to the appointment-wide one.
			if in.ProviderID != nil {
				tmpl, err = s.repo.GetTemplate(ctx, in.AppointmentID, nil)
			}
			if errors.Is(err, ErrTemplateNotFound) {
				return ErrNotAvailable
			}
		}
		if err != nil {
			return fmt.Errorf("load availability template: %w", err)
		}
	}

	// Template hours are organizer wall-clock in UTC. Normalize the request
	// before expanding, so a caller cannot move the working day by expressing
	// the same instant in another offset.
	start := in.StartTime.UTC()
	slots := availability.GenerateSlots(tmpl, start, cfg.Duration(), cfg.Interval())
	if !availability.Contains(slots, start, in.EndTime.UTC()) {
		return ErrNotAvailable
	}
	return nil
}

func duplicateResult(b *Booking) *CreateResult {
	return &CreateResult{
		Booking:           b,
		RequiresPayment:   b.Status == StatusPendingPayment,
		ReservationExpiry: b.ReservationExpiry,
		IsDuplicate:       true,
	}
}

// recoverDuplicate re-reads the row that won the unique-index race. This only
// happens when two first-time requests with the same key raced on different
// windows, which the advisory lock does not serialize.
func (s *Service) recoverDuplicate(ctx context.Context, in CreateInput) (*CreateResult, error) {
	existing, err := s.repo.FindByIdempotencyKey(ctx, in.AppointmentID, in.CustomerID, strings.TrimSpace(in.IdempotencyKey))
	if err != nil {
		return nil, fmt.Errorf("recover idempotent booking: %w", err)
	}
	return duplicateResult(existing), nil
}

// ConfirmPayment moves a pay-now reservation to confirmed exactly once. A
// repeated payment-gateway notification returns the current booking with
// AlreadyProcessed set and performs no write.
func (s *Service) ConfirmPayment(ctx context.Context, id uuid.UUID, paymentRef string) (*ConfirmResult, error) {
	b, err := s.repo.GetBookingByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if b.PaymentStatus == PaymentPaid {
		return &ConfirmResult{Booking: b, AlreadyProcessed: true}, nil
	}

	switch b.Status {
	case StatusPendingPayment:
	case StatusExpired:
		return nil, ErrReservationExpired
	default:
		return nil, ErrInvalidStatusTransition
	}

	now := s.clock()
	if b.ReservationExpiry != nil && !b.ReservationExpiry.After(now) {
		// The hold lapsed before payment; try to reap it in passing so the
		// capacity frees up without waiting for the sweep.
		reason := "payment arrived after reservation expiry"
		actor := "system"
		if _, updErr := s.repo.UpdateStatus(ctx, b.ID, StatusPendingPayment, StatusExpired, &reason, &actor); updErr != nil && !errors.Is(updErr, ErrBookingNotFound) {
			logrus.Errorf("failed to expire booking %s during confirm: %v", b.ID, updErr)
		}
		s.logEvent(ctx, b.ID, EventBookingExpired, map[string]any{"reason": "confirm_after_expiry"})
		return nil, ErrReservationExpired
	}

	key := WindowKey{AppointmentID: b.AppointmentID, Start: b.StartTime.UTC(), End: b.EndTime.UTC(), ProviderID: b.ProviderID}

	var confirmed *Booking
	err = s.repo.InWindowTx(ctx, key, func(txCtx context.Context, tx Tx) error {
		cfg, err := tx.GetAppointmentConfig(txCtx, b.AppointmentID)
		if err != nil {
			return err
		}

		// Re-check the ledger before finalizing: an operator may have
		// shrunk capacity between reservation and payment.
		consumed, err := tx.ConsumedCapacity(txCtx, key, now)
		if err != nil {
			return err
		}
		if consumed > cfg.Capacity {
			return ErrSlotFull
		}

		updated, err := tx.ConfirmPayment(txCtx, b.ID, b.Version, paymentRef)
		if err != nil {
			return err
		}
		confirmed = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, confirmed.ID, EventBookingConfirmed, map[string]any{
		"payment_reference": paymentRef,
	})

	return &ConfirmResult{Booking: confirmed}, nil
}

// ConfirmManual resolves a manual-confirmation booking. Operator action, no
// payment involved.
func (s *Service) ConfirmManual(ctx context.Context, id uuid.UUID) (*Booking, error) {
	updated, err := s.repo.UpdateStatus(ctx, id, StatusPending, StatusConfirmed, nil, nil)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			b, loadErr := s.repo.GetBookingByID(ctx, id)
			if loadErr != nil {
				return nil, loadErr
			}
			if b.Status == StatusConfirmed {
				return b, nil
			}
			return nil, ErrInvalidStatusTransition
		}
		return nil, fmt.Errorf("confirm booking: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventBookingConfirmed, map[string]any{"manual": true})

	return updated, nil
}

// CancelBooking applies the state machine: only pending_payment, pending and
// confirmed bookings can be cancelled. Terminal states stay put.
func (s *Service) CancelBooking(ctx context.Context, id uuid.UUID, reason, actor string) (*Booking, error) {
	b, err := s.repo.GetBookingByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(b.Status, StatusCancelled) {
		return nil, ErrInvalidStatusTransition
	}

	updated, err := s.repo.UpdateStatus(ctx, id, b.Status, StatusCancelled, &reason, &actor)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			// Someone moved the booking between our read and the update.
			return nil, ErrConcurrentModification
		}
		return nil, fmt.Errorf("cancel booking: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventBookingCancelled, map[string]any{
		"reason": reason,
		"actor":  actor,
	})

	return updated, nil
}

// SweepExpiredReservations transitions every lapsed pay-now reservation to
// expired, releasing its held capacity. Each row's update is conditioned on
// status = pending_payment, so a booking confirmed between the query and the
// update is left alone.
func (s *Service) SweepExpiredReservations(ctx context.Context) (int, error) {
	now := s.clock()
	candidates, err := s.repo.FindExpiredPending(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find expired reservations: %w", err)
	}

	reason := "reservation expired"
	actor := "system"
	swept := 0

	for _, b := range candidates {
		_, err := s.repo.UpdateStatus(ctx, b.ID, StatusPendingPayment, StatusExpired, &reason, &actor)
		if err != nil {
			if !errors.Is(err, ErrBookingNotFound) {
				logrus.Errorf("failed to expire booking %s: %v", b.ID, err)
			}
			continue
		}
		swept++
		s.logEvent(ctx, b.ID, EventBookingExpired, map[string]any{"reason": "sweep"})
	}

	return swept, nil
}

// GenerateSlots expands one calendar date into bookable windows. An absent
// schedule or a fully blocked date yields an empty list, never an error.
func (s *Service) GenerateSlots(ctx context.Context, appointmentID uuid.UUID, date time.Time, providerID *uuid.UUID) ([]availability.TimeSlot, error) {
	cfg, err := s.repo.GetAppointmentConfig(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !cfg.Active {
		return nil, ErrNotAvailable
	}

	tmpl, err := s.repo.GetTemplate(ctx, appointmentID, providerID)
	if err != nil {
		if errors.Is(err, ErrTemplateNotFound) && providerID != nil {
			tmpl, err = s.repo.GetTemplate(ctx, appointmentID, nil)
		}
		if errors.Is(err, ErrTemplateNotFound) {
			return []availability.TimeSlot{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load availability template: %w", err)
		}
	}

	return availability.GenerateSlots(tmpl, date.UTC(), cfg.Duration(), cfg.Interval()), nil
}

// CheckAvailability returns the remaining capacity for an exact window. This
// is an advisory snapshot read; admission is decided only inside the booking
// transaction.
func (s *Service) CheckAvailability(ctx context.Context, appointmentID uuid.UUID, start, end time.Time, providerID *uuid.UUID) (int, error) {
	cfg, err := s.repo.GetAppointmentConfig(ctx, appointmentID)
	if err != nil {
		return 0, err
	}

	key := WindowKey{AppointmentID: appointmentID, Start: start.UTC(), End: end.UTC(), ProviderID: providerID}
	consumed, err := s.repo.ConsumedCapacity(ctx, key, s.clock())
	if err != nil {
		return 0, err
	}

	remaining := cfg.Capacity - consumed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// GetBooking retrieves a booking by ID.
func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.repo.GetBookingByID(ctx, id)
}

// ListBookingsByCustomer retrieves bookings for one customer.
func (s *Service) ListBookingsByCustomer(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]Booking, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListBookingsByCustomer(ctx, customerID, limit, offset)
}

func (s *Service) logEvent(ctx context.Context, bookingID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logrus.Errorf("failed to marshal event payload for %s: %v", eventType, err)
		data = nil
	}

	id := bookingID

	ev := EventLog{
		EventType: eventType,
		BookingID: &id,
		Payload:   data,
		CreatedAt: s.clock(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		logrus.Errorf("failed to insert event log %s for booking %s: %v", eventType, bookingID, err)
	}
}
