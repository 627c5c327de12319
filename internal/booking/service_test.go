package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/booking/internal/availability"
	"github.com/slotwise/booking/internal/config"
	redisclient "github.com/slotwise/booking/internal/redis"
)

// fakeStore is an in-memory Repository. InWindowTx serializes callers with a
// mutex, mirroring what the advisory lock gives the real store.
type fakeStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	appointments map[uuid.UUID]*AppointmentConfig
	templates    map[string]*availability.Template
	bookings     map[uuid.UUID]*Booking
	events       []EventLog

	// insertErrs is consumed one error per InsertBooking call, for forcing
	// unique-index outcomes.
	insertErrs []error

	// hideIdemOnce makes the next idempotency lookup miss, simulating the
	// read-committed race where the winner's row is not yet visible.
	hideIdemOnce bool

	// txHook runs at the start of InWindowTx, standing in for a concurrent
	// writer that lands between a caller's read and its transaction.
	txHook func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		appointments: make(map[uuid.UUID]*AppointmentConfig),
		templates:    make(map[string]*availability.Template),
		bookings:     make(map[uuid.UUID]*Booking),
	}
}

func templateKey(appointmentID uuid.UUID, providerID *uuid.UUID) string {
	p := "-"
	if providerID != nil {
		p = providerID.String()
	}
	return appointmentID.String() + "/" + p
}

func (s *fakeStore) putTemplate(t *availability.Template) {
	s.templates[templateKey(t.AppointmentID, t.ProviderID)] = t
}

func (s *fakeStore) GetAppointmentConfig(_ context.Context, id uuid.UUID) (*AppointmentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	c := *cfg
	return &c, nil
}

func (s *fakeStore) GetTemplate(_ context.Context, appointmentID uuid.UUID, providerID *uuid.UUID) (*availability.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmpl, ok := s.templates[templateKey(appointmentID, providerID)]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return tmpl, nil
}

func (s *fakeStore) GetBookingByID(_ context.Context, id uuid.UUID) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	c := *b
	return &c, nil
}

func (s *fakeStore) ListBookingsByCustomer(_ context.Context, customerID uuid.UUID, limit, offset int) ([]Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Booking
	for _, b := range s.bookings {
		if b.CustomerID == customerID {
			out = append(out, *b)
		}
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) FindByIdempotencyKey(_ context.Context, appointmentID, customerID uuid.UUID, key string) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hideIdemOnce {
		s.hideIdemOnce = false
		return nil, ErrBookingNotFound
	}
	return s.findByIdemLocked(appointmentID, customerID, key)
}

func (s *fakeStore) findByIdemLocked(appointmentID, customerID uuid.UUID, key string) (*Booking, error) {
	for _, b := range s.bookings {
		if b.AppointmentID == appointmentID && b.CustomerID == customerID &&
			b.IdempotencyKey != nil && *b.IdempotencyKey == key {
			c := *b
			return &c, nil
		}
	}
	return nil, ErrBookingNotFound
}

func (s *fakeStore) ConsumedCapacity(_ context.Context, key WindowKey, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumedLocked(key, now), nil
}

func (s *fakeStore) consumedLocked(key WindowKey, now time.Time) int {
	sum := 0
	for _, b := range s.bookings {
		if b.AppointmentID != key.AppointmentID || !b.StartTime.Equal(key.Start) || !b.EndTime.Equal(key.End) {
			continue
		}
		if key.ProviderID != nil && (b.ProviderID == nil || *b.ProviderID != *key.ProviderID) {
			continue
		}
		if b.HoldsCapacity(now) {
			sum += b.Capacity
		}
	}
	return sum
}

func (s *fakeStore) InWindowTx(ctx context.Context, _ WindowKey, fn func(ctx context.Context, tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.txHook != nil {
		s.txHook()
	}
	return fn(ctx, &fakeTx{store: s})
}

func (s *fakeStore) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status, reason, actor *string) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok || b.Status != from {
		return nil, ErrBookingNotFound
	}
	b.Status = to
	b.Version++
	if to == StatusExpired || to == StatusCancelled {
		b.ReservationExpiry = nil
	}
	if to == StatusCancelled {
		b.CancelReason = reason
		b.CancelledBy = actor
		now := time.Now()
		b.CancelledAt = &now
	}
	c := *b
	return &c, nil
}

func (s *fakeStore) FindExpiredPending(_ context.Context, now time.Time) ([]Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Booking
	for _, b := range s.bookings {
		if b.Status == StatusPendingPayment && b.ReservationExpiry != nil && !b.ReservationExpiry.After(now) {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertEvent(_ context.Context, ev EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		out = append(out, ev.EventType)
	}
	return out
}

type fakeTx struct {
	store *fakeStore
}

func (t *fakeTx) GetAppointmentConfig(ctx context.Context, id uuid.UUID) (*AppointmentConfig, error) {
	return t.store.GetAppointmentConfig(ctx, id)
}

func (t *fakeTx) FindByIdempotencyKey(ctx context.Context, appointmentID, customerID uuid.UUID, key string) (*Booking, error) {
	return t.store.FindByIdempotencyKey(ctx, appointmentID, customerID, key)
}

func (t *fakeTx) ConsumedCapacity(ctx context.Context, key WindowKey, now time.Time) (int, error) {
	return t.store.ConsumedCapacity(ctx, key, now)
}

func (t *fakeTx) InsertBooking(_ context.Context, b *Booking) (*Booking, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.insertErrs) > 0 {
		err := s.insertErrs[0]
		s.insertErrs = s.insertErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	if b.IdempotencyKey != nil {
		if _, err := s.findByIdemLocked(b.AppointmentID, b.CustomerID, *b.IdempotencyKey); err == nil {
			return nil, ErrIdempotentReplay
		}
	}
	for _, existing := range s.bookings {
		if existing.ConfirmationCode == b.ConfirmationCode {
			return nil, ErrCodeCollision
		}
	}

	c := *b
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	s.bookings[c.ID] = &c
	out := c
	return &out, nil
}

func (t *fakeTx) ConfirmPayment(_ context.Context, id uuid.UUID, version int64, paymentRef string) (*Booking, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	if b.Version != version {
		return nil, ErrConcurrentModification
	}
	b.Status = StatusConfirmed
	b.PaymentStatus = PaymentPaid
	b.PaymentReference = &paymentRef
	b.ReservationExpiry = nil
	b.Version++
	c := *b
	return &c, nil
}

type fakeLocker struct {
	busy bool
}

func (l *fakeLocker) WithWindowLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	if l.busy {
		return redisclient.ErrLockNotAcquired
	}
	return fn(ctx)
}

// Fixture: a Tuesday noon "now" with a bookable Monday slot a week out.
var (
	testNow   = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	slotStart = time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC)
	slotEnd   = slotStart.Add(time.Hour)
)

func testConfig() config.Config {
	return config.Config{
		ReservationTTL: 15 * time.Minute,
		LockTTL:        5 * time.Second,
		CommitTimeout:  5 * time.Second,
	}
}

func newTestService(store *fakeStore) *Service {
	svc := NewService(store, &fakeLocker{}, testConfig())
	svc.clock = func() time.Time { return testNow }
	return svc
}

func seedAppointment(store *fakeStore, mutate func(*AppointmentConfig)) uuid.UUID {
	id := uuid.New()
	cfg := &AppointmentConfig{
		ID:                id,
		Name:              "intro call",
		Active:            true,
		Capacity:          1,
		DurationMinutes:   60,
		MinNoticeMinutes:  60,
		MaxAdvanceMinutes: 43200,
		PaymentMode:       PaymentNotNeeded,
		AssignmentType:    AssignAuto,
	}
	if mutate != nil {
		mutate(cfg)
	}
	store.appointments[id] = cfg

	tmpl := &availability.Template{ID: uuid.New(), AppointmentID: id}
	workday := availability.DayEntry{
		Available: true,
		Windows:   []availability.Window{{Start: "09:00", End: "17:00"}},
	}
	for d := time.Monday; d <= time.Friday; d++ {
		tmpl.Weekly[d] = workday
	}
	store.putTemplate(tmpl)

	return id
}

func createInput(appointmentID uuid.UUID) CreateInput {
	return CreateInput{
		AppointmentID: appointmentID,
		CustomerID:    uuid.New(),
		OrganizerID:   uuid.New(),
		StartTime:     slotStart,
		EndTime:       slotEnd,
		CustomerName:  "Ada Lovelace",
		CustomerEmail: "ada@example.com",
	}
}

func TestCreateBookingNoPayment(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, nil)

	res, err := svc.CreateBooking(context.Background(), createInput(apptID))
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}

	if res.Booking.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", res.Booking.Status)
	}
	if res.Booking.PaymentStatus != PaymentNotRequired {
		t.Errorf("payment status = %s, want not_required", res.Booking.PaymentStatus)
	}
	if res.RequiresPayment {
		t.Error("no-payment appointment must not require payment")
	}
	if res.Booking.ReservationExpiry != nil {
		t.Error("no-payment booking must not carry a reservation expiry")
	}
	if res.Booking.Capacity != 1 {
		t.Errorf("capacity defaulted to %d, want 1", res.Booking.Capacity)
	}
	if len(res.Booking.ConfirmationCode) != codeLength {
		t.Errorf("confirmation code %q has wrong length", res.Booking.ConfirmationCode)
	}

	types := store.eventTypes()
	if len(types) != 1 || types[0] != EventBookingCreated {
		t.Errorf("events = %v, want one BOOKING_CREATED", types)
	}
}

func TestCreateBookingPayNowHoldsReservation(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.PaymentMode = PayNow })

	res, err := svc.CreateBooking(context.Background(), createInput(apptID))
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}

	if res.Booking.Status != StatusPendingPayment {
		t.Errorf("status = %s, want pending_payment", res.Booking.Status)
	}
	if res.Booking.PaymentStatus != PaymentPending {
		t.Errorf("payment status = %s, want pending", res.Booking.PaymentStatus)
	}
	if !res.RequiresPayment {
		t.Error("pay-now booking must require payment")
	}
	wantExpiry := testNow.Add(15 * time.Minute)
	if res.ReservationExpiry == nil || !res.ReservationExpiry.Equal(wantExpiry) {
		t.Errorf("reservation expiry = %v, want %s", res.ReservationExpiry, wantExpiry)
	}
}

func TestCreateBookingPayLater(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.PaymentMode = PayLater })

	res, err := svc.CreateBooking(context.Background(), createInput(apptID))
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	if res.Booking.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", res.Booking.Status)
	}
	if res.Booking.PaymentStatus != PaymentPending {
		t.Errorf("payment status = %s, want pending", res.Booking.PaymentStatus)
	}
	if res.RequiresPayment {
		t.Error("pay-later must not hold the booking on payment")
	}
}

func TestCreateBookingManualConfirmation(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.RequiresManualConfirmation = true })

	res, err := svc.CreateBooking(context.Background(), createInput(apptID))
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	if res.Booking.Status != StatusPending {
		t.Errorf("status = %s, want pending", res.Booking.Status)
	}
}

func TestCreateBookingSlotFull(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, nil)

	if _, err := svc.CreateBooking(context.Background(), createInput(apptID)); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	_, err := svc.CreateBooking(context.Background(), createInput(apptID))
	if !errors.Is(err, ErrSlotFull) {
		t.Fatalf("second booking err = %v, want ErrSlotFull", err)
	}
}

func TestCreateBookingGroupCapacity(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.Capacity = 5 })

	in := createInput(apptID)
	in.Capacity = 3
	if _, err := svc.CreateBooking(context.Background(), in); err != nil {
		t.Fatalf("group booking: %v", err)
	}

	// 2 units left; a request for 3 must be rejected even though the window
	// is not empty.
	in2 := createInput(apptID)
	in2.Capacity = 3
	if _, err := svc.CreateBooking(context.Background(), in2); !errors.Is(err, ErrSlotFull) {
		t.Fatalf("over-capacity group err = %v, want ErrSlotFull", err)
	}

	in3 := createInput(apptID)
	in3.Capacity = 2
	if _, err := svc.CreateBooking(context.Background(), in3); err != nil {
		t.Fatalf("exact-fit group booking: %v", err)
	}
}

func TestCreateBookingLapsedReservationFreesCapacity(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.PaymentMode = PayNow })

	if _, err := svc.CreateBooking(context.Background(), createInput(apptID)); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	// Past the reservation TTL the unpaid hold no longer counts, even before
	// the reaper has swept it.
	svc.clock = func() time.Time { return testNow.Add(16 * time.Minute) }

	if _, err := svc.CreateBooking(context.Background(), createInput(apptID)); err != nil {
		t.Fatalf("booking after hold lapsed: %v", err)
	}
}

func TestCreateBookingIdempotentReplay(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, nil)

	in := createInput(apptID)
	in.IdempotencyKey = "retry-abc"

	first, err := svc.CreateBooking(context.Background(), in)
	if err != nil {
		t.Fatalf("first booking: %v", err)
	}

	second, err := svc.CreateBooking(context.Background(), in)
	if err != nil {
		t.Fatalf("replayed booking: %v", err)
	}

	if !second.IsDuplicate {
		t.Error("replay must be flagged as duplicate")
	}
	if second.Booking.ID != first.Booking.ID {
		t.Errorf("replay returned booking %s, want original %s", second.Booking.ID, first.Booking.ID)
	}
	if len(store.bookings) != 1 {
		t.Errorf("store holds %d bookings, want 1", len(store.bookings))
	}
	if types := store.eventTypes(); len(types) != 1 {
		t.Errorf("replay must not emit a second created event, got %v", types)
	}
}

func TestCreateBookingIdempotencyScopedToCustomer(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.Capacity = 2 })

	in := createInput(apptID)
	in.IdempotencyKey = "shared-key"
	if _, err := svc.CreateBooking(context.Background(), in); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	other := createInput(apptID)
	other.IdempotencyKey = "shared-key"
	res, err := svc.CreateBooking(context.Background(), other)
	if err != nil {
		t.Fatalf("other customer's booking: %v", err)
	}
	if res.IsDuplicate {
		t.Error("same key from a different customer is a fresh booking")
	}
}

func TestCreateBookingUniqueIndexRace(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.Capacity = 2 })

	in := createInput(apptID)
	in.IdempotencyKey = "raced-key"

	winner, err := svc.CreateBooking(context.Background(), in)
	if err != nil {
		t.Fatalf("winner booking: %v", err)
	}

	// The loser's in-tx lookup missed but its insert hit the unique index.
	store.hideIdemOnce = true
	store.insertErrs = []error{ErrIdempotentReplay}

	res, err := svc.CreateBooking(context.Background(), in)
	if err != nil {
		t.Fatalf("loser recovery: %v", err)
	}
	if !res.IsDuplicate || res.Booking.ID != winner.Booking.ID {
		t.Errorf("loser must recover the winner's booking, got duplicate=%v id=%s", res.IsDuplicate, res.Booking.ID)
	}
}

func TestCreateBookingCodeCollisionRetries(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, nil)

	store.insertErrs = []error{ErrCodeCollision}

	res, err := svc.CreateBooking(context.Background(), createInput(apptID))
	if err != nil {
		t.Fatalf("booking after one collision: %v", err)
	}
	if res.Booking == nil || res.Booking.ConfirmationCode == "" {
		t.Fatal("retried booking is missing its confirmation code")
	}
}

func TestCreateBookingCodeCollisionGivesUp(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, nil)

	store.insertErrs = []error{ErrCodeCollision, ErrCodeCollision, ErrCodeCollision}

	_, err := svc.CreateBooking(context.Background(), createInput(apptID))
	if !errors.Is(err, ErrCodeCollision) {
		t.Fatalf("err = %v, want ErrCodeCollision after exhausted retries", err)
	}
}

func TestCreateBookingTooSoon(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.MinNoticeMinutes = 24 * 60 })

	in := createInput(apptID)
	in.StartTime = testNow.Add(2 * time.Hour)
	in.EndTime = in.StartTime.Add(time.Hour)

	if _, err := svc.CreateBooking(context.Background(), in); !errors.Is(err, ErrTooSoon) {
		t.Fatalf("err = %v, want ErrTooSoon", err)
	}
}

func TestCreateBookingTooFarAhead(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.MaxAdvanceMinutes = 24 * 60 })

	if _, err := svc.CreateBooking(context.Background(), createInput(apptID)); !errors.Is(err, ErrTooFarAhead) {
		t.Fatalf("err = %v, want ErrTooFarAhead", err)
	}
}

func TestCreateBookingNoHorizonWhenMaxAdvanceZero(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.MaxAdvanceMinutes = 0 })

	if _, err := svc.CreateBooking(context.Background(), createInput(apptID)); err != nil {
		t.Fatalf("zero max advance should mean unbounded, got %v", err)
	}
}

func TestCreateBookingInactiveAppointment(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.Active = false })

	if _, err := svc.CreateBooking(context.Background(), createInput(apptID)); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("err = %v, want ErrNotAvailable", err)
	}
}

func TestCreateBookingUnknownAppointment(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	if _, err := svc.CreateBooking(context.Background(), createInput(uuid.New())); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("err = %v, want ErrAppointmentNotFound", err)
	}
}

func TestCreateBookingWindowNotOffered(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, nil)

	in := createInput(apptID)
	in.StartTime = slotStart.Add(15 * time.Minute) // off the hourly grid
	in.EndTime = in.StartTime.Add(time.Hour)

	if _, err := svc.CreateBooking(context.Background(), in); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("off-grid window err = %v, want ErrNotAvailable", err)
	}
}

func TestCreateBookingOffsetCannotShiftSchedule(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, nil)

	ist := time.FixedZone("IST", 5*3600+30*60)

	// 09:00+05:30 is 03:30 UTC, outside the 09:00-17:00 working day. The
	// caller's offset must not reinterpret the template's hours.
	in := createInput(apptID)
	in.StartTime = time.Date(2026, 9, 7, 9, 0, 0, 0, ist)
	in.EndTime = in.StartTime.Add(time.Hour)

	if _, err := svc.CreateBooking(context.Background(), in); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("offset-shifted window err = %v, want ErrNotAvailable", err)
	}

	// The same instant as 09:00 UTC, just spelled in another offset, is fine.
	in2 := createInput(apptID)
	in2.StartTime = time.Date(2026, 9, 7, 14, 30, 0, 0, ist)
	in2.EndTime = in2.StartTime.Add(time.Hour)

	res, err := svc.CreateBooking(context.Background(), in2)
	if err != nil {
		t.Fatalf("equivalent-instant booking: %v", err)
	}
	if !res.Booking.StartTime.Equal(slotStart) {
		t.Errorf("stored start = %s, want instant %s", res.Booking.StartTime, slotStart)
	}
}

func TestCreateBookingNoTemplate(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, nil)
	delete(store.templates, templateKey(apptID, nil))

	if _, err := svc.CreateBooking(context.Background(), createInput(apptID)); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("missing template err = %v, want ErrNotAvailable", err)
	}
}

func TestCreateBookingProviderFallsBackToSharedTemplate(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	provider := uuid.New()
	apptID := seedAppointment(store, func(c *AppointmentConfig) {
		c.AssignmentType = AssignStaff
		c.EligibleProviderIDs = []uuid.UUID{provider}
	})

	in := createInput(apptID)
	in.ProviderID = &provider

	if _, err := svc.CreateBooking(context.Background(), in); err != nil {
		t.Fatalf("provider booking via shared template: %v", err)
	}
}

func TestCreateBookingIneligibleProvider(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) {
		c.AssignmentType = AssignStaff
		c.EligibleProviderIDs = []uuid.UUID{uuid.New()}
	})

	outsider := uuid.New()
	in := createInput(apptID)
	in.ProviderID = &outsider

	if _, err := svc.CreateBooking(context.Background(), in); !errors.Is(err, ErrInvalidProvider) {
		t.Fatalf("err = %v, want ErrInvalidProvider", err)
	}
}

func TestCreateBookingProviderCapacityIsIndependent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	p1, p2 := uuid.New(), uuid.New()
	apptID := seedAppointment(store, func(c *AppointmentConfig) {
		c.AssignmentType = AssignStaff
		c.EligibleProviderIDs = []uuid.UUID{p1, p2}
	})

	in := createInput(apptID)
	in.ProviderID = &p1
	if _, err := svc.CreateBooking(context.Background(), in); err != nil {
		t.Fatalf("first provider booking: %v", err)
	}

	in2 := createInput(apptID)
	in2.ProviderID = &p2
	if _, err := svc.CreateBooking(context.Background(), in2); err != nil {
		t.Fatalf("second provider's pool should be untouched: %v", err)
	}
}

func TestCreateBookingValidationFailure(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) {
		c.Questions = []Question{
			{ID: "name", Type: QuestionText, Required: true},
			{ID: "email", Type: QuestionEmail, Required: true},
		}
	})

	in := createInput(apptID)
	in.Answers = map[string]string{"email": "nope"}

	_, err := svc.CreateBooking(context.Background(), in)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if len(vErr.Violations) != 2 {
		t.Errorf("got %d violations, want 2: %v", len(vErr.Violations), vErr.Violations)
	}
	if len(store.bookings) != 0 {
		t.Error("a rejected request must not leave a booking behind")
	}
}

func TestCreateBookingRejectsInvertedWindow(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, nil)

	in := createInput(apptID)
	in.EndTime = in.StartTime

	_, err := svc.CreateBooking(context.Background(), in)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
}

func TestCreateBookingWindowBusy(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &fakeLocker{busy: true}, testConfig())
	svc.clock = func() time.Time { return testNow }
	apptID := seedAppointment(store, nil)

	if _, err := svc.CreateBooking(context.Background(), createInput(apptID)); !errors.Is(err, ErrWindowBusy) {
		t.Fatalf("err = %v, want ErrWindowBusy", err)
	}
}

// Many goroutines racing for a small window must never overbook it. The fake
// serializes transactions the way the advisory lock does, so the property
// under test is the service's check-then-insert staying inside that boundary.
func TestCreateBookingConcurrentNeverOverbooks(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.Capacity = 3 })

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateBooking(context.Background(), createInput(apptID))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, full := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrSlotFull):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if succeeded != 3 {
		t.Errorf("%d bookings admitted, want exactly 3", succeeded)
	}
	if full != attempts-3 {
		t.Errorf("%d rejections, want %d", full, attempts-3)
	}

	key := WindowKey{AppointmentID: apptID, Start: slotStart, End: slotEnd}
	consumed, _ := store.ConsumedCapacity(context.Background(), key, testNow)
	if consumed != 3 {
		t.Errorf("ledger shows %d consumed, want 3", consumed)
	}
}

func payNowBooking(t *testing.T, svc *Service, store *fakeStore) *Booking {
	t.Helper()
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.PaymentMode = PayNow })
	res, err := svc.CreateBooking(context.Background(), createInput(apptID))
	if err != nil {
		t.Fatalf("seed pay-now booking: %v", err)
	}
	return res.Booking
}

func TestConfirmPayment(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	b := payNowBooking(t, svc, store)

	res, err := svc.ConfirmPayment(context.Background(), b.ID, "pay_ref_123")
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}

	if res.AlreadyProcessed {
		t.Error("first confirmation must not be flagged as already processed")
	}
	if res.Booking.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", res.Booking.Status)
	}
	if res.Booking.PaymentStatus != PaymentPaid {
		t.Errorf("payment status = %s, want paid", res.Booking.PaymentStatus)
	}
	if res.Booking.PaymentReference == nil || *res.Booking.PaymentReference != "pay_ref_123" {
		t.Errorf("payment reference = %v, want pay_ref_123", res.Booking.PaymentReference)
	}
	if res.Booking.ReservationExpiry != nil {
		t.Error("confirmed booking must not keep its reservation expiry")
	}
	if res.Booking.Version != b.Version+1 {
		t.Errorf("version = %d, want %d", res.Booking.Version, b.Version+1)
	}
}

func TestConfirmPaymentIdempotent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	b := payNowBooking(t, svc, store)

	if _, err := svc.ConfirmPayment(context.Background(), b.ID, "ref-1"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}

	res, err := svc.ConfirmPayment(context.Background(), b.ID, "ref-2")
	if err != nil {
		t.Fatalf("repeated confirm: %v", err)
	}
	if !res.AlreadyProcessed {
		t.Error("repeated confirmation must be flagged AlreadyProcessed")
	}
	if *res.Booking.PaymentReference != "ref-1" {
		t.Errorf("repeated confirm must not overwrite the reference, got %s", *res.Booking.PaymentReference)
	}
}

func TestConfirmPaymentAfterExpiryLapse(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	b := payNowBooking(t, svc, store)

	svc.clock = func() time.Time { return testNow.Add(20 * time.Minute) }

	_, err := svc.ConfirmPayment(context.Background(), b.ID, "late-ref")
	if !errors.Is(err, ErrReservationExpired) {
		t.Fatalf("err = %v, want ErrReservationExpired", err)
	}

	// The lapsed hold is reaped in passing.
	after, _ := store.GetBookingByID(context.Background(), b.ID)
	if after.Status != StatusExpired {
		t.Errorf("status after late confirm = %s, want expired", after.Status)
	}
}

func TestConfirmPaymentOnExpiredBooking(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	b := payNowBooking(t, svc, store)

	reason, actor := "reservation expired", "system"
	if _, err := store.UpdateStatus(context.Background(), b.ID, StatusPendingPayment, StatusExpired, &reason, &actor); err != nil {
		t.Fatalf("expire booking: %v", err)
	}

	if _, err := svc.ConfirmPayment(context.Background(), b.ID, "ref"); !errors.Is(err, ErrReservationExpired) {
		t.Fatalf("err = %v, want ErrReservationExpired", err)
	}
}

func TestConfirmPaymentWrongStatus(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, nil) // not_applicable, lands confirmed+not_required

	res, err := svc.CreateBooking(context.Background(), createInput(apptID))
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}

	if _, err := svc.ConfirmPayment(context.Background(), res.Booking.ID, "ref"); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("err = %v, want ErrInvalidStatusTransition", err)
	}
}

func TestConfirmPaymentVersionConflict(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	b := payNowBooking(t, svc, store)

	// Another writer bumps the version after our read but before the CAS
	// lands, so the conditional update must match zero rows.
	store.txHook = func() {
		store.mu.Lock()
		store.bookings[b.ID].Version++
		store.mu.Unlock()
	}

	if _, err := svc.ConfirmPayment(context.Background(), b.ID, "ref"); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("err = %v, want ErrConcurrentModification", err)
	}
}

func TestConfirmPaymentUnknownBooking(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	if _, err := svc.ConfirmPayment(context.Background(), uuid.New(), "ref"); !errors.Is(err, ErrBookingNotFound) {
		t.Fatalf("err = %v, want ErrBookingNotFound", err)
	}
}

func TestConfirmManual(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.RequiresManualConfirmation = true })

	res, err := svc.CreateBooking(context.Background(), createInput(apptID))
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}

	confirmed, err := svc.ConfirmManual(context.Background(), res.Booking.ID)
	if err != nil {
		t.Fatalf("ConfirmManual: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", confirmed.Status)
	}

	// Confirming again is a no-op returning the current row.
	again, err := svc.ConfirmManual(context.Background(), res.Booking.ID)
	if err != nil {
		t.Fatalf("repeated ConfirmManual: %v", err)
	}
	if again.Status != StatusConfirmed {
		t.Errorf("repeated confirm status = %s, want confirmed", again.Status)
	}
}

func TestConfirmManualWrongStatus(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	b := payNowBooking(t, svc, store)

	if _, err := svc.ConfirmManual(context.Background(), b.ID); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("err = %v, want ErrInvalidStatusTransition", err)
	}
}

func TestCancelBooking(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, nil)

	res, err := svc.CreateBooking(context.Background(), createInput(apptID))
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}

	cancelled, err := svc.CancelBooking(context.Background(), res.Booking.ID, "changed my mind", "customer")
	if err != nil {
		t.Fatalf("CancelBooking: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.CancelReason == nil || *cancelled.CancelReason != "changed my mind" {
		t.Errorf("cancel reason = %v", cancelled.CancelReason)
	}

	// The freed capacity is bookable again.
	if _, err := svc.CreateBooking(context.Background(), createInput(apptID)); err != nil {
		t.Fatalf("rebooking after cancel: %v", err)
	}
}

func TestCancelBookingTerminalStatus(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, nil)

	res, err := svc.CreateBooking(context.Background(), createInput(apptID))
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	if _, err := svc.CancelBooking(context.Background(), res.Booking.ID, "r", "customer"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}

	if _, err := svc.CancelBooking(context.Background(), res.Booking.ID, "r", "customer"); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("second cancel err = %v, want ErrInvalidStatusTransition", err)
	}
}

func TestSweepExpiredReservations(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) {
		c.PaymentMode = PayNow
		c.Capacity = 3
	})

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		res, err := svc.CreateBooking(context.Background(), createInput(apptID))
		if err != nil {
			t.Fatalf("booking %d: %v", i, err)
		}
		ids = append(ids, res.Booking.ID)
	}

	// One of the holds gets paid before the TTL runs out.
	if _, err := svc.ConfirmPayment(context.Background(), ids[0], "ref"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	svc.clock = func() time.Time { return testNow.Add(16 * time.Minute) }

	swept, err := svc.SweepExpiredReservations(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 2 {
		t.Errorf("swept %d, want 2", swept)
	}

	paid, _ := store.GetBookingByID(context.Background(), ids[0])
	if paid.Status != StatusConfirmed {
		t.Errorf("paid booking status = %s, want confirmed", paid.Status)
	}
	for _, id := range ids[1:] {
		b, _ := store.GetBookingByID(context.Background(), id)
		if b.Status != StatusExpired {
			t.Errorf("booking %s status = %s, want expired", id, b.Status)
		}
		if b.ReservationExpiry != nil {
			t.Errorf("expired booking %s still carries a reservation expiry", id)
		}
	}

	// The two reaped units are free again.
	key := WindowKey{AppointmentID: apptID, Start: slotStart, End: slotEnd}
	consumed, _ := store.ConsumedCapacity(context.Background(), key, svc.clock())
	if consumed != 1 {
		t.Errorf("consumed after sweep = %d, want 1", consumed)
	}

	// A second sweep finds nothing.
	swept, err = svc.SweepExpiredReservations(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if swept != 0 {
		t.Errorf("second sweep reaped %d, want 0", swept)
	}
}

func TestGenerateSlotsService(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, nil)

	slots, err := svc.GenerateSlots(context.Background(), apptID, slotStart, nil)
	if err != nil {
		t.Fatalf("GenerateSlots: %v", err)
	}
	if len(slots) != 8 {
		t.Errorf("got %d slots for a 09:00-17:00 day at 60/60, want 8", len(slots))
	}
}

func TestGenerateSlotsInactiveAppointment(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.Active = false })

	if _, err := svc.GenerateSlots(context.Background(), apptID, slotStart, nil); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("err = %v, want ErrNotAvailable", err)
	}
}

func TestGenerateSlotsNoTemplateIsEmptyNotError(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, nil)
	delete(store.templates, templateKey(apptID, nil))

	slots, err := svc.GenerateSlots(context.Background(), apptID, slotStart, nil)
	if err != nil {
		t.Fatalf("GenerateSlots: %v", err)
	}
	if len(slots) != 0 {
		t.Errorf("got %d slots without a template, want 0", len(slots))
	}
}

func TestCheckAvailability(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.Capacity = 4 })

	in := createInput(apptID)
	in.Capacity = 3
	if _, err := svc.CreateBooking(context.Background(), in); err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}

	remaining, err := svc.CheckAvailability(context.Background(), apptID, slotStart, slotEnd, nil)
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if remaining != 1 {
		t.Errorf("remaining = %d, want 1", remaining)
	}
}

func TestCheckAvailabilityClampsAtZero(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.Capacity = 2 })

	if _, err := svc.CreateBooking(context.Background(), createInput(apptID)); err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}

	// An operator shrinks capacity below what is already booked.
	store.mu.Lock()
	store.appointments[apptID].Capacity = 0
	store.mu.Unlock()

	remaining, err := svc.CheckAvailability(context.Background(), apptID, slotStart, slotEnd, nil)
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want clamped 0", remaining)
	}
}

func TestListBookingsByCustomerClampsLimit(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	apptID := seedAppointment(store, func(c *AppointmentConfig) { c.Capacity = 10 })

	customer := uuid.New()
	for i := 0; i < 3; i++ {
		in := createInput(apptID)
		in.CustomerID = customer
		in.IdempotencyKey = fmt.Sprintf("k-%d", i)
		if _, err := svc.CreateBooking(context.Background(), in); err != nil {
			t.Fatalf("booking %d: %v", i, err)
		}
	}

	out, err := svc.ListBookingsByCustomer(context.Background(), customer, -5, -1)
	if err != nil {
		t.Fatalf("ListBookingsByCustomer: %v", err)
	}
	if len(out) != 3 {
		t.Errorf("got %d bookings with defaulted paging, want 3", len(out))
	}
}
