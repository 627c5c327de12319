package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/slotwise/booking/internal/availability"
	"github.com/slotwise/booking/internal/booking"
	"github.com/slotwise/booking/internal/db"
)

func main() {
	logrus.Info("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logrus.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		logrus.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if schemaFile := os.Getenv("SEED_SCHEMA_FILE"); schemaFile != "" {
		if err := applySchema(context.Background(), pool, schemaFile); err != nil {
			logrus.Fatalf("apply schema: %v", err)
		}
		logrus.Infof("applied schema from %s", schemaFile)
	}

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedAppointments(context.Background(), pool, 50); err != nil {
		logrus.Fatalf("seed appointments: %v", err)
	}

	logrus.Info("seed complete")
}

func applySchema(ctx context.Context, pool *pgxpool.Pool, path string) error {
	ddl, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, string(ddl))
	return err
}

func seedAppointments(ctx context.Context, pool *pgxpool.Pool, count int) error {
	logrus.Infof("seeding %d appointments with availability templates", count)

	paymentModes := []booking.PaymentMode{booking.PayNow, booking.PayLater, booking.PaymentNotNeeded}
	durations := []int{30, 45, 60, 90}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Company() + " consultation"
		capacity := gofakeit.Number(1, 10)
		duration := durations[gofakeit.Number(0, len(durations)-1)]
		mode := paymentModes[gofakeit.Number(0, len(paymentModes)-1)]

		assignment := booking.AssignAuto
		providers := []uuid.UUID{}
		if gofakeit.Bool() {
			assignment = booking.AssignStaff
			for p := 0; p < gofakeit.Number(1, 4); p++ {
				providers = append(providers, uuid.New())
			}
		}

		questions := []booking.Question{
			{ID: "name", Label: "Full name", Type: booking.QuestionText, Required: true},
			{ID: "email", Label: "Email address", Type: booking.QuestionEmail, Required: true},
			{ID: "notes", Label: "Anything we should know?", Type: booking.QuestionText, Required: false},
		}

		providersJSON, err := json.Marshal(providers)
		if err != nil {
			return err
		}
		questionsJSON, err := json.Marshal(questions)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO appointments (
				id, name, active, capacity, duration_minutes, slot_interval_minutes,
				min_notice_minutes, max_advance_minutes, payment_mode,
				requires_manual_confirmation, assignment_type,
				eligible_provider_ids, questions, created_at, updated_at
			)
			VALUES ($1, $2, true, $3, $4, $5, 60, 43200, $6, $7, $8, $9, $10, now(), now())
		`, id, name, capacity, duration, duration, mode, gofakeit.Number(0, 9) == 0,
			assignment, providersJSON, questionsJSON)
		if err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}

		if err := seedTemplate(ctx, tx, id); err != nil {
			return fmt.Errorf("insert template: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func seedTemplate(ctx context.Context, tx pgx.Tx, appointmentID uuid.UUID) error {
	var weekly [7]availability.DayEntry
	workday := availability.DayEntry{
		Available: true,
		Windows: []availability.Window{
			{Start: "09:00", End: "12:00"},
			{Start: "13:00", End: "17:00"},
		},
	}
	for d := 1; d <= 5; d++ { // Monday through Friday
		weekly[d] = workday
	}

	// One closed date a couple of weeks out, to exercise override precedence.
	overrides := []availability.DateOverride{
		{
			Date:      time.Now().AddDate(0, 0, 14).Format("2006-01-02"),
			Available: false,
			Reason:    "maintenance day",
		},
	}

	weeklyJSON, err := json.Marshal(weekly[:])
	if err != nil {
		return err
	}
	overridesJSON, err := json.Marshal(overrides)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO availability_templates (id, appointment_id, provider_id, weekly, overrides, created_at, updated_at)
		VALUES ($1, $2, NULL, $3, $4, now(), now())
	`, uuid.New(), appointmentID, weeklyJSON, overridesJSON)
	return err
}
