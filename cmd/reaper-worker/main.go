package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/slotwise/booking/internal/booking"
	"github.com/slotwise/booking/internal/config"
	"github.com/slotwise/booking/internal/db"
	redisclient "github.com/slotwise/booking/internal/redis"
)

func main() {
	logrus.Info("reaper-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config load error: %v", err)
	}

	if cfg.Env == "prod" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	logrus.Infof("running reaper in env=%s interval=%s", cfg.Env, cfg.SweepInterval)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logrus.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	logrus.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logrus.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logrus.Errorf("error closing redis: %v", err)
		}
	}()
	logrus.Info("connected to Redis")

	repo := booking.NewPgRepository(pgPool)
	locker := redisclient.NewRedisWindowLocker(rdb, cfg.LockTTL)
	svc := booking.NewService(repo, locker, cfg)

	// Run once at startup
	runOnce(rootCtx, svc)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logrus.Info("shutdown signal received, stopping reaper")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc)
		}
	}
}

func runOnce(ctx context.Context, svc *booking.Service) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	expired, err := svc.SweepExpiredReservations(runCtx)
	if err != nil {
		logrus.Errorf("sweep run error: %v", err)
		return
	}
	logrus.Infof("sweep complete: expired=%d duration=%s", expired, time.Since(start))
}
