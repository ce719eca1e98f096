package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"phoneops/internal/cloudphone"
	"phoneops/internal/config"
	"phoneops/internal/lock"
	"phoneops/internal/logging"
	"phoneops/internal/monitor"
	"phoneops/internal/reaper"
	"phoneops/internal/release"
	"phoneops/internal/rental"
	"phoneops/internal/smsline"
	"phoneops/internal/store"
	"phoneops/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	locker := lock.New(redisClient)

	devices := cloudphone.New(cfg.DevicePlaneBaseURL, cfg.DevicePlaneAppID, cfg.DevicePlaneAPIKey, cfg.VendorTimeout)
	sms := smsline.New(cfg.SMSPlaneBaseURL, cfg.SMSPlaneAPIKey, cfg.RentalLease, cfg.VendorTimeout)

	coordinator := release.New(devices, sms, st, locker, log, release.Options{
		LockTTL:    cfg.DeviceLockTTL,
		RetryDelay: cfg.StopRetryDelay,
		MaxRetries: cfg.StopMaxRetries,
	})
	engine := monitor.New(devices, coordinator, st, locker, log, monitor.Options{
		LeaseTTL: cfg.MonitorLeaseTTL,
	})

	rentals := rental.New(sms, st, coordinator, log, rental.Options{
		PollEvery: cfg.RentalPollEvery,
	})
	go rentals.Run(ctx)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		log.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Error("metrics listen", "error", err)
		}
	}()

	r := reaper.New(engine, st, locker, log, reaper.Options{
		Interval:     cfg.ReaperInterval,
		Grace:        cfg.ReaperGrace,
		StuckCeiling: cfg.AccountStuckCeiling,
	})
	log.Info("reaper running", "interval", cfg.ReaperInterval)
	r.Run(ctx)
	log.Info("reaper stopped")
}
