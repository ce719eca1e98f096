package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"phoneops/internal/api"
	"phoneops/internal/cloudphone"
	"phoneops/internal/config"
	"phoneops/internal/diagnostics"
	"phoneops/internal/lock"
	"phoneops/internal/logging"
	"phoneops/internal/monitor"
	"phoneops/internal/proxynet"
	"phoneops/internal/ratelimit"
	"phoneops/internal/release"
	"phoneops/internal/rental"
	"phoneops/internal/smsline"
	"phoneops/internal/store"
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

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	locker := lock.New(redisClient)

	devices := cloudphone.New(cfg.DevicePlaneBaseURL, cfg.DevicePlaneAppID, cfg.DevicePlaneAPIKey, cfg.VendorTimeout)
	sms := smsline.New(cfg.SMSPlaneBaseURL, cfg.SMSPlaneAPIKey, cfg.RentalLease, cfg.VendorTimeout)
	proxies := proxynet.New(cfg.ProxyPlaneBaseURL, cfg.ProxyPlaneAPIKey, cfg.VendorTimeout)

	coordinator := release.New(devices, sms, st, locker, log, release.Options{
		LockTTL:    cfg.DeviceLockTTL,
		RetryDelay: cfg.StopRetryDelay,
		MaxRetries: cfg.StopMaxRetries,
	})

	archiver, err := diagnostics.New(ctx, devices, cfg, log)
	if err != nil {
		log.Error("diagnostics setup", "error", err)
		os.Exit(1)
	}

	engine := monitor.New(devices, coordinator, st, locker, log, monitor.Options{
		LeaseTTL:  cfg.MonitorLeaseTTL,
		Diagnoser: archiver,
	})

	// The OTP pump and expiry sweep run in the reaper process; here the
	// manager only serves synchronous Rent calls.
	rentals := rental.New(sms, st, coordinator, log, rental.Options{
		PollEvery: cfg.RentalPollEvery,
	})

	limiter := ratelimit.NewLaunchQuota(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(ctx, cfg, st, devices, engine, coordinator, rentals, proxies, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
