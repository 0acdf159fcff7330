package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"broadcast/internal/campaign"
	"broadcast/internal/config"
	"broadcast/internal/dispatch"
	"broadcast/internal/dispatch/pgqueue"
	"broadcast/internal/events"
	eventsamqp "broadcast/internal/events/amqp"
	"broadcast/internal/httpserver"
	"broadcast/internal/logging"
	"broadcast/internal/observability"
	"broadcast/internal/providers/whatsapp"
	"broadcast/internal/store/pg"
	"broadcast/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, cfg.Pool())
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	bus, err := eventsamqp.Dial(ctx, cfg.Client())
	if err != nil {
		slog.Error("worker amqp connect failed", "err", err)
		os.Exit(1)
	}
	defer bus.Close()
	emitter := events.NewDispatcher(bus, "worker", cfg.EventBuffer)

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	queue := pgqueue.New(db)

	// critical provider errors stop the campaign through the same path as an operator stop
	halter := &campaign.Controller{Store: st, Queue: queue}

	wa := &whatsapp.Client{
		Token:         cfg.WhatsAppToken,
		PhoneNumberID: cfg.WhatsAppPhoneNumberID,
		APIVersion:    cfg.WhatsAppAPIVersion,
		BaseURL:       cfg.WhatsAppBaseURL,
		HTTP:          &http.Client{Timeout: cfg.ProviderTimeout},
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         "whatsapp",
		MaxRequests:  3,
		Timeout:      cfg.BreakerCooldown,
		ReadyToTrip:  func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= cfg.BreakerMaxFailures },
		IsSuccessful: worker.BreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	processor := &worker.Processor{
		Store:       st,
		Sender:      wa,
		Halter:      halter,
		Events:      emitter,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.ProviderRPS), cfg.ProviderBurst),
		Breaker:     cb,
		SendTimeout: cfg.ProviderTimeout,
	}
	runner := &dispatch.Runner{
		Store:        queue,
		Handler:      processor.Process,
		Concurrency:  cfg.WorkerConcurrency,
		Gate:         dispatch.NewGate(cfg.GateMax, cfg.GateWindow),
		PollInterval: cfg.PollInterval,
		StaleAfter:   cfg.StaleAfter,
		JobTimeout:   cfg.JobTimeout,
		DeferFor:     cfg.DeferFor,
		Exhausted:    processor.Exhausted,
	}

	janitor := &dispatch.Janitor{Store: queue, KeepCompleted: cfg.QueueKeepCompleted, KeepFailed: cfg.QueueKeepFailed}
	cronJobs, err := janitor.Schedule(ctx, cfg.JanitorSchedule)
	if err != nil {
		slog.Error("worker janitor schedule invalid", "spec", cfg.JanitorSchedule, "err", err)
		os.Exit(1)
	}

	// health server (liveness + readiness)
	hs := httpserver.New()
	hs.Health(2*time.Second, func(c context.Context) error { return db.Ping(c) })
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: hs.Handler(), ReadHeaderTimeout: 5 * time.Second}
	metricsSrv := httpserver.MetricsServer(cfg.MetricsPort)

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker metrics server failed", "err", err)
		}
	}()

	runErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker dispatch starting",
			"concurrency", cfg.WorkerConcurrency,
			"gate_max", cfg.GateMax,
			"gate_window", cfg.GateWindow,
		)
		runErrCh <- runner.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker dispatch failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()
	<-cronJobs.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	// in-flight provider calls are never interrupted; wait for them
	select {
	case <-runErrCh:
	case <-time.After(cfg.JobTimeout + 5*time.Second):
		slog.Info("worker shutdown timeout waiting for in-flight jobs")
	}
	emitter.Close()
}
