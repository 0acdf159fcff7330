package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"broadcast/internal/campaign"
	"broadcast/internal/config"
	"broadcast/internal/dispatch/pgqueue"
	"broadcast/internal/enqueue"
	"broadcast/internal/events"
	eventsamqp "broadcast/internal/events/amqp"
	"broadcast/internal/httpserver"
	"broadcast/internal/logging"
	"broadcast/internal/observability"
	"broadcast/internal/providers/whatsapp"
	"broadcast/internal/reply"
	"broadcast/internal/store/pg"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, cfg.Pool())
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	bus, err := eventsamqp.Dial(ctx, cfg.Client())
	if err != nil {
		slog.Error("api amqp connect failed", "err", err)
		os.Exit(1)
	}
	defer bus.Close()
	emitter := events.NewDispatcher(bus, "api", cfg.EventBuffer)

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	queue := pgqueue.New(db)
	enq := &enqueue.Enqueuer{
		Store:       st,
		Queue:       queue,
		BatchSize:   cfg.EnqueueBatchSize,
		MaxAttempts: cfg.JobMaxAttempts,
		BackoffBase: cfg.JobBackoffBase,
	}
	ctrl := &campaign.Controller{
		Store:          st,
		Queue:          queue,
		Enqueuer:       enq,
		EnqueueTimeout: cfg.EnqueueTimeout,
	}
	wa := &whatsapp.Client{
		Token:         cfg.WhatsAppToken,
		PhoneNumberID: cfg.WhatsAppPhoneNumberID,
		APIVersion:    cfg.WhatsAppAPIVersion,
		BaseURL:       cfg.WhatsAppBaseURL,
		HTTP:          &http.Client{Timeout: 10 * time.Second},
	}
	replies := &reply.Service{Store: st, Sender: wa, Events: emitter}

	s := httpserver.New()
	(&httpserver.API{Campaigns: ctrl, Replies: replies}).Register(s.Mux)
	s.Health(2*time.Second, func(ctx context.Context) error { return db.Ping(ctx) })

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := httpserver.MetricsServer(cfg.MetricsPort)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	// background enqueue runs hold their own deadline; let them finish
	ctrl.Wait()
	emitter.Close()
}
