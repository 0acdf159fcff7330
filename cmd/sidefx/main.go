package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"broadcast/internal/config"
	"broadcast/internal/events"
	eventsamqp "broadcast/internal/events/amqp"
	"broadcast/internal/httpserver"
	"broadcast/internal/logging"
	"broadcast/internal/observability"
	"broadcast/internal/sidefx"
	"broadcast/internal/store/pg"
)

func main() {
	cfg := config.LoadSideFX()
	logging.Init("sidefx", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, cfg.Pool())
	if err != nil {
		slog.Error("sidefx db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	bus, err := eventsamqp.Dial(ctx, cfg.Client())
	if err != nil {
		slog.Error("sidefx amqp connect failed", "err", err)
		os.Exit(1)
	}
	defer bus.Close()

	observability.Register(prometheus.DefaultRegisterer)

	specs := []eventsamqp.ConsumerSpec{{
		Name:       "notifier",
		Queue:      "sidefx.notifications",
		BindingKey: events.TypeInbound,
		Prefetch:   cfg.AMQPPrefetch,
		Handle:     (&sidefx.Notifier{Store: pg.New(db), Roles: cfg.NotifyRoles}).Handle,
	}}
	if cfg.CRMURL != "" {
		crm := &sidefx.CRMForwarder{
			URL:     cfg.CRMURL,
			Token:   cfg.CRMToken,
			HTTP:    &http.Client{Timeout: cfg.CRMTimeout},
			Breaker: sidefx.NewCRMBreaker(),
		}
		specs = append(specs, eventsamqp.ConsumerSpec{
			Name:       "crm",
			Queue:      "sidefx.crm",
			BindingKey: "message.#",
			Prefetch:   cfg.AMQPPrefetch,
			Handle:     crm.Handle,
		})
	} else {
		slog.Info("CRM_URL not set, crm forwarding disabled")
	}

	hs := httpserver.New()
	hs.Health(2*time.Second, func(c context.Context) error { return db.Ping(c) })
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: hs.Handler(), ReadHeaderTimeout: 5 * time.Second}
	metricsSrv := httpserver.MetricsServer(cfg.MetricsPort)
	go func() {
		slog.Info("sidefx health listening", "port", cfg.Port)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("sidefx health server failed", "err", err)
		}
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("sidefx metrics server failed", "err", err)
		}
	}()

	var wg sync.WaitGroup
	for _, spec := range specs {
		wg.Add(1)
		go func(spec eventsamqp.ConsumerSpec) {
			defer wg.Done()
			slog.Info("subscriber starting", "consumer", spec.Name, "queue", spec.Queue, "binding", spec.BindingKey)
			if err := bus.Consume(ctx, spec); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("subscriber exited", "consumer", spec.Name, "err", err)
			}
		}(spec)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("sidefx shutdown", "signal", sig.String())

	cancel()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Info("sidefx shutdown timeout waiting for subscribers")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
