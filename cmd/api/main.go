package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"pixbridge/internal/api"
	"pixbridge/internal/config"
	"pixbridge/internal/events"
	"pixbridge/internal/gateway/eulen"
	"pixbridge/internal/gateway/liquidd"
	"pixbridge/internal/gateway/sideswap"
	"pixbridge/internal/orchestrator"
	"pixbridge/internal/store"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("db error")
	}
	defer pool.Close()

	st := store.New(pool)

	payments := eulen.New(cfg.EulenURL, cfg.EulenAuthToken)
	wallet := liquidd.New(cfg.WalletdURL)

	swaps, err := sideswap.Dial(ctx, cfg.SideswapURL, cfg.SideswapAPIKey, log)
	if err != nil {
		log.WithError(err).Fatal("sideswap connect error")
	}
	defer swaps.Close()

	var dispatcher events.Dispatcher
	if len(cfg.KafkaBrokers) > 0 {
		kd := events.NewKafkaDispatcher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kd.Close()
		dispatcher = kd
	} else {
		dispatcher = events.NewLogDispatcher(log)
	}

	orch := orchestrator.New(st, payments, swaps, wallet, dispatcher, log, orchestrator.Config{
		MinDepositCents:   cfg.MinDepositCents,
		ConfirmationDepth: cfg.ConfirmationDepth,
		PaymentTimeout:    cfg.PaymentTimeout,
		PollInterval:      cfg.PollInterval,
		ReconcileInterval: cfg.ReconcileInterval,
	})

	// Restart recovery happens before new traffic: every non-terminal
	// transaction is re-driven from the store.
	orch.Resume(ctx)

	go orch.RunConfirmationLoop(ctx)
	go orch.RunExpirySweep(ctx)
	go orch.RunReconcileLoop(ctx)

	srv := api.NewServer(orch, st, cfg.AuthToken, cfg.WebhookToken, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", httpServer.Addr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
	os.Exit(0)
}
