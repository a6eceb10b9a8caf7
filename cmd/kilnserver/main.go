// Command kilnserver runs Kiln's HTTP RPC/tool surface, generalized
// from the teacher's cmd/gateway main.go (load config, build
// collaborators, build router, serve with graceful shutdown on
// SIGINT/SIGTERM).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilnfleet/kiln/domain/entitlement"
	"github.com/kilnfleet/kiln/domain/materials"
	"github.com/kilnfleet/kiln/domain/pipelines"
	"github.com/kilnfleet/kiln/domain/printdna"
	"github.com/kilnfleet/kiln/domain/reputation"
	"github.com/kilnfleet/kiln/internal/billing"
	"github.com/kilnfleet/kiln/internal/config"
	"github.com/kilnfleet/kiln/internal/credentials"
	"github.com/kilnfleet/kiln/internal/eventbus"
	"github.com/kilnfleet/kiln/internal/fulfillment"
	"github.com/kilnfleet/kiln/internal/httpapi"
	"github.com/kilnfleet/kiln/internal/logging"
	"github.com/kilnfleet/kiln/internal/payment"
	"github.com/kilnfleet/kiln/internal/payment/circleprovider"
	"github.com/kilnfleet/kiln/internal/payment/stripeprovider"
	"github.com/kilnfleet/kiln/internal/queue"
	"github.com/kilnfleet/kiln/internal/quotecache"
	"github.com/kilnfleet/kiln/internal/ratelimit"
	"github.com/kilnfleet/kiln/internal/registry"
	"github.com/kilnfleet/kiln/internal/safety"
	"github.com/kilnfleet/kiln/internal/storage/postgres"
	"github.com/kilnfleet/kiln/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	named := logger.Named("kilnserver")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := postgres.Open(ctx, cfg.DBPath, 5*time.Second)
	if err != nil {
		named.WithError(err).Fatal("failed to connect to storage")
	}
	defer store.Close()

	masterKey, err := credentials.ResolveMasterKey("", cfg.MasterKey, ".", logger)
	if err != nil {
		named.WithError(err).Fatal("failed to resolve credential master key")
	}

	bus := eventbus.New(logger)
	reg := registry.New(store, bus)
	jobQueue := queue.New(store)
	if err := jobQueue.Recover(ctx); err != nil {
		named.WithError(err).Fatal("failed to recover job queue")
	}

	safetyCoord := safety.New(reg, bus, logger)
	watchers := watcher.NewRegistry()

	ledger := billing.New(billing.DefaultFeePolicy(), billing.SpendLimits{
		MaxPerOrder: cfg.SpendLimitMaxPerOrder,
		MaxPerDay:   cfg.SpendLimitMaxPerDay,
		MaxPerMonth: cfg.SpendLimitMaxPerMonth,
	}, store)

	payments := payment.New(ledger, bus)
	if cfg.StripeSecretKey != "" {
		payments.RegisterProvider(stripeprovider.New(cfg.StripeSecretKey))
		payments.SetDefaultRail("stripe")
	}
	if cfg.CircleAPIKey != "" {
		payments.RegisterProvider(circleprovider.New(cfg.CircleAPIKey))
	}

	quotes := quotecache.New(store)
	fulfillOrch := fulfillment.New(quotes, ledger, payments, fulfillment.FreeTierPolicy{MaxNetworkJobsPerMonth: 5})

	credStore := credentials.New(masterKey, store, logger)
	repEngine := reputation.New()
	entForcer := entitlement.New(nil)
	dnaStore := printdna.New(store)
	matMatrix := materials.NewMatrix()

	pipelineRunner := &pipelines.Runner{
		Queue: jobQueue, Registry: reg, Safety: safetyCoord,
		Watchers: watchers, Bus: bus, Log: logger,
	}

	svc := &httpapi.Service{
		Registry: reg, Queue: jobQueue, Safety: safetyCoord, Watchers: watchers, Bus: bus,
		Billing: ledger, Payments: payments, Fulfillment: fulfillOrch, Credentials: credStore,
		Reputation: repEngine, Entitlement: entForcer, PrintDNA: dnaStore, Materials: matMatrix,
		Pipelines: pipelineRunner, Log: logger,
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimitRequestsPerSecond,
		Burst:             cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      svc.Router(limiter),
		ReadTimeout:  cfg.HTTPRequestTimeout,
		WriteTimeout: cfg.HTTPRequestTimeout,
	}

	go func() {
		named.WithField("port", cfg.HTTPPort).Info("kilnserver starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			named.WithError(err).Fatal("server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	named.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		named.WithError(err).Error("shutdown error")
	}
}
