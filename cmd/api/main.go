package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CharonPOS/internal/chain"
	"CharonPOS/internal/config"
	internalhttp "CharonPOS/internal/http"
	"CharonPOS/internal/metrics"
	"CharonPOS/internal/reconcile"
	"CharonPOS/internal/services"
	"CharonPOS/internal/store"
	"CharonPOS/internal/webhook"
	"CharonPOS/internal/worker"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/semaphore"
)

func main() {
	logger := log.With(log.NewStdLogger(os.Stdout),
		"ts", log.DefaultTimestamp,
		"caller", log.DefaultCaller,
		"service.name", "charon-pos",
	)
	logHelper := log.NewHelper(logger)

	cfg, err := config.Load("")
	if err != nil {
		logHelper.Fatalf("config load failed: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	rpc, err := chain.NewMultiRPCClient(cfg.Chain.RPCEndpoints, cfg.Chain.RPCFailoverThreshold, cfg.Chain.Commitment)
	if err != nil {
		logHelper.Fatalf("rpc client init failed: %v", err)
	}

	st := store.NewMemory()
	engine := reconcile.NewEngine(st, rpc, chain.ReferenceGenerator{}, logger, reconcile.Options{
		Warmup:         cfg.Warmup(),
		Policy:         cfg.BackoffPolicy(),
		ParseSlots:     semaphore.NewWeighted(cfg.Reconcile.ParseSlots),
		Epsilon:        cfg.Reconcile.Epsilon,
		MatchTolerance: cfg.Reconcile.MatchTolerance,
		Metrics:        m,
	})
	interp := webhook.NewInterpreter(webhook.Filter{
		MerchantWallet: cfg.Merchant.Wallet,
		TokenMint:      cfg.Merchant.TokenMint,
		Decimals:       cfg.Merchant.Decimals,
	})
	orderSvc := services.NewOrderService(engine, interp, cfg.Merchant.Wallet, cfg.Merchant.TokenMint, cfg.Merchant.Label, logger)

	h := internalhttp.NewHandler(orderSvc, cfg.Webhook.Token)
	srv := internalhttp.NewServer(h, cfg.Server.CORSOrigins, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := worker.NewSweeper(st, engine, cfg.SweepInterval(), logger)
	if err := sweeper.Start(); err != nil {
		logHelper.Fatalf("sweeper start failed: %v", err)
	}
	listener := worker.NewListener(cfg.StreamEndpoint(), cfg.Merchant.Wallet, cfg.Merchant.TokenMint, cfg.Chain.Commitment, engine, logger)
	go listener.Run(ctx)

	go func() {
		logHelper.Infof("api listening on %s (rpc=%s)", cfg.Server.Addr, rpc.BaseURL())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logHelper.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logHelper.Info("shutting down")

	cancel()
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
	select {
	case <-sweeper.Stop().Done():
	case <-ctxShutdown.Done():
		logHelper.Warn("sweeper forced to stop after timeout")
	}
}
