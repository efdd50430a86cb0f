package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderflow/cmd/server/config"
	"orderflow/internal/adapters/httpapi"
	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/realtime"
	"orderflow/internal/saga"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	backend, err := buildBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.cleanup()

	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	faultCfg, err := orders.LoadFaultConfigFromEnv()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	service := orders.NewService(backend.orders, faultCfg.Injector(), log.Printf)

	hub := realtime.NewHub()
	go hub.Run()
	defer hub.Stop()

	sinks := []saga.TransitionSink{
		realtime.NewPhaseFeed(hub, sagaCfg.RegistryShards, log.Printf),
	}
	if sagaCfg.WALPath != "" {
		translog, err := saga.NewFileTransitionLog(sagaCfg.WALPath, log.Printf)
		if err != nil {
			return err
		}
		defer translog.Close()
		sinks = append(sinks, translog)
	}

	policy := saga.StepPolicy{
		Timeout:     sagaCfg.StepTimeout,
		Interval:    sagaCfg.RetryInterval,
		MaxAttempts: sagaCfg.MaxAttempts,
	}
	runtime, err := saga.NewRuntime(saga.Config{
		Store:           backend.checkpoints,
		Activities:      service,
		OrderPolicy:     policy,
		ShippingPolicy:  policy,
		IsPermanent:     orders.IsPermanent,
		ReviewDelay:     sagaCfg.ReviewDelay,
		OrderWorkers:    sagaCfg.OrderWorkers,
		ShippingWorkers: sagaCfg.ShippingWorkers,
		RegistryShards:  sagaCfg.RegistryShards,
		Journal:         backend.journal,
		Metrics:         metrics,
		Sinks:           sinks,
		Logf:            log.Printf,
	})
	if err != nil {
		return err
	}

	httpCfg, err := config.LoadHTTP()
	if err != nil {
		return err
	}
	facade := httpapi.NewServer(runtime, hub, httpapi.Options{
		OnSignal: metrics.SignalAccepted,
		Logf:     log.Printf,
	})

	var limiter rateLimiter
	if httpCfg.RateLimitInterval > 0 && httpCfg.RateLimitBurst > 0 {
		limiter = newHTTPRateLimiter(httpCfg.RateLimitInterval, httpCfg.RateLimitBurst, metrics.AddRateLimitWait)
	}

	apiSrv := &http.Server{
		Addr:    httpCfg.Addr,
		Handler: withRateLimit(facade.Routes(), limiter),
	}

	obsSrv, err := startObservabilityServer(metrics)
	if err != nil {
		return err
	}

	log.Printf("API server running on %s", httpCfg.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("api server shutdown: %v", err)
		}
		metrics.MarkShutdown(int64(metrics.Snapshot().InFlight))
		if err := runtime.Close(shutdownCtx); err != nil {
			log.Printf("runtime close: %v", err)
		}
		if obsSrv != nil {
			obsCtx, obsCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer obsCancel()
			_ = obsSrv.Shutdown(obsCtx)
		}
		return nil
	case err := <-errCh:
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = runtime.Close(closeCtx)
		return err
	}
}

func startObservabilityServer(metrics *observability.Metrics) (*http.Server, error) {
	cfg, err := config.LoadObservability()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("observability server error: %v", err)
		}
	}()

	return srv, nil
}
