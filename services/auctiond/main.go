// Package auctiond wires the auction engine into a single daemon: bid
// pipeline, lifecycle and settlement workers, the websocket gateway, and the
// operator API, all behind one HTTP listener.
package auctiond

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"auctiond/bid"
	"auctiond/config"
	"auctiond/gateway/admin"
	"auctiond/gateway/auth"
	"auctiond/gateway/ws"
	"auctiond/kv"
	"auctiond/lifecycle"
	"auctiond/observability"
	"auctiond/observability/logging"
	telemetry "auctiond/observability/otel"
	"auctiond/pos"
	"auctiond/recon"
	"auctiond/settlement"
	"auctiond/storage"
)

// Main initialises and runs the auction daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to auctiond configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Setup("auctiond", cfg.Environment, logging.Options{
		Path:       cfg.Log.Path,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	shutdownTelemetry, err := initTelemetry(cfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("unwrap storage handle: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gwMetrics := observability.Gateway()
	dialCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
	store, err := kv.Dial(dialCtx, cfg.RedisURL, gwMetrics.SetKVHealth)
	cancel()
	if err != nil {
		return fmt.Errorf("dial kv: %w", err)
	}
	defer func() { _ = store.Close() }()

	verifier := auth.NewVerifier([]byte(cfg.Auth.Secret), cfg.Auth.Issuer, cfg.Auth.Audience)

	bids := bid.NewService(db, store,
		bid.WithSniperWindow(cfg.SniperWindow()),
		bid.WithMetrics(observability.Bids()),
	)

	provider := buildProvider(cfg)
	breaker := pos.Wrap(provider, pos.WithMetrics(observability.Pos()))
	settleSvc := settlement.NewService(db, breaker,
		settlement.WithMetrics(observability.Settlement()),
	)

	bridge := kv.NewPubSub(store.Client(), kv.DefaultChannel)
	hub := ws.NewHub(bridge, gwMetrics)

	gwOpts := []ws.Option{ws.WithMetrics(gwMetrics)}
	if origin := strings.TrimSpace(cfg.CORS.Origin); origin != "" {
		gwOpts = append(gwOpts, ws.WithOriginPatterns(origin))
	}
	gateway := ws.New(db, hub, bids, store, store, verifier, gwOpts...)

	lifecycleWorker := lifecycle.New(db, store, gateway,
		lifecycle.WithTick(cfg.LifecycleTick.Duration),
		lifecycle.WithMetrics(observability.Settlement()),
	)
	settlementWorker := settlement.NewWorker(db, settleSvc, store, store, gateway,
		settlement.WithTick(cfg.SettlementTick.Duration),
		settlement.WithWorkerMetrics(observability.Settlement()),
	)

	operator := admin.NewHandler(db, verifier, settleSvc, recon.NewRunner(db, observability.Settlement()))

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := sqlDB.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if !store.Healthy() {
			http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Handle("/ws", gateway)
	router.Mount("/admin", operator.Routes())

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var workers sync.WaitGroup
	runWorker := func(name string, fn func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn(runCtx)
			slog.Info("worker stopped", "worker", name)
		}()
	}
	runWorker("kv-health", store.MonitorHealth)
	runWorker("pubsub-bridge", hub.Run)
	runWorker("lifecycle", lifecycleWorker.Run)
	runWorker("settlement", settlementWorker.Run)

	errs := make(chan error, 1)
	go func() {
		slog.Info("auctiond listening", "addr", cfg.ListenAddress, "env", cfg.Environment)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-runCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			workers.Wait()
			return err
		}
		workers.Wait()
		return nil
	case err := <-errs:
		stop()
		workers.Wait()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// buildProvider selects the payment adapter. The mock provider is the only
// adapter today; chaos mode exercises failure handling in non-production
// environments.
func buildProvider(cfg config.Config) pos.Provider {
	if cfg.POS.Chaos && !cfg.Production() {
		return pos.NewMock(pos.WithChaos(cfg.POS.ChaosFailureRate, cfg.POS.ChaosSlowCallRate))
	}
	return pos.NewMock()
}

func initTelemetry(cfg config.Config) (telemetry.ShutdownFunc, error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return nil, nil
	}
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	return telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "auctiond",
		Environment: cfg.Environment,
		Endpoint:    endpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
}
