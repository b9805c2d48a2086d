package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
	"github.com/chenpu17/cc-gw-sub003/internal/app"
	"github.com/chenpu17/cc-gw-sub003/internal/auth"
	"github.com/chenpu17/cc-gw-sub003/internal/circuitbreaker"
	"github.com/chenpu17/cc-gw-sub003/internal/config"
	"github.com/chenpu17/cc-gw-sub003/internal/provider"
	"github.com/chenpu17/cc-gw-sub003/internal/provider/anthropic"
	"github.com/chenpu17/cc-gw-sub003/internal/provider/openai"
	"github.com/chenpu17/cc-gw-sub003/internal/server"
	"github.com/chenpu17/cc-gw-sub003/internal/storage/sqlite"
	"github.com/chenpu17/cc-gw-sub003/internal/telemetry"
	"github.com/chenpu17/cc-gw-sub003/internal/vault"
	"github.com/chenpu17/cc-gw-sub003/internal/webauth"
	"github.com/chenpu17/cc-gw-sub003/internal/worker"
)

// resolveHome returns the gateway's data root: $CC_GW_HOME if set, else
// ~/.cc-gw.
func resolveHome() (string, error) {
	if home := os.Getenv("CC_GW_HOME"); home != "" {
		return home, nil
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(dir, ".cc-gw"), nil
}

func isConfigError(err error) bool {
	return errors.Is(err, gateway.ErrConfigInvalid)
}

// serve wires every dependency and runs the gateway until SIGINT/SIGTERM,
// the same shutdown ordering as the reference service's run.go: HTTP server
// first, then background workers, then tracing.
func serve(home string, portOverride int) error {
	if err := os.MkdirAll(home, 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	logDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(logDir, "cc-gw.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cfgPath := filepath.Join(home, "config.json")
	cfgStore, err := config.Open(cfgPath)
	if err != nil {
		return err
	}
	doc := cfgStore.Get()

	logLevel := parseLogLevel(doc.LogLevel)
	logHandler := slog.NewTextHandler(io.MultiWriter(os.Stderr, logFile), &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(logHandler))

	slog.Info("starting cc-gw", "version", version, "home", home)

	if portOverride == 0 {
		if env := os.Getenv("PORT"); env != "" {
			fmt.Sscanf(env, "%d", &portOverride)
		}
	}
	if portOverride != 0 && len(doc.Listen) > 0 {
		doc.Listen[0].Addr = fmt.Sprintf(":%d", portOverride)
	}

	v, err := vault.Open(filepath.Join(home, "encryption.key"))
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	dataDir := filepath.Join(home, "data")
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	dsn := "file:" + filepath.Join(dataDir, "gateway.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	store, err := sqlite.New(dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	dnsResolver := &dnscache.Resolver{}
	dnsRefreshStop := make(chan struct{})
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-dnsRefreshStop:
				return
			case <-t.C:
				dnsResolver.Refresh(true)
			}
		}
	}()
	defer close(dnsRefreshStop)

	reg := provider.NewRegistry()
	for _, p := range doc.Providers {
		conn, err := buildConnector(p, dnsResolver)
		if err != nil {
			return fmt.Errorf("provider %q: %w", p.ID, err)
		}
		reg.Register(p.ID, conn)
		slog.Info("provider registered", "id", p.ID, "family", p.Family, "baseUrl", p.BaseURL)
	}

	keys, err := auth.New(store, v)
	if err != nil {
		return fmt.Errorf("create api-key registry: %w", err)
	}

	router := app.NewRouter(cfgStore)

	breakerCfg := circuitbreaker.DefaultConfig()
	breakers := circuitbreaker.NewRegistry(breakerCfg)

	usageRecorder := worker.NewUsageRecorder(store)
	retention := time.Duration(doc.LogRetentionDays) * 24 * time.Hour
	maintenance := worker.NewMaintenance(store, retention)
	runner := worker.NewRunner(usageRecorder, maintenance)

	sessions := webauth.NewSessions()

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRegistry.MustRegister(collectors.NewGoCollector())
	metrics = telemetry.NewMetrics(promRegistry)
	metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})

	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if endpoint := os.Getenv("CC_GW_OTLP_ENDPOINT"); endpoint != "" {
		shutdown, err := telemetry.SetupTracing(context.Background(), endpoint, 0.1)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("cc-gw/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint)
		}
	}

	var activeRequests int64
	handler := server.New(server.Deps{
		Config:         cfgStore,
		Router:         router,
		Providers:      reg,
		Auth:           keys,
		Keys:           keys,
		Sessions:       sessions,
		Store:          store,
		Vault:          v,
		Breakers:       breakers,
		Maintenance:    maintenance,
		Usage:          usageRecorder,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     store.Ping,
		ActiveRequests: func() int64 { return activeRequests },
	})

	addr := ":8089"
	if len(doc.Listen) > 0 {
		addr = doc.Listen[0].Addr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if len(doc.Listen) > 0 && doc.Listen[0].TLS {
			err = srv.ListenAndServeTLS(doc.Listen[0].CertFile, doc.Listen[0].KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("cc-gw ready", "addr", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("cc-gw stopped")
	return nil
}

// buildConnector creates the gateway.Connector for one configured provider,
// selecting the wire implementation by family. OpenAI-wire families
// (openai, deepseek, kimi, huawei, custom) share one Client; only the base
// URL, credential, and headers differ between them.
func buildConnector(p gateway.ProviderConfig, resolver *dnscache.Resolver) (gateway.Connector, error) {
	switch p.Family {
	case gateway.FamilyAnthropic:
		return anthropic.New(p.Credential, p.CredentialMode, p.BaseURL, p.Headers, resolver), nil
	case gateway.FamilyOpenAI, gateway.FamilyDeepSeek, gateway.FamilyKimi, gateway.FamilyHuawei, gateway.FamilyCustom:
		return openai.New(p.ID, p.Credential, p.BaseURL, p.Headers, resolver), nil
	default:
		return nil, fmt.Errorf("unknown provider family %q", p.Family)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
