// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

// Package main is the TelaOS BLE bridge. It connects to a watch over BLE (or
// a WebSocket simulator), keeps its clock synced, proxies its fetch()
// requests onto real HTTP, and offers an interactive console for sending
// protocol commands and pushing apps.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/OpenTela/TelaOS/pkg/breaker"
	"github.com/OpenTela/TelaOS/pkg/fetchproxy"
	"github.com/OpenTela/TelaOS/pkg/health"
	"github.com/OpenTela/TelaOS/pkg/metrics"
	"github.com/OpenTela/TelaOS/pkg/ratelimit"
	"github.com/OpenTela/TelaOS/pkg/session"
	"github.com/OpenTela/TelaOS/pkg/transport"
	"github.com/OpenTela/TelaOS/pkg/transport/ble"
	"github.com/OpenTela/TelaOS/pkg/transport/ws"
)

// Config holds the application configuration.
type Config struct {
	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"text"`

	// Device
	DeviceAddress string `env:"DEVICE_ADDRESS"`
	DeviceName    string `env:"DEVICE_NAME" envDefault:"FutureClock"`
	WSURL         string `env:"WS_URL"`

	// Session
	ScanTimeout       time.Duration `env:"SCAN_TIMEOUT"        envDefault:"10s"`
	CommandTimeout    time.Duration `env:"COMMAND_TIMEOUT"     envDefault:"5s"`
	ConnectRetryDelay time.Duration `env:"CONNECT_RETRY_DELAY" envDefault:"5s"`
	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY"     envDefault:"2s"`

	// Fetch Proxy
	FetchTimeout        time.Duration `env:"FETCH_TIMEOUT"         envDefault:"15s"`
	RateLimitCapacity   int64         `env:"RATE_LIMIT_CAPACITY"   envDefault:"30"`
	RateLimitRefill     int64         `env:"RATE_LIMIT_REFILL"     envDefault:"1"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MaxGoroutines   int           `env:"MAX_GOROUTINES"   envDefault:"10000"`
}

func main() {
	scan := flag.Bool("scan", false, "scan for nearby devices and exit")
	addr := flag.String("addr", "", "device address (skips discovery)")
	name := flag.String("name", "", "advertised device name for discovery")
	daemon := flag.Bool("daemon", false, "run as a reconnecting background bridge")
	wsURL := flag.String("ws", "", "connect to a WebSocket device instead of BLE")
	flag.Parse()

	cfg := Config{}
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	// Flags override the environment.
	if *addr != "" {
		cfg.DeviceAddress = *addr
	}
	if *name != "" {
		cfg.DeviceName = *name
	}
	if *wsURL != "" {
		cfg.WSURL = *wsURL
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	tr, disco, err := buildTransport(cfg, logger)
	if err != nil {
		logger.Error("Failed to set up transport", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *scan {
		if err := runScan(ctx, disco, cfg.DeviceName, cfg.ScanTimeout); err != nil {
			logger.Error("Scan failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	var m *metrics.Metrics
	if *daemon {
		m = metrics.New("blebridge", nil)
	}

	limiter := ratelimit.NewHostLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, 0)
	breakers := breaker.NewGroup(breaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
	}, 0)
	proxy := fetchproxy.New(fetchproxy.Config{
		Timeout: cfg.FetchTimeout,
		Logger:  logger,
	}, tr, limiter, breakers, m)

	sup := session.New(session.Config{
		Address:           cfg.DeviceAddress,
		DeviceName:        cfg.DeviceName,
		Daemon:            *daemon,
		ScanTimeout:       cfg.ScanTimeout,
		CommandTimeout:    cfg.CommandTimeout,
		ConnectRetryDelay: cfg.ConnectRetryDelay,
		ReconnectDelay:    cfg.ReconnectDelay,
		Logger:            logger,
	}, tr, disco, proxy, m)

	if *daemon {
		if err := runDaemon(ctx, cfg, sup, m, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Bridge exited", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	if err := runInteractive(ctx, sup); err != nil {
		logger.Error("Session failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildTransport picks the device link: WebSocket when a URL is configured,
// BLE otherwise. Only BLE has a discoverer; the WebSocket address is the URL.
func buildTransport(cfg Config, logger *slog.Logger) (transport.Transport, transport.Discoverer, error) {
	if cfg.WSURL != "" {
		return ws.New(logger), nil, nil
	}

	tr, err := ble.New(logger)
	if err != nil {
		return nil, nil, err
	}
	scanner, err := ble.NewScanner(logger)
	if err != nil {
		return nil, nil, err
	}
	return tr, scanner, nil
}

func runScan(ctx context.Context, disco transport.Discoverer, deviceName string, timeout time.Duration) error {
	if disco == nil {
		return errors.New("scanning needs a BLE transport")
	}
	fmt.Printf("Scanning for %s...\n", timeout)

	devices, err := disco.Scan(ctx, timeout)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return nil
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		mark := " "
		if d.Name == deviceName {
			mark = "*"
		}
		fmt.Printf("%s %-20s %-24s RSSI %d\n", mark, d.Address, name, d.RSSI)
	}
	return nil
}

// runInteractive connects once and hands the session to the console. A
// connect failure or disconnect ends the run; the user restarts by hand.
func runInteractive(ctx context.Context, sup *session.Supervisor) error {
	if err := sup.Connect(ctx); err != nil {
		return err
	}
	defer sup.Close()
	return runConsole(ctx, sup, os.Stdin, os.Stdout)
}

// runDaemon runs the reconnecting bridge alongside the metrics and health
// servers until the context is cancelled.
func runDaemon(ctx context.Context, cfg Config, sup *session.Supervisor, m *metrics.Metrics, logger *slog.Logger) error {
	checker := health.NewChecker()
	checker.SetReady(sup.Synced)
	checker.Register("goroutines", func(ctx context.Context) error {
		if count := runtime.NumGoroutine(); count > cfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, cfg.MaxGoroutines)
		}
		return nil
	})
	checker.Register("session", func(ctx context.Context) error {
		// A disconnected session is not unhealthy in daemon mode; the run
		// loop is reconnecting. Readiness carries the session state.
		return nil
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting bridge",
			slog.String("device", cfg.DeviceName),
			slog.String("address", cfg.DeviceAddress))
		return sup.Run(ctx)
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	g.Go(func() error {
		return serveHTTP(ctx, fmt.Sprintf(":%d", cfg.MetricsPort), metricsMux, cfg.ShutdownTimeout, logger, "metrics")
	})

	healthMux := http.NewServeMux()
	healthMux.Handle("/healthz", checker.Handler())
	healthMux.Handle("/readyz", checker.ReadyHandler())
	g.Go(func() error {
		return serveHTTP(ctx, fmt.Sprintf(":%d", cfg.HealthPort), healthMux, cfg.ShutdownTimeout, logger, "health")
	})

	return g.Wait()
}

// serveHTTP runs one HTTP server until ctx is done, then shuts it down
// within the given timeout.
func serveHTTP(ctx context.Context, addr string, mux *http.ServeMux, shutdownTimeout time.Duration, logger *slog.Logger, kind string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting server", slog.String("kind", kind), slog.String("address", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
