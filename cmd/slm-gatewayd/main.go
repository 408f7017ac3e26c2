// SPDX-License-Identifier: MIT

// Command slm-gatewayd is the gateway daemon: it loads the registered
// fleet of sound-level-meter devices, runs the background poller, and
// serves the REST/WebSocket/health/metrics HTTP surface, all under one
// restartable service tree.
//
// Usage:
//
//	slm-gatewayd [options]
//
// Options:
//
//	-config PATH   Path to YAML configuration file (default: /etc/slm-gateway/config.yaml)
//	-lock-dir PATH Directory for the single-instance lock file (default: /var/run/slm-gateway)
//	-log-level LEVEL slog level: debug, info, warn, error (default: info)
//	-help          Show this help message
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/thejerf/suture/v4"

	"slmgateway/internal/config"
	"slmgateway/internal/cycle"
	"slmgateway/internal/deviceclient"
	"slmgateway/internal/devicelock"
	"slmgateway/internal/devicelog"
	"slmgateway/internal/diagnostics"
	"slmgateway/internal/health"
	"slmgateway/internal/httpapi"
	"slmgateway/internal/lock"
	"slmgateway/internal/metrics"
	"slmgateway/internal/notify"
	"slmgateway/internal/poller"
	"slmgateway/internal/ratelimit"
	"slmgateway/internal/registry"
	"slmgateway/internal/status"
	"slmgateway/internal/util"
	"slmgateway/internal/wsstream"
)

// Build information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	configPath = flag.String("config", config.ConfigFilePath, "Path to configuration file")
	lockDir    = flag.String("lock-dir", "/var/run/slm-gateway", "Directory for the single-instance lock file")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	logger := newLogger(*logLevel)
	logger.Info("starting slm-gatewayd", "version", Version, "commit", Commit)

	if err := os.MkdirAll(*lockDir, 0750); err != nil { //nolint:gosec // lock directory needs group read for service monitoring
		logger.Error("failed to create lock directory", "error", err)
		os.Exit(1)
	}

	fl, err := lock.NewFileLock(filepath.Join(*lockDir, "slm-gatewayd.lock"))
	if err != nil {
		logger.Error("failed to create single-instance lock", "error", err)
		os.Exit(1)
	}
	if err := fl.Acquire(5 * time.Second); err != nil {
		logger.Error("another slm-gatewayd instance is already running", "error", err)
		os.Exit(1)
	}
	defer func() { _ = fl.Release() }()

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "path", *configPath)

	fs := afero.NewOsFs()

	reg, err := newRegistry(fs, cfg.Registry.Path)
	if err != nil {
		logger.Error("failed to open device registry", "error", err)
		os.Exit(1)
	}
	st, err := newStatusStore(fs, cfg.Registry.Path)
	if err != nil {
		logger.Error("failed to open status store", "error", err)
		os.Exit(1)
	}
	logStore, err := newDeviceLogStore(fs, cfg.Log.Dir)
	if err != nil {
		logger.Error("failed to open device log store", "error", err)
		os.Exit(1)
	}
	reg.OnDelete(func(unitID string) {
		if _, err := st.Mutate(context.Background(), unitID, func(r *status.DeviceStatus) error {
			*r = status.DeviceStatus{UnitID: unitID}
			return nil
		}); err != nil {
			logger.Warn("failed to cascade device deletion to status store", "device", unitID, "error", err)
		}
	})

	metricsReg := metrics.NewRegistry()

	gov := ratelimit.NewGovernor(ratelimit.DefaultInterval)
	locks := devicelock.NewTable()
	client := deviceclient.NewClient(gov, locks,
		deviceclient.WithLogger(logger),
		deviceclient.WithMetrics(metricsReg),
	)

	orch := cycle.New(client, cfg.Timezone.Offset)
	diag := diagnostics.NewRunner(reg, client, diagnostics.Options{LogDir: cfg.Log.Dir})
	notifier := notify.NewClient(cfg.Notify.WebhookURL,
		notify.WithTimeout(cfg.Notify.Timeout),
		notify.WithLogger(logger),
	)

	p := poller.New(reg, st, client, notifier, cfg.Log.Dir, logger,
		poller.WithSleepBounds(cfg.Poller.MinSleep, cfg.Poller.MaxSleep, cfg.Poller.NoDeviceSleep),
		poller.WithLogRetention(cfg.Log.Retention),
		poller.WithMetrics(metricsReg),
		poller.WithTimezoneOffset(cfg.Timezone.Offset),
		poller.WithLogStore(logStore),
	)

	apiServer := httpapi.New(reg, st, client, orch, diag, logStore, cfg.Timezone.Offset, logger)
	wsHandler := wsstream.New(reg, st, client, logger)
	pollerSvc := &pollerService{poller: p}
	healthHandler := health.NewHandler(&statusProvider{status: st}).
		WithSystemInfo(&systemInfoProvider{logDir: cfg.Log.Dir, pollerAlive: &pollerSvc.alive})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /devices/{unit_id}/stream", wsHandler.ServeHTTP)
	mux.Handle("GET /healthz", healthHandler)
	mux.Handle("GET /metrics", metricsReg.Handler())
	mux.Handle("/", apiServer.Handler())

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	root := suture.New("slm-gatewayd", suture.Spec{
		EventHook: func(e suture.Event) { logger.Warn("supervisor event", "event", e.String()) },
	})
	root.Add(pollerSvc)
	root.Add(&httpService{srv: httpSrv, logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	logger.Info("listening", "addr", cfg.HTTP.Addr)
	if err := root.Serve(ctx); err != nil && err != context.Canceled {
		logger.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func loadConfiguration(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	kc, err := config.NewKoanfConfig(config.WithYAMLFile(path))
	if err != nil {
		return nil, err
	}
	return kc.Load()
}

func newRegistry(fs afero.Fs, path string) (registry.Store, error) {
	if path == "" {
		return registry.NewMemory(), nil
	}
	return registry.NewFile(fs, path)
}

func newStatusStore(fs afero.Fs, registryPath string) (status.Store, error) {
	if registryPath == "" {
		return status.NewMemory(), nil
	}
	return status.NewFile(fs, filepath.Join(filepath.Dir(registryPath), "status.json"))
}

// newDeviceLogStore opens the queryable device-log store (the DB half
// of original_source/app/device_logger.py's dual-output logging)
// alongside the per-device rotating file logs already written under
// logDir.
func newDeviceLogStore(fs afero.Fs, logDir string) (devicelog.Store, error) {
	if logDir == "" {
		return devicelog.NewMemory(), nil
	}
	return devicelog.NewFile(fs, filepath.Join(logDir, "device_log.jsonl"))
}

// pollerService adapts poller.Poller's Start/Stop lifecycle to
// suture.Service's blocking Serve(ctx) contract.
type pollerService struct {
	poller *poller.Poller
	alive  atomic.Bool
}

func (s *pollerService) Serve(ctx context.Context) error {
	s.poller.Start()
	s.alive.Store(true)
	defer s.alive.Store(false)
	<-ctx.Done()
	s.poller.Stop()
	return ctx.Err()
}

// httpService adapts an *http.Server to suture.Service.
type httpService struct {
	srv    *http.Server
	logger *slog.Logger
}

func (s *httpService) Serve(ctx context.Context) error {
	// ListenAndServe runs for the lifetime of the process; SafeGoWithRecover
	// keeps a panic inside it (or inside a handler that somehow escapes
	// net/http's own per-request recovery) from taking the whole supervisor
	// tree down with it, surfacing it on errCh like any other exit instead.
	errCh := make(chan error, 1)
	util.SafeGoWithRecover("http-listener", os.Stderr, func() error {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}, errCh, func(r interface{}, stack []byte) {
		s.logger.Error("http listener panicked", "panic", r)
	})

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown error", "error", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// statusProvider adapts status.Store to health.StatusProvider.
type statusProvider struct {
	status status.Store
}

func (p *statusProvider) Devices() []health.DeviceInfo {
	rows, err := p.status.List(context.Background())
	if err != nil {
		return nil
	}
	infos := make([]health.DeviceInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, health.DeviceInfo{
			UnitID:              row.UnitID,
			Reachable:           row.IsReachable,
			ConsecutiveFailures: row.ConsecutiveFailures,
			LastError:           row.LastError,
		})
	}
	return infos
}

// systemInfoProvider adapts disk space and poller liveness to
// health.SystemInfoProvider.
type systemInfoProvider struct {
	logDir      string
	pollerAlive *atomic.Bool
}

func (p *systemInfoProvider) SystemInfo() health.SystemInfo {
	info := health.SystemInfo{PollerAlive: p.pollerAlive.Load()}
	if p.logDir == "" {
		return info
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(p.logDir, &stat); err != nil {
		return info
	}
	info.DiskFreeBytes = stat.Bavail * uint64(stat.Bsize)
	info.DiskTotalBytes = stat.Blocks * uint64(stat.Bsize)
	const lowWarningBytes = 1024 * 1024 * 1024 // 1 GiB, matching diagnostics.DiskLowWarningMB
	info.DiskLowWarning = info.DiskFreeBytes < lowWarningBytes
	return info
}
