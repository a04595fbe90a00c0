package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/codetime-proxy/codetime-proxy/internal/api"
	"github.com/codetime-proxy/codetime-proxy/internal/applog"
	"github.com/codetime-proxy/codetime-proxy/internal/buildinfo"
	"github.com/codetime-proxy/codetime-proxy/internal/config"
	"github.com/codetime-proxy/codetime-proxy/internal/obs"
	"github.com/codetime-proxy/codetime-proxy/internal/proxy"
	"github.com/codetime-proxy/codetime-proxy/internal/recorder"
	"github.com/codetime-proxy/codetime-proxy/internal/store"
	"github.com/codetime-proxy/codetime-proxy/internal/transaction"
)

const shutdownTimeout = 10 * time.Second

type proxyApp struct {
	cfg       *config.EnvConfig
	logger    *slog.Logger
	appLog    *applog.Log
	csvLog    *applog.CSVLog
	repo      *store.Repo
	recorder  *recorder.Service
	transport *http.Transport
	proxySrv  *http.Server
	adminSrv  *api.Server
}

// systemInfo is served by the admin API.
type systemInfo struct {
	buildinfo.Info
	StartedAt time.Time      `json:"started_at"`
	Config    config.Summary `json:"config"`
}

func newProxyApp(ctx context.Context, cfg *config.EnvConfig, logger *slog.Logger) (*proxyApp, error) {
	app := &proxyApp{cfg: cfg, logger: logger}
	if err := app.init(ctx); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (a *proxyApp) init(ctx context.Context) error {
	cfg := a.cfg
	if config.IsWeakToken(cfg.AdminToken) {
		a.logger.Warn("CODETIME_ADMIN_TOKEN is weak; use a long random value")
	}

	// Sinks.
	appLog, err := applog.Open(applog.Options{
		Dir:          cfg.LogDir,
		DedupEntries: cfg.AppLogDedupEntries,
		Logger:       a.logger,
	})
	if err != nil {
		return err
	}
	a.appLog = appLog
	sinks := []recorder.Sink{appLog}

	if cfg.AppLogCSV {
		csvLog, err := applog.OpenCSV(applog.Options{
			Dir:          cfg.LogDir,
			DedupEntries: cfg.AppLogDedupEntries,
			Logger:       a.logger,
		})
		if err != nil {
			return err
		}
		a.csvLog = csvLog
		sinks = append(sinks, csvLog)
	}

	if cfg.DBEnabled() {
		if cfg.DBAutoMigrate {
			if err := store.Migrate(ctx, cfg.DBURL); err != nil {
				return err
			}
			a.logger.Info("migrations applied", "db_url", cfg.RedactedDBURL())
		}
		repo, err := store.Open(ctx, cfg.DBURL)
		if err != nil {
			return err
		}
		a.repo = repo
		sinks = append(sinks, repo)
	} else {
		a.logger.Info("relational sink disabled (CODETIME_DB_URL is empty)")
	}

	rec, err := recorder.NewService(recorder.Config{
		Sinks:         sinks,
		Hasher:        transaction.NewHasher(cfg.RowHashAlgorithm),
		QueueSize:     cfg.RecorderQueueSize,
		StatsSchedule: cfg.StatsSchedule,
		Logger:        a.logger,
	})
	if err != nil {
		return err
	}
	a.recorder = rec

	// Forwarding chain: access log -> admission -> forwarder.
	upstream, err := proxy.ParseUpstream(cfg.Upstream)
	if err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	a.transport = proxy.NewUpstreamTransport(proxy.TransportConfig{
		MaxIdleConns:          cfg.TransportMaxIdleConns,
		MaxIdleConnsPerHost:   cfg.TransportMaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.TransportIdleConnTimeout,
		ResponseHeaderTimeout: cfg.UpstreamTimeout,
	})
	fwd, err := proxy.NewForwarder(proxy.ForwarderConfig{
		Upstream:        upstream,
		Transport:       a.transport,
		Events:          rec,
		CaptureMaxBytes: cfg.CaptureMaxBytes,
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}
	admission := proxy.NewAdmissionFilter(proxy.AdmissionConfig{
		IdentityHeader:  cfg.IdentityHeader,
		ClientSignature: cfg.ClientSignature,
		Logger:          a.logger,
	})
	a.proxySrv = &http.Server{
		Addr:              formatListenAddress(cfg.ListenAddress, cfg.Port),
		Handler:           obs.AccessLog(a.logger, "proxy")(admission.Wrap(fwd)),
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}

	if cfg.AdminPort != 0 {
		var reader api.TransactionReader
		if a.repo != nil {
			reader = a.repo
		}
		a.adminSrv = api.NewServer(api.Options{
			ListenAddress: cfg.ListenAddress,
			Port:          cfg.AdminPort,
			AdminToken:    cfg.AdminToken,
			Stats:         rec,
			Transactions:  reader,
			SystemInfo: systemInfo{
				Info:      buildinfo.Current(),
				StartedAt: time.Now().UTC(),
				Config:    cfg.Summary(),
			},
			Logger: a.logger,
		})
	}
	return nil
}

// start binds the listeners synchronously so port conflicts surface before
// the process reports ready, then serves in the background.
func (a *proxyApp) start() (<-chan error, error) {
	proxyLn, err := net.Listen("tcp", a.proxySrv.Addr)
	if err != nil {
		return nil, fmt.Errorf("proxy listen %s: %w", a.proxySrv.Addr, err)
	}
	var adminLn net.Listener
	if a.adminSrv != nil {
		adminLn, err = net.Listen("tcp", a.adminSrv.Addr())
		if err != nil {
			_ = proxyLn.Close()
			return nil, fmt.Errorf("admin listen %s: %w", a.adminSrv.Addr(), err)
		}
	}

	a.recorder.Start()

	serverErrCh := make(chan error, 2)
	reportServerErr := func(name string, err error) {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		select {
		case serverErrCh <- fmt.Errorf("%s: %w", name, err):
		default:
		}
	}

	go func() {
		a.logger.Info("proxy server starting",
			"addr", formatListenURL(proxyLn.Addr()),
			"upstream", a.cfg.Upstream,
		)
		reportServerErr("proxy server", a.proxySrv.Serve(proxyLn))
	}()
	if adminLn != nil {
		go func() {
			a.logger.Info("admin server starting", "addr", formatListenURL(adminLn.Addr()))
			reportServerErr("admin server", a.adminSrv.Serve(adminLn))
		}()
	}
	return serverErrCh, nil
}

func waitForShutdown(logger *slog.Logger, serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("received signal, shutting down", "signal", sig.String())
		return nil
	case err := <-serverErrCh:
		logger.Error("server runtime error, shutting down", "err", err)
		return err
	}
}

func formatListenAddress(listenAddress string, port int) string {
	return net.JoinHostPort(listenAddress, strconv.Itoa(port))
}

func formatListenURL(addr net.Addr) string {
	return "http://" + addr.String()
}

// shutdown stops in order: listeners first, then the recorder (drains every
// queue), then the sinks.
func (a *proxyApp) shutdown(ctx context.Context) {
	if a.proxySrv != nil {
		if err := a.proxySrv.Shutdown(ctx); err != nil {
			a.logger.Error("proxy server shutdown", "err", err)
		}
		a.logger.Info("proxy server stopped")
	}
	if a.adminSrv != nil {
		if err := a.adminSrv.Shutdown(ctx); err != nil {
			a.logger.Error("admin server shutdown", "err", err)
		}
		a.logger.Info("admin server stopped")
	}
	if a.transport != nil {
		a.transport.CloseIdleConnections()
	}
	a.close()
	a.logger.Info("shutdown complete")
}

// close stops the recorder and releases the sinks. Safe on a partially
// initialised app.
func (a *proxyApp) close() {
	if a.recorder != nil {
		a.recorder.Stop()
	}
	if a.appLog != nil {
		if err := a.appLog.Close(); err != nil {
			a.logger.Error("applog close", "err", err)
		}
	}
	if a.csvLog != nil {
		if err := a.csvLog.Close(); err != nil {
			a.logger.Error("applog csv close", "err", err)
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.logger.Error("store close", "err", err)
		}
	}
}
