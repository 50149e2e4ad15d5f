package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/tabmute/internal/api"
	"github.com/dgnsrekt/tabmute/internal/background"
	"github.com/dgnsrekt/tabmute/internal/browser"
	"github.com/dgnsrekt/tabmute/internal/cdpcontrol"
	"github.com/dgnsrekt/tabmute/internal/config"
	"github.com/dgnsrekt/tabmute/internal/events"
	"github.com/dgnsrekt/tabmute/internal/logging"
	"github.com/dgnsrekt/tabmute/internal/netutil"
	"github.com/dgnsrekt/tabmute/internal/popup"
	"github.com/dgnsrekt/tabmute/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogFile, true)
	if err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()

	slog.Info("tabmuted config loaded",
		"config_path", cfg.ConfigPath,
		"cdp_url", cfg.CDPURL(),
		"bind_addr", cfg.BindAddr,
		"port_candidates", cfg.PortCandidates,
		"port_auto_fallback", cfg.PortAutoFallback,
		"store", cfg.StoreBackend,
		"key_prefix", cfg.KeyPrefix,
		"tab_url_filter", cfg.TabURLFilter,
		"command_timeout_ms", cfg.CommandTimeoutMS,
		"settle_delay_ms", cfg.SettleDelayMS,
		"batch_limit", cfg.BatchLimit,
		"launch_browser", cfg.LaunchBrowser,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	if err := run(cfg); err != nil {
		slog.Error("tabmuted failed", "error", err)
		_ = logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.BrowserProfileDir,
		})
		if err := launcher.Launch(ctx); err != nil {
			return err
		}
		defer launcher.Stop()
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return err
	}
	bindAddr := ln.Addr().String()

	commandTimeout := time.Duration(cfg.CommandTimeoutMS) * time.Millisecond
	cdpClient, err := cdpcontrol.NewClient(cfg.CDPURL(), cfg.TabURLFilter, commandTimeout)
	if err != nil {
		_ = ln.Close()
		return err
	}
	if err := cdpClient.Connect(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	defer func() { _ = cdpClient.Close() }()

	st, err := store.Open(cfg.StoreBackend, cfg.RedisURL, cfg.KeyPrefix)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() { _ = st.Close() }()

	broker := events.NewBroker()
	stopStateFeed, err := st.Subscribe(ctx, events.StoreChangeFunc(broker))
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer stopStateFeed()
	stopTabFeed, err := cdpClient.WatchTabs(ctx, events.TabPublisher{Broker: broker})
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer stopTabFeed()

	rec := background.New(cdpClient, st, background.Options{
		CommandTimeout: commandTimeout,
		SettleDelay:    time.Duration(cfg.SettleDelayMS) * time.Millisecond,
	})
	if err := rec.Start(ctx, cdpClient); err != nil {
		_ = ln.Close()
		return err
	}
	defer rec.Stop()

	ctrl := popup.NewController(cdpClient, st, popup.Options{
		CommandTimeout: commandTimeout,
		BatchLimit:     cfg.BatchLimit,
	})
	stopWatch, err := ctrl.Watch(ctx)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer stopWatch()
	if _, err := ctrl.Open(ctx); err != nil {
		slog.Warn("initial popup session failed", "error", err)
	}

	h := api.NewServer(ctrl, api.Options{Reconciler: rec, Broker: broker})
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("tabmuted listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("tabmuted shutdown failed", "error", err)
	}
	return nil
}
