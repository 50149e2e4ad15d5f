package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dgnsrekt/tabmute/internal/cdpcontrol"
	"github.com/dgnsrekt/tabmute/internal/config"
	"github.com/dgnsrekt/tabmute/internal/logging"
	"github.com/dgnsrekt/tabmute/internal/popup"
	"github.com/dgnsrekt/tabmute/internal/store"
	"github.com/dgnsrekt/tabmute/internal/tui"
)

func main() {
	cfg, err := config.LoadPopup()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogFile, false)
	if err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()

	if err := run(cfg); err != nil {
		slog.Error("tabmute failed", "error", err)
		fmt.Fprintln(os.Stderr, "tabmute:", err)
		_ = logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.StoreBackend == config.StoreMemory {
		slog.Warn("popup using in-process store, changes are not shared with tabmuted")
	}

	commandTimeout := time.Duration(cfg.CommandTimeoutMS) * time.Millisecond
	cdpClient, err := cdpcontrol.NewClient(cfg.CDPURL(), cfg.TabURLFilter, commandTimeout)
	if err != nil {
		return err
	}
	if err := cdpClient.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = cdpClient.Close() }()

	st, err := store.Open(cfg.StoreBackend, cfg.RedisURL, cfg.KeyPrefix)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctrl := popup.NewController(cdpClient, st, popup.Options{
		CommandTimeout: commandTimeout,
		BatchLimit:     cfg.BatchLimit,
	})

	p := tea.NewProgram(tui.NewModel(ctx, ctrl), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
