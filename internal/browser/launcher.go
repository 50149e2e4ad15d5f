// Package browser starts a local Chromium with remote debugging enabled
// when no browser is listening on the configured CDP port.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"
)

// Config holds browser launch configuration.
type Config struct {
	CDPAddress string
	CDPPort    int
	StartURL   string
	ProfileDir string
	WindowSize string
	// ReadyTimeout bounds the wait for the CDP endpoint after launch.
	ReadyTimeout time.Duration
}

// Launcher manages the lifecycle of a browser process.
type Launcher struct {
	cfg Config

	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	running       bool
}

// NewLauncher creates a new browser launcher with the given config.
func NewLauncher(cfg Config) *Launcher {
	if cfg.WindowSize == "" {
		cfg.WindowSize = "1280,800"
	}
	if cfg.StartURL == "" {
		cfg.StartURL = "about:blank"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	return &Launcher{cfg: cfg}
}

// detectBrowser finds an available Chrome/Chromium binary.
func detectBrowser() (string, error) {
	candidates := []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("no supported browser found (tried %v)", candidates)
}

// isPortInUse checks whether a TCP port is already listening.
func isPortInUse(address string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// allocatorOptions builds the chromedp exec options for a visible browser
// exposing CDP on the configured address and port.
func (l *Launcher) allocatorOptions(execPath string) []chromedp.ExecAllocatorOption {
	return []chromedp.ExecAllocatorOption{
		chromedp.ExecPath(execPath),
		chromedp.UserDataDir(l.cfg.ProfileDir),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("remote-debugging-address", l.cfg.CDPAddress),
		chromedp.Flag("remote-debugging-port", strconv.Itoa(l.cfg.CDPPort)),
		chromedp.Flag("window-size", l.cfg.WindowSize),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-breakpad", true),
	}
}

// Launch starts the browser process unless the CDP port is already in use.
func (l *Launcher) Launch(ctx context.Context) error {
	if isPortInUse(l.cfg.CDPAddress, l.cfg.CDPPort) {
		slog.Info("browser already running, skipping launch",
			"address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)
		return nil
	}

	browserPath, err := detectBrowser()
	if err != nil {
		return err
	}
	slog.Info("detected browser", "path", browserPath)

	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	// The browser must outlive the launch call, so it hangs off a fresh
	// context and is torn down by Stop.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions(browserPath)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	l.allocCancel = allocCancel
	l.browserCancel = browserCancel

	if err := chromedp.Run(browserCtx, chromedp.Navigate(l.cfg.StartURL)); err != nil {
		l.Stop()
		return fmt.Errorf("start browser: %w", err)
	}
	l.running = true
	slog.Info("browser process started", "start_url", l.cfg.StartURL)

	if err := l.waitForCDP(ctx); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Info("CDP endpoint ready",
		"address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)

	return nil
}

// waitForCDP polls the CDP /json/version endpoint until it responds.
func (l *Launcher) waitForCDP(ctx context.Context) error {
	url := fmt.Sprintf("http://%s/json/version", net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.cfg.CDPPort)))
	deadline := time.After(l.cfg.ReadyTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("CDP did not become ready within %s at %s", l.cfg.ReadyTimeout, url)
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Running reports whether this launcher spawned a browser process.
func (l *Launcher) Running() bool {
	return l.running
}

// Stop closes the browser this launcher started.
func (l *Launcher) Stop() {
	if l.browserCancel == nil {
		return
	}
	slog.Info("stopping browser")
	l.browserCancel()
	l.allocCancel()
	l.browserCancel = nil
	l.allocCancel = nil
	l.running = false
	slog.Info("browser stopped")
}
