// Package cdpcontrol drives browser tabs over the Chrome DevTools Protocol.
// Client implements mute.Platform and mute.TabEventSource: tabs are page
// targets, mute state lives in a small page-side script, and tab lifecycle
// comes from Target discovery events.
package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/dgnsrekt/tabmute/internal/mute"
	"github.com/gobwas/glob"
)

// transientHints are substrings in error causes that indicate a transient
// failure worth retrying (e.g. broken connection, closed session).
var transientHints = []string{
	"context canceled",
	"target closed",
	"session closed",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
	"not connected",
}

type Client struct {
	cdpURL      string
	filter      glob.Glob
	evalTimeout time.Duration

	mu         sync.Mutex
	cdp        *rawCDP
	unregister []func()
	registry   *TabRegistry

	tabLocksMu sync.Mutex
	tabLocks   map[mute.TabID]*sync.Mutex

	watchMu     sync.RWMutex
	watchers    map[int]mute.TabListener
	nextWatcher int
	events      chan func(context.Context)
	startOnce   sync.Once
	done        chan struct{}
	closeOnce   sync.Once
}

// NewClient builds a client for the browser at cdpURL. tabFilter is an
// optional glob over tab URLs; tabs that do not match are invisible.
func NewClient(cdpURL, tabFilter string, evalTimeout time.Duration) (*Client, error) {
	c := &Client{
		cdpURL:      cdpURL,
		evalTimeout: evalTimeout,
		registry:    NewTabRegistry(),
		tabLocks:    make(map[mute.TabID]*sync.Mutex),
		watchers:    make(map[int]mute.TabListener),
		events:      make(chan func(context.Context), 256),
		done:        make(chan struct{}),
	}
	if pattern := strings.TrimSpace(tabFilter); pattern != "" {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, mute.NewError(mute.CodeValidation, "invalid tab url filter", err)
		}
		c.filter = g
	}
	return c, nil
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cdpURL == "" {
		return mute.NewError(mute.CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	c.cdp = newRawCDP(c.cdpURL)
	if err := c.cdp.connect(ctx); err != nil {
		c.cdp = nil
		return mute.NewError(mute.CodeCDPUnavailable, "connect to CDP failed", err)
	}
	c.registerHandlersLocked()

	if err := c.syncTabsLocked(ctx); err != nil {
		slog.Error("cdpcontrol initial tab sync failed", "error", err)
		c.cleanupLocked()
		return mute.NewError(mute.CodeCDPUnavailable, "connect to CDP failed", err)
	}

	if c.watching() {
		// Tabs already open are not new to listeners.
		for _, s := range c.registry.All() {
			s.announce()
		}
		if err := c.cdp.setDiscoverTargets(ctx, true); err != nil {
			slog.Warn("cdpcontrol target discovery failed", "error", err)
		}
	}

	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL, "tabs", c.registry.Count())
	return nil
}

// Close detaches every session and stops event delivery. The client cannot
// be reused afterwards.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	for _, fn := range c.unregister {
		fn()
	}
	c.unregister = nil

	// Detach from any active sessions without closing targets.
	if c.cdp != nil {
		for _, session := range c.registry.All() {
			session.mu.Lock()
			if session.sessionID != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := c.cdp.detachFromTarget(ctx, session.sessionID); err != nil {
					slog.Debug("cdpcontrol detach cleanup failed", "target_id", session.targetID, "error", err)
				}
				cancel()
				session.sessionID = ""
			}
			session.mu.Unlock()
		}
		c.cdp.close()
		c.cdp = nil
	}
	c.registry.Reset()
}

// QueryTabs lists page tabs. ActiveOnly keeps visible tabs; CurrentWindow
// keeps tabs of the focused window, or of the first window with a visible
// tab when no page has focus.
func (c *Client) QueryTabs(ctx context.Context, q mute.TabQuery) ([]mute.Tab, error) {
	if err := c.refreshTabs(ctx); err != nil {
		slog.Warn("cdpcontrol query tabs failed", "error", err)
		return nil, err
	}

	sessions := c.registry.All()
	tabs := make([]mute.Tab, 0, len(sessions))
	var focusedWindow, visibleWindow int64
	for _, s := range sessions {
		probe, _, err := c.probe(ctx, s)
		if err != nil {
			slog.Debug("cdpcontrol probe failed", "tab_id", s.tabID, "error", err)
		}
		tab := s.tab(probe)
		if probe.Focused && focusedWindow == 0 {
			focusedWindow = tab.WindowID
		}
		if probe.Visible && visibleWindow == 0 {
			visibleWindow = tab.WindowID
		}
		tabs = append(tabs, tab)
	}

	current := focusedWindow
	if current == 0 {
		current = visibleWindow
	}

	out := tabs[:0]
	for _, t := range tabs {
		if q.ActiveOnly && !t.Active {
			continue
		}
		if q.CurrentWindow && t.WindowID != current {
			continue
		}
		out = append(out, t)
	}
	slog.Debug("cdpcontrol query tabs", "tabs", len(tabs), "matched", len(out), "active_only", q.ActiveOnly, "current_window", q.CurrentWindow)
	return out, nil
}

func (c *Client) GetTab(ctx context.Context, id mute.TabID) (mute.Tab, error) {
	session, err := c.resolveTab(ctx, id)
	if err != nil {
		return mute.Tab{}, err
	}
	probe, _, err := c.probe(ctx, session)
	if err != nil {
		return mute.Tab{}, err
	}
	return session.tab(probe), nil
}

func (c *Client) SetTabMuted(ctx context.Context, id mute.TabID, muted bool) error {
	var out bindingPayload
	if err := c.evalOnTab(ctx, id, jsSetMuted(muted), &out); err != nil {
		if mute.IsTabNotFound(err) {
			return err
		}
		return mute.NewError(mute.CodeCommandFailure, fmt.Sprintf("set muted=%t on tab %d", muted, id), err)
	}
	if out.Muted != muted {
		return mute.NewError(mute.CodeCommandFailure, fmt.Sprintf("tab %d did not accept muted=%t", id, muted), nil)
	}
	slog.Debug("cdpcontrol tab muted", "tab_id", id, "muted", muted)
	return nil
}

// probe reads the page-side state of a tab. mutedChanged reports a flip of
// the mute flag since the previous observation.
func (c *Client) probe(ctx context.Context, session *tabSession) (p tabProbe, mutedChanged bool, err error) {
	if err := c.evalOnTab(ctx, session.tabID, jsProbe(), &p); err != nil {
		return tabProbe{}, false, err
	}
	return p, session.observe(p), nil
}

func (c *Client) evalOnTab(ctx context.Context, id mute.TabID, js string, out any) error {
	lock := c.tabLock(id)
	lock.Lock()
	defer lock.Unlock()

	// First attempt.
	session, err := c.resolveTab(ctx, id)
	if err == nil {
		err = c.evalOnSession(ctx, session, js, out)
	}
	if err == nil {
		return nil
	}
	if !c.shouldRetry(err) {
		return err
	}

	// Retry after recovery.
	slog.Warn("cdpcontrol eval retry after transient failure", "tab_id", id, "error", err)
	if mute.HasCode(err, mute.CodeCDPUnavailable) {
		if recErr := c.reconnect(ctx); recErr != nil {
			slog.Error("cdpcontrol reconnect failed during retry", "tab_id", id, "error", recErr)
			return recErr
		}
	} else if syncErr := c.refreshTabs(ctx); syncErr != nil {
		slog.Warn("cdpcontrol tab refresh failed during retry", "tab_id", id, "error", syncErr)
	}

	session, err = c.resolveTab(ctx, id)
	if err != nil {
		return err
	}
	return c.evalOnSession(ctx, session, js, out)
}

func (c *Client) evalOnSession(ctx context.Context, session *tabSession, js string, out any) error {
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return mute.NewError(mute.CodeCDPUnavailable, "CDP client not connected", nil)
	}

	sessionID, err := c.ensureSession(ctx, cdp, session)
	if err != nil {
		return err
	}

	evalCtx, evalCancel := context.WithTimeout(ctx, c.evalTimeout)
	defer evalCancel()

	raw, err := cdp.evaluate(evalCtx, sessionID, js)
	if err != nil {
		slog.Warn("cdpcontrol eval failed", "target_id", session.targetID, "error", err)
		// Reset session so a fresh attach happens on retry.
		session.mu.Lock()
		session.sessionID = ""
		session.mu.Unlock()
		return mute.NewError(mute.CodeCommandFailure, "evaluation failed", err)
	}

	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return mute.NewError(mute.CodeCommandFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == "" {
			code = mute.CodeCommandFailure
		}
		return mute.NewError(code, env.ErrorMessage, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return mute.NewError(mute.CodeCommandFailure, "invalid evaluation data", err)
	}
	return nil
}

// ensureSession returns a CDP session ID for the tab, attaching and
// installing the change binding if needed.
func (c *Client) ensureSession(ctx context.Context, cdp *rawCDP, session *tabSession) (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.sessionID != "" {
		return session.sessionID, nil
	}

	sid, err := cdp.attachToTarget(ctx, session.targetID)
	if err != nil {
		return "", mute.NewError(mute.CodeCDPUnavailable, "attach to target failed", err)
	}
	if err := cdp.addBinding(ctx, sid, bindingName); err != nil {
		slog.Warn("cdpcontrol binding install failed", "target_id", session.targetID, "error", err)
	}
	if session.windowID == 0 {
		if wid, err := cdp.windowForTarget(ctx, session.targetID); err == nil {
			session.windowID = wid
		} else {
			slog.Debug("cdpcontrol window lookup failed", "target_id", session.targetID, "error", err)
		}
	}
	session.sessionID = sid
	slog.Debug("cdpcontrol session attached", "target_id", session.targetID, "session_id", sid)
	return sid, nil
}

func (c *Client) resolveTab(ctx context.Context, id mute.TabID) (*tabSession, error) {
	if session, ok := c.registry.Lookup(id); ok {
		return session, nil
	}
	if err := c.refreshTabs(ctx); err != nil {
		return nil, err
	}
	if session, ok := c.registry.Lookup(id); ok {
		return session, nil
	}
	return nil, mute.NewError(mute.CodeTabNotFound, fmt.Sprintf("tab not found: %d", id), nil)
}

func (c *Client) refreshTabs(ctx context.Context) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	err := c.syncTabsLocked(ctx)
	c.mu.Unlock()
	if err == nil {
		return nil
	}

	return mute.NewError(mute.CodeCDPUnavailable, "failed to list targets", err)
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) syncTabsLocked(ctx context.Context) error {
	if c.cdp == nil {
		return mute.NewError(mute.CodeCDPUnavailable, "CDP client not connected", nil)
	}

	targets, err := c.cdp.listTargets(ctx)
	if err != nil {
		return mute.NewError(mute.CodeCDPUnavailable, "failed to list targets", err)
	}

	pages := make([]pageTarget, 0, len(targets))
	for _, t := range targets {
		if c.accepts(t.Info.Type, t.Info.URL) {
			pages = append(pages, t)
		}
	}
	removed := c.registry.Sync(pages)

	// Prune tab locks for tabs no longer present.
	c.tabLocksMu.Lock()
	for _, s := range removed {
		delete(c.tabLocks, s.tabID)
	}
	c.tabLocksMu.Unlock()

	for _, s := range removed {
		if s.wasAnnounced() {
			id := s.tabID
			c.enqueue(func(ctx context.Context) {
				c.emit(func(l mute.TabListener) { l.OnTabRemoved(ctx, id) })
			})
		}
	}

	slog.Debug("cdpcontrol tab sync", "targets", len(targets), "tabs", c.registry.Count())
	return nil
}

// accepts reports whether a target counts as a tab.
func (c *Client) accepts(targetType, url string) bool {
	if targetType != "page" {
		return false
	}
	if c.filter != nil && !c.filter.Match(url) {
		return false
	}
	return true
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.cdp != nil
	c.mu.Unlock()
	if connected {
		return nil
	}
	return c.reconnect(ctx)
}

func (c *Client) tabLock(id mute.TabID) *sync.Mutex {
	c.tabLocksMu.Lock()
	defer c.tabLocksMu.Unlock()
	m, ok := c.tabLocks[id]
	if !ok {
		m = &sync.Mutex{}
		c.tabLocks[id] = m
	}
	return m
}

func (c *Client) shouldRetry(err error) bool {
	var coded *mute.CodedError
	if !errors.As(err, &coded) {
		return false
	}

	switch coded.Code {
	case mute.CodeCDPUnavailable:
		return true
	case mute.CodeTabNotFound:
		return false
	case mute.CodeCommandFailure:
		if coded.Cause == nil {
			return false
		}
		cause := strings.ToLower(coded.Cause.Error())
		for _, hint := range transientHints {
			if strings.Contains(cause, hint) {
				return true
			}
		}
	}
	return false
}

func (c *Client) registerHandlersLocked() {
	on := func(method cdproto.MethodType, fn func(ctx context.Context, sessionID string, params json.RawMessage)) {
		c.unregister = append(c.unregister, c.cdp.registerEventHandler(string(method), func(sessionID string, params json.RawMessage) {
			c.enqueue(func(ctx context.Context) { fn(ctx, sessionID, params) })
		}))
	}
	on(cdproto.EventTargetTargetCreated, c.handleTargetCreated)
	on(cdproto.EventTargetTargetInfoChanged, c.handleTargetInfoChanged)
	on(cdproto.EventTargetTargetDestroyed, c.handleTargetDestroyed)
	on(cdproto.EventRuntimeBindingCalled, c.handleBindingCalled)
}
