package cdpcontrol

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabmute/internal/mute"
)

// WatchTabs delivers tab lifecycle and mute flag changes to l until stop is
// called. Tabs open at registration time are not reported as created.
func (c *Client) WatchTabs(ctx context.Context, l mute.TabListener) (func(), error) {
	c.startOnce.Do(func() { go c.dispatchLoop() })

	c.watchMu.Lock()
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = l
	first := len(c.watchers) == 1
	c.watchMu.Unlock()

	stop := func() {
		c.watchMu.Lock()
		delete(c.watchers, id)
		c.watchMu.Unlock()
	}

	if err := c.refreshTabs(ctx); err != nil {
		stop()
		return nil, err
	}
	if first {
		c.mu.Lock()
		cdp := c.cdp
		c.mu.Unlock()
		if cdp == nil {
			stop()
			return nil, mute.NewError(mute.CodeCDPUnavailable, "CDP client not connected", nil)
		}
		if err := cdp.setDiscoverTargets(ctx, true); err != nil {
			stop()
			return nil, mute.NewError(mute.CodeCDPUnavailable, "enable target discovery failed", err)
		}
	}

	// Attach every open tab so page-side mute changes reach us.
	for _, s := range c.registry.All() {
		if _, _, err := c.probe(ctx, s); err != nil {
			slog.Debug("cdpcontrol initial probe failed", "tab_id", s.tabID, "error", err)
		}
		s.announce()
	}

	slog.Info("cdpcontrol watching tabs", "tabs", c.registry.Count())
	return stop, nil
}

func (c *Client) watching() bool {
	c.watchMu.RLock()
	defer c.watchMu.RUnlock()
	return len(c.watchers) > 0
}

// enqueue hands fn to the dispatch goroutine. CDP events arrive on the
// connection's read loop, which must not block on commands of its own.
func (c *Client) enqueue(fn func(context.Context)) {
	if !c.watching() {
		return
	}
	select {
	case c.events <- fn:
	default:
		slog.Warn("cdpcontrol event queue full, dropping event")
	}
}

func (c *Client) dispatchLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	for {
		select {
		case <-c.done:
			return
		case fn := <-c.events:
			fn(ctx)
		}
	}
}

// emit calls fn for every watcher in registration order.
func (c *Client) emit(fn func(mute.TabListener)) {
	c.watchMu.RLock()
	ids := make([]int, 0, len(c.watchers))
	for id := range c.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]mute.TabListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, c.watchers[id])
	}
	c.watchMu.RUnlock()

	for _, l := range listeners {
		fn(l)
	}
}

func (c *Client) handleTargetCreated(ctx context.Context, _ string, params json.RawMessage) {
	var ev target.EventTargetCreated
	if err := json.Unmarshal(params, &ev); err != nil || ev.TargetInfo == nil {
		slog.Debug("cdpcontrol bad targetCreated event", "error", err)
		return
	}
	if !c.accepts(ev.TargetInfo.Type, ev.TargetInfo.URL) {
		return
	}
	session, _ := c.registry.Register(pageTarget{Info: ev.TargetInfo})
	c.announceCreated(ctx, session)
}

func (c *Client) announceCreated(ctx context.Context, session *tabSession) {
	if !session.announce() {
		return
	}
	probe, _, err := c.probe(ctx, session)
	if err != nil {
		slog.Debug("cdpcontrol new tab probe failed", "tab_id", session.tabID, "error", err)
	}
	tab := session.tab(probe)
	slog.Debug("cdpcontrol tab created", "tab_id", tab.ID, "url", tab.URL)
	c.emit(func(l mute.TabListener) { l.OnTabCreated(ctx, tab) })
}

func (c *Client) handleTargetInfoChanged(ctx context.Context, _ string, params json.RawMessage) {
	var ev target.EventTargetInfoChanged
	if err := json.Unmarshal(params, &ev); err != nil || ev.TargetInfo == nil {
		slog.Debug("cdpcontrol bad targetInfoChanged event", "error", err)
		return
	}
	info := ev.TargetInfo

	if !c.accepts(info.Type, info.URL) {
		// A tab that navigated out of the filter is gone for listeners.
		c.removeTarget(ctx, info.TargetID)
		return
	}

	prev, known := c.registry.Get(info.TargetID)
	var oldTitle, oldURL string
	if known {
		prev.mu.Lock()
		oldTitle, oldURL = prev.title, prev.url
		prev.mu.Unlock()
	}

	session, _ := c.registry.Register(pageTarget{Info: info})
	if !known || !session.wasAnnounced() {
		c.announceCreated(ctx, session)
		return
	}

	var change mute.TabChange
	if info.Title != oldTitle {
		change.Title = &info.Title
	}
	if info.URL != oldURL {
		change.URL = &info.URL
	}

	// A navigation reloads the page-side script, so re-read the flag.
	probe, _ := session.lastProbe()
	if change.URL != nil {
		p, mutedChanged, err := c.probe(ctx, session)
		if err != nil {
			slog.Debug("cdpcontrol probe after navigation failed", "tab_id", session.tabID, "error", err)
		} else {
			probe = p
			if mutedChanged {
				change.Muted = mute.Bool(p.Muted)
			}
		}
	}
	if change.Muted == nil && change.Title == nil && change.URL == nil {
		return
	}

	tab := session.tab(probe)
	c.emit(func(l mute.TabListener) { l.OnTabUpdated(ctx, tab.ID, change, tab) })
}

func (c *Client) handleTargetDestroyed(ctx context.Context, _ string, params json.RawMessage) {
	var ev target.EventTargetDestroyed
	if err := json.Unmarshal(params, &ev); err != nil {
		slog.Debug("cdpcontrol bad targetDestroyed event", "error", err)
		return
	}
	c.removeTarget(ctx, ev.TargetID)
}

func (c *Client) removeTarget(ctx context.Context, targetID target.ID) {
	session, ok := c.registry.Remove(targetID)
	if !ok {
		return
	}
	c.tabLocksMu.Lock()
	delete(c.tabLocks, session.tabID)
	c.tabLocksMu.Unlock()

	if !session.wasAnnounced() {
		return
	}
	id := session.tabID
	slog.Debug("cdpcontrol tab removed", "tab_id", id)
	c.emit(func(l mute.TabListener) { l.OnTabRemoved(ctx, id) })
}

func (c *Client) handleBindingCalled(ctx context.Context, sessionID string, params json.RawMessage) {
	var ev runtime.EventBindingCalled
	if err := json.Unmarshal(params, &ev); err != nil {
		slog.Debug("cdpcontrol bad bindingCalled event", "error", err)
		return
	}
	if ev.Name != bindingName {
		return
	}
	session, ok := c.registry.BySession(sessionID)
	if !ok {
		return
	}
	var payload bindingPayload
	if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
		slog.Debug("cdpcontrol bad binding payload", "tab_id", session.tabID, "error", err)
		return
	}

	probe, _ := session.lastProbe()
	probe.Muted = payload.Muted
	if !session.observe(probe) {
		return
	}

	tab := session.tab(probe)
	change := mute.TabChange{Muted: mute.Bool(payload.Muted)}
	slog.Debug("cdpcontrol tab mute changed", "tab_id", tab.ID, "muted", payload.Muted)
	c.emit(func(l mute.TabListener) { l.OnTabUpdated(ctx, tab.ID, change, tab) })
}
