// Package popup is the foreground controller: it turns user intent into
// tab mute commands plus store updates and re-derives the display state
// after every action.
package popup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tabmute/internal/mute"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Options tunes a Controller.
type Options struct {
	CommandTimeout time.Duration
	// BatchLimit caps concurrent per-tab commands in mute-all and restore.
	BatchLimit int
}

// Controller owns one popup session's state. Actions are serialised and
// always run: live command(s), intent mirror update, persist, refresh.
type Controller struct {
	platform mute.Platform
	store    mute.Store
	opts     Options

	actionMu sync.Mutex

	mu             sync.Mutex
	mirror         mute.MuteRecord
	selected       *mute.TabID
	confirmPending bool
	sessionID      string
	view           View
}

func NewController(platform mute.Platform, store mute.Store, opts Options) *Controller {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 8
	}
	return &Controller{
		platform: platform,
		store:    store,
		opts:     opts,
		mirror:   mute.MuteRecord{MutedTabIDs: mute.NewTabSet()},
		view:     View{Tabs: []TabView{}},
	}
}

// Open starts a new popup session: selection and pending confirmation are
// reset and the intent mirror is loaded from the store.
func (c *Controller) Open(ctx context.Context) (View, error) {
	c.actionMu.Lock()
	defer c.actionMu.Unlock()

	rec, err := c.store.Get(ctx)
	if err != nil {
		slog.Error("popup load state failed", "error", err)
		return c.View(), err
	}

	c.mu.Lock()
	c.mirror = rec
	c.selected = nil
	c.confirmPending = false
	c.sessionID = uuid.NewString()
	session := c.sessionID
	c.mu.Unlock()

	slog.Info("popup opened", "session_id", session, "global_mute", rec.GlobalMute, "muted_tab_ids", rec.MutedTabIDs.Len())
	return c.refresh(ctx)
}

// Watch keeps the intent mirror in step with writes made by other
// processes until stop is called.
func (c *Controller) Watch(ctx context.Context) (stop func(), err error) {
	return c.store.Subscribe(ctx, c.onStoreChanged)
}

func (c *Controller) onStoreChanged(ch mute.Change) {
	if ch.Area != mute.AreaLocal {
		return
	}
	c.mu.Lock()
	c.mirror.Apply(ch.Patch)
	c.mu.Unlock()
}

// View returns the last derived display state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Record returns a copy of the intent mirror.
func (c *Controller) Record() mute.MuteRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror.Clone()
}

// Refresh re-derives the display state without changing anything.
func (c *Controller) Refresh(ctx context.Context) (View, error) {
	c.actionMu.Lock()
	defer c.actionMu.Unlock()
	return c.refresh(ctx)
}

// ToggleGlobalMute sets the global flag and commands every open tab to
// match. Enabling records every open tab as individually muted; disabling
// leaves recorded intent alone, so a running reconciler re-mutes recorded
// tabs once its settle delay passes. Restore is the way to clear them.
func (c *Controller) ToggleGlobalMute(ctx context.Context, enable bool) (View, error) {
	c.actionMu.Lock()
	defer c.actionMu.Unlock()

	tabs, err := c.platform.QueryTabs(ctx, mute.TabQuery{})
	if err != nil {
		return c.View(), err
	}

	c.applyBatch(ctx, tabs, enable)

	c.mu.Lock()
	c.mirror.GlobalMute = enable
	if enable {
		for _, t := range tabs {
			c.mirror.MutedTabIDs.Add(t.ID)
		}
	}
	c.mu.Unlock()

	slog.Info("popup global mute toggled", "enabled", enable, "tabs", len(tabs))
	return c.persistAndRefresh(ctx)
}

// ToggleCurrentTabMute flips the active tab of the current window.
func (c *Controller) ToggleCurrentTabMute(ctx context.Context) (View, error) {
	c.actionMu.Lock()
	defer c.actionMu.Unlock()

	tabs, err := c.platform.QueryTabs(ctx, mute.TabQuery{ActiveOnly: true, CurrentWindow: true})
	if err != nil {
		return c.View(), err
	}
	if len(tabs) == 0 {
		slog.Debug("popup toggle current skipped, no active tab")
		return c.View(), nil
	}
	return c.toggleTab(ctx, tabs[0])
}

// ToggleSelectedTabMute flips the selected tab. Without a selection it does
// nothing; a selected tab that has since closed is skipped.
func (c *Controller) ToggleSelectedTabMute(ctx context.Context) (View, error) {
	c.actionMu.Lock()
	defer c.actionMu.Unlock()

	c.mu.Lock()
	selected := c.selected
	c.mu.Unlock()
	if selected == nil {
		return c.View(), nil
	}

	tab, err := c.platform.GetTab(ctx, *selected)
	if err != nil {
		if mute.IsTabNotFound(err) {
			slog.Warn("popup toggle selected skipped, tab closed", "tab_id", *selected)
			return c.refresh(ctx)
		}
		return c.View(), err
	}
	return c.toggleTab(ctx, tab)
}

func (c *Controller) toggleTab(ctx context.Context, tab mute.Tab) (View, error) {
	muted := !tab.Muted

	cmdCtx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
	err := c.platform.SetTabMuted(cmdCtx, tab.ID, muted)
	cancel()
	if err != nil {
		slog.Warn("popup mute command failed", "tab_id", tab.ID, "muted", muted, "error", err)
		return c.refresh(ctx)
	}

	c.mu.Lock()
	if muted {
		c.mirror.MutedTabIDs.Add(tab.ID)
	} else {
		c.mirror.MutedTabIDs.Remove(tab.ID)
		if c.mirror.GlobalMute {
			// Unmuting one tab leaves mute-all mode instead of being overridden by it.
			c.mirror.GlobalMute = false
			slog.Info("popup global mute cleared by single-tab unmute", "tab_id", tab.ID)
		}
	}
	c.mu.Unlock()

	slog.Info("popup tab toggled", "tab_id", tab.ID, "muted", muted)
	return c.persistAndRefresh(ctx)
}

// SelectTab sets the tab shown in the selected-tab panel. Mute state is not
// touched.
func (c *Controller) SelectTab(ctx context.Context, id mute.TabID) (View, error) {
	c.actionMu.Lock()
	defer c.actionMu.Unlock()

	c.mu.Lock()
	c.selected = &id
	c.mu.Unlock()
	return c.refresh(ctx)
}

// RequestRestore shows the restore confirmation.
func (c *Controller) RequestRestore() View {
	c.actionMu.Lock()
	defer c.actionMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmPending = true
	c.view.ConfirmPending = true
	return c.view
}

// CancelRestore hides the restore confirmation.
func (c *Controller) CancelRestore() View {
	c.actionMu.Lock()
	defer c.actionMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmPending = false
	c.view.ConfirmPending = false
	return c.view
}

// ConfirmRestore unmutes every open tab and clears all recorded intent. It
// fails with a validation error unless RequestRestore came first.
func (c *Controller) ConfirmRestore(ctx context.Context) (View, error) {
	c.actionMu.Lock()
	defer c.actionMu.Unlock()

	c.mu.Lock()
	pending := c.confirmPending
	c.confirmPending = false
	c.mu.Unlock()
	if !pending {
		return c.View(), mute.NewError(mute.CodeValidation, "restore requires confirmation", nil)
	}

	tabs, err := c.platform.QueryTabs(ctx, mute.TabQuery{})
	if err != nil {
		// Nothing changed, so the confirmation stays armed for a retry.
		c.mu.Lock()
		c.confirmPending = true
		c.view.ConfirmPending = true
		c.mu.Unlock()
		return c.View(), err
	}

	c.applyBatch(ctx, tabs, false)

	c.mu.Lock()
	c.mirror = mute.MuteRecord{MutedTabIDs: mute.NewTabSet()}
	c.mu.Unlock()

	slog.Info("popup restore confirmed", "tabs", len(tabs))
	return c.persistAndRefresh(ctx)
}

// EffectiveMuted reports the derived mute state of a tab. A closed tab
// reads as unmuted.
func (c *Controller) EffectiveMuted(ctx context.Context, id mute.TabID) bool {
	tab, err := c.platform.GetTab(ctx, id)
	if err != nil {
		slog.Debug("popup effective mute check failed", "tab_id", id, "error", err)
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return mute.EffectiveMuted(tab, c.mirror)
}

// applyBatch commands every tab and returns once all commands settled.
// Failures are logged and dropped.
func (c *Controller) applyBatch(ctx context.Context, tabs []mute.Tab, muted bool) {
	var g errgroup.Group
	g.SetLimit(c.opts.BatchLimit)
	for _, t := range tabs {
		id := t.ID
		g.Go(func() error {
			cmdCtx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
			defer cancel()
			if err := c.platform.SetTabMuted(cmdCtx, id, muted); err != nil {
				slog.Warn("popup batch mute command failed", "tab_id", id, "muted", muted, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Controller) persistAndRefresh(ctx context.Context) (View, error) {
	c.mu.Lock()
	patch := mute.FullPatch(c.mirror)
	c.mu.Unlock()

	if err := c.store.Set(ctx, patch); err != nil {
		slog.Error("popup persist failed", "error", err)
		v, refreshErr := c.refresh(ctx)
		if refreshErr != nil {
			slog.Debug("popup refresh after persist failure failed", "error", refreshErr)
		}
		return v, err
	}
	return c.refresh(ctx)
}

// refresh re-derives the current-tab state, the selected-tab panel, the tab
// list and the restore control visibility.
func (c *Controller) refresh(ctx context.Context) (View, error) {
	c.mu.Lock()
	rec := c.mirror.Clone()
	var selected *mute.TabID
	if c.selected != nil {
		id := *c.selected
		selected = &id
	}
	pending := c.confirmPending
	session := c.sessionID
	c.mu.Unlock()

	tabs, err := c.platform.QueryTabs(ctx, mute.TabQuery{})
	if err != nil {
		slog.Warn("popup refresh failed", "error", err)
		return c.View(), err
	}
	active, err := c.platform.QueryTabs(ctx, mute.TabQuery{ActiveOnly: true, CurrentWindow: true})
	if err != nil {
		slog.Warn("popup refresh failed", "error", err)
		return c.View(), err
	}

	v := View{
		SessionID:      session,
		GlobalMute:     rec.GlobalMute,
		Tabs:           make([]TabView, 0, len(tabs)),
		RestoreVisible: rec.MutedTabIDs.Len() > 0 || rec.GlobalMute,
		ConfirmPending: pending,
	}
	for _, t := range tabs {
		v.Tabs = append(v.Tabs, newTabView(t, rec))
	}
	if len(active) > 0 {
		cur := newTabView(active[0], rec)
		v.Current = &cur
	}
	if selected != nil {
		sel := missingTabView(*selected)
		tab, err := c.platform.GetTab(ctx, *selected)
		switch {
		case err == nil:
			sel = newTabView(tab, rec)
		case mute.IsTabNotFound(err):
			slog.Debug("popup selected tab not found", "tab_id", *selected)
		default:
			slog.Warn("popup selected tab lookup failed", "tab_id", *selected, "error", err)
		}
		v.Selected = &sel
	}

	c.mu.Lock()
	c.view = v
	c.mu.Unlock()
	return v, nil
}
