// Package background keeps tabs compliant with persisted mute intent: new
// tabs follow the global flag, and individually muted tabs are re-muted when
// something else unmutes them.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tabmute/internal/mute"
)

// Options tunes a Reconciler.
type Options struct {
	// CommandTimeout bounds each platform mute command.
	CommandTimeout time.Duration
	// SettleDelay postpones re-muting an unmuted tab so that a controller
	// which just unmuted it on purpose can persist the intent removal
	// first. Values below MinSettleDelay are raised to it.
	SettleDelay time.Duration
}

// MinSettleDelay is the shortest settle delay a Reconciler uses.
const MinSettleDelay = 50 * time.Millisecond

// Reconciler owns the background process's mirror of the mute record.
type Reconciler struct {
	platform mute.Platform
	store    mute.Store
	opts     Options

	mu      sync.Mutex
	mirror  mute.MuteRecord
	loaded  bool
	early   []mute.Patch
	pending map[mute.TabID]*time.Timer

	stopFns []func()
}

func New(platform mute.Platform, store mute.Store, opts Options) *Reconciler {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	if opts.SettleDelay < MinSettleDelay {
		opts.SettleDelay = MinSettleDelay
	}
	return &Reconciler{
		platform: platform,
		store:    store,
		opts:     opts,
		mirror:   mute.MuteRecord{MutedTabIDs: mute.NewTabSet()},
		pending:  make(map[mute.TabID]*time.Timer),
	}
}

// Start seeds install defaults, loads the mirror, and registers the store
// and tab event handlers.
func (r *Reconciler) Start(ctx context.Context, tabs mute.TabEventSource) error {
	if err := r.store.EnsureDefaults(ctx); err != nil {
		return fmt.Errorf("reconciler start: %w", err)
	}

	r.mu.Lock()
	r.loaded = false
	r.early = nil
	r.mu.Unlock()

	stopStore, err := r.store.Subscribe(ctx, r.OnStoreChanged)
	if err != nil {
		return fmt.Errorf("reconciler start: %w", err)
	}
	r.stopFns = append(r.stopFns, stopStore)

	rec, err := r.store.Get(ctx)
	if err != nil {
		r.Stop()
		return fmt.Errorf("reconciler start: %w", err)
	}
	// Changes seen while loading are replayed on top of the snapshot.
	r.mu.Lock()
	r.mirror = rec
	for _, p := range r.early {
		r.mirror.Apply(p)
	}
	r.early = nil
	r.loaded = true
	rec = r.mirror.Clone()
	r.mu.Unlock()

	stopTabs, err := tabs.WatchTabs(ctx, r)
	if err != nil {
		r.Stop()
		return fmt.Errorf("reconciler start: %w", err)
	}
	r.stopFns = append(r.stopFns, stopTabs)

	slog.Info("reconciler started",
		"global_mute", rec.GlobalMute,
		"muted_tab_ids", rec.MutedTabIDs.Len(),
	)
	return nil
}

// Stop unregisters all handlers and drops pending re-mutes.
func (r *Reconciler) Stop() {
	for _, fn := range r.stopFns {
		fn()
	}
	r.stopFns = nil

	r.mu.Lock()
	for id, t := range r.pending {
		t.Stop()
		delete(r.pending, id)
	}
	r.mu.Unlock()
	slog.Info("reconciler stopped")
}

// Snapshot returns a copy of the in-memory mirror.
func (r *Reconciler) Snapshot() mute.MuteRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mirror.Clone()
}

// OnStoreChanged refreshes the mirror from a store notification.
func (r *Reconciler) OnStoreChanged(c mute.Change) {
	if c.Area != mute.AreaLocal {
		return
	}
	r.mu.Lock()
	if !r.loaded {
		r.early = append(r.early, c.Patch)
		r.mu.Unlock()
		return
	}
	r.mirror.Apply(c.Patch)
	global, n := r.mirror.GlobalMute, r.mirror.MutedTabIDs.Len()
	r.mu.Unlock()
	slog.Debug("reconciler mirror refreshed", "global_mute", global, "muted_tab_ids", n)
}

// OnTabCreated brings a new tab under an active global mute and records it
// so its intent survives global mute being turned off later.
func (r *Reconciler) OnTabCreated(ctx context.Context, tab mute.Tab) {
	r.mu.Lock()
	global := r.mirror.GlobalMute
	r.mu.Unlock()
	if !global {
		return
	}

	cmdCtx, cancel := context.WithTimeout(ctx, r.opts.CommandTimeout)
	defer cancel()
	if err := r.platform.SetTabMuted(cmdCtx, tab.ID, true); err != nil {
		slog.Warn("reconciler mute new tab failed", "tab_id", tab.ID, "error", err)
		return
	}

	r.mu.Lock()
	r.mirror.MutedTabIDs.Add(tab.ID)
	ids := r.mirror.MutedTabIDs.Clone()
	r.mu.Unlock()

	if err := r.store.Set(ctx, mute.MutedTabIDsPatch(ids)); err != nil {
		slog.Error("reconciler persist new tab failed", "tab_id", tab.ID, "error", err)
		return
	}
	slog.Info("reconciler muted new tab", "tab_id", tab.ID, "title", tab.Title)
}

// OnTabUpdated checks every update against recorded intent. The change's
// mute flag wins over the tab snapshot when both are present.
func (r *Reconciler) OnTabUpdated(ctx context.Context, id mute.TabID, change mute.TabChange, tab mute.Tab) {
	muted := tab.Muted
	if change.Muted != nil {
		muted = *change.Muted
	}
	r.onTabMuteStateChanged(ctx, id, muted)
}

// onTabMuteStateChanged re-mutes a tab the user asked to keep muted. Outside
// muting is left alone and never alters stored intent.
func (r *Reconciler) onTabMuteStateChanged(_ context.Context, id mute.TabID, muted bool) {
	if muted {
		return
	}
	r.mu.Lock()
	wanted := r.mirror.MutedTabIDs.Has(id)
	if !wanted {
		r.mu.Unlock()
		return
	}
	if _, ok := r.pending[id]; ok {
		r.mu.Unlock()
		return
	}
	r.pending[id] = time.AfterFunc(r.opts.SettleDelay, func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		r.reassert(context.Background(), id)
	})
	r.mu.Unlock()
}

// reassert issues the mute command if the intent and the drift still hold.
func (r *Reconciler) reassert(ctx context.Context, id mute.TabID) {
	r.mu.Lock()
	wanted := r.mirror.MutedTabIDs.Has(id)
	r.mu.Unlock()
	if !wanted {
		slog.Debug("reconciler re-mute skipped, intent cleared", "tab_id", id)
		return
	}

	cmdCtx, cancel := context.WithTimeout(ctx, r.opts.CommandTimeout)
	defer cancel()

	tab, err := r.platform.GetTab(cmdCtx, id)
	if err != nil {
		slog.Debug("reconciler re-mute dropped", "tab_id", id, "error", err)
		return
	}
	if tab.Muted {
		return
	}
	if err := r.platform.SetTabMuted(cmdCtx, id, true); err != nil {
		slog.Warn("reconciler re-mute failed", "tab_id", id, "error", err)
		return
	}
	slog.Info("reconciler re-muted tab", "tab_id", id)
}

// OnTabRemoved leaves the record of intent untouched.
func (r *Reconciler) OnTabRemoved(_ context.Context, id mute.TabID) {
	slog.Debug("reconciler tab removed", "tab_id", id)
}
