// Package memtabs is an in-process browser for tests. It implements
// mute.Platform and mute.TabEventSource and delivers events synchronously on
// the calling goroutine.
package memtabs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dgnsrekt/tabmute/internal/mute"
)

// Browser holds a set of fake tabs grouped into windows.
type Browser struct {
	mu            sync.Mutex
	tabs          map[mute.TabID]*mute.Tab
	nextID        mute.TabID
	focusedWindow int64
	failing       map[mute.TabID]error
	queryErr      error
	commands      int

	listenersMu sync.RWMutex
	listeners   map[int]mute.TabListener
	nextLID     int
}

func New() *Browser {
	return &Browser{
		tabs:          make(map[mute.TabID]*mute.Tab),
		nextID:        1,
		focusedWindow: 1,
		failing:       make(map[mute.TabID]error),
		listeners:     make(map[int]mute.TabListener),
	}
}

// OpenTab creates a tab in window and makes it the window's active tab.
func (b *Browser) OpenTab(title, url string, window int64) mute.Tab {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	for _, t := range b.tabs {
		if t.WindowID == window {
			t.Active = false
		}
	}
	tab := &mute.Tab{ID: id, Title: title, URL: url, Active: true, WindowID: window}
	b.tabs[id] = tab
	snapshot := *tab
	b.mu.Unlock()

	for _, l := range b.snapshotListeners() {
		l.OnTabCreated(context.Background(), snapshot)
	}
	return snapshot
}

// OpenTabWithID creates a tab with a fixed id, for scenarios that name ids.
func (b *Browser) OpenTabWithID(id mute.TabID, title string, window int64) mute.Tab {
	b.mu.Lock()
	b.nextID = id
	b.mu.Unlock()
	return b.OpenTab(title, fmt.Sprintf("https://example.test/%d", id), window)
}

// CloseTab removes a tab.
func (b *Browser) CloseTab(id mute.TabID) {
	b.mu.Lock()
	_, ok := b.tabs[id]
	delete(b.tabs, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	for _, l := range b.snapshotListeners() {
		l.OnTabRemoved(context.Background(), id)
	}
}

// Activate makes id the active tab of its window and focuses the window.
func (b *Browser) Activate(id mute.TabID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tab, ok := b.tabs[id]
	if !ok {
		return
	}
	for _, t := range b.tabs {
		if t.WindowID == tab.WindowID {
			t.Active = false
		}
	}
	tab.Active = true
	b.focusedWindow = tab.WindowID
}

// FocusWindow changes which window counts as current.
func (b *Browser) FocusWindow(window int64) {
	b.mu.Lock()
	b.focusedWindow = window
	b.mu.Unlock()
}

// SetExternalMuted changes a tab's live flag as if another agent did it.
func (b *Browser) SetExternalMuted(id mute.TabID, muted bool) {
	b.setMuted(id, muted)
}

// FailCommands makes every mute command for id fail with err until
// cleared with a nil err.
func (b *Browser) FailCommands(id mute.TabID, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failing, id)
		return
	}
	b.failing[id] = err
}

// FailQueries makes QueryTabs fail with err until cleared with a nil err.
func (b *Browser) FailQueries(err error) {
	b.mu.Lock()
	b.queryErr = err
	b.mu.Unlock()
}

// Retitle changes a tab's title and emits an update without a mute change.
func (b *Browser) Retitle(id mute.TabID, title string) {
	b.mu.Lock()
	tab, ok := b.tabs[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	tab.Title = title
	snapshot := *tab
	b.mu.Unlock()

	change := mute.TabChange{Title: &title}
	for _, l := range b.snapshotListeners() {
		l.OnTabUpdated(context.Background(), id, change, snapshot)
	}
}

// Commands returns the number of mute commands received.
func (b *Browser) Commands() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commands
}

func (b *Browser) QueryTabs(_ context.Context, q mute.TabQuery) ([]mute.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queryErr != nil {
		return nil, b.queryErr
	}
	out := make([]mute.Tab, 0, len(b.tabs))
	for _, t := range b.tabs {
		if q.ActiveOnly && !t.Active {
			continue
		}
		if q.CurrentWindow && t.WindowID != b.focusedWindow {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Browser) GetTab(_ context.Context, id mute.TabID) (mute.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tabs[id]
	if !ok {
		return mute.Tab{}, mute.NewError(mute.CodeTabNotFound, fmt.Sprintf("tab not found: %d", id), nil)
	}
	return *t, nil
}

func (b *Browser) SetTabMuted(_ context.Context, id mute.TabID, muted bool) error {
	b.mu.Lock()
	b.commands++
	if err, ok := b.failing[id]; ok {
		b.mu.Unlock()
		return mute.NewError(mute.CodeCommandFailure, fmt.Sprintf("mute command refused for tab %d", id), err)
	}
	_, ok := b.tabs[id]
	b.mu.Unlock()
	if !ok {
		return mute.NewError(mute.CodeTabNotFound, fmt.Sprintf("tab not found: %d", id), nil)
	}
	b.setMuted(id, muted)
	return nil
}

func (b *Browser) setMuted(id mute.TabID, muted bool) {
	b.mu.Lock()
	tab, ok := b.tabs[id]
	if !ok || tab.Muted == muted {
		b.mu.Unlock()
		return
	}
	tab.Muted = muted
	snapshot := *tab
	b.mu.Unlock()

	change := mute.TabChange{Muted: mute.Bool(muted)}
	for _, l := range b.snapshotListeners() {
		l.OnTabUpdated(context.Background(), id, change, snapshot)
	}
}

func (b *Browser) WatchTabs(_ context.Context, l mute.TabListener) (func(), error) {
	b.listenersMu.Lock()
	id := b.nextLID
	b.nextLID++
	b.listeners[id] = l
	b.listenersMu.Unlock()
	return func() {
		b.listenersMu.Lock()
		delete(b.listeners, id)
		b.listenersMu.Unlock()
	}, nil
}

func (b *Browser) snapshotListeners() []mute.TabListener {
	b.listenersMu.RLock()
	defer b.listenersMu.RUnlock()
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]mute.TabListener, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.listeners[id])
	}
	return out
}
