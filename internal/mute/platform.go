package mute

import "context"

// TabQuery narrows a tab listing.
type TabQuery struct {
	ActiveOnly    bool
	CurrentWindow bool
}

// Platform is the browser tab-management boundary.
type Platform interface {
	QueryTabs(ctx context.Context, q TabQuery) ([]Tab, error)
	// GetTab returns a TAB_NOT_FOUND coded error when the tab is gone.
	GetTab(ctx context.Context, id TabID) (Tab, error)
	// SetTabMuted is best effort; callers log and drop failures.
	SetTabMuted(ctx context.Context, id TabID, muted bool) error
}

// TabChange carries the fields that changed in a tab update.
type TabChange struct {
	Muted *bool
	Title *string
	URL   *string
}

// TabListener receives tab lifecycle events.
type TabListener interface {
	OnTabCreated(ctx context.Context, tab Tab)
	OnTabUpdated(ctx context.Context, id TabID, change TabChange, tab Tab)
	OnTabRemoved(ctx context.Context, id TabID)
}

// TabEventSource delivers tab events to a listener until stop is called.
type TabEventSource interface {
	WatchTabs(ctx context.Context, l TabListener) (stop func(), err error)
}

// Store is the persisted key-value store shared by both processes.
type Store interface {
	Get(ctx context.Context) (MuteRecord, error)
	// Set writes the keys present in p and then notifies subscribers.
	Set(ctx context.Context, p Patch) error
	// EnsureDefaults writes install defaults for missing keys only.
	EnsureDefaults(ctx context.Context) error
	Subscribe(ctx context.Context, fn func(Change)) (stop func(), err error)
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }
