package background

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tabmute/internal/memtabs"
	"github.com/dgnsrekt/tabmute/internal/mute"
	"github.com/dgnsrekt/tabmute/internal/store"
)

func startReconciler(t *testing.T, opts Options) (*Reconciler, *memtabs.Browser, *store.MemoryStore) {
	t.Helper()
	browser := memtabs.New()
	st := store.NewMemoryStore()
	r := New(browser, st, opts)
	if err := r.Start(context.Background(), browser); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(r.Stop)
	return r, browser, st
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(oldLogger)
	})
	return &buf
}

func mustTab(t *testing.T, b *memtabs.Browser, id mute.TabID) mute.Tab {
	t.Helper()
	tab, err := b.GetTab(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTab(%d) error = %v", id, err)
	}
	return tab
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStartSeedsDefaults(t *testing.T) {
	r, _, st := startReconciler(t, Options{})

	rec, err := st.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.GlobalMute || rec.MutedTabIDs.Len() != 0 {
		t.Fatalf("store after start = %+v; want empty defaults", rec)
	}
	if snap := r.Snapshot(); snap.GlobalMute || snap.MutedTabIDs.Len() != 0 {
		t.Fatalf("Snapshot() = %+v; want empty defaults", snap)
	}
}

func TestNewTabUnderGlobalMuteIsMutedAndRecorded(t *testing.T) {
	r, browser, st := startReconciler(t, Options{})
	ctx := context.Background()

	browser.OpenTabWithID(1, "A", 1)
	browser.OpenTabWithID(2, "B", 1)
	if err := st.Set(ctx, mute.FullPatch(mute.MuteRecord{MutedTabIDs: mute.NewTabSet(1, 2), GlobalMute: true})); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	browser.OpenTabWithID(3, "C", 1)

	if !mustTab(t, browser, 3).Muted {
		t.Fatal("new tab C not muted under global mute")
	}
	rec, _ := st.Get(ctx)
	if got := rec.MutedTabIDs.Sorted(); len(got) != 3 || got[2] != 3 {
		t.Fatalf("stored ids = %v; want [1 2 3]", got)
	}
	if !rec.GlobalMute {
		t.Fatal("ids-only write must not clear the global flag")
	}
	if !r.Snapshot().MutedTabIDs.Has(3) {
		t.Fatal("mirror missing new tab id")
	}
}

func TestNewTabWithoutGlobalMuteIsLeftAlone(t *testing.T) {
	_, browser, st := startReconciler(t, Options{})

	tab := browser.OpenTab("plain", "https://example.test", 1)

	if mustTab(t, browser, tab.ID).Muted {
		t.Fatal("tab muted without global mute")
	}
	if got := browser.Commands(); got != 0 {
		t.Fatalf("Commands() = %d; want 0", got)
	}
	rec, _ := st.Get(context.Background())
	if rec.MutedTabIDs.Len() != 0 {
		t.Fatalf("stored ids = %v; want empty", rec.MutedTabIDs.Sorted())
	}
}

func TestNewTabCommandFailureIsDropped(t *testing.T) {
	logs := captureLogs(t)
	browser := memtabs.New()
	st := store.NewMemoryStore()
	r := New(browser, st, Options{})
	if err := st.Set(context.Background(), mute.Patch{GlobalMute: mute.Bool(true)}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := r.Start(context.Background(), browser); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop()

	browser.FailCommands(1, errors.New("navigated away"))
	browser.OpenTabWithID(1, "flaky", 1)

	rec, _ := st.Get(context.Background())
	if rec.MutedTabIDs.Has(1) {
		t.Fatal("failed mute command must not record intent")
	}
	if !strings.Contains(logs.String(), "reconciler mute new tab failed") {
		t.Fatalf("expected failure log, got %q", logs.String())
	}
}

func TestIndividuallyMutedTabIsReMuted(t *testing.T) {
	_, browser, st := startReconciler(t, Options{})
	browser.OpenTabWithID(5, "music", 1)
	if err := st.Set(context.Background(), mute.MutedTabIDsPatch(mute.NewTabSet(5))); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	browser.SetExternalMuted(5, true)

	browser.SetExternalMuted(5, false)

	waitFor(t, func() bool { return mustTab(t, browser, 5).Muted })
}

func TestTitleUpdateReMutesDriftedTab(t *testing.T) {
	_, browser, st := startReconciler(t, Options{})
	browser.OpenTabWithID(1, "A", 1)
	// Tab 1 is recorded but live-unmuted, with no mute event to react to.
	if err := st.Set(context.Background(), mute.MutedTabIDsPatch(mute.NewTabSet(1))); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if mustTab(t, browser, 1).Muted {
		t.Fatal("tab 1 muted before any update")
	}

	browser.Retitle(1, "A2")

	waitFor(t, func() bool { return mustTab(t, browser, 1).Muted })
	if got := browser.Commands(); got != 1 {
		t.Fatalf("Commands() = %d; want 1", got)
	}
}

func TestTitleUpdateOfUntrackedTabIsIgnored(t *testing.T) {
	_, browser, _ := startReconciler(t, Options{})
	browser.OpenTabWithID(2, "B", 1)

	browser.Retitle(2, "B2")

	time.Sleep(3 * MinSettleDelay)
	if got := browser.Commands(); got != 0 {
		t.Fatalf("Commands() = %d; want 0", got)
	}
}

func TestSettleDelayBelowMinimumIsRaised(t *testing.T) {
	for _, d := range []time.Duration{-time.Second, 0, time.Millisecond} {
		r := New(memtabs.New(), store.NewMemoryStore(), Options{SettleDelay: d})
		if r.opts.SettleDelay != MinSettleDelay {
			t.Fatalf("New(SettleDelay=%v) settle delay = %v; want %v", d, r.opts.SettleDelay, MinSettleDelay)
		}
	}
	r := New(memtabs.New(), store.NewMemoryStore(), Options{SettleDelay: time.Second})
	if r.opts.SettleDelay != time.Second {
		t.Fatalf("New(SettleDelay=1s) settle delay = %v; want 1s", r.opts.SettleDelay)
	}
}

// writeDuringGet lands a store write after Get has read its snapshot.
type writeDuringGet struct {
	*store.MemoryStore
	patch mute.Patch
	done  bool
}

func (s *writeDuringGet) Get(ctx context.Context) (mute.MuteRecord, error) {
	rec, err := s.MemoryStore.Get(ctx)
	if err != nil || s.done {
		return rec, err
	}
	s.done = true
	if err := s.MemoryStore.Set(ctx, s.patch); err != nil {
		return mute.MuteRecord{}, err
	}
	return rec, nil
}

func TestStartKeepsWriteLandingDuringLoad(t *testing.T) {
	browser := memtabs.New()
	st := &writeDuringGet{
		MemoryStore: store.NewMemoryStore(),
		patch:       mute.FullPatch(mute.MuteRecord{MutedTabIDs: mute.NewTabSet(7), GlobalMute: true}),
	}
	r := New(browser, st, Options{})
	if err := r.Start(context.Background(), browser); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(r.Stop)

	snap := r.Snapshot()
	if !snap.GlobalMute || !snap.MutedTabIDs.Has(7) {
		t.Fatalf("Snapshot() = %+v; want global mute and tab 7 from the concurrent write", snap)
	}
}

func TestOutsideChangesToUntrackedTabAreIgnored(t *testing.T) {
	_, browser, st := startReconciler(t, Options{})
	browser.OpenTabWithID(8, "video", 1)

	browser.SetExternalMuted(8, true)
	browser.SetExternalMuted(8, false)

	if mustTab(t, browser, 8).Muted {
		t.Fatal("untracked tab was re-muted")
	}
	rec, _ := st.Get(context.Background())
	if rec.MutedTabIDs.Has(8) {
		t.Fatal("outside muting altered stored intent")
	}
}

func TestStoreChangesRefreshMirror(t *testing.T) {
	r, _, _ := startReconciler(t, Options{})

	r.OnStoreChanged(mute.Change{Area: "sync", Patch: mute.Patch{GlobalMute: mute.Bool(true)}})
	if r.Snapshot().GlobalMute {
		t.Fatal("non-local area change applied to mirror")
	}

	r.OnStoreChanged(mute.Change{Area: mute.AreaLocal, Patch: mute.Patch{GlobalMute: mute.Bool(true)}})
	if !r.Snapshot().GlobalMute {
		t.Fatal("local change not applied to mirror")
	}
}

func TestSettleDelaySkipsReMuteWhenIntentCleared(t *testing.T) {
	_, browser, st := startReconciler(t, Options{SettleDelay: MinSettleDelay})
	ctx := context.Background()
	browser.OpenTabWithID(4, "podcast", 1)
	if err := st.Set(ctx, mute.MutedTabIDsPatch(mute.NewTabSet(4))); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	browser.SetExternalMuted(4, true)

	// A controller unmutes on purpose, then persists the removal.
	browser.SetExternalMuted(4, false)
	if err := st.Set(ctx, mute.MutedTabIDsPatch(mute.NewTabSet())); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	time.Sleep(3 * MinSettleDelay)
	if mustTab(t, browser, 4).Muted {
		t.Fatal("tab re-muted although intent was cleared within the settle delay")
	}
}

func TestSettleDelayReMutesWhenIntentHolds(t *testing.T) {
	_, browser, st := startReconciler(t, Options{SettleDelay: 20 * time.Millisecond})
	browser.OpenTabWithID(6, "stream", 1)
	if err := st.Set(context.Background(), mute.MutedTabIDsPatch(mute.NewTabSet(6))); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	browser.SetExternalMuted(6, true)

	browser.SetExternalMuted(6, false)

	waitFor(t, func() bool { return mustTab(t, browser, 6).Muted })
}

func TestReassertDropsClosedTab(t *testing.T) {
	r, browser, st := startReconciler(t, Options{})
	if err := st.Set(context.Background(), mute.MutedTabIDsPatch(mute.NewTabSet(42))); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	r.OnTabUpdated(context.Background(), 42, mute.TabChange{Muted: mute.Bool(false)}, mute.Tab{ID: 42})

	time.Sleep(3 * MinSettleDelay)
	if got := browser.Commands(); got != 0 {
		t.Fatalf("Commands() = %d; want 0 for a closed tab", got)
	}
}
