package store

import (
	"context"
	"errors"
	"testing"

	"github.com/dgnsrekt/tabmute/internal/mute"
)

func TestMemoryStoreNotifiesSubscribersInOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var seen []string
	stopA, _ := s.Subscribe(ctx, func(mute.Change) { seen = append(seen, "a") })
	defer stopA()
	stopB, _ := s.Subscribe(ctx, func(mute.Change) { seen = append(seen, "b") })

	if err := s.Set(ctx, mute.Patch{GlobalMute: mute.Bool(true)}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	stopB()
	if err := s.Set(ctx, mute.Patch{GlobalMute: mute.Bool(false)}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if got, want := len(seen), 3; got != want {
		t.Fatalf("notifications = %v; want %d entries", seen, want)
	}
}

func TestMemoryStoreChangeIsIsolatedCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var got mute.Change
	stop, _ := s.Subscribe(ctx, func(c mute.Change) { got = c })
	defer stop()

	ids := mute.NewTabSet(1)
	if err := s.Set(ctx, mute.MutedTabIDsPatch(ids)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got.Patch.MutedTabIDs.Add(99)

	rec, _ := s.Get(ctx)
	if rec.MutedTabIDs.Has(99) {
		t.Fatal("mutating a change leaked into the store")
	}
}

func TestMemoryStoreUnavailable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SetUnavailable(errors.New("disk gone"))

	if _, err := s.Get(ctx); !mute.HasCode(err, mute.CodeStoreUnavailable) {
		t.Fatalf("Get() error = %v; want %s", err, mute.CodeStoreUnavailable)
	}
	if err := s.Set(ctx, mute.Patch{GlobalMute: mute.Bool(true)}); !mute.HasCode(err, mute.CodeStoreUnavailable) {
		t.Fatalf("Set() error = %v; want %s", err, mute.CodeStoreUnavailable)
	}

	s.SetUnavailable(nil)
	rec, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get() after recovery error = %v", err)
	}
	if rec.GlobalMute {
		t.Fatal("failed Set() must not have been applied")
	}
}

func TestMemoryStoreEnsureDefaultsOnlyOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, mute.MutedTabIDsPatch(mute.NewTabSet(2))); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.EnsureDefaults(ctx); err != nil {
		t.Fatalf("EnsureDefaults() error = %v", err)
	}
	rec, _ := s.Get(ctx)
	if !rec.MutedTabIDs.Has(2) {
		t.Fatalf("EnsureDefaults() overwrote existing ids: %v", rec.MutedTabIDs.Sorted())
	}
}
