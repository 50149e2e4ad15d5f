package cdpcontrol

import (
	"testing"

	"github.com/chromedp/cdproto/target"
)

func page(id, url string) pageTarget {
	return pageTarget{Info: &target.Info{TargetID: target.ID(id), Type: "page", URL: url}}
}

func TestTabIDFromTargetIsStable(t *testing.T) {
	a := TabIDFromTarget("E2C1F0A4D7B3")
	if again := TabIDFromTarget("E2C1F0A4D7B3"); again != a {
		t.Fatalf("TabIDFromTarget() = %d then %d; want stable", a, again)
	}
	if a < 0 {
		t.Fatalf("TabIDFromTarget() = %d; want non-negative", a)
	}
	if b := TabIDFromTarget("9F00B1C2D3E4"); b == a {
		t.Fatalf("TabIDFromTarget() collided for distinct targets: %d", a)
	}
}

func TestRegistrySyncReturnsRemoved(t *testing.T) {
	r := NewTabRegistry()
	if _, created := r.Register(page("t1", "https://a.test/")); !created {
		t.Fatal("Register(t1) created = false; want true")
	}
	if _, created := r.Register(page("t1", "https://a.test/next")); created {
		t.Fatal("second Register(t1) created = true; want false")
	}
	r.Register(page("t2", "https://b.test/"))

	removed := r.Sync([]pageTarget{page("t2", "https://b.test/"), page("t3", "https://c.test/")})
	if len(removed) != 1 || removed[0].targetID != "t1" {
		t.Fatalf("Sync() removed = %v; want t1", removed)
	}
	if _, ok := r.Lookup(TabIDFromTarget("t1")); ok {
		t.Fatal("Lookup(t1) found a removed tab")
	}
	if got := r.Count(); got != 2 {
		t.Fatalf("Count() = %d; want 2", got)
	}

	all := r.All()
	if len(all) != 2 || all[0].tabID > all[1].tabID {
		t.Fatalf("All() = %v; want two sessions ordered by tab id", all)
	}
}

func TestRegistryBySession(t *testing.T) {
	r := NewTabRegistry()
	s, _ := r.Register(page("t1", "https://a.test/"))
	s.sessionID = "session-1"

	if got, ok := r.BySession("session-1"); !ok || got != s {
		t.Fatalf("BySession(session-1) = %v, %v; want t1", got, ok)
	}
	if _, ok := r.BySession(""); ok {
		t.Fatal("BySession(\"\") found a tab")
	}
}
