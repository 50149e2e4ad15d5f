// Package mute holds the tab mute-state model shared by the background
// reconciler and the foreground controller: tab and record types, the
// platform and store boundaries, and the derived effective-mute rule.
package mute

import (
	"sort"
)

// Persisted schema keys.
const (
	KeyMutedTabIDs = "individuallyMutedTabIds"
	KeyGlobalMute  = "globalMuteEnabled"
)

// AreaLocal is the only store area the processes react to.
const AreaLocal = "local"

// TabID is the opaque integer id of a browser tab.
type TabID int64

// Tab is a browser-owned tab as observed through the platform.
type Tab struct {
	ID         TabID  `json:"id"`
	Muted      bool   `json:"muted"`
	Title      string `json:"title"`
	URL        string `json:"url,omitempty"`
	FaviconURL string `json:"favicon_url,omitempty"`
	Active     bool   `json:"active"`
	WindowID   int64  `json:"window_id"`
}

// TabSet is a set of tab ids.
type TabSet map[TabID]struct{}

// NewTabSet returns a set holding ids.
func NewTabSet(ids ...TabID) TabSet {
	s := make(TabSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s TabSet) Add(id TabID)    { s[id] = struct{}{} }
func (s TabSet) Remove(id TabID) { delete(s, id) }
func (s TabSet) Len() int        { return len(s) }

func (s TabSet) Has(id TabID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in ascending order.
func (s TabSet) Sorted() []TabID {
	out := make([]TabID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s TabSet) Clone() TabSet {
	out := make(TabSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// MuteRecord is the persisted mute state. The zero value is the
// first-install default. MutedTabIDs records intent ("keep this tab
// muted"), not the live flag.
type MuteRecord struct {
	MutedTabIDs TabSet
	GlobalMute  bool
}

// Clone returns a deep copy.
func (r MuteRecord) Clone() MuteRecord {
	return MuteRecord{MutedTabIDs: r.MutedTabIDs.Clone(), GlobalMute: r.GlobalMute}
}

// Apply overwrites the fields set in p.
func (r *MuteRecord) Apply(p Patch) {
	if p.MutedTabIDs != nil {
		r.MutedTabIDs = p.MutedTabIDs.Clone()
	}
	if p.GlobalMute != nil {
		r.GlobalMute = *p.GlobalMute
	}
}

// Patch is a partial record write. Nil fields are left untouched.
type Patch struct {
	MutedTabIDs *TabSet
	GlobalMute  *bool
}

// Empty reports whether the patch touches no key.
func (p Patch) Empty() bool {
	return p.MutedTabIDs == nil && p.GlobalMute == nil
}

// FullPatch returns a patch writing every key of r.
func FullPatch(r MuteRecord) Patch {
	ids := r.MutedTabIDs.Clone()
	global := r.GlobalMute
	return Patch{MutedTabIDs: &ids, GlobalMute: &global}
}

// MutedTabIDsPatch returns a patch writing only the muted tab id set.
func MutedTabIDsPatch(ids TabSet) Patch {
	c := ids.Clone()
	return Patch{MutedTabIDs: &c}
}

// Change is a store change notification.
type Change struct {
	Patch Patch
	Area  string
}

// EffectiveMuted derives the displayed mute state of a tab.
func EffectiveMuted(tab Tab, rec MuteRecord) bool {
	return tab.Muted || rec.MutedTabIDs.Has(tab.ID) || rec.GlobalMute
}
