package popup

import (
	"strings"

	"github.com/dgnsrekt/tabmute/internal/mute"
)

const (
	IconMuted   = "🔇"
	IconPlaying = "🔊"

	titleMaxLength = 16
)

// View is the derived display state after an action. It is recomputed from
// the platform and the intent mirror and never stored.
type View struct {
	SessionID      string    `json:"session_id"`
	GlobalMute     bool      `json:"global_mute"`
	Current        *TabView  `json:"current,omitempty"`
	Selected       *TabView  `json:"selected,omitempty"`
	Tabs           []TabView `json:"tabs"`
	RestoreVisible bool      `json:"restore_visible"`
	ConfirmPending bool      `json:"confirm_pending"`
}

// TabView is one tab as shown in the popup.
type TabView struct {
	ID           mute.TabID `json:"id"`
	Title        string     `json:"title"`
	DisplayTitle string     `json:"display_title"`
	FaviconURL   string     `json:"favicon_url,omitempty"`
	Muted        bool       `json:"muted"`
	Icon         string     `json:"icon"`
	Found        bool       `json:"found"`
}

func newTabView(tab mute.Tab, rec mute.MuteRecord) TabView {
	muted := mute.EffectiveMuted(tab, rec)
	return TabView{
		ID:           tab.ID,
		Title:        tab.Title,
		DisplayTitle: TruncateTitle(tab.Title),
		FaviconURL:   tab.FaviconURL,
		Muted:        muted,
		Icon:         icon(muted),
		Found:        true,
	}
}

func missingTabView(id mute.TabID) TabView {
	return TabView{ID: id, Icon: icon(false)}
}

func icon(muted bool) string {
	if muted {
		return IconMuted
	}
	return IconPlaying
}

// TruncateTitle shortens long titles for the selected-tab panel, preferring
// to cut at a nearby space.
func TruncateTitle(title string) string {
	r := []rune(title)
	if len(r) <= titleMaxLength {
		return title
	}

	cut := titleMaxLength
	ahead := string(r[titleMaxLength:min(len(r), titleMaxLength+5)])
	behind := string(r[:titleMaxLength])
	next := runeIndex(ahead, ' ')
	last := lastRuneIndex(behind, ' ')

	switch {
	case next != -1 && next < 3:
		cut = titleMaxLength + next
	case last != -1 && last > titleMaxLength-5:
		cut = last
	}

	out := string(r[:cut])
	if len(r) > cut {
		out += "..."
	}
	return out
}

func runeIndex(s string, c rune) int {
	i := strings.IndexRune(s, c)
	if i < 0 {
		return -1
	}
	return len([]rune(s[:i]))
}

func lastRuneIndex(s string, c rune) int {
	i := strings.LastIndex(s, string(c))
	if i < 0 {
		return -1
	}
	return len([]rune(s[:i]))
}
