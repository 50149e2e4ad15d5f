package cdpcontrol

import (
	"encoding/json"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabmute/internal/mute"
)

// pageTarget is one entry of /json/list.
type pageTarget struct {
	Info       *target.Info
	FaviconURL string
}

// tabSession tracks one page target and its attached flat session.
type tabSession struct {
	targetID target.ID
	tabID    mute.TabID

	mu         sync.Mutex
	title      string
	url        string
	faviconURL string
	windowID   int64
	sessionID  string
	// last is the most recent page-side state, nil until probed.
	last *tabProbe
	// announced is set once listeners know about the tab.
	announced bool
}

func (s *tabSession) tab(p tabProbe) mute.Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	return mute.Tab{
		ID:         s.tabID,
		Muted:      p.Muted,
		Title:      s.title,
		URL:        s.url,
		FaviconURL: s.faviconURL,
		Active:     p.Visible,
		WindowID:   s.windowID,
	}
}

// observe records p and reports whether its mute flag differs from a
// previously observed one. The first observation is never a change.
func (s *tabSession) observe(p tabProbe) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.last != nil && s.last.Muted != p.Muted
	s.last = &p
	return changed
}

// lastProbe returns the most recent page-side state, if any.
func (s *tabSession) lastProbe() (tabProbe, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return tabProbe{}, false
	}
	return *s.last, true
}

// announce marks the tab as known to listeners and reports whether it was
// new to them.
func (s *tabSession) announce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := !s.announced
	s.announced = true
	return first
}

func (s *tabSession) wasAnnounced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.announced
}

// tabProbe is the page-side view of a tab.
type tabProbe struct {
	Muted   bool `json:"muted"`
	Visible bool `json:"visible"`
	Focused bool `json:"focused"`
}

type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

type bindingPayload struct {
	Muted bool `json:"muted"`
}
