package cdpcontrol

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabmute/internal/mute"
)

// TabIDFromTarget derives the integer tab id for a CDP target. It is stable
// across processes so the daemon and the popup agree on ids.
func TabIDFromTarget(id target.ID) mute.TabID {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return mute.TabID(h.Sum32() & 0x7fffffff)
}

// TabRegistry maps CDP target IDs to tab sessions and back.
type TabRegistry struct {
	mu    sync.RWMutex
	tabs  map[target.ID]*tabSession
	byTab map[mute.TabID]target.ID
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{
		tabs:  make(map[target.ID]*tabSession),
		byTab: make(map[mute.TabID]target.ID),
	}
}

// Register adds or refreshes a page target. created is false when the
// target was already known.
func (r *TabRegistry) Register(p pageTarget) (session *tabSession, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.Info.TargetID
	session, ok := r.tabs[id]
	if !ok {
		session = &tabSession{targetID: id, tabID: TabIDFromTarget(id)}
		r.tabs[id] = session
		r.byTab[session.tabID] = id
	}

	session.mu.Lock()
	session.title = p.Info.Title
	session.url = p.Info.URL
	if p.FaviconURL != "" {
		session.faviconURL = p.FaviconURL
	}
	session.mu.Unlock()
	return session, !ok
}

func (r *TabRegistry) Get(targetID target.ID) (*tabSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.tabs[targetID]
	return s, ok
}

// Lookup finds a session by tab id.
func (r *TabRegistry) Lookup(id mute.TabID) (*tabSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targetID, ok := r.byTab[id]
	if !ok {
		return nil, false
	}
	s, ok := r.tabs[targetID]
	return s, ok
}

// BySession finds the tab whose flat session id is sessionID.
func (r *TabRegistry) BySession(sessionID string) (*tabSession, bool) {
	if sessionID == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.tabs {
		s.mu.Lock()
		match := s.sessionID == sessionID
		s.mu.Unlock()
		if match {
			return s, true
		}
	}
	return nil, false
}

func (r *TabRegistry) Remove(targetID target.ID) (*tabSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.tabs[targetID]
	if !ok {
		return nil, false
	}
	delete(r.tabs, targetID)
	delete(r.byTab, s.tabID)
	return s, true
}

// Sync makes the registry match pages and returns the sessions that
// disappeared.
func (r *TabRegistry) Sync(pages []pageTarget) []*tabSession {
	keep := make(map[target.ID]struct{}, len(pages))
	for _, p := range pages {
		keep[p.Info.TargetID] = struct{}{}
		r.Register(p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*tabSession
	for id, s := range r.tabs {
		if _, ok := keep[id]; ok {
			continue
		}
		delete(r.tabs, id)
		delete(r.byTab, s.tabID)
		removed = append(removed, s)
	}
	return removed
}

// All returns every session ordered by tab id.
func (r *TabRegistry) All() []*tabSession {
	r.mu.RLock()
	out := make([]*tabSession, 0, len(r.tabs))
	for _, s := range r.tabs {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].tabID < out[j].tabID })
	return out
}

func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}

// Reset drops every session.
func (r *TabRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tabs = make(map[target.ID]*tabSession)
	r.byTab = make(map[mute.TabID]target.ID)
}
