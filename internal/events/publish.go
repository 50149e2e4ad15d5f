package events

import (
	"encoding/json"
	"log/slog"

	"github.com/dgnsrekt/tabmute/internal/mute"
)

// Feed names.
const (
	FeedState = "state"
	FeedTabs  = "tabs"
)

type statePayload struct {
	Area              string        `json:"area"`
	MutedTabIDs       *[]mute.TabID `json:"individuallyMutedTabIds,omitempty"`
	GlobalMuteEnabled *bool         `json:"globalMuteEnabled,omitempty"`
}

// StoreChangeFunc returns a store subscriber that republishes changes on
// the state feed.
func StoreChangeFunc(b *Broker) func(mute.Change) {
	return func(c mute.Change) {
		p := statePayload{Area: c.Area, GlobalMuteEnabled: c.Patch.GlobalMute}
		if c.Patch.MutedTabIDs != nil {
			ids := c.Patch.MutedTabIDs.Sorted()
			p.MutedTabIDs = &ids
		}
		data, err := json.Marshal(p)
		if err != nil {
			slog.Debug("state event marshal failed", "error", err)
			return
		}
		b.Publish(Event{Feed: FeedState, Payload: string(data)})
	}
}

type tabPayload struct {
	Kind string     `json:"kind"`
	ID   mute.TabID `json:"id"`
	Tab  *mute.Tab  `json:"tab,omitempty"`
}

// TabPublisher is a mute.TabListener that republishes tab events on the
// tabs feed.
type TabPublisher struct {
	Broker *Broker
}

func (p TabPublisher) publish(tp tabPayload) {
	data, err := json.Marshal(tp)
	if err != nil {
		slog.Debug("tab event marshal failed", "error", err)
		return
	}
	p.Broker.Publish(Event{Feed: FeedTabs, Payload: string(data)})
}
