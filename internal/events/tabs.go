package events

import (
	"context"

	"github.com/dgnsrekt/tabmute/internal/mute"
)

func (p TabPublisher) OnTabCreated(_ context.Context, tab mute.Tab) {
	p.publish(tabPayload{Kind: "created", ID: tab.ID, Tab: &tab})
}

func (p TabPublisher) OnTabUpdated(_ context.Context, id mute.TabID, _ mute.TabChange, tab mute.Tab) {
	p.publish(tabPayload{Kind: "updated", ID: id, Tab: &tab})
}

func (p TabPublisher) OnTabRemoved(_ context.Context, id mute.TabID) {
	p.publish(tabPayload{Kind: "removed", ID: id})
}
