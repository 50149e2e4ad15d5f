package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dgnsrekt/tabmute/internal/mute"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	id1, ch1 := b.Subscribe()
	_, ch2 := b.Subscribe()
	if b.ClientCount() != 2 {
		t.Fatalf("ClientCount() = %d; want 2", b.ClientCount())
	}

	b.Publish(Event{Feed: FeedState, Payload: "x"})
	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Payload != "x" {
				t.Fatalf("subscriber %d payload = %q; want x", i, evt.Payload)
			}
		default:
			t.Fatalf("subscriber %d got nothing", i)
		}
	}

	b.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Fatal("unsubscribed channel still open")
	}
	if b.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d; want 1", b.ClientCount())
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	_, ch := b.Subscribe()
	for i := 0; i < subscriberBufSize+10; i++ {
		b.Publish(Event{Feed: FeedTabs, Payload: "p"})
	}
	if len(ch) != subscriberBufSize {
		t.Fatalf("buffered = %d; want %d", len(ch), subscriberBufSize)
	}
}

func TestStoreChangeFuncPayload(t *testing.T) {
	b := NewBroker()
	_, ch := b.Subscribe()

	ids := mute.NewTabSet(9, 4)
	StoreChangeFunc(b)(mute.Change{Area: mute.AreaLocal, Patch: mute.Patch{MutedTabIDs: &ids}})

	evt := <-ch
	if evt.Feed != FeedState {
		t.Fatalf("Feed = %q; want %q", evt.Feed, FeedState)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(evt.Payload), &got); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if _, ok := got["globalMuteEnabled"]; ok {
		t.Fatalf("payload = %s; untouched key must be omitted", evt.Payload)
	}
	list, ok := got["individuallyMutedTabIds"].([]any)
	if !ok || len(list) != 2 || list[0].(float64) != 4 {
		t.Fatalf("payload = %s; want sorted ids [4 9]", evt.Payload)
	}
}

func TestTabPublisher(t *testing.T) {
	b := NewBroker()
	_, ch := b.Subscribe()
	p := TabPublisher{Broker: b}
	ctx := context.Background()

	p.OnTabCreated(ctx, mute.Tab{ID: 3, Title: "New"})
	p.OnTabUpdated(ctx, 3, mute.TabChange{Muted: mute.Bool(true)}, mute.Tab{ID: 3, Muted: true})
	p.OnTabRemoved(ctx, 3)

	want := []string{"created", "updated", "removed"}
	for _, kind := range want {
		evt := <-ch
		var tp tabPayload
		if err := json.Unmarshal([]byte(evt.Payload), &tp); err != nil {
			t.Fatalf("payload decode: %v", err)
		}
		if evt.Feed != FeedTabs || tp.Kind != kind || tp.ID != 3 {
			t.Fatalf("event = %+v; want %s for tab 3", tp, kind)
		}
	}
}
