// Package store provides the persisted key-value backends for the mute
// record: Redis for real deployments and an in-process map for tests and
// demo mode.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dgnsrekt/tabmute/internal/mute"
)

// MemoryStore keeps the record in process and notifies subscribers
// synchronously after each write.
type MemoryStore struct {
	mu          sync.Mutex
	rec         mute.MuteRecord
	initialised bool
	failErr     error

	subsMu sync.RWMutex
	subs   map[int]func(mute.Change)
	nextID int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rec:  mute.MuteRecord{MutedTabIDs: mute.NewTabSet()},
		subs: make(map[int]func(mute.Change)),
	}
}

// SetUnavailable makes every call fail with a STORE_UNAVAILABLE error
// wrapping err until called again with nil.
func (s *MemoryStore) SetUnavailable(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

func (s *MemoryStore) Get(_ context.Context) (mute.MuteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return mute.MuteRecord{}, mute.NewError(mute.CodeStoreUnavailable, "memory store get failed", s.failErr)
	}
	return s.rec.Clone(), nil
}

func (s *MemoryStore) Set(_ context.Context, p mute.Patch) error {
	if p.Empty() {
		return nil
	}
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.mu.Unlock()
		return mute.NewError(mute.CodeStoreUnavailable, "memory store set failed", err)
	}
	s.rec.Apply(p)
	s.initialised = true
	s.mu.Unlock()

	s.notify(mute.Change{Patch: clonePatch(p), Area: mute.AreaLocal})
	return nil
}

func (s *MemoryStore) EnsureDefaults(ctx context.Context) error {
	s.mu.Lock()
	done := s.initialised
	s.mu.Unlock()
	if done {
		return nil
	}
	return s.Set(ctx, mute.MutedTabIDsPatch(mute.NewTabSet()))
}

func (s *MemoryStore) Subscribe(_ context.Context, fn func(mute.Change)) (func(), error) {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}, nil
}

func (s *MemoryStore) notify(c mute.Change) {
	s.subsMu.RLock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(mute.Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subsMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

func clonePatch(p mute.Patch) mute.Patch {
	var out mute.Patch
	if p.MutedTabIDs != nil {
		ids := p.MutedTabIDs.Clone()
		out.MutedTabIDs = &ids
	}
	if p.GlobalMute != nil {
		out.GlobalMute = mute.Bool(*p.GlobalMute)
	}
	return out
}

func (s *MemoryStore) Close() error { return nil }
