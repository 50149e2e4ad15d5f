package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tabmute/internal/mute"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "tabmute:"

// RedisStore persists the mute record in two Redis keys and publishes each
// write on a change channel so every process can refresh its mirror.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, mute.NewError(mute.CodeStoreUnavailable, "connect to redis", err)
	}

	return NewRedisStoreWithClient(client, prefix), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(name string) string { return s.prefix + name }

func (s *RedisStore) channel() string { return s.prefix + "changes" }

// wireChange is the JSON published on the change channel.
type wireChange struct {
	Area        string        `json:"area"`
	MutedTabIDs *[]mute.TabID `json:"individuallyMutedTabIds,omitempty"`
	GlobalMute  *bool         `json:"globalMuteEnabled,omitempty"`
}

func (s *RedisStore) Get(ctx context.Context) (mute.MuteRecord, error) {
	vals, err := s.client.MGet(ctx, s.key(mute.KeyMutedTabIDs), s.key(mute.KeyGlobalMute)).Result()
	if err != nil {
		return mute.MuteRecord{}, mute.NewError(mute.CodeStoreUnavailable, "read mute record", err)
	}

	rec := mute.MuteRecord{MutedTabIDs: mute.NewTabSet()}
	if raw, ok := vals[0].(string); ok {
		var ids []mute.TabID
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return mute.MuteRecord{}, mute.NewError(mute.CodeStoreUnavailable, "decode "+mute.KeyMutedTabIDs, err)
		}
		rec.MutedTabIDs = mute.NewTabSet(ids...)
	}
	if raw, ok := vals[1].(string); ok {
		if err := json.Unmarshal([]byte(raw), &rec.GlobalMute); err != nil {
			return mute.MuteRecord{}, mute.NewError(mute.CodeStoreUnavailable, "decode "+mute.KeyGlobalMute, err)
		}
	}
	return rec, nil
}

func (s *RedisStore) Set(ctx context.Context, p mute.Patch) error {
	if p.Empty() {
		return nil
	}

	wire := wireChange{Area: mute.AreaLocal, GlobalMute: p.GlobalMute}
	var idsJSON, globalJSON []byte
	if p.MutedTabIDs != nil {
		ids := p.MutedTabIDs.Sorted()
		wire.MutedTabIDs = &ids
		idsJSON, _ = json.Marshal(ids)
	}
	if p.GlobalMute != nil {
		globalJSON, _ = json.Marshal(*p.GlobalMute)
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if idsJSON != nil {
			pipe.Set(ctx, s.key(mute.KeyMutedTabIDs), idsJSON, 0)
		}
		if globalJSON != nil {
			pipe.Set(ctx, s.key(mute.KeyGlobalMute), globalJSON, 0)
		}
		pipe.Publish(ctx, s.channel(), payload)
		return nil
	})
	if err != nil {
		return mute.NewError(mute.CodeStoreUnavailable, "write mute record", err)
	}
	return nil
}

// EnsureDefaults seeds the muted tab id key on first install without
// touching an existing value.
func (s *RedisStore) EnsureDefaults(ctx context.Context) error {
	created, err := s.client.SetNX(ctx, s.key(mute.KeyMutedTabIDs), "[]", 0).Result()
	if err != nil {
		return mute.NewError(mute.CodeStoreUnavailable, "seed mute record", err)
	}
	if !created {
		return nil
	}
	slog.Info("mute record initialised", "key", s.key(mute.KeyMutedTabIDs))
	empty := []mute.TabID{}
	payload, _ := json.Marshal(wireChange{Area: mute.AreaLocal, MutedTabIDs: &empty})
	if err := s.client.Publish(ctx, s.channel(), payload).Err(); err != nil {
		slog.Debug("mute record init publish failed", "error", err)
	}
	return nil
}

// Subscribe delivers change notifications on a background goroutine until
// stop is called or ctx is done.
func (s *RedisStore) Subscribe(ctx context.Context, fn func(mute.Change)) (func(), error) {
	pubsub := s.client.Subscribe(ctx, s.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, mute.NewError(mute.CodeStoreUnavailable, "subscribe to mute record changes", err)
	}

	done := make(chan struct{})
	msgs := pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				change, err := decodeChange(msg.Payload)
				if err != nil {
					slog.Warn("mute record change decode failed", "error", err)
					continue
				}
				fn(change)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}, nil
}

func decodeChange(payload string) (mute.Change, error) {
	var wire wireChange
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return mute.Change{}, err
	}
	if wire.Area == "" {
		return mute.Change{}, errors.New("change without area")
	}
	c := mute.Change{Area: wire.Area, Patch: mute.Patch{GlobalMute: wire.GlobalMute}}
	if wire.MutedTabIDs != nil {
		ids := mute.NewTabSet(*wire.MutedTabIDs...)
		c.Patch.MutedTabIDs = &ids
	}
	return c, nil
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
