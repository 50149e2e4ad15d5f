package store

import (
	"fmt"

	"github.com/dgnsrekt/tabmute/internal/mute"
)

// Backend is a mute.Store that holds resources.
type Backend interface {
	mute.Store
	Close() error
}

// Open builds the backend named by kind ("redis" or "memory").
func Open(kind, redisURL, prefix string) (Backend, error) {
	switch kind {
	case "redis":
		s, err := NewRedisStore(redisURL, prefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, mute.NewError(mute.CodeValidation, fmt.Sprintf("unknown store backend %q", kind), nil)
	}
}
