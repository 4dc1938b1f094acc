// Package cache provides a read-through cache for player bind records.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/waddlerhq/waddler/internal/game/session"
)

// PlayerLoader loads player bind records by username.
type PlayerLoader interface {
	PlayerByUsername(ctx context.Context, username string) (*session.Record, error)
}

// Players is a read-through decorator over a PlayerLoader. Records are
// cached by username for a bounded TTL; lookups that miss fall through to
// the inner loader. Negative results are not cached.
type Players struct {
	inner PlayerLoader
	c     *gocache.Cache
}

// NewPlayers creates a Players cache with the given TTL.
//
// Precondition: inner must be non-nil; ttl must be > 0.
func NewPlayers(inner PlayerLoader, ttl time.Duration) *Players {
	return &Players{
		inner: inner,
		c:     gocache.New(ttl, 2*ttl),
	}
}

// PlayerByUsername returns the cached record when present, loading and
// caching it otherwise.
func (p *Players) PlayerByUsername(ctx context.Context, username string) (*session.Record, error) {
	if hit, ok := p.c.Get(username); ok {
		rec := hit.(session.Record)
		return &rec, nil
	}

	rec, err := p.inner.PlayerByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	p.c.SetDefault(username, *rec)
	return rec, nil
}

// Invalidate drops the cached record for the username, if any.
func (p *Players) Invalidate(username string) {
	p.c.Delete(username)
}
