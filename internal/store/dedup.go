package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mvlaskovic/interclear/internal/wire"
)

const dedupTTL = 48 * time.Hour

// Dedup is a redis-backed first-line duplicate check for inbound
// idempotence keys. The events table's unique index remains the source
// of truth; this only short-circuits the common replay case.
type Dedup struct {
	client redis.UniversalClient
}

func NewDedup(addr, password string) *Dedup {
	if addr == "" {
		return nil
	}
	return &Dedup{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})}
}

// Seen marks the key and reports whether it was already present. A nil
// receiver or a redis failure reports false so the caller falls through
// to the database check.
func (d *Dedup) Seen(ctx context.Context, key wire.IdempotenceKey) bool {
	if d == nil {
		return false
	}
	set, err := d.client.SetNX(ctx, "interbank:idem:"+key.String(), 1, dedupTTL).Result()
	if err != nil {
		return false
	}
	return !set
}

func (d *Dedup) Close() error {
	if d == nil {
		return nil
	}
	return d.client.Close()
}
