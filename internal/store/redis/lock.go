package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/dexarb/pkg/types"
)

// unlockLua deletes a lock key only if it still holds the caller's token
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// DefaultLockTTL bounds how long a crashed holder blocks a path
const DefaultLockTTL = 2 * time.Minute

// PathLocks is the exclusion set shared by every process on one Redis.
// Keys expire after ttl so a crashed holder cannot block a path forever.
type PathLocks struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	ttl      time.Duration
	prefix   string
}

// NewPathLocks creates a lock set; ttl <= 0 uses DefaultLockTTL
func NewPathLocks(c *Client, ttl time.Duration) *PathLocks {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &PathLocks{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		ttl:      ttl,
		prefix:   "dexarb:lock:path:",
	}
}

// TryAcquire claims pathID with SETNX. The returned release is safe to call
// more than once.
func (l *PathLocks) TryAcquire(ctx context.Context, pathID string) (func(), error) {
	token := uuid.NewString()
	key := l.prefix + pathID

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", pathID, err)
	}
	if !ok {
		return nil, types.ErrPathBusy
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's context may already be cancelled
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.unlockSc.Run(unlockCtx, l.rdb, []string{key}, token).Err(); err != nil {
				log.Warn().Err(err).Str("path", pathID).Msg("Failed to release path lock")
			}
		})
	}, nil
}

// Held reports whether any process holds pathID. Lookup errors report false.
func (l *PathLocks) Held(pathID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := l.rdb.Exists(ctx, l.prefix+pathID).Result()
	if err != nil {
		log.Debug().Err(err).Str("path", pathID).Msg("Path lock lookup failed")
		return false
	}
	return n > 0
}
