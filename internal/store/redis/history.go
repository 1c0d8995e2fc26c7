package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/devlongs/dexarb/internal/signal"
)

// DefaultStream is the history stream key when none is configured
const DefaultStream = "dexarb:signals"

// streamMaxLen is the approximate stream length kept via XADD MAXLEN ~
const streamMaxLen int64 = 10000

// StreamHistory appends processed signals to a Redis stream
type StreamHistory struct {
	rdb    *redis.Client
	stream string
}

// NewStreamHistory creates a history on stream; empty uses DefaultStream
func NewStreamHistory(c *Client, stream string) *StreamHistory {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamHistory{rdb: c.Underlying(), stream: stream}
}

func (h *StreamHistory) Append(ctx context.Context, e signal.Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: encode history entry: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: h.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"outcome": e.Outcome,
			"payload": payload,
		},
	}
	if err := h.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", h.stream, err)
	}
	return nil
}

// Recent returns up to n entries, newest first
func (h *StreamHistory) Recent(ctx context.Context, n int64) ([]signal.Entry, error) {
	msgs, err := h.rdb.XRevRangeN(ctx, h.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s: %w", h.stream, err)
	}

	out := make([]signal.Entry, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["payload"].(string)
		if !ok {
			continue
		}
		var e signal.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("redis: decode history entry %s: %w", m.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}
