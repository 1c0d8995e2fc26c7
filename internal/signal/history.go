package signal

import (
	"context"
	"sync"
	"time"
)

// Entry is one processed signal
type Entry struct {
	Signal  Signal    `json:"signal"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// History is the append-only record of processed signals
type History interface {
	Append(ctx context.Context, e Entry) error
}

// MemoryHistory keeps the most recent entries in process
type MemoryHistory struct {
	mu      sync.Mutex
	max     int
	entries []Entry
}

// NewMemoryHistory keeps at most max entries; max <= 0 keeps everything
func NewMemoryHistory(max int) *MemoryHistory {
	return &MemoryHistory{max: max}
}

func (h *MemoryHistory) Append(_ context.Context, e Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, e)
	if h.max > 0 && len(h.entries) > h.max {
		h.entries = append([]Entry(nil), h.entries[len(h.entries)-h.max:]...)
	}
	return nil
}

// Entries returns a copy, oldest first
func (h *MemoryHistory) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Entry(nil), h.entries...)
}

type tee []History

// Tee appends to every history in order, stopping at the first error
func Tee(hs ...History) History {
	return tee(hs)
}

func (t tee) Append(ctx context.Context, e Entry) error {
	for _, h := range t {
		if err := h.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
