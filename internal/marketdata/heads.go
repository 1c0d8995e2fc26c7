package marketdata

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/dexarb/internal/rpcpool"
)

// startHeads follows new block headers. A pool whose log subscription is live
// and emitted nothing in a block is unchanged as of that block, so its state
// is confirmed fresh without another call.
func (s *Stream) startHeads() {
	s.mu.Lock()
	if s.closed || s.headsStarted {
		s.mu.Unlock()
		return
	}
	s.headsStarted = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runHeads(s.ctx)
}

func (s *Stream) runHeads(ctx context.Context) {
	defer s.wg.Done()

	heads := make(chan *ethtypes.Header, 16)
	delay := s.opts.ResubscribeDelay

	for {
		var sub ethereum.Subscription
		err := s.rpc.ExecuteStreaming(ctx, "subscribe_heads", func(ctx context.Context, conn rpcpool.Conn) error {
			var err error
			sub, err = conn.SubscribeNewHead(ctx, heads)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Dur("retry_in", delay).Msg("New head subscription failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay < 30*time.Second {
				delay *= 2
			}
			continue
		}
		delay = s.opts.ResubscribeDelay

		if !s.followHeads(ctx, sub, heads) {
			return
		}
	}
}

// followHeads returns false once ctx is done, true when the subscription dropped
func (s *Stream) followHeads(ctx context.Context, sub ethereum.Subscription, heads <-chan *ethtypes.Header) bool {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return false
		case h := <-heads:
			if h != nil && h.Number != nil {
				s.confirm(h.Number.Uint64())
			}
		case err := <-sub.Err():
			log.Warn().Err(err).Msg("New head subscription dropped, resubscribing")
			return true
		}
	}
}

// confirm refreshes LastUpdate for every pool with a live log subscription
func (s *Stream) confirm(block uint64) {
	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, ps := range s.subs {
		if !ps.live.Load() {
			continue
		}
		st, ok := s.states[id]
		if !ok {
			continue
		}
		st.LastUpdate = now
		s.states[id] = st
		n++
	}

	log.Debug().Uint64("block", block).Int("pools", n).Msg("Confirmed pool states at new head")
}
