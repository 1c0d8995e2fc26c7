package marketdata

import (
	"github.com/devlongs/dexarb/pkg/types"
)

// valueUSD prices both sides of st in the base token, which is treated as a
// dollar stable. A side with no base-quoted pool is valued by mirroring the
// other side; a pool with neither side priced is worth 0. Caller holds s.mu
// for reading.
func (s *Stream) valueUSD(st types.PoolState) float64 {
	p0, ok0 := s.usdPrice(st.Token0.Symbol)
	p1, ok1 := s.usdPrice(st.Token1.Symbol)

	switch {
	case ok0 && ok1:
		return st.Reserve0*p0 + st.Reserve1*p1
	case ok0:
		return 2 * st.Reserve0 * p0
	case ok1:
		return 2 * st.Reserve1 * p1
	default:
		return 0
	}
}

// usdPrice returns the base-token price of symbol from the deepest pool
// pairing it with the base token. Caller holds s.mu.
func (s *Stream) usdPrice(symbol string) (float64, bool) {
	base := s.opts.BaseToken
	if base == "" {
		return 0, false
	}
	if symbol == base {
		return 1, true
	}

	var (
		best      float64
		bestDepth float64
		found     bool
	)
	for _, st := range s.states {
		if !st.Has(symbol) || !st.Has(base) || st.Price <= 0 {
			continue
		}
		var p, depth float64
		if st.Token0.Symbol == symbol {
			p, depth = st.Price, st.Reserve1
		} else {
			p, depth = 1/st.Price, st.Reserve0
		}
		if !found || depth > bestDepth {
			best, bestDepth, found = p, depth, true
		}
	}
	return best, found
}
