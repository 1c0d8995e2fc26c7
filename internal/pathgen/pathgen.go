// Package pathgen enumerates the cyclic swap routes that start and end in the
// base token over the pool catalogue.
package pathgen

import (
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/devlongs/dexarb/pkg/types"
)

// MaxHops is the longest route generated
const MaxHops = 4

// Leg is one pool traded in one direction
type Leg struct {
	Pool     types.Pool
	TokenIn  string
	TokenOut string
}

type legKey struct {
	in, out string
}

// Generator holds the catalogue partitioned into directed legs
type Generator struct {
	byIn  map[string][]Leg
	byKey map[legKey][]Leg
}

// New partitions pools into legs keyed by (tokenIn, tokenOut)
func New(pools []types.Pool) *Generator {
	g := &Generator{
		byIn:  make(map[string][]Leg),
		byKey: make(map[legKey][]Leg),
	}
	for _, p := range pools {
		for _, l := range []Leg{
			{Pool: p, TokenIn: p.Token0.Symbol, TokenOut: p.Token1.Symbol},
			{Pool: p, TokenIn: p.Token1.Symbol, TokenOut: p.Token0.Symbol},
		} {
			g.byIn[l.TokenIn] = append(g.byIn[l.TokenIn], l)
			k := legKey{l.TokenIn, l.TokenOut}
			g.byKey[k] = append(g.byKey[k], l)
		}
	}

	less := func(legs []Leg) func(i, j int) bool {
		return func(i, j int) bool {
			if legs[i].TokenOut != legs[j].TokenOut {
				return legs[i].TokenOut < legs[j].TokenOut
			}
			return legs[i].Pool.ID < legs[j].Pool.ID
		}
	}
	for _, legs := range g.byIn {
		sort.Slice(legs, less(legs))
	}
	for _, legs := range g.byKey {
		sort.Slice(legs, less(legs))
	}
	return g
}

// Legs returns the candidate pools for swapping tokenIn into tokenOut
func (g *Generator) Legs(tokenIn, tokenOut string) []Leg {
	return g.byKey[legKey{tokenIn, tokenOut}]
}

// Generate returns every route of 1..maxHops hops from base back to base.
// Routes are the product of the candidate legs, except that a route never
// trades the same pool twice and never revisits a token before closing the
// cycle. Two pools on one pair therefore give two 2-hop routes (a then b,
// b then a) rather than four. Results are ordered by hop count, then id.
func (g *Generator) Generate(base string, maxHops int) []types.Path {
	if maxHops > MaxHops {
		maxHops = MaxHops
	}

	var paths []types.Path
	counts := make(map[int]int, maxHops)
	for n := 1; n <= maxHops; n++ {
		before := len(paths)
		g.extend(base, n, nil, map[string]bool{base: true}, map[string]bool{}, &paths)
		counts[n] = len(paths) - before
	}

	sort.SliceStable(paths, func(i, j int) bool {
		if len(paths[i].Hops) != len(paths[j].Hops) {
			return len(paths[i].Hops) < len(paths[j].Hops)
		}
		return paths[i].ID < paths[j].ID
	})

	log.Info().
		Str("base", base).
		Int("total", len(paths)).
		Int("two_hop", counts[2]).
		Int("three_hop", counts[3]).
		Int("four_hop", counts[4]).
		Msg("Generated arbitrage paths")

	return paths
}

func (g *Generator) extend(base string, n int, hops []types.Hop, seenTokens, usedPools map[string]bool, out *[]types.Path) {
	if len(hops) == n {
		*out = append(*out, newPath(hops))
		return
	}

	from := base
	if len(hops) > 0 {
		from = hops[len(hops)-1].TokenOut
	}
	last := len(hops) == n-1

	for _, l := range g.byIn[from] {
		if usedPools[l.Pool.ID] {
			continue
		}
		if last != (l.TokenOut == base) {
			continue
		}
		if !last && seenTokens[l.TokenOut] {
			continue
		}

		hop := types.Hop{PoolID: l.Pool.ID, TokenIn: l.TokenIn, TokenOut: l.TokenOut, FeeRate: l.Pool.FeeRate}

		usedPools[l.Pool.ID] = true
		seenTokens[l.TokenOut] = true
		g.extend(base, n, append(hops, hop), seenTokens, usedPools, out)
		delete(usedPools, l.Pool.ID)
		if l.TokenOut != base {
			delete(seenTokens, l.TokenOut)
		}
	}
}

func newPath(hops []types.Hop) types.Path {
	own := make([]types.Hop, len(hops))
	copy(own, hops)

	var fee float64
	for _, h := range own {
		fee += h.FeeRate
	}
	return types.Path{ID: PathID(own), Hops: own, AggregateFee: fee}
}

// PathID renders hops as "USDC>pool-a>SOL>pool-b>USDC"
func PathID(hops []types.Hop) string {
	if len(hops) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(hops[0].TokenIn)
	for _, h := range hops {
		b.WriteByte('>')
		b.WriteString(h.PoolID)
		b.WriteByte('>')
		b.WriteString(h.TokenOut)
	}
	return b.String()
}
