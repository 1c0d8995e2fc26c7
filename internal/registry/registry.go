// Package registry holds the static pool catalogue.
package registry

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/devlongs/dexarb/internal/config"
	"github.com/devlongs/dexarb/pkg/types"
)

// Registry is an immutable catalogue of pools keyed by id
type Registry struct {
	pools     map[string]types.Pool
	byAddress map[common.Address]string
	ordered   []types.Pool
}

// New builds a registry from already-constructed pools
func New(pools []types.Pool) (*Registry, error) {
	r := &Registry{
		pools:     make(map[string]types.Pool, len(pools)),
		byAddress: make(map[common.Address]string, len(pools)),
	}

	for _, p := range pools {
		if err := validatePool(p); err != nil {
			return nil, err
		}
		if _, dup := r.pools[p.ID]; dup {
			return nil, fmt.Errorf("duplicate pool id %q", p.ID)
		}
		if other, dup := r.byAddress[p.Address]; dup && p.Address != (common.Address{}) {
			return nil, fmt.Errorf("pool %q reuses address of %q", p.ID, other)
		}
		r.pools[p.ID] = p
		r.byAddress[p.Address] = p.ID
		r.ordered = append(r.ordered, p)
	}

	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].ID < r.ordered[j].ID
	})

	return r, nil
}

// FromConfig builds a registry from the configured catalogue
func FromConfig(entries []config.PoolConfig) (*Registry, error) {
	pools := make([]types.Pool, 0, len(entries))
	for _, e := range entries {
		if e.Address != "" && !common.IsHexAddress(e.Address) {
			return nil, fmt.Errorf("pool %q: invalid address %q", e.ID, e.Address)
		}
		pools = append(pools, types.Pool{
			ID:      e.ID,
			Address: common.HexToAddress(e.Address),
			Dex:     types.DexKind(e.Dex),
			Token0:  tokenFromConfig(e.Token0),
			Token1:  tokenFromConfig(e.Token1),
			FeeRate: e.FeeRate,
		})
	}
	return New(pools)
}

func tokenFromConfig(t config.TokenConfig) types.Token {
	return types.Token{
		Address:  common.HexToAddress(t.Address),
		Symbol:   t.Symbol,
		Decimals: t.Decimals,
	}
}

func validatePool(p types.Pool) error {
	if p.ID == "" {
		return fmt.Errorf("pool id is required")
	}
	switch p.Dex {
	case types.DexUniswapV2, types.DexUniswapV3:
	default:
		return fmt.Errorf("pool %q: unsupported dex %q", p.ID, p.Dex)
	}
	if p.Token0.Symbol == "" || p.Token1.Symbol == "" {
		return fmt.Errorf("pool %q: both token symbols are required", p.ID)
	}
	if p.Token0.Symbol == p.Token1.Symbol {
		return fmt.Errorf("pool %q: token pair must differ", p.ID)
	}
	if p.FeeRate < 0 || p.FeeRate >= 1 {
		return fmt.Errorf("pool %q: fee rate %v outside [0,1)", p.ID, p.FeeRate)
	}
	return nil
}

// Get returns the pool with the given id
func (r *Registry) Get(id string) (types.Pool, bool) {
	p, ok := r.pools[id]
	return p, ok
}

// ByAddress resolves a pool from its on-chain address
func (r *Registry) ByAddress(addr common.Address) (types.Pool, bool) {
	id, ok := r.byAddress[addr]
	if !ok {
		return types.Pool{}, false
	}
	return r.pools[id], true
}

// All returns every pool ordered by id
func (r *Registry) All() []types.Pool {
	out := make([]types.Pool, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// IDs returns every pool id in order
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.ordered))
	for i, p := range r.ordered {
		ids[i] = p.ID
	}
	return ids
}

// Between returns pools trading the given pair, ordered by id
func (r *Registry) Between(a, b string) []types.Pool {
	var out []types.Pool
	for _, p := range r.ordered {
		if p.Has(a) && p.Has(b) {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the catalogue size
func (r *Registry) Len() int {
	return len(r.ordered)
}
