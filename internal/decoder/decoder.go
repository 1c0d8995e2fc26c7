package decoder

import (
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/devlongs/dexarb/internal/dex/uniswapv2"
	"github.com/devlongs/dexarb/internal/dex/uniswapv3"
	"github.com/devlongs/dexarb/pkg/types"
)

// Variant decodes one on-chain pool-record layout
type Variant interface {
	Kind() types.DexKind
	Topics() []common.Hash
	InitialCalls(pool types.Pool) []ethereum.CallMsg
	DecodeInitial(pool types.Pool, results [][]byte) (types.Reserves, error)
	DecodeLog(pool types.Pool, log ethtypes.Log) (types.Reserves, bool, error)
}

// Decoder dispatches to the variant registered for a pool's dex kind
type Decoder struct {
	variants map[types.DexKind]Variant
}

// NewDecoder creates a decoder over the given variants
func NewDecoder(variants ...Variant) *Decoder {
	d := &Decoder{variants: make(map[types.DexKind]Variant, len(variants))}
	for _, v := range variants {
		d.variants[v.Kind()] = v
	}
	return d
}

// Default returns a decoder for every supported DEX
func Default() *Decoder {
	return NewDecoder(uniswapv2.NewDecoder(), uniswapv3.NewDecoder())
}

// For returns the variant for kind
func (d *Decoder) For(kind types.DexKind) (Variant, error) {
	v, ok := d.variants[kind]
	if !ok {
		return nil, fmt.Errorf("no decoder for dex %q", kind)
	}
	return v, nil
}

// InitialCalls returns the eth_call batch that loads the pool's current state
func (d *Decoder) InitialCalls(pool types.Pool) ([]ethereum.CallMsg, error) {
	v, err := d.For(pool.Dex)
	if err != nil {
		return nil, err
	}
	return v.InitialCalls(pool), nil
}

// DecodeInitial decodes the results of InitialCalls, in order
func (d *Decoder) DecodeInitial(pool types.Pool, results [][]byte) (types.Reserves, error) {
	v, err := d.For(pool.Dex)
	if err != nil {
		return types.Reserves{}, err
	}
	r, err := v.DecodeInitial(pool, results)
	if err != nil {
		return types.Reserves{}, fmt.Errorf("pool %s: %w", pool.ID, err)
	}
	return r, nil
}

// DecodeLog decodes a pushed log for pool. ok is false when the log carries no state.
func (d *Decoder) DecodeLog(pool types.Pool, log ethtypes.Log) (types.Reserves, bool, error) {
	if len(log.Topics) == 0 {
		return types.Reserves{}, false, nil
	}
	v, err := d.For(pool.Dex)
	if err != nil {
		return types.Reserves{}, false, err
	}
	return v.DecodeLog(pool, log)
}

// FilterQuery returns the log subscription filter for pool
func (d *Decoder) FilterQuery(pool types.Pool) (ethereum.FilterQuery, error) {
	v, err := d.For(pool.Dex)
	if err != nil {
		return ethereum.FilterQuery{}, err
	}
	return ethereum.FilterQuery{
		Addresses: []common.Address{pool.Address},
		Topics:    [][]common.Hash{v.Topics()},
	}, nil
}
