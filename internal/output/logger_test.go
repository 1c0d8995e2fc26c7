package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlongs/dexarb/internal/config"
	"github.com/devlongs/dexarb/pkg/types"
)

func TestLogger_Stats(t *testing.T) {
	l := NewLogger(config.LoggingConfig{Level: "error", Format: "json"})
	ctx := context.Background()

	l.LogScanComplete("price_update", 12, 1, 0)
	l.LogScanComplete("price_update", 12, 0, 0)
	l.LogOpportunity(types.Opportunity{ID: "o", ExpectedProfit: 1.9})
	l.LogSignalCleared()

	require.NoError(t, l.RecordExecution(ctx, types.Execution{State: types.StateSuccess, Profit: 1.5}))
	require.NoError(t, l.RecordExecution(ctx, types.Execution{State: types.StateSuccess, Profit: 0.25}))
	require.NoError(t, l.RecordExecution(ctx, types.Execution{State: types.StateRecovered, NetLoss: 0.8}))

	s := l.GetStats()
	assert.Equal(t, uint64(2), s.Scans)
	assert.Equal(t, uint64(24), s.PathsSimulated)
	assert.Equal(t, uint64(1), s.OpportunitiesFound)
	assert.Equal(t, uint64(1), s.SignalsCleared)
	assert.Equal(t, uint64(2), s.Executions[types.StateSuccess])
	assert.Equal(t, "1.750000", s.TotalProfit.StringFixed(6))
	assert.Equal(t, "0.800000", s.TotalRecoveryLoss.StringFixed(6))

	s.Executions[types.StateSuccess] = 99
	assert.Equal(t, uint64(2), l.GetStats().Executions[types.StateSuccess], "GetStats returns a copy")
}

func TestBuildPathString(t *testing.T) {
	hops := []types.Hop{
		{PoolID: "a", TokenIn: "USDC", TokenOut: "SOL"},
		{PoolID: "c", TokenIn: "SOL", TokenOut: "BONK"},
		{PoolID: "d", TokenIn: "BONK", TokenOut: "USDC"},
	}
	assert.Equal(t, "USDC -> SOL -> BONK -> USDC", buildPathString(hops))
	assert.Empty(t, buildPathString(nil))
}

type countingSink struct {
	sims, execs, closes int
	err                 error
}

func (c *countingSink) RecordSimulations(context.Context, []types.SimulationResult) error {
	c.sims++
	return c.err
}

func (c *countingSink) RecordExecution(context.Context, types.Execution) error {
	c.execs++
	return c.err
}

func (c *countingSink) Close(context.Context) error {
	c.closes++
	return c.err
}

func TestMulti_FansOutPastFailures(t *testing.T) {
	failing := &countingSink{err: errors.New("database unavailable")}
	ok := &countingSink{}
	s := Multi(failing, ok)
	ctx := context.Background()

	assert.ErrorContains(t, s.RecordSimulations(ctx, nil), "database unavailable")
	assert.Error(t, s.RecordExecution(ctx, types.Execution{}))
	assert.Error(t, s.Close(ctx))

	assert.Equal(t, 1, ok.sims)
	assert.Equal(t, 1, ok.execs)
	assert.Equal(t, 1, ok.closes)
}

func TestLogger_LogError(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	NewLogger(config.LoggingConfig{}).LogError(errors.New("bucket missing"), "audit flush")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "bucket missing", entry["error"])
	assert.Equal(t, "audit flush", entry["context"])
}
