package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devlongs/dexarb/pkg/types"
)

const (
	legTrade    = "trade"
	legRecovery = "recovery"
)

var simulationColumns = []string{
	"path_id", "hops", "initial_amount", "final_amount", "gross_profit_pct",
	"net_profit", "net_profit_pct", "total_fee_pct", "total_price_impact",
	"min_liquidity_usd", "total_liquidity_usd", "executable", "optimal",
	"failure_kind", "failure_reason", "duration_us", "simulated_at", "hop_detail",
}

// AuditStore records simulations and executions
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// RecordSimulations bulk-inserts one scan's results with COPY
func (s *AuditStore) RecordSimulations(ctx context.Context, results []types.SimulationResult) error {
	if len(results) == 0 {
		return nil
	}

	src := pgx.CopyFromSlice(len(results), func(i int) ([]any, error) {
		r := results[i]
		at := r.SimulatedAt
		if at.IsZero() {
			at = time.Now()
		}
		hops, err := hopDetail(r.Hops)
		if err != nil {
			return nil, fmt.Errorf("postgres: encode hops for %s: %w", r.Path.ID, err)
		}
		return []any{
			r.Path.ID, int16(len(r.Path.Hops)), r.InitialAmount, r.FinalAmount, r.GrossProfitPct,
			r.NetProfit, r.NetProfitPct, r.TotalFeePct, r.TotalPriceImpact,
			r.MinLiquidityUSD, r.TotalLiquidity, r.IsExecutable, r.Optimal,
			string(r.FailureKind), r.FailureReason, r.Duration.Microseconds(), at, hops,
		}, nil
	})

	if _, err := s.pool.CopyFrom(ctx, pgx.Identifier{"simulations"}, simulationColumns, src); err != nil {
		return fmt.Errorf("postgres: copy simulations: %w", err)
	}
	return nil
}

func hopDetail(hops []types.HopResult) ([]byte, error) {
	if hops == nil {
		hops = []types.HopResult{}
	}
	return json.Marshal(hops)
}

// RecordExecution inserts an execution and its legs. Re-recording the same
// execution id is a no-op.
func (s *AuditStore) RecordExecution(ctx context.Context, e types.Execution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	transitions := make([]string, len(e.Transitions))
	for i, st := range e.Transitions {
		transitions[i] = string(st)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO executions (id, opportunity_id, path_id, direction, mode, state, transitions,
			amount_in, amount_out, profit, recovered, net_loss, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.OpportunityID, e.PathID, e.Direction, e.Mode, string(e.State), transitions,
		e.AmountIn, e.AmountOut, e.Profit, e.Recovered, e.NetLoss, e.Error, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	queueLegs(batch, e.ID, legTrade, e.Legs)
	queueLegs(batch, e.ID, legRecovery, e.Recovery)
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: insert legs for %s: %w", e.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func queueLegs(b *pgx.Batch, id, kind string, legs []types.LegResult) {
	for i, l := range legs {
		b.Queue(`
			INSERT INTO execution_legs (execution_id, kind, seq, pool_id, token_in, token_out,
				amount_in, amount_out, signature, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			id, kind, int16(i+1), l.PoolID, l.TokenIn, l.TokenOut,
			l.AmountIn, l.AmountOut, l.Signature, l.Error,
		)
	}
}

// RecentExecutions returns the latest executions with their legs, newest first
func (s *AuditStore) RecentExecutions(ctx context.Context, limit int) ([]types.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, opportunity_id, path_id, direction, mode, state, transitions,
			amount_in, amount_out, profit, recovered, net_loss, error, started_at, finished_at
		FROM executions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query executions: %w", err)
	}
	defer rows.Close()

	var out []types.Execution
	for rows.Next() {
		var (
			e           types.Execution
			state       string
			transitions []string
		)
		if err := rows.Scan(&e.ID, &e.OpportunityID, &e.PathID, &e.Direction, &e.Mode, &state, &transitions,
			&e.AmountIn, &e.AmountOut, &e.Profit, &e.Recovered, &e.NetLoss, &e.Error, &e.StartedAt, &e.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		e.State = types.ExecutionState(state)
		for _, t := range transitions {
			e.Transitions = append(e.Transitions, types.ExecutionState(t))
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate executions: %w", err)
	}

	for i := range out {
		if err := s.loadLegs(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *AuditStore) loadLegs(ctx context.Context, e *types.Execution) error {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, pool_id, token_in, token_out, amount_in, amount_out, signature, error
		FROM execution_legs WHERE execution_id = $1 ORDER BY kind DESC, seq`, e.ID)
	if err != nil {
		return fmt.Errorf("postgres: query legs for %s: %w", e.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind string
			l    types.LegResult
		)
		if err := rows.Scan(&kind, &l.PoolID, &l.TokenIn, &l.TokenOut, &l.AmountIn, &l.AmountOut, &l.Signature, &l.Error); err != nil {
			return fmt.Errorf("postgres: scan leg: %w", err)
		}
		if kind == legRecovery {
			e.Recovery = append(e.Recovery, l)
		} else {
			e.Legs = append(e.Legs, l)
		}
	}
	return rows.Err()
}

// SimulationCount returns how many simulations were recorded since t
func (s *AuditStore) SimulationCount(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM simulations WHERE simulated_at >= $1", since).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count simulations: %w", err)
	}
	return n, nil
}

// LatestHops returns the per-hop detail of the most recent simulation of pathID
func (s *AuditStore) LatestHops(ctx context.Context, pathID string) ([]types.HopResult, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT hop_detail FROM simulations WHERE path_id = $1
		ORDER BY simulated_at DESC, id DESC LIMIT 1`, pathID).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("postgres: query hops for %s: %w", pathID, err)
	}

	var hops []types.HopResult
	if err := json.Unmarshal(raw, &hops); err != nil {
		return nil, fmt.Errorf("postgres: decode hops for %s: %w", pathID, err)
	}
	return hops, nil
}

// Close is a no-op; the Client owns the pool
func (s *AuditStore) Close(context.Context) error {
	return nil
}
