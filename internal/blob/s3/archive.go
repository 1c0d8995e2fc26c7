package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/dexarb/pkg/types"
)

const (
	kindSimulations = "simulations"
	kindExecutions  = "executions"

	// buffered lines kept per kind while uploads fail
	maxBufferedBatches = 10
)

// ObjectPutter is the subset of the S3 API the archive needs
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type simulationRecord struct {
	PathID           string    `json:"pathId"`
	Hops             int       `json:"hops"`
	InitialAmount    float64   `json:"initialAmount"`
	FinalAmount      float64   `json:"finalAmount"`
	NetProfitPct     float64   `json:"netProfitPct"`
	TotalFeePct      float64   `json:"totalFeePct"`
	TotalPriceImpact float64   `json:"totalPriceImpact"`
	MinLiquidityUSD  float64   `json:"minLiquidityUsd"`
	Executable       bool      `json:"executable"`
	Optimal          bool      `json:"optimal"`
	FailureKind      string    `json:"failureKind,omitempty"`
	FailureReason    string    `json:"failureReason,omitempty"`
	DurationUs       int64     `json:"durationUs"`
	SimulatedAt      time.Time `json:"simulatedAt"`

	HopDetail []types.HopResult `json:"hops"`
}

// Archive buffers audit records and uploads them as JSONL objects under
// <prefix>/<kind>/YYYY/MM/DD/. Buffers flush when batchSize lines are
// pending and on Close.
type Archive struct {
	put       ObjectPutter
	bucket    string
	prefix    string
	batchSize int
	now       func() time.Time

	mu      sync.Mutex
	pending map[string][][]byte
}

// NewArchive creates an archive writing to the client's bucket
func NewArchive(c *Client, prefix string, batchSize int) *Archive {
	return newArchive(c.s3, c.bucket, prefix, batchSize)
}

func newArchive(put ObjectPutter, bucket, prefix string, batchSize int) *Archive {
	if batchSize <= 0 {
		batchSize = 500
	}
	if prefix == "" {
		prefix = "dexarb"
	}
	return &Archive{
		put:       put,
		bucket:    bucket,
		prefix:    prefix,
		batchSize: batchSize,
		now:       time.Now,
		pending:   make(map[string][][]byte),
	}
}

func (a *Archive) RecordSimulations(ctx context.Context, results []types.SimulationResult) error {
	lines := make([][]byte, 0, len(results))
	for _, r := range results {
		b, err := json.Marshal(simulationRecord{
			PathID:           r.Path.ID,
			Hops:             len(r.Path.Hops),
			InitialAmount:    r.InitialAmount,
			FinalAmount:      r.FinalAmount,
			NetProfitPct:     r.NetProfitPct,
			TotalFeePct:      r.TotalFeePct,
			TotalPriceImpact: r.TotalPriceImpact,
			MinLiquidityUSD:  r.MinLiquidityUSD,
			Executable:       r.IsExecutable,
			Optimal:          r.Optimal,
			FailureKind:      string(r.FailureKind),
			FailureReason:    r.FailureReason,
			DurationUs:       r.Duration.Microseconds(),
			SimulatedAt:      r.SimulatedAt,
			HopDetail:        r.Hops,
		})
		if err != nil {
			return fmt.Errorf("s3blob: encode simulation %s: %w", r.Path.ID, err)
		}
		lines = append(lines, b)
	}
	return a.add(ctx, kindSimulations, lines)
}

func (a *Archive) RecordExecution(ctx context.Context, e types.Execution) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("s3blob: encode execution %s: %w", e.ID, err)
	}
	return a.add(ctx, kindExecutions, [][]byte{b})
}

// Close uploads everything still buffered
func (a *Archive) Close(ctx context.Context) error {
	return errors.Join(a.flush(ctx, kindSimulations), a.flush(ctx, kindExecutions))
}

func (a *Archive) add(ctx context.Context, kind string, lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}
	a.mu.Lock()
	a.pending[kind] = append(a.pending[kind], lines...)
	full := len(a.pending[kind]) >= a.batchSize
	a.mu.Unlock()

	if !full {
		return nil
	}
	return a.flush(ctx, kind)
}

func (a *Archive) flush(ctx context.Context, kind string) error {
	a.mu.Lock()
	lines := a.pending[kind]
	a.pending[kind] = nil
	a.mu.Unlock()

	if len(lines) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}

	key := a.key(kind)
	_, err := a.put.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		a.requeue(kind, lines)
		return fmt.Errorf("s3blob: put object %s: %w", key, err)
	}

	log.Debug().Str("key", key).Int("records", len(lines)).Msg("Audit batch archived")
	return nil
}

// requeue puts lines back in front of anything added meanwhile, dropping the
// oldest once the buffer exceeds maxBufferedBatches batches.
func (a *Archive) requeue(kind string, lines [][]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	merged := append(lines, a.pending[kind]...)
	if limit := a.batchSize * maxBufferedBatches; len(merged) > limit {
		log.Warn().Str("kind", kind).Int("dropped", len(merged)-limit).Msg("Audit archive buffer full, dropping oldest records")
		merged = merged[len(merged)-limit:]
	}
	a.pending[kind] = merged
}

func (a *Archive) key(kind string) string {
	now := a.now().UTC()
	return path.Join(a.prefix, kind, now.Format("2006/01/02"),
		fmt.Sprintf("%s-%s.jsonl", now.Format("150405"), uuid.NewString()[:8]))
}

// Pending returns how many records of kind await upload
func (a *Archive) Pending(kind string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending[kind])
}
