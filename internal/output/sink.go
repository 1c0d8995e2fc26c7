// Package output renders activity to the log and fans audit records out to
// the configured sinks.
package output

import (
	"context"
	"errors"

	"github.com/devlongs/dexarb/pkg/types"
)

// Sink receives every simulated path and every execution attempt
type Sink interface {
	RecordSimulations(ctx context.Context, results []types.SimulationResult) error
	RecordExecution(ctx context.Context, e types.Execution) error
	Close(ctx context.Context) error
}

type multi []Sink

// Multi fans records out to every sink. A failing sink does not stop the others.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) RecordSimulations(ctx context.Context, results []types.SimulationResult) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordSimulations(ctx, results); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) RecordExecution(ctx context.Context, e types.Execution) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordExecution(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
