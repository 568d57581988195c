package verify

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/outofforest/parallel"
	"github.com/outofforest/specdec/rng"
	"github.com/outofforest/specdec/types"
)

// Result is the outcome of verifying one sequence of the batch.
type Result struct {
	Record AcceptanceRecord
	Source rng.Source
	Err    error
}

// VerifyBatch verifies independent sequences on parallel workers. Every sequence uses its own random source.
// Failure of one sequence is reported in its result and doesn't affect the others, the returned error is set only if
// the context is canceled or the batch is malformed.
func VerifyBatch(
	ctx context.Context,
	engine *Engine,
	inputs []Input,
	sources []rng.Source,
	numOfWorkers int,
) ([]Result, error) {
	if len(sources) != len(inputs) {
		return nil, errors.Wrapf(types.ErrShapeMismatch, "%d sources for %d inputs", len(sources), len(inputs))
	}

	results := make([]Result, len(inputs))
	numOfWorkers = min(max(numOfWorkers, 1), len(inputs))

	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for w := range numOfWorkers {
			spawn(fmt.Sprintf("verifier-%02d", w), parallel.Continue, func(ctx context.Context) error {
				for i := w; i < len(inputs); i += numOfWorkers {
					if err := ctx.Err(); err != nil {
						return errors.WithStack(err)
					}
					record, src, err := engine.Verify(inputs[i], sources[i])
					results[i] = Result{
						Record: record,
						Source: src,
						Err:    err,
					}
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
