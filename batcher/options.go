package batcher

import (
	"context"
	"errors"
	"math"
	"time"
)

// Unbounded can be used as the last entry of Options.QueuingThresholds to
// prevent any further concurrent batches from starting once the preceding
// concurrency levels are occupied.
const Unbounded = math.MaxInt

// DefaultQueuingDelay is used when Options.QueuingDelay is zero.
const DefaultQueuingDelay = time.Millisecond

// BatchingFunc processes one batch of inputs. It must return exactly one
// Result per input, in input order. A non-nil error (or a panic) rejects
// every request in the batch with that error.
//
// The context is canceled when the owning Batcher is closed.
type BatchingFunc[I, O any] func(ctx context.Context, inputs []I) ([]Result[O], error)

// DelayFunc optionally gates batch execution, e.g. to wait for a rate
// limiter or a connection to become available. A non-nil error (or a panic)
// aborts the entire pending queue, rejecting every queued request.
type DelayFunc func(ctx context.Context) error

// Options configures a Batcher, for New.
type Options[I, O any] struct {
	// BatchingFunction executes each batch. Required.
	BatchingFunction BatchingFunc[I, O]

	// DelayFunction, if set, runs before each batch executes.
	DelayFunction DelayFunc

	// MaxBatchSize restricts the number of requests per batch, if positive.
	// 0 means no limit.
	MaxBatchSize int

	// QueuingDelay is how long a triggered batch waits for further requests
	// before executing. Defaults to DefaultQueuingDelay if zero.
	QueuingDelay time.Duration

	// QueuingThresholds gates batch dispatch by concurrency: entry i is the
	// minimum queue length required to start a batch while i batches are
	// already in flight (the last entry applies for all higher counts).
	// Defaults to [1] if nil.
	QueuingThresholds []int
}

func (o *Options[I, O]) validate() error {
	if o.BatchingFunction == nil {
		return errors.New("batchingFunction is required")
	}
	if o.QueuingThresholds != nil {
		if len(o.QueuingThresholds) == 0 {
			return errors.New("queuingThresholds must contain at least one number")
		}
		for _, threshold := range o.QueuingThresholds {
			if threshold < 1 {
				return errors.New("queuingThresholds must only contain numbers greater than 0")
			}
		}
	}
	if o.MaxBatchSize < 0 {
		return errors.New("maxBatchSize must be greater than 0")
	}
	if o.QueuingDelay < 0 {
		return errors.New("queuingDelay must be greater than or equal to 0")
	}
	return nil
}
