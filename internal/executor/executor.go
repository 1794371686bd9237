package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout applies when a caller passes a non-positive timeout.
const DefaultTimeout = 5 * time.Second

var ErrNilCall = errors.New("executor: nil call")

// Call is one instrument operation. It must honor ctx where the underlying I/O allows.
type Call[T any] func(ctx context.Context) (T, error)

// Executor carries per-deployment execution policy.
type Executor struct {
	Classify Classifier
}

type result[T any] struct {
	value T
	err   error
}

// Execute runs call with the default Executor.
func Execute[T any](ctx context.Context, call Call[T], timeout time.Duration) Outcome[T] {
	return Run(ctx, Executor{}, call, timeout)
}

// Run executes call in a deadline-scoped worker goroutine and returns exactly one Outcome.
//
// A call still running at the deadline is abandoned; its eventual result lands in
// a buffered channel nobody reads. A result that arrives after the deadline has
// already fired is reported as Timeout.
func Run[T any](ctx context.Context, e Executor, call Call[T], timeout time.Duration) Outcome[T] {
	if call == nil {
		return Failure[T](ErrNilCall, KindGeneric, 0)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	classify := e.Classify
	if classify == nil {
		classify = Classify
	}

	start := time.Now()
	if err := ctx.Err(); err != nil {
		return canceled[T](err, 0)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		v, err := call(callCtx)
		done <- result[T]{value: v, err: err}
	}()

	select {
	case res := <-done:
		elapsed := time.Since(start)
		if err := ctx.Err(); err != nil {
			return canceled[T](err, elapsed)
		}
		if callCtx.Err() != nil {
			log.Debug().Msgf("executor.Run late completion discarded timeout=%s elapsed=%s", timeout, elapsed)
			return Timeout[T](timeout, elapsed)
		}
		if res.err != nil {
			return Failure[T](res.err, classify(res.err), elapsed)
		}
		return Success(res.value, elapsed)
	case <-callCtx.Done():
		elapsed := time.Since(start)
		if err := ctx.Err(); err != nil {
			return canceled[T](err, elapsed)
		}
		log.Debug().Msgf("executor.Run timeout=%s call abandoned", timeout)
		return Timeout[T](timeout, elapsed)
	}
}

func canceled[T any](cause error, elapsed time.Duration) Outcome[T] {
	return Failure[T](fmt.Errorf("%w: %w", ErrCanceled, cause), KindGeneric, elapsed)
}
