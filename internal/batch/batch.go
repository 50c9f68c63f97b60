// Package batch runs a per-item operation over a list with a fixed
// concurrency cap.
package batch

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the cap the mailbox uses for multi-message fetch and trash.
const DefaultConcurrency = 10

var ErrConcurrency = errors.New("batch: concurrency must be at least 1")

// Error is the first unit failure observed in a run.
type Error struct {
	Index int
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("batch item %d: %v", e.Index, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Run calls unit once per item with at most concurrency calls in flight and
// returns the results in input order.
//
// The first failure by completion time stops scheduling; units already in
// flight run to completion with the caller's context and their results are
// dropped. On failure Run returns a nil slice and a *Error. If ctx is
// canceled before any unit fails, Run stops scheduling and returns ctx.Err().
func Run[I, R any](
	ctx context.Context,
	items []I,
	concurrency int,
	unit func(context.Context, I) (R, error),
) ([]R, error) {
	if concurrency < 1 {
		return nil, ErrConcurrency
	}
	out := make([]R, len(items))
	if len(items) == 0 {
		return out, nil
	}

	// gctx only gates scheduling; units get ctx so a sibling failure does not
	// cancel work that is already on the wire.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, item := range items {
		i, item := i, item
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, err := unit(ctx, item)
			if err != nil {
				return &Error{Index: i, Err: err}
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
