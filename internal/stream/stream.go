// Package stream runs a processing function over an inbound sequence of
// requests with a bounded number of calls in flight.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	pkgerrors "vecagent/pkg/errors"
	"vecagent/pkg/logger"
)

// Result is the outcome of one request. Err only concerns that request.
type Result[R any] struct {
	Value R
	Err   error
}

// Func handles one request.
type Func[Q, R any] func(ctx context.Context, req Q) (R, error)

// Process applies fn to every request received on in, with at most limit
// calls running at once, and emits each result as soon as it completes, so
// results may come out of request order. The returned channel closes once
// in is closed (or ctx is done) and every dispatched call has returned.
//
// Cancelling ctx stops intake only: dispatched calls run to completion on a
// context that ignores the cancellation, and their results are dropped if
// nobody is reading anymore.
func Process[Q, R any](ctx context.Context, in <-chan Q, limit int, fn Func[Q, R]) (<-chan Result[R], error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: %d", pkgerrors.ErrInvalidConcurrency, limit)
	}
	out := make(chan Result[R], limit)
	work := context.WithoutCancel(ctx)

	go func() {
		defer close(out)
		var g errgroup.Group
		g.SetLimit(limit)
		defer g.Wait()
		for {
			var (
				req Q
				ok  bool
			)
			select {
			case <-ctx.Done():
				return
			case req, ok = <-in:
				if !ok {
					return
				}
			}
			g.Go(func() error {
				v, err := call(work, fn, req)
				select {
				case out <- Result[R]{Value: v, Err: err}:
				case <-ctx.Done():
				}
				return nil
			})
		}
	}()
	return out, nil
}

// call keeps a panicking handler from taking the whole stream down.
func call[Q, R any](ctx context.Context, fn Func[Q, R], req Q) (v R, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Stream handler panicked", "panic", r)
			err = fmt.Errorf("stream handler panicked: %v", r)
		}
	}()
	return fn(ctx, req)
}

// Bidirectional joins a duplex transport to Process. recv is called from a
// single goroutine until it returns an error; io.EOF ends the inbound side
// cleanly. send is called from a single goroutine, once per result. The
// first send failure or non-EOF recv failure stops intake and is returned
// after dispatched calls finish. A recv blocked in the transport is not
// interrupted; closing the transport after Bidirectional returns releases it.
func Bidirectional[Q, R any](
	ctx context.Context,
	limit int,
	recv func() (Q, error),
	send func(R, error) error,
	fn Func[Q, R],
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan Q)
	out, err := Process(ctx, in, limit, fn)
	if err != nil {
		return err
	}

	var (
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	go func() {
		defer close(in)
		for {
			req, err := recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					fail(fmt.Errorf("stream receive: %w", err))
				}
				return
			}
			select {
			case in <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	broken := false
	for res := range out {
		if broken {
			continue
		}
		if err := send(res.Value, res.Err); err != nil {
			broken = true
			fail(fmt.Errorf("stream send: %w", err))
		}
	}
	return firstErr
}
