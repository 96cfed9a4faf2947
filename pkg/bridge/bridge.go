// Package bridge turns callback-driven remote operations into blocking calls
// bounded by a deadline.
//
// Every remote interaction of the control plane (agent submission, topology
// activation, device state transitions) completes through a callback fired on
// a goroutine owned by the remote client. Await registers a completion sink
// with the operation and waits for the first of: the sink firing, the timeout
// elapsing, or the context ending. Exactly one outcome is observed; late or
// repeated completions are discarded without blocking the caller that fires
// them.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetctl/odc/pkg/fault"
)

// StartFunc issues a remote operation and arranges for done to be called
// when it completes. It must not block until completion. A non-nil error
// means the operation was never issued.
type StartFunc[T any] func(done func(T)) error

// Await issues op through start and blocks until it completes or the wait is
// bounded out. A timeout <= 0 leaves only the deadline carried by ctx.
func Await[T any](ctx context.Context, op string, timeout time.Duration, start StartFunc[T]) (T, error) {
	var zero T

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Capacity 1 with a non-blocking send: the first completion is kept, the
	// rest are dropped, and nobody ever blocks on a caller that already left.
	results := make(chan T, 1)
	done := func(v T) {
		select {
		case results <- v:
		default:
		}
	}

	if err := start(done); err != nil {
		return zero, err
	}

	select {
	case v := <-results:
		return v, nil
	case <-ctx.Done():
		return zero, expired(op, timeout, ctx.Err())
	}
}

// Wait is Await for operations that only signal completion.
func Wait(ctx context.Context, op string, timeout time.Duration, start func(done func()) error) error {
	_, err := Await(ctx, op, timeout, func(done func(struct{})) error {
		return start(func() { done(struct{}{}) })
	})
	return err
}

func expired(op string, timeout time.Duration, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return fault.Timeout(fmt.Sprintf("wait for %s cancelled", op), cause).
			WithOp(op).
			WithDetail("cancelled", true)
	}
	msg := fmt.Sprintf("timed out waiting for %s", op)
	if timeout > 0 {
		msg = fmt.Sprintf("timed out after %s waiting for %s", timeout, op)
	}
	return fault.Timeout(msg, cause).WithOp(op)
}
