// Package reliability provides the retry primitives used by the managed layer.
//
// This package implements:
//   - Scheduler: delayed one-shot tasks with group cancellation, used for
//     reconnection attempts and poller restarts
//   - FixedDelay: a retry policy with a constant delay and an optional
//     attempt limit (Unlimited retries forever)
//   - Retry: runs a function under a RetryPolicy until it succeeds, the
//     policy gives up, or the context is done
//
// Example usage:
//
//	policy := NewFixedDelay(50*time.Millisecond, 20)
//	policy.RetryIf = func(err error) bool { return errors.Is(err, managed.ErrNotReady) }
//	err := Retry(ctx, policy, func() error {
//	    return send()
//	})
package reliability
