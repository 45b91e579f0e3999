// Package retry wraps failsafe-go retry policies for broker and DB calls
package retry

import (
	"context"
	"time"

	apperrors "tradecore/pkg/errors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Policy describes a bounded retry with exponential backoff and jitter.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is the retry budget used for broker RPCs.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// build converts a Policy into a failsafe retry policy that only retries
// errors the core classifies as transient.
func build(p Policy) retrypolicy.RetryPolicy[any] {
	return retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && apperrors.IsRetryable(err)
		}).
		WithBackoff(p.InitialBackoff, p.MaxBackoff).
		WithJitterFactor(0.25).
		WithMaxRetries(p.MaxAttempts - 1).
		Build()
}

// Do executes fn under the policy, honoring ctx cancellation between attempts.
func Do(ctx context.Context, p Policy, fn func() error) error {
	executor := failsafe.With[any](build(p)).WithContext(ctx)
	return executor.Run(fn)
}

// DoWithResult executes fn under the policy and returns its result.
func DoWithResult[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	policy := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool {
			return err != nil && apperrors.IsRetryable(err)
		}).
		WithBackoff(p.InitialBackoff, p.MaxBackoff).
		WithJitterFactor(0.25).
		WithMaxRetries(p.MaxAttempts - 1).
		Build()
	return failsafe.With[T](policy).WithContext(ctx).Get(fn)
}
