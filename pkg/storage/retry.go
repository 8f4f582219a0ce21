package storage

import (
	"context"
	stderrors "errors"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/trialflow/trialflow/pkg/interfaces"
	"github.com/trialflow/trialflow/pkg/resilience"
)

// Resilient retries the operations of an ObjectStorage and stops calling
// it while its circuit breaker is open.
type Resilient struct {
	store   interfaces.ObjectStorage
	policy  resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
}

// WithRetry wraps store. A nil breaker disables circuit breaking.
func WithRetry(store interfaces.ObjectStorage, policy resilience.RetryPolicy, breaker *resilience.CircuitBreaker) *Resilient {
	if policy.Retryable == nil {
		policy.Retryable = func(err error) bool { return !isNotFound(err) }
	}
	return &Resilient{store: store, policy: policy, breaker: breaker}
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return stderrors.Is(err, os.ErrNotExist) || stderrors.As(err, &nsk) || stderrors.As(err, &nf)
}

// Scheme implements interfaces.ObjectStorage.
func (r *Resilient) Scheme() string { return r.store.Scheme() }

// Put retries only when data can be rewound.
func (r *Resilient) Put(ctx context.Context, key string, data io.Reader, opts interfaces.PutOptions) error {
	policy := r.policy
	seeker, ok := data.(io.Seeker)
	if !ok {
		policy.MaxAttempts = 1
	}
	first := true
	return resilience.Retry(ctx, policy, r.breaker, func(ctx context.Context) error {
		if !first {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		first = false
		return r.store.Put(ctx, key, data, opts)
	})
}

// Get implements interfaces.ObjectStorage.
func (r *Resilient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := resilience.Retry(ctx, r.policy, r.breaker, func(ctx context.Context) error {
		var err error
		rc, err = r.store.Get(ctx, key)
		return err
	})
	return rc, err
}

// Delete implements interfaces.ObjectStorage.
func (r *Resilient) Delete(ctx context.Context, key string) error {
	return resilience.Retry(ctx, r.policy, r.breaker, func(ctx context.Context) error {
		return r.store.Delete(ctx, key)
	})
}

// Exists implements interfaces.ObjectStorage.
func (r *Resilient) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := resilience.Retry(ctx, r.policy, r.breaker, func(ctx context.Context) error {
		var err error
		ok, err = r.store.Exists(ctx, key)
		return err
	})
	return ok, err
}

// List implements interfaces.ObjectStorage.
func (r *Resilient) List(ctx context.Context, prefix string) ([]interfaces.ObjectInfo, error) {
	var out []interfaces.ObjectInfo
	err := resilience.Retry(ctx, r.policy, r.breaker, func(ctx context.Context) error {
		var err error
		out, err = r.store.List(ctx, prefix)
		return err
	})
	return out, err
}
