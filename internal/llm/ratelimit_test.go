package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	completeErr error
	calls       int
}

func (f *fakeClient) Complete(_ context.Context, _ Request) (Response, error) {
	f.calls++
	return Response{}, f.completeErr
}

func TestAdaptiveRateLimiterBacksOffOnRateLimited(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.currentTPM

	client := &fakeClient{completeErr: ErrRateLimited}
	wrapped := limiter.Wrap(client)

	req := Request{Messages: []Message{{Role: RoleUser, Content: "hello"}}}
	_, err := wrapped.Complete(context.Background(), req)
	require.True(t, errors.Is(err, ErrRateLimited))

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.Less(t, limiter.currentTPM, initialTPM)
}

func TestAdaptiveRateLimiterProbesUpwardOnSuccess(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(1000, 2000)
	limiter.mu.Lock()
	limiter.currentTPM = 1000
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Wrap(client)

	req := Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	_, err := wrapped.Complete(context.Background(), req)
	require.NoError(t, err)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.Greater(t, limiter.currentTPM, 1000.0)
	require.LessOrEqual(t, limiter.currentTPM, 2000.0)
}

func TestAdaptiveRateLimiterNeverExceedsMaxTPM(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(1000, 1000)
	client := &fakeClient{}
	wrapped := limiter.Wrap(client)

	req := Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	for i := 0; i < 5; i++ {
		_, err := wrapped.Complete(context.Background(), req)
		require.NoError(t, err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.LessOrEqual(t, limiter.currentTPM, 1000.0)
}

func TestAdaptiveRateLimiterWrapNilIsNil(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(1000, 1000)
	require.Nil(t, limiter.Wrap(nil))
}
