package engine

import (
	"context"
	"testing"
	"time"

	"github.com/kilnci/kiln/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, 1, maxAttempts(nil))
	assert.Equal(t, 1, maxAttempts(&schema.RetryPolicy{}))
	assert.Equal(t, 1, maxAttempts(&schema.RetryPolicy{MaxAttempts: -2}))
	assert.Equal(t, 3, maxAttempts(&schema.RetryPolicy{MaxAttempts: 3}))
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  *schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"nil policy", nil, 1, 0},
		{"no min delay", &schema.RetryPolicy{MaxAttempts: 3, Backoff: schema.BackoffConstant}, 1, 0},
		{"constant", &schema.RetryPolicy{Backoff: schema.BackoffConstant, MinDelay: "500ms"}, 3, 500 * time.Millisecond},
		{"linear first", &schema.RetryPolicy{Backoff: schema.BackoffLinear, MinDelay: "1s"}, 1, time.Second},
		{"linear third", &schema.RetryPolicy{Backoff: schema.BackoffLinear, MinDelay: "1s"}, 3, 3 * time.Second},
		{"linear capped", &schema.RetryPolicy{Backoff: schema.BackoffLinear, MinDelay: "1s", MaxDelay: "2s"}, 5, 2 * time.Second},
		{"exponential first", &schema.RetryPolicy{Backoff: schema.BackoffExponential, MinDelay: "1s"}, 1, time.Second},
		{"exponential second", &schema.RetryPolicy{Backoff: schema.BackoffExponential, MinDelay: "1s"}, 2, 2 * time.Second},
		{"exponential fourth", &schema.RetryPolicy{Backoff: schema.BackoffExponential, MinDelay: "1s"}, 4, 8 * time.Second},
		{"exponential capped", &schema.RetryPolicy{Backoff: schema.BackoffExponential, MinDelay: "1s", MaxDelay: "5s"}, 4, 5 * time.Second},
		{"unparseable delay", &schema.RetryPolicy{Backoff: schema.BackoffConstant, MinDelay: "soon"}, 1, 0},
		{"unset backoff acts constant", &schema.RetryPolicy{MinDelay: "250ms"}, 4, 250 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.policy, tt.attempt))
		})
	}
}

func TestWaitForBackoff_ZeroDelayReturnsImmediately(t *testing.T) {
	require.NoError(t, WaitForBackoff(context.Background(), 0, nil))
}

func TestWaitForBackoff_CancelChannelCutsWaitShort(t *testing.T) {
	cancelled := make(chan struct{})
	close(cancelled)

	start := time.Now()
	err := WaitForBackoff(context.Background(), time.Minute, cancelled)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var kerr *schema.KilnError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, schema.ErrCodeCancelled, kerr.Code)
}

func TestWaitForBackoff_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
