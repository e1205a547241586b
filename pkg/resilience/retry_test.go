package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
)

func TestRetrier_SuccessOnFirstAttempt(t *testing.T) {
	retrier := NewRetrier(DefaultRetryConfig())

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_SuccessAfterRetries(t *testing.T) {
	config := DefaultRetryConfig()
	config.InitialDelay = 10 * time.Millisecond
	retrier := NewRetrier(config)

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return appErrors.NewTimeoutError("probe")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetrier_FailureAfterMaxAttempts(t *testing.T) {
	config := DefaultRetryConfig()
	config.InitialDelay = 10 * time.Millisecond
	retrier := NewRetrier(config)

	cause := appErrors.NewTimeoutError("probe")
	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return cause
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "operation failed after 3 attempts")
	assert.ErrorIs(t, err, cause)
}

func TestRetrier_SingleAttemptReturnsErrorUnchanged(t *testing.T) {
	retrier := NewRetrier(ProbeRetryConfig(1))

	cause := errors.New("status 503")
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		return cause
	})

	assert.Same(t, cause, err)
}

func TestRetrier_NonRetryableError(t *testing.T) {
	config := DefaultRetryConfig()
	config.InitialDelay = 10 * time.Millisecond
	retrier := NewRetrier(config)

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return appErrors.NewOperationNotSupportedError("search", "drop")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_ContextCancellationKeepsLastError(t *testing.T) {
	config := DefaultRetryConfig()
	config.MaxAttempts = 5
	config.InitialDelay = 100 * time.Millisecond
	retrier := NewRetrier(config)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cause := appErrors.NewTimeoutError("probe")
	attempts := 0
	err := retrier.Execute(ctx, func(ctx context.Context) error {
		attempts++
		return cause
	})

	assert.Same(t, cause, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_ContextAlreadyDone(t *testing.T) {
	retrier := NewRetrier(DefaultRetryConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retrier.Execute(ctx, func(ctx context.Context) error {
		t.Fatal("operation must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetrier_OnRetryCallback(t *testing.T) {
	config := DefaultRetryConfig()
	config.InitialDelay = 10 * time.Millisecond

	var retryAttempts []int
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		retryAttempts = append(retryAttempts, attempt)
	}

	retrier := NewRetrier(config)

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return appErrors.NewTimeoutError("probe")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, retryAttempts)
}

func TestRetrier_ExponentialBackoff(t *testing.T) {
	var delays []time.Duration
	retrier := NewRetrier(RetryConfig{
		MaxAttempts:       4,
		InitialDelay:      10 * time.Millisecond,
		MaxDelay:          25 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            false,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			delays = append(delays, delay)
		},
	})

	_ = retrier.Execute(context.Background(), func(ctx context.Context) error {
		return appErrors.NewTimeoutError("probe")
	})

	require.Len(t, delays, 3)
	assert.Equal(t, 10*time.Millisecond, delays[0])
	assert.Equal(t, 20*time.Millisecond, delays[1])
	assert.Equal(t, 25*time.Millisecond, delays[2])
}

func TestDefaultRetryableErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil error", nil, false},
		{"timeout error", appErrors.NewTimeoutError("timeout"), true},
		{"external error", appErrors.NewExternalError("service", "error"), true},
		{"plain error", errors.New("connection reset"), true},
		{"validation error", appErrors.NewValidationError("validation"), false},
		{"configuration error", appErrors.NewConfigurationError("bad"), false},
		{"unsupported operation", appErrors.NewOperationNotSupportedError("r", "op"), false},
		{"unavailable resource", appErrors.NewResourceUnavailableError("r"), false},
		{"circuit breaker error", appErrors.NewCircuitBreakerOpenError("test"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, DefaultRetryableErrors(tt.err))
		})
	}
}
