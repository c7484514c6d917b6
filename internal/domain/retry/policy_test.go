package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	orcherrors "mcp-completion-proxy/internal/domain/errors"
	"mcp-completion-proxy/internal/domain/retry"
)

func TestPolicy_CalculateDelay(t *testing.T) {
	tests := []struct {
		name        string
		policy      retry.Policy
		attempt     int
		expectedMin time.Duration
		expectedMax time.Duration
	}{
		{
			name: "fixed backoff - attempt 1",
			policy: retry.Policy{
				BackoffStrategy: retry.BackoffFixed,
				InitialDelay:    100 * time.Millisecond,
				MaxDelay:        1 * time.Second,
				JitterFactor:    0,
			},
			attempt:     1,
			expectedMin: 100 * time.Millisecond,
			expectedMax: 100 * time.Millisecond,
		},
		{
			name: "fixed backoff - attempt 5",
			policy: retry.Policy{
				BackoffStrategy: retry.BackoffFixed,
				InitialDelay:    100 * time.Millisecond,
				MaxDelay:        1 * time.Second,
				JitterFactor:    0,
			},
			attempt:     5,
			expectedMin: 100 * time.Millisecond,
			expectedMax: 100 * time.Millisecond,
		},
		{
			name: "linear backoff - attempt 3",
			policy: retry.Policy{
				BackoffStrategy: retry.BackoffLinear,
				InitialDelay:    100 * time.Millisecond,
				MaxDelay:        1 * time.Second,
				JitterFactor:    0,
			},
			attempt:     3,
			expectedMin: 300 * time.Millisecond,
			expectedMax: 300 * time.Millisecond,
		},
		{
			name: "exponential backoff - attempt 3",
			policy: retry.Policy{
				BackoffStrategy: retry.BackoffExponential,
				InitialDelay:    100 * time.Millisecond,
				MaxDelay:        10 * time.Second,
				JitterFactor:    0,
			},
			attempt:     3,
			expectedMin: 400 * time.Millisecond,
			expectedMax: 400 * time.Millisecond,
		},
		{
			name: "respects max delay",
			policy: retry.Policy{
				BackoffStrategy: retry.BackoffExponential,
				InitialDelay:    100 * time.Millisecond,
				MaxDelay:        200 * time.Millisecond,
				JitterFactor:    0,
			},
			attempt:     10,
			expectedMin: 200 * time.Millisecond,
			expectedMax: 200 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.CalculateDelay(tt.attempt)
			if got < tt.expectedMin || got > tt.expectedMax {
				t.Errorf("Policy.CalculateDelay() = %v, want between %v and %v", got, tt.expectedMin, tt.expectedMax)
			}
		})
	}
}

func TestDefaultPolicy(t *testing.T) {
	policy := retry.DefaultPolicy()

	if policy.MaxRetries != 3 {
		t.Errorf("DefaultPolicy().MaxRetries = %v, want 3", policy.MaxRetries)
	}
	if policy.BackoffStrategy != retry.BackoffExponential {
		t.Errorf("DefaultPolicy().BackoffStrategy = %v, want BackoffExponential", policy.BackoffStrategy)
	}
	if policy.InitialDelay != 1*time.Second {
		t.Errorf("DefaultPolicy().InitialDelay = %v, want 1s", policy.InitialDelay)
	}
}

func TestExecutor_Execute(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		executor := retry.NewExecutor(retry.Policy{
			MaxRetries:      3,
			BackoffStrategy: retry.BackoffFixed,
			InitialDelay:    1 * time.Millisecond,
		})

		callCount := 0
		err := executor.Execute(context.Background(), func(ctx context.Context, attempt int) error {
			callCount++
			return nil
		})

		if err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
		if callCount != 1 {
			t.Errorf("Expected 1 call, got %d", callCount)
		}
	})

	t.Run("retries on error", func(t *testing.T) {
		retryableErr := errors.New("retryable")
		executor := retry.NewExecutor(retry.Policy{
			MaxRetries:      3,
			BackoffStrategy: retry.BackoffFixed,
			InitialDelay:    1 * time.Millisecond,
		})

		callCount := 0
		err := executor.Execute(context.Background(), func(ctx context.Context, attempt int) error {
			callCount++
			if callCount < 3 {
				return retryableErr
			}
			return nil
		})

		if err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
		if callCount != 3 {
			t.Errorf("Expected 3 calls, got %d", callCount)
		}
	})

	t.Run("stops on non-retryable typed error", func(t *testing.T) {
		executor := retry.NewExecutor(retry.Policy{
			MaxRetries:      3,
			BackoffStrategy: retry.BackoffFixed,
			InitialDelay:    1 * time.Millisecond,
		})

		broken := &orcherrors.OrchestratorError{
			Code:     "BROKEN",
			Message:  "not worth retrying",
			Severity: orcherrors.SeverityToolFailure,
		}
		callCount := 0
		err := executor.Execute(context.Background(), func(ctx context.Context, attempt int) error {
			callCount++
			return broken
		})

		if !errors.Is(err, broken) {
			t.Errorf("Expected the typed error back, got %v", err)
		}
		if callCount != 1 {
			t.Errorf("Expected 1 call, got %d", callCount)
		}
	})

	t.Run("keeps retrying typed retryable errors", func(t *testing.T) {
		executor := retry.NewExecutor(retry.Policy{
			MaxRetries:      2,
			BackoffStrategy: retry.BackoffFixed,
			InitialDelay:    1 * time.Millisecond,
		})

		callCount := 0
		err := executor.Execute(context.Background(), func(ctx context.Context, attempt int) error {
			callCount++
			return orcherrors.WrapRetryable(errors.New("connection refused"), "post tools/call")
		})

		if err == nil {
			t.Error("Expected the last error back, got nil")
		}
		if callCount != 3 {
			t.Errorf("Expected 3 calls, got %d", callCount)
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately

		executor := retry.NewExecutor(retry.Policy{
			MaxRetries:      3,
			BackoffStrategy: retry.BackoffFixed,
			InitialDelay:    100 * time.Millisecond,
		})

		err := executor.Execute(ctx, func(ctx context.Context, attempt int) error {
			return errors.New("should not reach here")
		})

		if err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})
}
