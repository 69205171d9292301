package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/dap"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		o    dap.Outcome
		want bool
	}{
		{"timeout", &dap.Timeout{After: time.Minute}, true},
		{"too many requests", &dap.HTTPError{StatusCode: 429}, true},
		{"server error", &dap.HTTPError{StatusCode: 502}, true},
		{"bad request", &dap.HTTPError{StatusCode: 400}, false},
		{"crash", &dap.InvocationFailure{ExitCode: 101}, false},
		{"success", &dap.Success{VectorText: "1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.o))
		})
	}
}

func TestRetryPolicyDo(t *testing.T) {
	fast := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	t.Run("default makes one attempt", func(t *testing.T) {
		calls := 0
		o := DefaultRetryPolicy().Do(context.Background(), func(int) dap.Outcome {
			calls++
			return &dap.Timeout{After: time.Second}
		}, nil)
		assert.Equal(t, 1, calls)
		assert.IsType(t, &dap.Timeout{}, o)
	})

	t.Run("stops at max attempts", func(t *testing.T) {
		var notified []int
		calls := 0
		o := fast.Do(context.Background(), func(int) dap.Outcome {
			calls++
			return &dap.HTTPError{StatusCode: 503}
		}, func(attempt int, _ dap.Outcome, _ time.Duration) {
			notified = append(notified, attempt)
		})
		assert.Equal(t, 3, calls)
		assert.Equal(t, []int{1, 2}, notified)
		assert.IsType(t, &dap.HTTPError{}, o)
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		calls := 0
		fast.Do(context.Background(), func(int) dap.Outcome {
			calls++
			return &dap.InvocationFailure{ExitCode: 2}
		}, nil)
		assert.Equal(t, 1, calls)
	})

	t.Run("success ends retries", func(t *testing.T) {
		o := fast.Do(context.Background(), func(attempt int) dap.Outcome {
			if attempt < 2 {
				return &dap.Timeout{After: time.Second}
			}
			return &dap.Success{VectorText: "1, 2"}
		}, nil)
		assert.IsType(t, &dap.Success{}, o)
	})
}
