package workflow_test

import (
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/workflow"
	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name   string
		policy models.RetryPolicy
		want   []time.Duration
	}{
		{
			name:   "exponential",
			policy: models.RetryPolicy{InitialDelay: models.Duration(100 * time.Millisecond), BackoffMultiplier: 2},
			want:   []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond},
		},
		{
			name:   "fractional multiplier",
			policy: models.RetryPolicy{InitialDelay: models.Duration(time.Second), BackoffMultiplier: 1.5},
			want:   []time.Duration{time.Second, 1500 * time.Millisecond, 2250 * time.Millisecond},
		},
		{
			name:   "multiplier of one is constant",
			policy: models.RetryPolicy{InitialDelay: models.Duration(time.Second), BackoffMultiplier: 1},
			want:   []time.Duration{time.Second, time.Second, time.Second},
		},
		{
			name:   "zero multiplier is constant",
			policy: models.RetryPolicy{InitialDelay: models.Duration(time.Second)},
			want:   []time.Duration{time.Second, time.Second, time.Second},
		},
		{
			name:   "no initial delay",
			policy: models.RetryPolicy{BackoffMultiplier: 3},
			want:   []time.Duration{0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := make([]time.Duration, 0, len(tt.want))
			for attempt := 1; attempt <= len(tt.want); attempt++ {
				got = append(got, workflow.BackoffDelay(tt.policy, attempt))
			}

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBackoffDelay_StrictlyIncreasing(t *testing.T) {
	policy := models.RetryPolicy{InitialDelay: models.Duration(time.Millisecond), BackoffMultiplier: 1.1}

	previous := workflow.BackoffDelay(policy, 1)
	for attempt := 2; attempt <= 20; attempt++ {
		delay := workflow.BackoffDelay(policy, attempt)
		assert.Greater(t, delay, previous, "attempt %d", attempt)

		previous = delay
	}
}

func TestBackoffDelay_Saturates(t *testing.T) {
	policy := models.RetryPolicy{InitialDelay: models.Duration(time.Hour), BackoffMultiplier: 10}

	assert.Equal(t, time.Duration(1<<63-1), workflow.BackoffDelay(policy, 100))
}
