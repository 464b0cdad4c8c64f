package workflow

import (
	"context"
	"math"
	"time"

	"github.com/dukex/flowrun/pkg/models"
)

// BackoffDelay is the wait before the retry that follows failed attempt n
// (n >= 1): InitialDelay * BackoffMultiplier^(n-1). A multiplier of zero or
// less keeps the delay constant.
func BackoffDelay(policy models.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	delay := float64(policy.InitialDelay.Std()) * math.Pow(multiplier, float64(attempt-1))
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(delay)
}

// maxRetries resolves the retry budget of a step, falling back to the
// workflow-wide budget when the step does not set one.
func maxRetries(workflow *models.Workflow, step *models.WorkflowStep) int {
	if step.RetryPolicy.MaxRetries != nil {
		return *step.RetryPolicy.MaxRetries
	}

	return workflow.Configuration.MaxRetries
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
