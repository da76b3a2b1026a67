package pipeline

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v5"
)

// probeReadiness runs probe with bounded exponential backoff until it
// succeeds, fails permanently, or the deadline elapses. Remote mutations
// (IAM role propagation, Lambda code updates, agent preparation) are
// eventually consistent; a probe that exhausts its deadline surfaces as a
// retry-worthy timeout error rather than failing silently.
//
// Probes return backoff.Permanent(err) for terminal failure states that
// further polling cannot fix.
func probeReadiness(ctx context.Context, w WaitConfig, what string, probe func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.ReadinessInitial
	b.MaxInterval = w.ReadinessMax

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, probe()
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(w.ReadinessDeadline))
	if err != nil {
		return newPipelineError("wait for readiness", what,
			fmt.Errorf("%s did not become ready: %w", what, err))
	}
	return nil
}
