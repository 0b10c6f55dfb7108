package engine

import (
	"context"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// retryPolicy is a node's resolved retry configuration.
type retryPolicy struct {
	MaxTries    int
	WaitBetween time.Duration
}

const (
	defaultMaxTries = 3
	maxMaxTries     = 10
)

// policyFor resolves the retry policy declared on a node. A node without
// retry_on_fail gets exactly one try.
func policyFor(node *schema.Node) retryPolicy {
	if !node.RetryOnFail {
		return retryPolicy{MaxTries: 1}
	}
	tries := node.MaxTries
	if tries <= 0 {
		tries = defaultMaxTries
	}
	if tries > maxMaxTries {
		tries = maxMaxTries
	}
	wait := time.Duration(node.WaitBetweenTriesMs) * time.Millisecond
	if wait < 0 {
		wait = 0
	}
	return retryPolicy{MaxTries: tries, WaitBetween: wait}
}

// waitBetweenTries sleeps the configured delay, returning early with the
// context error on cancellation.
func waitBetweenTries(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
