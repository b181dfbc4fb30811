package health

import (
	"context"
	"time"
)

// Result represents the outcome of a single probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface probes implement
type Checker interface {
	Check(ctx context.Context) Result
}

// WaitHealthy polls a checker until it reports healthy or the outer budget
// runs out. The interval is the pause between attempts.
func WaitHealthy(ctx context.Context, checker Checker, timeout, interval time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if checker.Check(ctx).Healthy {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
