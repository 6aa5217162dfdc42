package store

import (
	"context"
	"time"

	"github.com/jw6ventures/calcore/internal/metrics"
)

// observeDB times one repository operation; call the returned func when done.
func observeDB(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveDBLatency(ctx, operation, start)
	}
}
