package scheduling

import (
	"context"
	"time"

	"github.com/jw6ventures/calcore/internal/store"
)

// PurgeInboxes removes inbox messages older than the retention period and
// returns how many were removed. A zero retention keeps everything.
func (e *Engine) PurgeInboxes(ctx context.Context) (int, error) {
	if e.retention <= 0 {
		return 0, nil
	}
	inboxes, err := e.store.Collections.ListByKind(ctx, store.KindInbox)
	if err != nil {
		return 0, err
	}
	cutoff := e.now().Add(-e.retention)
	total := 0
	for _, inbox := range inboxes {
		removed, err := e.store.Items.DeleteOlderThan(ctx, inbox.ID, cutoff)
		if err != nil {
			return total, err
		}
		total += len(removed)
	}
	return total, nil
}

// RunRetention purges inboxes every interval until ctx is done.
func (e *Engine) RunRetention(ctx context.Context, interval time.Duration) {
	if e.retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.PurgeInboxes(ctx)
			if err != nil {
				e.log.Error().Err(err).Msg("inbox retention")
				continue
			}
			if n > 0 {
				e.log.Info().Int("removed", n).Msg("expired inbox messages removed")
			}
		}
	}
}
