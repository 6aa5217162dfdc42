package sharing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jw6ventures/calcore/internal/propagation"
	"github.com/jw6ventures/calcore/internal/store"
)

// Mirror replays source changes into every subscription copy.
type Mirror struct {
	engine *Engine
}

func NewMirror(e *Engine) *Mirror {
	return &Mirror{engine: e}
}

func (m *Mirror) Name() string { return "sharing" }

func (m *Mirror) Handle(ctx context.Context, ev propagation.Event) error {
	st := m.engine.store
	subs, err := st.Collections.ListBySource(ctx, ev.Collection.ID)
	if err != nil {
		return fmt.Errorf("list subscriptions of %d: %w", ev.Collection.ID, err)
	}
	if len(subs) == 0 {
		return nil
	}

	var errs []error
	for _, sub := range subs {
		switch ev.Kind {
		case propagation.KindPut:
			// Mirror the current source state so retries and reordering converge.
			current, err := st.Items.Get(ctx, ev.Collection.ID, ev.Name)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := m.engine.copyItem(ctx, sub.ID, current); err != nil {
				errs = append(errs, err)
			}
		case propagation.KindDelete:
			if _, err := st.Items.Get(ctx, ev.Collection.ID, ev.Name); err == nil {
				// Recreated since; a later put event will mirror it.
				continue
			}
			_, err := st.Items.Delete(ctx, sub.ID, ev.Name, nil)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				errs = append(errs, fmt.Errorf("delete mirrored %s: %w", ev.Name, err))
			}
		case propagation.KindCollectionDelete:
			err := st.Collections.Delete(ctx, sub.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				errs = append(errs, fmt.Errorf("delete subscription %d: %w", sub.ID, err))
				continue
			}
			m.engine.log.Info().Int64("source", ev.Collection.ID).Int64("subscription", sub.ID).Msg("subscription removed with its source")
		}
	}
	return errors.Join(errs...)
}
