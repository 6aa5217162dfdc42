// Package propagation carries committed writes to the engines that react to
// them (subscription mirrors, scheduling, contact notifications) in the
// background, after the triggering request has been answered.
package propagation

import (
	"context"
	"fmt"

	"github.com/jw6ventures/calcore/internal/store"
)

// Kind is the type of committed mutation.
type Kind string

const (
	KindPut              Kind = "put"
	KindDelete           Kind = "delete"
	KindCollectionDelete Kind = "collection-delete"
)

// Origin says who performed the write. Engines skip writes they caused
// themselves so reactions never loop. Subscription mirrors write straight to
// the store and raise no events.
type Origin string

const (
	OriginClient     Origin = "client"
	OriginScheduling Origin = "scheduling"
)

// Event is one committed mutation of a collection.
type Event struct {
	Kind       Kind
	Origin     Origin
	Collection store.Collection
	SyncToken  int64
	Name       string
	Item       *store.Item
	Previous   *store.Item
	// Actor is the principal that issued the request.
	Actor string
}

// Key identifies an event for idempotent replay.
func (e Event) Key() string {
	return fmt.Sprintf("%d:%d:%s:%s", e.Collection.ID, e.SyncToken, e.Kind, e.Name)
}

// Consumer reacts to committed events. Handle must be safe to call again for
// an event that partially succeeded.
type Consumer interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

// Enqueuer accepts events for background delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, e Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Enqueue(context.Context, Event) error { return nil }
