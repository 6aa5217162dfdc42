// Package contacts publishes a broker message for every address book change
// made by a client.
package contacts

import (
	"context"
	"path"

	"github.com/rs/zerolog"

	"github.com/jw6ventures/calcore/internal/broker"
	"github.com/jw6ventures/calcore/internal/propagation"
	"github.com/jw6ventures/calcore/internal/store"
)

// Notifier is the contacts consumer of the propagation worker.
type Notifier struct {
	publisher broker.Publisher
	log       zerolog.Logger
}

func NewNotifier(p broker.Publisher, log zerolog.Logger) *Notifier {
	return &Notifier{publisher: p, log: log.With().Str("component", "contacts").Logger()}
}

func (n *Notifier) Name() string { return "contacts" }

// Handle publishes add, update or delete for client writes to address books.
// Mirrored copies are skipped so a shared contact is announced once.
func (n *Notifier) Handle(ctx context.Context, ev propagation.Event) error {
	if ev.Origin != propagation.OriginClient || ev.Collection.Kind != store.KindAddressBook {
		return nil
	}
	msg := broker.ContactMessage{
		Path:  ItemPath(&ev.Collection, ev.Name),
		Owner: ev.Collection.OwnerID,
	}
	var topic string
	switch ev.Kind {
	case propagation.KindPut:
		topic = broker.TopicContactUpdate
		if ev.Previous == nil {
			topic = broker.TopicContactAdd
		}
		if ev.Item != nil {
			msg.CardData = ev.Item.Data
		}
	case propagation.KindDelete:
		topic = broker.TopicContactDelete
	default:
		return nil
	}
	// Broker outages are not retried: the write is committed and the message
	// is advisory.
	if err := n.publisher.Publish(ctx, topic, msg); err != nil {
		n.log.Error().Err(err).Str("topic", topic).Str("path", msg.Path).Msg("publish contact change")
	}
	return nil
}

// ItemPath is the href of a card under its owner's address book home.
func ItemPath(c *store.Collection, name string) string {
	return "/" + path.Join("addressbooks", c.OwnerID, c.URI, name)
}
