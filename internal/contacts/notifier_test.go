package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jw6ventures/calcore/internal/broker"
	"github.com/jw6ventures/calcore/internal/propagation"
	"github.com/jw6ventures/calcore/internal/store"
)

const card = "BEGIN:VCARD\r\nVERSION:3.0\r\nUID:c1\r\nFN:Ada\r\nEND:VCARD\r\n"

func book() store.Collection {
	return store.Collection{ID: 3, OwnerID: "alice", URI: "contacts", Kind: store.KindAddressBook}
}

func decode(t *testing.T, m broker.Message) broker.ContactMessage {
	t.Helper()
	var out broker.ContactMessage
	require.NoError(t, json.Unmarshal(m.Body, &out))
	return out
}

func TestNotifierTopics(t *testing.T) {
	rec := &broker.Recorder{}
	n := NewNotifier(rec, zerolog.Nop())
	ctx := context.Background()
	item := &store.Item{Name: "c1.vcf", Data: card}

	require.NoError(t, n.Handle(ctx, propagation.Event{Kind: propagation.KindPut, Origin: propagation.OriginClient, Collection: book(), Name: "c1.vcf", Item: item}))
	require.NoError(t, n.Handle(ctx, propagation.Event{Kind: propagation.KindPut, Origin: propagation.OriginClient, Collection: book(), Name: "c1.vcf", Item: item, Previous: item}))
	require.NoError(t, n.Handle(ctx, propagation.Event{Kind: propagation.KindDelete, Origin: propagation.OriginClient, Collection: book(), Name: "c1.vcf", Previous: item}))

	add := rec.Messages(broker.TopicContactAdd)
	require.Len(t, add, 1)
	msg := decode(t, add[0])
	assert.Equal(t, "/addressbooks/alice/contacts/c1.vcf", msg.Path)
	assert.Equal(t, "alice", msg.Owner)
	assert.Equal(t, card, msg.CardData)

	assert.Len(t, rec.Messages(broker.TopicContactUpdate), 1)
	del := rec.Messages(broker.TopicContactDelete)
	require.Len(t, del, 1)
	assert.Empty(t, decode(t, del[0]).CardData)
}

func TestNotifierSkipsOtherWrites(t *testing.T) {
	rec := &broker.Recorder{}
	n := NewNotifier(rec, zerolog.Nop())
	ctx := context.Background()

	scheduled := propagation.Event{Kind: propagation.KindPut, Origin: propagation.OriginScheduling, Collection: book(), Name: "c1.vcf"}
	require.NoError(t, n.Handle(ctx, scheduled))

	cal := propagation.Event{Kind: propagation.KindPut, Origin: propagation.OriginClient, Collection: store.Collection{ID: 1, Kind: store.KindCalendar}, Name: "e.ics"}
	require.NoError(t, n.Handle(ctx, cal))

	dropped := propagation.Event{Kind: propagation.KindCollectionDelete, Origin: propagation.OriginClient, Collection: book()}
	require.NoError(t, n.Handle(ctx, dropped))

	assert.Empty(t, rec.Messages(""))
}

func TestNotifierSwallowsBrokerErrors(t *testing.T) {
	rec := &broker.Recorder{Err: errors.New("broker down")}
	n := NewNotifier(rec, zerolog.Nop())
	err := n.Handle(context.Background(), propagation.Event{Kind: propagation.KindDelete, Origin: propagation.OriginClient, Collection: book(), Name: "c1.vcf"})
	assert.NoError(t, err)
}
