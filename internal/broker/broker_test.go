package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderFiltersByTopic(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, TopicContactAdd, ContactMessage{Path: "/addressbooks/u1/contacts/a.vcf", Owner: "u1"}))
	isNew := true
	require.NoError(t, r.Publish(ctx, TopicNotificationEmail, NotificationEmail{
		SenderEmail:    "alice@example.com",
		RecipientEmail: "bob@example.com",
		Method:         "REQUEST",
		Notify:         true,
		IsNewEvent:     &isNew,
	}))

	assert.Len(t, r.Messages(""), 2)
	contacts := r.Messages(TopicContactAdd)
	require.Len(t, contacts, 1)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(contacts[0].Body, &msg))
	assert.Equal(t, "u1", msg["owner"])
	assert.NotContains(t, msg, "carddata")

	notes := r.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "REQUEST", notes[0].Method)
	require.NotNil(t, notes[0].IsNewEvent)
	assert.True(t, *notes[0].IsNewEvent)
}

func TestNotificationWireNames(t *testing.T) {
	body, err := json.Marshal(NotificationEmail{
		Method:  "REQUEST",
		Changes: map[string]FieldChange{"summary": {Previous: "a", Current: "b"}},
	})
	require.NoError(t, err)
	s := string(body)
	for _, key := range []string{`"senderEmail"`, `"recipientEmail"`, `"calendarURI"`, `"eventPath"`, `"changes":{"summary":{"previous":"a","current":"b"}}`} {
		assert.Contains(t, s, key)
	}
	assert.NotContains(t, s, "isNewEvent")
	assert.NotContains(t, s, "oldEvent")
}

func TestRecorderError(t *testing.T) {
	boom := errors.New("down")
	r := &Recorder{Err: boom}
	assert.ErrorIs(t, r.Publish(context.Background(), TopicContactDelete, ContactMessage{}), boom)
	assert.Empty(t, r.Messages(""))
	assert.NoError(t, Noop{}.Publish(context.Background(), TopicContactDelete, nil))
}
