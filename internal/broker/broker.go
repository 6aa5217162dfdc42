// Package broker publishes fire-and-forget JSON notifications for contact
// changes and scheduling emails.
package broker

import (
	"context"
	"encoding/json"
	"sync"
)

// Topics.
const (
	TopicContactAdd        = "contacts:contact:add"
	TopicContactUpdate     = "contacts:contact:update"
	TopicContactDelete     = "contacts:contact:delete"
	TopicNotificationEmail = "calendar:event:notificationEmail:send"
)

// Publisher delivers a message to a topic. Delivery is best effort; callers
// log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg any) error
	Close() error
}

// ContactMessage is published for every client-originated address book change.
type ContactMessage struct {
	Path     string `json:"path"`
	Owner    string `json:"owner"`
	CardData string `json:"carddata,omitempty"`
}

// FieldChange is one entry of a notification's changes map.
type FieldChange struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// NotificationEmail asks the mail service to notify one recipient of a
// scheduling action.
type NotificationEmail struct {
	SenderEmail    string                 `json:"senderEmail"`
	RecipientEmail string                 `json:"recipientEmail"`
	Method         string                 `json:"method"`
	Event          string                 `json:"event"`
	Notify         bool                   `json:"notify"`
	CalendarURI    string                 `json:"calendarURI"`
	EventPath      string                 `json:"eventPath"`
	IsNewEvent     *bool                  `json:"isNewEvent,omitempty"`
	Changes        map[string]FieldChange `json:"changes,omitempty"`
	OldEvent       string                 `json:"oldEvent,omitempty"`
}

// Noop discards every message.
type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }
func (Noop) Close() error                               { return nil }

// Message is a published message as seen by Recorder.
type Message struct {
	Topic string
	Body  json.RawMessage
}

// Recorder keeps every published message in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

func (r *Recorder) Publish(_ context.Context, topic string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.messages = append(r.messages, Message{Topic: topic, Body: body})
	return nil
}

func (r *Recorder) Close() error { return nil }

// Messages returns a copy of the messages published to topic, or all of them
// when topic is empty.
func (r *Recorder) Messages(topic string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Notifications decodes the notification emails published so far.
func (r *Recorder) Notifications() []NotificationEmail {
	var out []NotificationEmail
	for _, m := range r.Messages(TopicNotificationEmail) {
		var n NotificationEmail
		if json.Unmarshal(m.Body, &n) == nil {
			out = append(out, n)
		}
	}
	return out
}
