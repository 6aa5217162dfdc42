package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jw6ventures/calcore/internal/caldata"
	"github.com/jw6ventures/calcore/internal/propagation"
	"github.com/jw6ventures/calcore/internal/revision"
	"github.com/jw6ventures/calcore/internal/store"
)

var (
	// ErrInvalidMessage is returned for malformed ITIP requests.
	ErrInvalidMessage = errors.New("invalid iTIP message")
	// ErrNotSender is returned when the caller may not send the message: the
	// sender address is not theirs, or they do not organize (or attend) the
	// event it refers to.
	ErrNotSender = errors.New("sender is not allowed to send this message")
	// ErrUnknownRecipient is returned when the recipient is not a local principal.
	ErrUnknownRecipient = errors.New("unknown recipient")
)

// Message is an explicit iTIP message posted by a client.
type Message struct {
	Method    string `json:"method"`
	UID       string `json:"uid"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	ICal      string `json:"ical"`
}

// Process delivers an explicit iTIP message sent by actor. A COUNTER is
// forwarded to the organizer with their current version attached and never
// changes the organizer's copy; a REPLY is applied like an attendee answer;
// REQUEST and CANCEL are delivered to the recipient.
func (e *Engine) Process(ctx context.Context, actor *store.Principal, msg Message) error {
	method := strings.ToUpper(strings.TrimSpace(msg.Method))
	sender := store.NormalizeEmail(msg.Sender)
	recipient := store.NormalizeEmail(msg.Recipient)
	if sender == "" || recipient == "" || msg.ICal == "" {
		return fmt.Errorf("%w: sender, recipient and ical are required", ErrInvalidMessage)
	}
	if !actor.HasEmail(sender) {
		return ErrNotSender
	}
	obj, err := caldata.ParseLoose(msg.ICal)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(obj.Components()) == 0 {
		return fmt.Errorf("%w: no calendar component", ErrInvalidMessage)
	}
	uid := obj.UID()
	if msg.UID != "" && uid != "" && msg.UID != uid {
		return fmt.Errorf("%w: uid %q does not match the payload", ErrInvalidMessage, msg.UID)
	}
	if (method == caldata.MethodRequest || method == caldata.MethodCancel) && obj.Organizer() != sender {
		return fmt.Errorf("%w: %s is not the organizer of %s", ErrNotSender, sender, uid)
	}

	target, err := e.principalByEmail(ctx, recipient)
	if err != nil {
		return err
	}
	if target == nil {
		return ErrUnknownRecipient
	}
	ev := propagation.Event{
		Kind:       propagation.KindPut,
		Origin:     propagation.OriginClient,
		Collection: store.Collection{OwnerID: actor.ID, URI: store.DefaultOutboxURI, Kind: store.KindOutbox},
		Name:       uid + ".ics",
	}
	// Inbox names derive from the message itself, so a client resend is idempotent.
	key := sender + "|" + revision.ETag(msg.ICal)

	switch method {
	case caldata.MethodCounter:
		return e.counter(ctx, ev, key, sender, target, recipient, obj)
	case caldata.MethodReply:
		a, ok := obj.Attendee(sender)
		if !ok {
			return fmt.Errorf("%w: reply does not carry the sender as attendee", ErrInvalidMessage)
		}
		if err := e.applyReply(ctx, target, uid, sender, a.PartStat, false); err != nil {
			return err
		}
		if err := e.deposit(ctx, key, target, caldata.MethodReply, obj); err != nil {
			return err
		}
		e.notify(ctx, e.notification(ev, sender, recipient, caldata.MethodReply, obj))
	case caldata.MethodRequest:
		if err := e.deliverRequest(ctx, key, recipient, obj); err != nil {
			return err
		}
		e.notify(ctx, e.notification(ev, sender, recipient, caldata.MethodRequest, obj))
	case caldata.MethodCancel:
		if err := e.deliverCancel(ctx, key, recipient, obj); err != nil {
			return err
		}
		e.notify(ctx, e.notification(ev, sender, recipient, caldata.MethodCancel, obj))
	default:
		return fmt.Errorf("%w: unsupported method %q", ErrInvalidMessage, msg.Method)
	}
	return nil
}

func (e *Engine) counter(ctx context.Context, ev propagation.Event, key, sender string, organizer *store.Principal, recipient string, proposal *caldata.Object) error {
	n := e.notification(ev, sender, recipient, caldata.MethodCounter, proposal)
	item, col, err := e.findCopy(ctx, organizer.ID, proposal.UID())
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("%w: %s organizes no event %s", ErrNotSender, recipient, proposal.UID())
	}
	current, err := caldata.ParseLoose(item.Data)
	if err != nil || !organizer.HasEmail(current.Organizer()) {
		return fmt.Errorf("%w: %s organizes no event %s", ErrNotSender, recipient, proposal.UID())
	}
	if _, ok := current.Attendee(sender); !ok {
		return fmt.Errorf("%w: %s is not invited to %s", ErrNotSender, sender, proposal.UID())
	}
	n.OldEvent = item.Data
	n.CalendarURI = col.URI
	n.EventPath = EventPath(col, item.Name)
	if err := e.deposit(ctx, key, organizer, caldata.MethodCounter, proposal); err != nil {
		return err
	}
	e.notify(ctx, n)
	return nil
}
