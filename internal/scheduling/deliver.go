package scheduling

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/jw6ventures/calcore/internal/broker"
	"github.com/jw6ventures/calcore/internal/caldata"
	"github.com/jw6ventures/calcore/internal/metrics"
	"github.com/jw6ventures/calcore/internal/propagation"
	"github.com/jw6ventures/calcore/internal/revision"
	"github.com/jw6ventures/calcore/internal/store"
)

// errDelivered stops a write whose inbox message already exists.
var errDelivered = errors.New("already delivered")

// principalByEmail resolves an internal principal; external addresses yield nil.
func (e *Engine) principalByEmail(ctx context.Context, email string) (*store.Principal, error) {
	p, err := e.store.Principals.GetByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", email, err)
	}
	return p, nil
}

// deliverRequest stores the organizer's version in the attendee's calendar and
// drops a REQUEST into their inbox.
func (e *Engine) deliverRequest(ctx context.Context, key, email string, obj *caldata.Object) error {
	p, err := e.principalByEmail(ctx, email)
	if err != nil || p == nil {
		return err
	}
	stored, err := obj.WithoutMethod()
	if err != nil {
		return err
	}
	if err := e.upsertCopy(ctx, p, stored); err != nil {
		return err
	}
	return e.deposit(ctx, key, p, caldata.MethodRequest, obj)
}

// deliverCancel marks the attendee's copy cancelled and drops a CANCEL into
// their inbox.
func (e *Engine) deliverCancel(ctx context.Context, key, email string, obj *caldata.Object) error {
	p, err := e.principalByEmail(ctx, email)
	if err != nil || p == nil {
		return err
	}
	cancel, err := obj.WithMethod(caldata.MethodCancel)
	if err != nil {
		return err
	}
	cancel.SetStatus("CANCELLED")
	cancel.BumpSequence()

	item, col, err := e.attendeeCopy(ctx, p, obj)
	if err != nil {
		return err
	}
	if item != nil {
		if copyObj, err := caldata.Parse(item.Data); err == nil && !cancelled(copyObj) {
			copyObj.SetStatus("CANCELLED")
			copyObj.BumpSequence()
			if err := e.writeObject(ctx, col, item.Name, copyObj); err != nil {
				return err
			}
		}
	}
	return e.deposit(ctx, key, p, caldata.MethodCancel, cancel)
}

// refreshCopy rewrites an existing attendee copy with the organizer's data
// while keeping the attendee's own answer.
func (e *Engine) refreshCopy(ctx context.Context, email string, obj *caldata.Object) error {
	p, err := e.principalByEmail(ctx, email)
	if err != nil || p == nil {
		return err
	}
	item, col, err := e.attendeeCopy(ctx, p, obj)
	if err != nil || item == nil {
		return err
	}
	stored, err := obj.WithoutMethod()
	if err != nil {
		return err
	}
	if old, err := caldata.Parse(item.Data); err == nil {
		if a, ok := old.Attendee(email); ok {
			stored.SetPartStat(email, a.PartStat, "")
		}
	}
	return e.writeObject(ctx, col, item.Name, stored)
}

// upsertCopy writes obj over the principal's copy of the same UID, or into
// their default calendar when they have none yet.
func (e *Engine) upsertCopy(ctx context.Context, p *store.Principal, obj *caldata.Object) error {
	item, col, err := e.attendeeCopy(ctx, p, obj)
	if err != nil {
		return err
	}
	if item != nil {
		return e.writeObject(ctx, col, item.Name, obj)
	}
	col, err = e.homeCollection(ctx, p.ID, store.DefaultCalendarURI)
	if err != nil {
		return err
	}
	return e.writeObject(ctx, col, uuid.NewString()+".ics", obj)
}

// attendeeCopy returns p's stored copy of obj's UID, refusing to hand it out
// when obj's organizer does not control it: the copy names another organizer,
// has none, or is organized by p.
func (e *Engine) attendeeCopy(ctx context.Context, p *store.Principal, obj *caldata.Object) (*store.Item, *store.Collection, error) {
	item, col, err := e.findCopy(ctx, p.ID, obj.UID())
	if err != nil || item == nil {
		return nil, nil, err
	}
	stored, err := caldata.ParseLoose(item.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: copy of %s held by %s is unreadable", ErrNotSender, obj.UID(), p.ID)
	}
	if org := stored.Organizer(); org == "" || org != obj.Organizer() || p.HasEmail(org) {
		return nil, nil, fmt.Errorf("%w: %s does not organize %s for %s", ErrNotSender, obj.Organizer(), obj.UID(), p.ID)
	}
	return item, col, nil
}

// findCopy looks for an item with uid across the principal's own calendars.
func (e *Engine) findCopy(ctx context.Context, principalID, uid string) (*store.Item, *store.Collection, error) {
	cols, err := e.store.Collections.ListByOwner(ctx, principalID, store.HomeCalendars)
	if err != nil {
		return nil, nil, fmt.Errorf("list calendars of %s: %w", principalID, err)
	}
	for i := range cols {
		c := &cols[i]
		if c.Kind != store.KindCalendar || c.Type != store.TypeOwned {
			continue
		}
		items, err := e.store.Items.ListByUID(ctx, c.ID, uid)
		if err != nil {
			return nil, nil, fmt.Errorf("find %s in %d: %w", uid, c.ID, err)
		}
		if len(items) > 0 {
			return &items[0], c, nil
		}
	}
	return nil, nil, nil
}

// homeCollection returns a default collection, provisioning the home if the
// principal never signed in.
func (e *Engine) homeCollection(ctx context.Context, principalID, uri string) (*store.Collection, error) {
	c, err := e.store.Collections.Get(ctx, principalID, store.HomeCalendars, uri)
	if errors.Is(err, store.ErrNotFound) {
		if err := e.store.EnsureHome(ctx, principalID); err != nil {
			return nil, fmt.Errorf("provision home of %s: %w", principalID, err)
		}
		c, err = e.store.Collections.Get(ctx, principalID, store.HomeCalendars, uri)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s of %s: %w", uri, principalID, err)
	}
	return c, nil
}

// writeObject stores obj unless the stored payload is already identical.
func (e *Engine) writeObject(ctx context.Context, col *store.Collection, name string, obj *caldata.Object) error {
	data, err := obj.Encode()
	if err != nil {
		return err
	}
	etag := revision.ETag(data)
	unchanged := func(current *store.Item) error {
		if current != nil && current.ETag == etag {
			return errDelivered
		}
		return nil
	}
	return e.put(ctx, col, store.Item{CollectionID: col.ID, Name: name, UID: obj.UID(), Data: data, ETag: etag, ContentType: caldata.ContentType}, unchanged)
}

// deposit puts an iTIP message into the principal's inbox. The message name
// derives from key, so a retried delivery lands on the same resource instead
// of duplicating it.
func (e *Engine) deposit(ctx context.Context, key string, p *store.Principal, method string, obj *caldata.Object) error {
	inbox, err := e.homeCollection(ctx, p.ID, store.DefaultInboxURI)
	if err != nil {
		return err
	}
	msg := obj
	if msg.Method() != method {
		if msg, err = obj.WithMethod(method); err != nil {
			return err
		}
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	seed := strings.Join([]string{key, p.ID, method, obj.UID()}, "|")
	name := uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String() + ".ics"
	absent := func(current *store.Item) error {
		if current != nil {
			return errDelivered
		}
		return nil
	}
	err = e.put(ctx, inbox, store.Item{
		CollectionID: inbox.ID,
		Name:         name,
		UID:          msg.UID(),
		Data:         data,
		ETag:         revision.ETag(data),
		ContentType:  caldata.ContentType,
	}, absent)
	if err != nil {
		return err
	}
	metrics.SchedulingDelivered(method)
	e.log.Info().Str("recipient", p.ID).Str("method", method).Str("uid", obj.UID()).Msg("scheduling message delivered")
	return nil
}

// put writes the item and hands the write to the propagation worker so
// subscription mirrors follow it.
func (e *Engine) put(ctx context.Context, col *store.Collection, item store.Item, check store.Precondition) error {
	res, err := e.store.Items.Put(ctx, item, check)
	if errors.Is(err, errDelivered) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("write %s into %d: %w", item.Name, col.ID, err)
	}
	target := *col
	target.SyncToken = res.SyncToken
	err = e.events.Enqueue(ctx, propagation.Event{
		Kind:       propagation.KindPut,
		Origin:     propagation.OriginScheduling,
		Collection: target,
		SyncToken:  res.SyncToken,
		Name:       item.Name,
		Item:       res.Item,
		Previous:   res.Previous,
		Actor:      col.OwnerID,
	})
	if err != nil {
		e.log.Warn().Err(err).Int64("collection", col.ID).Str("name", item.Name).Msg("scheduling write not propagated")
	}
	return nil
}

// EventPath is the href of an item under its owner's calendar home.
func EventPath(c *store.Collection, name string) string {
	return "/" + path.Join("calendars", c.OwnerID, c.URI, name)
}

func (e *Engine) notification(ev propagation.Event, sender, recipient, method string, obj *caldata.Object) broker.NotificationEmail {
	msg := obj
	if msg.Method() != method {
		if m, err := obj.WithMethod(method); err == nil {
			msg = m
		}
	}
	data, _ := msg.Encode()
	return broker.NotificationEmail{
		SenderEmail:    sender,
		RecipientEmail: recipient,
		Method:         method,
		Event:          data,
		Notify:         true,
		CalendarURI:    ev.Collection.URI,
		EventPath:      EventPath(&ev.Collection, ev.Name),
	}
}

// notify publishes a notification email request. Failures are logged only:
// the triggering write has been committed already.
func (e *Engine) notify(ctx context.Context, n broker.NotificationEmail) {
	if err := e.publisher.Publish(ctx, broker.TopicNotificationEmail, n); err != nil {
		e.log.Error().Err(err).Str("recipient", n.RecipientEmail).Str("method", n.Method).Msg("publish notification email")
	}
}
