// Package scheduling delivers iTIP messages between principals. It reacts to
// committed calendar writes: organizer changes become REQUEST or CANCEL
// messages for attendees, attendee changes become REPLY messages for the
// organizer. Every recipient, internal or not, also gets a notification email
// request on the broker.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jw6ventures/calcore/internal/broker"
	"github.com/jw6ventures/calcore/internal/caldata"
	"github.com/jw6ventures/calcore/internal/propagation"
	"github.com/jw6ventures/calcore/internal/store"
)

// Options configures an Engine.
type Options struct {
	Store     *store.Store
	Publisher broker.Publisher
	// Events receives the writes the engine performs so subscription mirrors
	// see them. May be nil.
	Events    propagation.Enqueuer
	Retention time.Duration
	Logger    zerolog.Logger
}

// Engine is the scheduling consumer of the propagation worker.
type Engine struct {
	store     *store.Store
	publisher broker.Publisher
	events    propagation.Enqueuer
	retention time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

func NewEngine(opts Options) *Engine {
	if opts.Publisher == nil {
		opts.Publisher = broker.Noop{}
	}
	if opts.Events == nil {
		opts.Events = propagation.Discard{}
	}
	return &Engine{
		store:     opts.Store,
		publisher: opts.Publisher,
		events:    opts.Events,
		retention: opts.Retention,
		log:       opts.Logger.With().Str("component", "scheduling").Logger(),
		now:       time.Now,
	}
}

func (e *Engine) Name() string { return "scheduling" }

// Handle reacts to a client write of a calendar object. Writes made by the
// engine itself and writes into subscriptions are ignored.
func (e *Engine) Handle(ctx context.Context, ev propagation.Event) error {
	if ev.Origin != propagation.OriginClient || ev.Collection.Kind != store.KindCalendar || ev.Collection.IsSubscription() {
		return nil
	}
	owner, err := e.store.Principals.GetByID(ctx, ev.Collection.OwnerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load calendar owner: %w", err)
	}

	var prev *caldata.Object
	if ev.Previous != nil {
		// An unparsable previous version is treated as absent.
		prev, _ = caldata.Parse(ev.Previous.Data)
	}

	switch ev.Kind {
	case propagation.KindPut:
		if ev.Item == nil {
			return nil
		}
		cur, err := caldata.Parse(ev.Item.Data)
		if err != nil {
			e.log.Warn().Err(err).Int64("collection", ev.Collection.ID).Str("name", ev.Name).Msg("skipping unparsable calendar object")
			return nil
		}
		// The calendar owner is the organizer whoever wrote the object, so a
		// delegate's edits schedule exactly like the owner's.
		if isOrganizer(owner, cur) {
			return e.organizerChanged(ctx, owner, ev, prev, cur)
		}
		if email, ok := attendeeAddress(owner, cur); ok {
			return e.attendeeChanged(ctx, email, ev, prev, cur)
		}
		if prev != nil && isOrganizer(owner, prev) {
			// The organizer dropped the ORGANIZER property: cancel everyone.
			return e.organizerDeleted(ctx, owner, ev, prev)
		}
	case propagation.KindDelete:
		if prev == nil {
			return nil
		}
		if isOrganizer(owner, prev) {
			return e.organizerDeleted(ctx, owner, ev, prev)
		}
		if email, ok := attendeeAddress(owner, prev); ok {
			return e.attendeeDeleted(ctx, email, ev, prev)
		}
	}
	return nil
}

func isOrganizer(p *store.Principal, obj *caldata.Object) bool {
	org := obj.Organizer()
	return org != "" && p.HasEmail(org) && len(obj.Attendees()) > 0
}

// attendeeAddress returns the address under which p attends obj.
func attendeeAddress(p *store.Principal, obj *caldata.Object) (string, bool) {
	if obj.Organizer() == "" {
		return "", false
	}
	for _, a := range obj.Attendees() {
		if p.HasEmail(a.Email) {
			return a.Email, true
		}
	}
	return "", false
}

// significant reports whether an update must be announced to attendees that
// were already invited.
func significant(prev, cur *caldata.Object) bool {
	if prev == nil {
		return true
	}
	return len(caldata.Diff(prev.Snapshot(), cur.Snapshot())) > 0 || cur.Sequence() != prev.Sequence()
}

func (e *Engine) organizerChanged(ctx context.Context, owner *store.Principal, ev propagation.Event, prev, cur *caldata.Object) error {
	organizer := cur.Organizer()
	announce := significant(prev, cur)

	invited := make(map[string]bool)
	if prev != nil && prev.Organizer() == organizer {
		for _, a := range prev.Attendees() {
			invited[a.Email] = true
		}
	}

	var changes map[string]broker.FieldChange
	if prev != nil {
		changes = fieldChanges(caldata.Diff(prev.Snapshot(), cur.Snapshot()))
	}

	var errs []error
	current := make(map[string]bool)
	for _, a := range cur.Attendees() {
		if a.Email == organizer {
			continue
		}
		current[a.Email] = true
		isNew := !invited[a.Email]
		if !isNew && !announce {
			// Nothing an attendee would notice; keep their copy in step quietly.
			if err := e.refreshCopy(ctx, a.Email, cur); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := e.deliverRequest(ctx, ev.Key(), a.Email, cur); err != nil {
			errs = append(errs, err)
		}
		n := e.notification(ev, organizer, a.Email, caldata.MethodRequest, cur)
		if isNew {
			n.IsNewEvent = boolPtr(true)
		} else {
			n.IsNewEvent = boolPtr(false)
			n.Changes = changes
		}
		e.notify(ctx, n)
	}

	if prev != nil {
		for _, a := range prev.Attendees() {
			if a.Email == organizer || current[a.Email] || !invited[a.Email] {
				continue
			}
			if err := e.deliverCancel(ctx, ev.Key(), a.Email, prev); err != nil {
				errs = append(errs, err)
			}
			e.notify(ctx, e.notification(ev, organizer, a.Email, caldata.MethodCancel, prev))
		}
	}
	e.log.Debug().Str("organizer", owner.ID).Str("uid", cur.UID()).Int("attendees", len(current)).Msg("organizer change scheduled")
	return errors.Join(errs...)
}

func (e *Engine) organizerDeleted(ctx context.Context, owner *store.Principal, ev propagation.Event, prev *caldata.Object) error {
	organizer := prev.Organizer()
	var errs []error
	for _, a := range prev.Attendees() {
		if a.Email == organizer {
			continue
		}
		if err := e.deliverCancel(ctx, ev.Key(), a.Email, prev); err != nil {
			errs = append(errs, err)
		}
		e.notify(ctx, e.notification(ev, organizer, a.Email, caldata.MethodCancel, prev))
	}
	e.log.Debug().Str("organizer", owner.ID).Str("uid", prev.UID()).Msg("event cancelled")
	return errors.Join(errs...)
}

func (e *Engine) attendeeChanged(ctx context.Context, email string, ev propagation.Event, prev, cur *caldata.Object) error {
	me, _ := cur.Attendee(email)
	before := caldata.PartStatNeedsAction
	if prev != nil {
		if a, ok := prev.Attendee(email); ok {
			before = a.PartStat
		}
	}
	if me.PartStat == before {
		return nil
	}
	return e.reply(ctx, ev, email, cur, me.PartStat, false)
}

// attendeeDeleted treats removal of an attendee's copy as a decline.
func (e *Engine) attendeeDeleted(ctx context.Context, email string, ev propagation.Event, prev *caldata.Object) error {
	if cancelled(prev) {
		return nil
	}
	declined, err := prev.Clone()
	if err != nil {
		return err
	}
	declined.SetPartStat(email, caldata.PartStatDeclined, "")
	return e.reply(ctx, ev, email, declined, caldata.PartStatDeclined, true)
}

// reply applies the attendee's answer to the organizer's copy, deposits the
// REPLY in the organizer's inbox and asks for a notification email.
func (e *Engine) reply(ctx context.Context, ev propagation.Event, attendee string, obj *caldata.Object, partStat string, bumpSequence bool) error {
	organizer := obj.Organizer()
	replyObj, err := obj.ReplyFor(attendee)
	if err != nil {
		return err
	}

	var errs []error
	p, err := e.principalByEmail(ctx, organizer)
	if err != nil {
		return err
	}
	if p != nil {
		if err := e.applyReply(ctx, p, obj.UID(), attendee, partStat, bumpSequence); err != nil {
			errs = append(errs, err)
		}
		if err := e.deposit(ctx, ev.Key(), p, caldata.MethodReply, replyObj); err != nil {
			errs = append(errs, err)
		}
	}
	e.notify(ctx, e.notification(ev, attendee, organizer, caldata.MethodReply, replyObj))
	return errors.Join(errs...)
}

// applyReply records the attendee's PARTSTAT on the organizer's stored copy.
func (e *Engine) applyReply(ctx context.Context, organizer *store.Principal, uid, attendee, partStat string, bumpSequence bool) error {
	item, col, err := e.findCopy(ctx, organizer.ID, uid)
	if err != nil || item == nil {
		return err
	}
	obj, err := caldata.Parse(item.Data)
	if err != nil || !organizer.HasEmail(obj.Organizer()) {
		return nil
	}
	if !obj.SetPartStat(attendee, partStat, caldata.ScheduleStatusDelivered) {
		return nil
	}
	if bumpSequence {
		obj.BumpSequence()
	}
	return e.writeObject(ctx, col, item.Name, obj)
}

func cancelled(obj *caldata.Object) bool {
	m := obj.Master()
	return m != nil && strings.EqualFold(caldata.Text(m, "STATUS"), "CANCELLED")
}

func boolPtr(b bool) *bool { return &b }

func fieldChanges(diff map[string]caldata.Change) map[string]broker.FieldChange {
	if len(diff) == 0 {
		return nil
	}
	out := make(map[string]broker.FieldChange, len(diff))
	for k, c := range diff {
		out[k] = broker.FieldChange{Previous: c.Previous, Current: c.Current}
	}
	return out
}
