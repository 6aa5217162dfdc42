package store

import (
	"strconv"
	"strings"
	"time"
)

// CollectionKind tags the resource family a collection belongs to.
type CollectionKind string

const (
	KindCalendar    CollectionKind = "calendar"
	KindAddressBook CollectionKind = "addressbook"
	KindInbox       CollectionKind = "inbox"
	KindOutbox      CollectionKind = "outbox"
)

// IsCalendarFamily reports whether the collection lives under /calendars.
func (k CollectionKind) IsCalendarFamily() bool {
	return k == KindCalendar || k == KindInbox || k == KindOutbox
}

// CollectionType distinguishes collections a principal owns from mirrored copies.
type CollectionType string

const (
	TypeOwned        CollectionType = "owned"
	TypeSubscription CollectionType = "subscription"
)

// PublicRight is the single mutable ACL entry granted to every authenticated principal.
type PublicRight string

const (
	PublicNone  PublicRight = ""
	PublicRead  PublicRight = "read"
	PublicWrite PublicRight = "write"
)

// GrantRight is a delegation right given to another principal.
type GrantRight string

const (
	GrantRead           GrantRight = "read"
	GrantReadWrite      GrantRight = "read-write"
	GrantAdministration GrantRight = "administration"
)

// ChangeKind records how an item changed.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Default collection URIs created in every principal home.
const (
	DefaultCalendarURI    = "events"
	DefaultInboxURI       = "inbox"
	DefaultOutboxURI      = "outbox"
	DefaultAddressBookURI = "contacts"
	CollectedContactsURI  = "collected"
)

// Principal is a user or resource identity owning a home tree.
type Principal struct {
	ID          string
	Emails      []string
	DisplayName string
	Admin       bool
	CreatedAt   time.Time
}

// PrimaryEmail returns the first registered email address.
func (p *Principal) PrimaryEmail() string {
	if p == nil || len(p.Emails) == 0 {
		return ""
	}
	return p.Emails[0]
}

// HasEmail reports whether addr belongs to the principal, ignoring case and a mailto: prefix.
func (p *Principal) HasEmail(addr string) bool {
	addr = NormalizeEmail(addr)
	for _, e := range p.Emails {
		if strings.EqualFold(e, addr) {
			return true
		}
	}
	return false
}

// NormalizeEmail strips a calendar-user-address scheme and lowercases the result.
func NormalizeEmail(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) >= 7 && strings.EqualFold(addr[:7], "mailto:") {
		addr = addr[7:]
	}
	return strings.ToLower(addr)
}

// Property is a single entry of a collection's dead property bag.
type Property struct {
	Namespace string `json:"ns"`
	Name      string `json:"name"`
	Value     string `json:"value"`
}

// Properties is an ordered property bag keyed by namespace and local name.
type Properties []Property

// Get returns the value of the named property.
func (p Properties) Get(namespace, name string) (string, bool) {
	for _, prop := range p {
		if prop.Namespace == namespace && prop.Name == name {
			return prop.Value, true
		}
	}
	return "", false
}

// Set replaces the property value in place or appends it.
func (p Properties) Set(namespace, name, value string) Properties {
	for i, prop := range p {
		if prop.Namespace == namespace && prop.Name == name {
			p[i].Value = value
			return p
		}
	}
	return append(p, Property{Namespace: namespace, Name: name, Value: value})
}

// Remove drops the property, keeping the order of the rest.
func (p Properties) Remove(namespace, name string) Properties {
	out := p[:0]
	for _, prop := range p {
		if prop.Namespace == namespace && prop.Name == name {
			continue
		}
		out = append(out, prop)
	}
	return out
}

// Clone returns an independent copy.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	copy(out, p)
	return out
}

// Collection is a calendar, address book or scheduling box in a principal home.
type Collection struct {
	ID          int64
	OwnerID     string
	URI         string
	Kind        CollectionKind
	Type        CollectionType
	DisplayName string
	Props       Properties
	PublicRight PublicRight
	SourceID    *int64
	ReadOnly    bool
	SyncToken   int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CTag is the legacy change counter; it moves with the sync token.
func (c *Collection) CTag() string {
	return strconv.FormatInt(c.SyncToken, 10)
}

// IsSubscription reports whether the collection mirrors another one.
func (c *Collection) IsSubscription() bool {
	return c.Type == TypeSubscription && c.SourceID != nil
}

// NamespaceDAV is the WebDAV XML namespace.
const NamespaceDAV = "DAV:"

// PropertyUpdate is a PROPPATCH style mutation of a collection. DAV:displayname
// is routed to the DisplayName field; everything else lands in the bag.
type PropertyUpdate struct {
	Set    []Property
	Remove []Property
}

// ApplyUpdate mutates c and returns the previous value of every touched
// property, in request order. Absent properties come back with an empty value.
func ApplyUpdate(c *Collection, update PropertyUpdate) Properties {
	var old Properties
	for _, prop := range update.Set {
		old = append(old, c.property(prop.Namespace, prop.Name))
		if prop.Namespace == NamespaceDAV && prop.Name == "displayname" {
			c.DisplayName = prop.Value
			continue
		}
		c.Props = c.Props.Set(prop.Namespace, prop.Name, prop.Value)
	}
	for _, prop := range update.Remove {
		old = append(old, c.property(prop.Namespace, prop.Name))
		if prop.Namespace == NamespaceDAV && prop.Name == "displayname" {
			c.DisplayName = ""
			continue
		}
		c.Props = c.Props.Remove(prop.Namespace, prop.Name)
	}
	return old
}

func (c *Collection) property(namespace, name string) Property {
	if namespace == NamespaceDAV && name == "displayname" {
		return Property{Namespace: namespace, Name: name, Value: c.DisplayName}
	}
	value, _ := c.Props.Get(namespace, name)
	return Property{Namespace: namespace, Name: name, Value: value}
}

// Item is a calendar object or a vCard stored in a collection.
type Item struct {
	ID           int64
	CollectionID int64
	Name         string
	UID          string
	Data         string
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Size returns the payload length in bytes.
func (i *Item) Size() int {
	return len(i.Data)
}

// Change is one entry of a collection's append-only change log.
type Change struct {
	CollectionID int64
	Version      int64
	Name         string
	Kind         ChangeKind
	ETag         string
	CreatedAt    time.Time
}

// Grant is a delegation of rights on a collection to another principal.
type Grant struct {
	CollectionID int64
	GranteeID    string
	Right        GrantRight
	CreatedAt    time.Time
}

// Precondition runs under the collection lock against the current item, nil when absent.
type Precondition func(current *Item) error

// PutResult describes an accepted item write.
type PutResult struct {
	Item      *Item
	Previous  *Item
	Created   bool
	SyncToken int64
}

// DeleteResult describes an accepted item removal.
type DeleteResult struct {
	Previous  *Item
	SyncToken int64
}
