package dav

import (
	"net/url"
	"path"
	"strings"

	"github.com/jw6ventures/calcore/internal/store"
)

// ResourceKind tags what a request path addresses.
type ResourceKind int

const (
	KindRoot ResourceKind = iota
	KindPrincipal
	KindCalendarHome
	KindAddressBookHome
	KindCalendar
	KindAddressBook
	KindInbox
	KindOutbox
	KindCalendarObject
	KindAddressObject
)

// capability lists what a resource kind supports.
type capability struct {
	collection   bool
	resourceType []xmlName
	reports      []xmlName
	allow        string
}

var (
	reportSyncCollection      = xmlName{nsDAV, "sync-collection"}
	reportCalendarQuery       = xmlName{nsCalDAV, "calendar-query"}
	reportCalendarMultiget    = xmlName{nsCalDAV, "calendar-multiget"}
	reportFreeBusyQuery       = xmlName{nsCalDAV, "free-busy-query"}
	reportAddressbookQuery    = xmlName{nsCardDAV, "addressbook-query"}
	reportAddressbookMultiget = xmlName{nsCardDAV, "addressbook-multiget"}
)

const (
	allowCollection = "OPTIONS, GET, HEAD, DELETE, PROPFIND, PROPPATCH, REPORT, ACL"
	allowObject     = "OPTIONS, GET, HEAD, PUT, DELETE, PROPFIND"
)

var capabilities = map[ResourceKind]capability{
	KindRoot: {
		collection:   true,
		resourceType: []xmlName{{nsDAV, "collection"}},
		allow:        "OPTIONS, PROPFIND",
	},
	KindPrincipal: {
		collection:   true,
		resourceType: []xmlName{{nsDAV, "collection"}, {nsDAV, "principal"}},
		allow:        "OPTIONS, PROPFIND",
	},
	KindCalendarHome: {
		collection:   true,
		resourceType: []xmlName{{nsDAV, "collection"}},
		allow:        "OPTIONS, GET, POST, PROPFIND, MKCOL, MKCALENDAR",
	},
	KindAddressBookHome: {
		collection:   true,
		resourceType: []xmlName{{nsDAV, "collection"}},
		allow:        "OPTIONS, GET, POST, PROPFIND, MKCOL",
	},
	KindCalendar: {
		collection:   true,
		resourceType: []xmlName{{nsDAV, "collection"}, {nsCalDAV, "calendar"}},
		reports:      []xmlName{reportSyncCollection, reportCalendarQuery, reportCalendarMultiget, reportFreeBusyQuery},
		allow:        allowCollection + ", POST, ITIP",
	},
	KindAddressBook: {
		collection:   true,
		resourceType: []xmlName{{nsDAV, "collection"}, {nsCardDAV, "addressbook"}},
		reports:      []xmlName{reportSyncCollection, reportAddressbookQuery, reportAddressbookMultiget},
		allow:        allowCollection + ", POST",
	},
	KindInbox: {
		collection:   true,
		resourceType: []xmlName{{nsDAV, "collection"}, {nsCalDAV, "schedule-inbox"}},
		reports:      []xmlName{reportSyncCollection, reportCalendarQuery, reportCalendarMultiget},
		allow:        "OPTIONS, GET, HEAD, PROPFIND, PROPPATCH, REPORT",
	},
	KindOutbox: {
		collection:   true,
		resourceType: []xmlName{{nsDAV, "collection"}, {nsCalDAV, "schedule-outbox"}},
		allow:        "OPTIONS, PROPFIND, POST",
	},
	KindCalendarObject: {allow: allowObject},
	KindAddressObject:  {allow: allowObject},
}

func (k ResourceKind) caps() capability {
	return capabilities[k]
}

func (k ResourceKind) supportsReport(name xmlName) bool {
	for _, r := range k.caps().reports {
		if r == name {
			return true
		}
	}
	return false
}

// collectionKind maps a stored collection to its resource kind.
func collectionKind(c *store.Collection) ResourceKind {
	switch c.Kind {
	case store.KindAddressBook:
		return KindAddressBook
	case store.KindInbox:
		return KindInbox
	case store.KindOutbox:
		return KindOutbox
	}
	return KindCalendar
}

func itemKind(c *store.Collection) ResourceKind {
	if c.Kind == store.KindAddressBook {
		return KindAddressObject
	}
	return KindCalendarObject
}

// target is a parsed request path.
type target struct {
	kind  ResourceKind
	home  store.Home
	owner string
	uri   string
	name  string
	json  bool
	// nested is set for paths below the item level.
	nested bool
}

// item-level JSON paths address the stored resource with this extension.
func (t target) storedName() string {
	if !t.json || t.name == "" {
		return t.name
	}
	if t.home == store.HomeAddressBooks {
		return t.name + ".vcf"
	}
	return t.name + ".ics"
}

// parsePath resolves a request path into a target. ok is false for paths
// this handler does not serve.
func parsePath(raw string) (target, bool) {
	clean := normalizeDAVHref(raw)
	parts := strings.Split(strings.Trim(clean, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return target{kind: KindRoot}, true
	}
	switch parts[0] {
	case "principals":
		if len(parts) == 3 && parts[1] == "users" && parts[2] != "" {
			return target{kind: KindPrincipal, owner: parts[2]}, true
		}
		return target{}, false
	case string(store.HomeCalendars), string(store.HomeAddressBooks):
	default:
		return target{}, false
	}

	t := target{home: store.Home(parts[0])}
	if len(parts) < 2 {
		return target{}, false
	}
	segs := parts[1:]
	last := len(segs) - 1
	if strings.HasSuffix(segs[last], ".json") && len(segs) <= 3 {
		segs[last] = strings.TrimSuffix(segs[last], ".json")
		t.json = true
	}
	t.owner = segs[0]
	if t.owner == "" {
		return target{}, false
	}
	switch len(segs) {
	case 1:
		t.kind = KindCalendarHome
		if t.home == store.HomeAddressBooks {
			t.kind = KindAddressBookHome
		}
	case 2:
		t.uri = segs[1]
		switch {
		case t.home == store.HomeAddressBooks:
			t.kind = KindAddressBook
		case t.uri == store.DefaultInboxURI:
			t.kind = KindInbox
		case t.uri == store.DefaultOutboxURI:
			t.kind = KindOutbox
		default:
			t.kind = KindCalendar
		}
	default:
		t.uri = segs[1]
		t.name = segs[2]
		t.kind = KindCalendarObject
		if t.home == store.HomeAddressBooks {
			t.kind = KindAddressObject
		}
		t.nested = len(segs) > 3
	}
	if t.uri == "" && len(segs) > 1 || t.name == "" && len(segs) > 2 {
		return target{}, false
	}
	return t, true
}

func normalizeDAVHref(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "/"
	}
	if u, err := url.Parse(trimmed); err == nil && u.Path != "" {
		trimmed = u.Path
	}
	cleaned := path.Clean("/" + strings.TrimPrefix(trimmed, "/"))
	return cleaned
}

// Hrefs of the resources served here.

func homeHref(home store.Home, owner string) string {
	return "/" + string(home) + "/" + owner + "/"
}

func collectionHref(c *store.Collection) string {
	return homeHref(c.Kind.Home(), c.OwnerID) + c.URI + "/"
}

func itemHref(c *store.Collection, name string) string {
	return collectionHref(c) + name
}

func principalHref(id string) string {
	return "/principals/users/" + id + "/"
}

// memberName returns the item name an href points to inside collection c,
// or "" when the href lies elsewhere.
func memberName(c *store.Collection, href string) string {
	p := normalizeDAVHref(href)
	base := strings.TrimSuffix(collectionHref(c), "/")
	if !strings.HasPrefix(p, base+"/") {
		return ""
	}
	name := strings.TrimPrefix(p, base+"/")
	if name == "" || strings.Contains(name, "/") {
		return ""
	}
	return name
}
