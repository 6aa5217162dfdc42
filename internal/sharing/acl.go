// Package sharing owns collection access control: the protected ACL, the
// public right, delegation grants and mirrored subscriptions.
package sharing

import (
	"sort"

	"github.com/jw6ventures/calcore/internal/store"
)

// Privilege is a WebDAV privilege in Clark notation.
type Privilege string

const (
	PrivRead            Privilege = "{DAV:}read"
	PrivWrite           Privilege = "{DAV:}write"
	PrivWriteProperties Privilege = "{DAV:}write-properties"
	PrivShare           Privilege = "{DAV:}share"
	PrivReadFreeBusy    Privilege = "{urn:ietf:params:xml:ns:caldav}read-free-busy"
)

// Authenticated is the pseudo principal covering every signed-in user.
const Authenticated = "{DAV:}authenticated"

// ACE is one access control entry.
type ACE struct {
	Privilege Privilege `json:"privilege"`
	Principal string    `json:"principal"`
	Protected bool      `json:"protected"`
}

// PrincipalHref returns the principal resource path of a user id.
func PrincipalHref(id string) string {
	return "principals/users/" + id
}

// PrivilegeSet is the effective privileges of one principal on a collection.
type PrivilegeSet map[Privilege]bool

func (s PrivilegeSet) Has(p Privilege) bool { return s[p] }

// List returns the privileges in a stable order.
func (s PrivilegeSet) List() []Privilege {
	out := make([]Privilege, 0, len(s))
	for p, ok := range s {
		if ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func set(privs ...Privilege) PrivilegeSet {
	s := make(PrivilegeSet, len(privs))
	for _, p := range privs {
		s[p] = true
	}
	return s
}

func ownerPrivileges() PrivilegeSet {
	return set(PrivShare, PrivWrite, PrivWriteProperties, PrivRead, PrivReadFreeBusy)
}

func grantPrivileges(right store.GrantRight) []Privilege {
	switch right {
	case store.GrantRead:
		return []Privilege{PrivRead}
	case store.GrantReadWrite:
		return []Privilege{PrivRead, PrivWrite}
	case store.GrantAdministration:
		return []Privilege{PrivShare, PrivWrite, PrivWriteProperties, PrivRead}
	}
	return nil
}

func publicPrivileges(right store.PublicRight) []Privilege {
	switch right {
	case store.PublicRead:
		return []Privilege{PrivRead}
	case store.PublicWrite:
		return []Privilege{PrivRead, PrivWrite}
	}
	return nil
}

// BuildACL lists the collection's entries: the protected owner, proxy and
// free-busy entries first, then the mutable public right, then delegations.
func BuildACL(c *store.Collection, grants []store.Grant) []ACE {
	owner := PrincipalHref(c.OwnerID)
	var acl []ACE
	for _, p := range []Privilege{PrivShare, PrivWrite, PrivWriteProperties, PrivRead} {
		acl = append(acl, ACE{Privilege: p, Principal: owner, Protected: true})
	}
	acl = append(acl,
		ACE{Privilege: PrivRead, Principal: owner + "/calendar-proxy-read", Protected: true},
		ACE{Privilege: PrivRead, Principal: owner + "/calendar-proxy-write", Protected: true},
		ACE{Privilege: PrivWrite, Principal: owner + "/calendar-proxy-write", Protected: true},
		ACE{Privilege: PrivWriteProperties, Principal: owner + "/calendar-proxy-write", Protected: true},
		ACE{Privilege: PrivReadFreeBusy, Principal: Authenticated, Protected: true},
	)
	for _, p := range publicPrivileges(c.PublicRight) {
		acl = append(acl, ACE{Privilege: p, Principal: Authenticated})
	}
	sorted := append([]store.Grant(nil), grants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GranteeID < sorted[j].GranteeID })
	for _, g := range sorted {
		for _, p := range grantPrivileges(g.Right) {
			acl = append(acl, ACE{Privilege: p, Principal: PrincipalHref(g.GranteeID)})
		}
	}
	return acl
}

// Effective computes the privileges of principalID given the collection and
// the grant it holds, if any.
func Effective(principalID string, c *store.Collection, grant *store.Grant) PrivilegeSet {
	if principalID == c.OwnerID {
		return ownerPrivileges()
	}
	s := set(PrivReadFreeBusy)
	for _, p := range publicPrivileges(c.PublicRight) {
		s[p] = true
	}
	if grant != nil {
		for _, p := range grantPrivileges(grant.Right) {
			s[p] = true
		}
	}
	return s
}
