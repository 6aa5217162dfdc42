package dav

import (
	"net/http"

	"github.com/beevik/etree"
)

// Precondition and postcondition elements reported in DAV:error bodies.
var (
	condValidSyncToken        = xmlName{nsDAV, "valid-sync-token"}
	condSupportedReport       = xmlName{nsDAV, "supported-report"}
	condCannotModifyProtected = xmlName{nsDAV, "cannot-modify-protected-property"}
	condNeedPrivileges        = xmlName{nsDAV, "need-privileges"}
	condResourceMustBeNull    = xmlName{nsDAV, "resource-must-be-null"}
	condValidResourceType     = xmlName{nsDAV, "valid-resourcetype"}
	condValidCalendarData     = xmlName{nsCalDAV, "valid-calendar-data"}
	condSupportedCalendarComp = xmlName{nsCalDAV, "supported-calendar-component"}
	condValidFilter           = xmlName{nsCalDAV, "valid-filter"}
	condMinDateTime           = xmlName{nsCalDAV, "min-date-time"}
	condMaxDateTime           = xmlName{nsCalDAV, "max-date-time"}
	condMaxResourceSize       = xmlName{nsCalDAV, "max-resource-size"}
	condValidAddressData      = xmlName{nsCardDAV, "valid-address-data"}
	condSupportedFilter       = xmlName{nsCardDAV, "supported-filter"}
	condCardMaxResourceSize   = xmlName{nsCardDAV, "max-resource-size"}
	condNoUIDConflict         = xmlName{nsCalDAV, "no-uid-conflict"}
)

// isValidCondition validates that a condition name is safe for XML output.
// Condition names must match: ^[a-z][a-z0-9-]*$
func isValidCondition(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i, ch := range s {
		if i == 0 {
			if ch < 'a' || ch > 'z' {
				return false
			}
			continue
		}
		if !((ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') || ch == '-') {
			return false
		}
	}
	return true
}

// writeDAVError answers with a DAV:error body listing the failed conditions.
// Conditions with unsafe names are skipped; with none left the body is empty.
func writeDAVError(w http.ResponseWriter, status int, conditions ...xmlName) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	root := doc.CreateElement("d:error")
	root.CreateAttr("xmlns:d", nsDAV)
	declared := map[string]bool{nsDAV: true}
	written := 0
	for _, cond := range conditions {
		if !isValidCondition(cond.Local) {
			continue
		}
		if prefix := prefixFor(cond.Space); prefix != "" && !declared[cond.Space] {
			root.CreateAttr("xmlns:"+prefix, cond.Space)
			declared[cond.Space] = true
		}
		root.AddChild(newElement(cond))
		written++
	}
	if written == 0 {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = doc.WriteTo(w)
}
