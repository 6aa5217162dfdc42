package dav

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIsValidCondition(t *testing.T) {
	tests := []struct {
		condition string
		valid     bool
	}{
		{"max-resource-size", true},
		{"valid-calendar-data", true},
		{"valid-sync-token", true},
		{"a", true},
		{"abc123", true},

		{"", false},
		{"Max-Resource-Size", false},
		{"123-start", false},
		{"-start", false},
		{"test_condition", false},
		{"test condition", false},
		{"test<script>", false},
		{"test&amp;", false},
		{"../../../etc/passwd", false},
	}

	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			if got := isValidCondition(tt.condition); got != tt.valid {
				t.Errorf("isValidCondition(%q) = %v, want %v", tt.condition, got, tt.valid)
			}
		})
	}
}

func TestWriteDAVErrorNamespaces(t *testing.T) {
	w := httptest.NewRecorder()
	writeDAVError(w, 403, condMaxResourceSize, condValidSyncToken, condValidAddressData)

	if w.Code != 403 {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		"<?xml version",
		"<cal:max-resource-size/>",
		"<d:valid-sync-token/>",
		"<card:valid-address-data/>",
		`xmlns:cal="urn:ietf:params:xml:ns:caldav"`,
		`xmlns:card="urn:ietf:params:xml:ns:carddav"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in body, got: %s", want, body)
		}
	}
}

func TestWriteDAVErrorSkipsInvalidConditions(t *testing.T) {
	w := httptest.NewRecorder()
	writeDAVError(w, 400, condValidCalendarData, xmlName{nsCalDAV, "<injection>"})

	body := w.Body.String()
	if strings.Contains(body, "<injection>") {
		t.Error("invalid condition was not filtered")
	}
	if !strings.Contains(body, "<cal:valid-calendar-data/>") {
		t.Errorf("expected valid condition, got: %s", body)
	}
}

func TestWriteDAVErrorEmptyConditions(t *testing.T) {
	w := httptest.NewRecorder()
	writeDAVError(w, 400)

	if w.Code != 400 {
		t.Errorf("expected status 400, got: %d", w.Code)
	}
	if body := w.Body.String(); body != "" {
		t.Errorf("expected empty body for no conditions, got: %s", body)
	}
}
