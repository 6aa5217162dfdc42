package dav

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/jw6ventures/calcore/internal/sharing"
)

type aclRequest struct {
	PublicRight *string `json:"public_right"`
}

// ACL replaces the public right of a collection and answers with the
// resulting access control list.
func (h *Handler) ACL(w http.ResponseWriter, r *http.Request) {
	p, authed := h.principal(w, r)
	if !authed {
		return
	}
	t, found := h.resolve(w, r)
	if !found {
		return
	}
	if t.uri == "" || t.name != "" {
		http.Error(w, "ACL is only supported on collections", http.StatusForbidden)
		return
	}
	c, _, err := h.loadCollection(r.Context(), p, t, sharing.PrivRead)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body, err := readDAVBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req aclRequest
	if err := json.Unmarshal(body, &req); err != nil || req.PublicRight == nil {
		h.fail(w, r, fmt.Errorf("%w: expected {\"public_right\": ...}", errBadRequest))
		return
	}
	right, err := sharing.ParsePublicRight(*req.PublicRight)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_, acl, err := h.sharing.SetPublicRight(r.Context(), p.ID, c, right)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Int64("collection", c.ID).Str("right", string(right)).Msg("public right set")
	writeJSON(w, http.StatusOK, acl)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
