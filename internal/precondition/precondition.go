// Package precondition evaluates If-Match and If-None-Match against the
// stored entity tag of the target resource.
package precondition

import (
	"errors"
	"net/http"
	"strings"

	"github.com/samber/mo"

	"github.com/jw6ventures/calcore/internal/revision"
	"github.com/jw6ventures/calcore/internal/store"
)

// ErrFailed maps to 412 Precondition Failed.
var ErrFailed = errors.New("precondition failed")

// Headers are the conditional request headers of one request.
type Headers struct {
	IfMatch     string
	IfNoneMatch string
}

// FromRequest reads the conditional headers.
func FromRequest(r *http.Request) Headers {
	return Headers{
		IfMatch:     strings.TrimSpace(r.Header.Get("If-Match")),
		IfNoneMatch: strings.TrimSpace(r.Header.Get("If-None-Match")),
	}
}

// Empty reports whether the request carries no conditions.
func (h Headers) Empty() bool {
	return h.IfMatch == "" && h.IfNoneMatch == ""
}

// Check decides whether a write may proceed. current is the stored entity tag,
// absent when the resource does not exist. Any If-Match against an absent
// resource fails, whatever its value.
func Check(h Headers, current mo.Option[string]) error {
	etag, exists := current.Get()

	if h.IfMatch != "" {
		if !exists {
			return ErrFailed
		}
		if !matches(h.IfMatch, etag) {
			return ErrFailed
		}
	}
	if h.IfNoneMatch != "" && exists {
		if matches(h.IfNoneMatch, etag) {
			return ErrFailed
		}
	}
	return nil
}

// Guard adapts Check to a store precondition so it runs under the collection lock.
func Guard(h Headers) store.Precondition {
	if h.Empty() {
		return nil
	}
	return func(current *store.Item) error {
		opt := mo.None[string]()
		if current != nil {
			opt = mo.Some(current.ETag)
		}
		return Check(h, opt)
	}
}

// matches reports whether the header list contains etag or "*".
func matches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if candidate != "" && revision.Unquote(candidate) == etag {
			return true
		}
	}
	return false
}
