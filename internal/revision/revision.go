// Package revision computes item entity tags and answers incremental sync
// queries from a collection's change log.
package revision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jw6ventures/calcore/internal/store"
)

// TokenPrefix is prepended to the numeric collection token on the wire.
const TokenPrefix = "http://calcore/ns/sync/"

// ErrInvalidToken is returned for tokens that are malformed or that this
// collection never issued.
var ErrInvalidToken = errors.New("invalid sync token")

// Canonicalize normalizes line endings to CRLF and leaves exactly one trailing CRLF.
func Canonicalize(payload string) string {
	s := strings.ReplaceAll(payload, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	return strings.ReplaceAll(s, "\n", "\r\n") + "\r\n"
}

// ETag returns the hex SHA-256 of the canonical payload.
func ETag(payload string) string {
	sum := sha256.Sum256([]byte(Canonicalize(payload)))
	return hex.EncodeToString(sum[:])
}

// Quote wraps an entity tag for use in headers and getetag values.
func Quote(etag string) string {
	return `"` + etag + `"`
}

// Unquote strips a weak prefix and surrounding quotes.
func Unquote(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// FormatToken renders a collection token as a sync-token URI.
func FormatToken(n int64) string {
	return TokenPrefix + strconv.FormatInt(n, 10)
}

// ParseToken accepts the URI form produced by FormatToken or a bare integer.
func ParseToken(token string) (int64, error) {
	raw := strings.TrimSpace(token)
	raw = strings.TrimPrefix(raw, TokenPrefix)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	return n, nil
}

// Entry is one member of a sync-collection answer.
type Entry struct {
	Name    string
	ETag    string
	Version int64
	Deleted bool
}

// Engine answers changesSince against a change log.
type Engine struct {
	changes store.ChangeRepository
}

func NewEngine(changes store.ChangeRepository) *Engine {
	return &Engine{changes: changes}
}

// CurrentToken returns the collection's token in wire form.
func CurrentToken(c *store.Collection) string {
	return FormatToken(c.SyncToken)
}

// ChangesSince returns the collection's current token and the members that
// changed after token. An empty token is an initial sync and yields no entries.
// Several changes to one name collapse into its latest state.
func (e *Engine) ChangesSince(ctx context.Context, c *store.Collection, token string) (int64, []Entry, error) {
	if strings.TrimSpace(token) == "" {
		return c.SyncToken, nil, nil
	}
	since, err := ParseToken(token)
	if err != nil {
		return 0, nil, err
	}
	if since > c.SyncToken {
		return 0, nil, fmt.Errorf("%w: %d is ahead of %d", ErrInvalidToken, since, c.SyncToken)
	}
	changes, err := e.changes.Since(ctx, c.ID, since)
	if err != nil {
		return 0, nil, fmt.Errorf("load changes: %w", err)
	}

	latest := make(map[string]Entry, len(changes))
	for _, ch := range changes {
		if ch.Version > c.SyncToken {
			continue
		}
		prev, seen := latest[ch.Name]
		if seen && prev.Version > ch.Version {
			continue
		}
		latest[ch.Name] = Entry{
			Name:    ch.Name,
			ETag:    ch.ETag,
			Version: ch.Version,
			Deleted: ch.Kind == store.ChangeDeleted,
		}
	}
	entries := make([]Entry, 0, len(latest))
	for _, en := range latest {
		entries = append(entries, en)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })
	return c.SyncToken, entries, nil
}
