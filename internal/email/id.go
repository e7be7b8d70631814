// Package email provides the value types shared by the conversation monitor:
// email identifiers, message ids, folder paths, flags and the email record.
package email

import (
	"fmt"
	"strings"
)

// Id identifies an email within an account. Ids from the same folder follow
// the folder's native ordering (receive order), so comparing them tells you
// which arrived first; across folders only equality is meaningful.
type Id uint64

// Less reports whether id is ordered before other in the folder
func (id Id) Less(other Id) bool {
	return id < other
}

// String returns the id formatted for logging
func (id Id) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// MessageId is a normalized RFC 822 Message-ID. The angle brackets are
// stripped and surrounding whitespace removed; case is preserved. Equality
// is byte-exact after normalization.
type MessageId string

// ParseMessageId normalizes a raw Message-ID header value. It accepts both
// "<id@host>" and bare "id@host" forms. Returns false for an empty value.
func ParseMessageId(raw string) (MessageId, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "<")
	raw = strings.TrimSuffix(raw, ">")
	if raw == "" {
		return "", false
	}
	return MessageId(raw), true
}

// String returns the normalized id without angle brackets
func (m MessageId) String() string {
	return string(m)
}

// FolderPath is a hierarchical folder path
type FolderPath []string

// NewFolderPath builds a path from its components
func NewFolderPath(parts ...string) FolderPath {
	return FolderPath(parts)
}

// ParseFolderPath splits a delimiter-joined path string
func ParseFolderPath(s, delim string) FolderPath {
	if s == "" {
		return nil
	}
	if delim == "" {
		delim = "/"
	}
	return FolderPath(strings.Split(s, delim))
}

// Equal reports whether two paths name the same folder
func (p FolderPath) Equal(other FolderPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// IsDescendantOf reports whether p is nested (at any depth) under ancestor
func (p FolderPath) IsDescendantOf(ancestor FolderPath) bool {
	if len(p) <= len(ancestor) {
		return false
	}
	for i := range ancestor {
		if p[i] != ancestor[i] {
			return false
		}
	}
	return true
}

// String joins the path with "/" for display and map keys
func (p FolderPath) String() string {
	return strings.Join(p, "/")
}

// PathSet is a set of folder paths keyed by their string form
type PathSet map[string]struct{}

// NewPathSet builds a set from the given paths, skipping empty ones
func NewPathSet(paths ...FolderPath) PathSet {
	set := make(PathSet, len(paths))
	for _, p := range paths {
		if len(p) > 0 {
			set[p.String()] = struct{}{}
		}
	}
	return set
}

// Contains reports whether the set holds path
func (s PathSet) Contains(path FolderPath) bool {
	if s == nil {
		return false
	}
	_, ok := s[path.String()]
	return ok
}

// Add inserts path into the set
func (s PathSet) Add(path FolderPath) {
	if len(path) > 0 {
		s[path.String()] = struct{}{}
	}
}
