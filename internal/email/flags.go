package email

import "strings"

// Flags is a set over the closed flag enumeration. The zero value is the
// empty set.
type Flags uint8

const (
	FlagUnread Flags = 1 << iota
	FlagFlagged
	FlagDraft
	FlagAnswered
	FlagDeleted
)

// FlagsNone is the empty flag set
const FlagsNone Flags = 0

// Contains reports whether all flags in other are set
func (f Flags) Contains(other Flags) bool {
	return f&other == other
}

// Intersects reports whether any flag in other is set
func (f Flags) Intersects(other Flags) bool {
	return f&other != 0
}

// With returns a copy with the given flags added
func (f Flags) With(other Flags) Flags {
	return f | other
}

// Without returns a copy with the given flags removed
func (f Flags) Without(other Flags) Flags {
	return f &^ other
}

// Equal reports whether two flag sets are identical
func (f Flags) Equal(other Flags) bool {
	return f == other
}

// String lists the set flags for logging
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	names := []struct {
		flag Flags
		name string
	}{
		{FlagUnread, "unread"},
		{FlagFlagged, "flagged"},
		{FlagDraft, "draft"},
		{FlagAnswered, "answered"},
		{FlagDeleted, "deleted"},
	}
	var set []string
	for _, n := range names {
		if f.Contains(n.flag) {
			set = append(set, n.name)
		}
	}
	return strings.Join(set, ",")
}
