package email

import "time"

// Email is the metadata record the monitor works with. Bodies are never
// loaded; only the fields requested through a FieldSet are populated.
type Email struct {
	Id         Id
	MessageId  MessageId // empty when the message carries no Message-ID
	References []MessageId
	Date       time.Time
	Received   time.Time
	Flags      Flags
	Folder     FolderPath
}

// Ancestors returns the union of the email's own MessageId (when present)
// with all referenced ids, deduplicated and in stable order. Conversation
// merging relies on the own id always being included.
func (e *Email) Ancestors() []MessageId {
	out := make([]MessageId, 0, len(e.References)+1)
	seen := make(map[MessageId]struct{}, len(e.References)+1)
	if e.MessageId != "" {
		out = append(out, e.MessageId)
		seen[e.MessageId] = struct{}{}
	}
	for _, ref := range e.References {
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// IsUnread reports whether the unread flag is set
func (e *Email) IsUnread() bool {
	return e.Flags.Contains(FlagUnread)
}

// IsFlagged reports whether the flagged flag is set
func (e *Email) IsFlagged() bool {
	return e.Flags.Contains(FlagFlagged)
}
