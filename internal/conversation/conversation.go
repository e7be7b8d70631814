// Package conversation groups emails into threads by transitive Message-ID
// closure and maintains the indexed set of threads the monitor exposes.
package conversation

import (
	"sort"
	"time"

	"github.com/hkdb/threadwatch/internal/email"
)

// Location filters which emails of a conversation are considered, relative
// to the monitored folder.
type Location int

const (
	// InFolder considers only emails living in the monitored folder
	InFolder Location = iota
	// InFolderOutOfFolder prefers in-folder emails and falls back to
	// out-of-folder ones when the folder holds none
	InFolderOutOfFolder
	// Anywhere considers every email regardless of folder
	Anywhere
)

// Ordering controls the sort direction of Emails
type Ordering int

const (
	NewestFirst Ordering = iota
	OldestFirst
)

// Conversation is a set of emails joined by shared Message-IDs. Instances
// are owned by a Set; readers outside the monitor must treat them as
// snapshots and never mutate them.
type Conversation struct {
	folder  email.FolderPath
	emails  map[email.Id]*email.Email
	closure map[email.MessageId]struct{}
}

func newConversation(folder email.FolderPath) *Conversation {
	return &Conversation{
		folder:  folder,
		emails:  make(map[email.Id]*email.Email),
		closure: make(map[email.MessageId]struct{}),
	}
}

// add inserts e and extends the closure with its keys
func (c *Conversation) add(e *email.Email, keys []email.MessageId) {
	c.emails[e.Id] = e
	for _, k := range keys {
		c.closure[k] = struct{}{}
	}
}

// remove drops the email with the given id, returning it if present.
// The closure is not recomputed here; the Set does that per batch.
func (c *Conversation) remove(id email.Id) *email.Email {
	e, ok := c.emails[id]
	if !ok {
		return nil
	}
	delete(c.emails, id)
	return e
}

// EmailCount returns the number of emails in the conversation
func (c *Conversation) EmailCount() int {
	return len(c.emails)
}

// HasEmail reports whether the conversation contains the given id
func (c *Conversation) HasEmail(id email.Id) bool {
	_, ok := c.emails[id]
	return ok
}

// Email returns the email with the given id, or nil
func (c *Conversation) Email(id email.Id) *email.Email {
	return c.emails[id]
}

// HasMessageId reports whether mid is in the conversation's closure
func (c *Conversation) HasMessageId(mid email.MessageId) bool {
	_, ok := c.closure[mid]
	return ok
}

// MessageIds returns the conversation's Message-ID closure
func (c *Conversation) MessageIds() []email.MessageId {
	out := make([]email.MessageId, 0, len(c.closure))
	for mid := range c.closure {
		out = append(out, mid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// selectEmails applies the location filter and blacklist
func (c *Conversation) selectEmails(location Location, blacklist email.PathSet) []*email.Email {
	var inFolder, outOfFolder []*email.Email
	for _, e := range c.emails {
		if blacklist.Contains(e.Folder) {
			continue
		}
		if e.Folder.Equal(c.folder) {
			inFolder = append(inFolder, e)
		} else {
			outOfFolder = append(outOfFolder, e)
		}
	}

	switch location {
	case InFolder:
		return inFolder
	case InFolderOutOfFolder:
		if len(inFolder) > 0 {
			return inFolder
		}
		return outOfFolder
	default:
		return append(inFolder, outOfFolder...)
	}
}

// Emails returns the conversation's emails filtered by location and
// blacklist, sorted by date with the id as tie-breaker.
func (c *Conversation) Emails(ordering Ordering, location Location, blacklist email.PathSet) []*email.Email {
	selected := c.selectEmails(location, blacklist)
	sort.Slice(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		if !a.Date.Equal(b.Date) {
			if ordering == OldestFirst {
				return a.Date.Before(b.Date)
			}
			return a.Date.After(b.Date)
		}
		if ordering == OldestFirst {
			return a.Id.Less(b.Id)
		}
		return b.Id.Less(a.Id)
	})
	return selected
}

// LatestReceived returns the most recently received email matching the
// location filter, excluding blacklisted folders. Returns nil when no email
// matches.
func (c *Conversation) LatestReceived(location Location, blacklist email.PathSet) *email.Email {
	var latest *email.Email
	for _, e := range c.selectEmails(location, blacklist) {
		if latest == nil || e.Received.After(latest.Received) ||
			(e.Received.Equal(latest.Received) && latest.Id.Less(e.Id)) {
			latest = e
		}
	}
	return latest
}

// LatestDate returns the newest date across all emails
func (c *Conversation) LatestDate() time.Time {
	var latest time.Time
	for _, e := range c.emails {
		if e.Date.After(latest) {
			latest = e.Date
		}
	}
	return latest
}

// LatestReceivedDate returns the newest received timestamp across all emails
func (c *Conversation) LatestReceivedDate() time.Time {
	var latest time.Time
	for _, e := range c.emails {
		if e.Received.After(latest) {
			latest = e.Received
		}
	}
	return latest
}

// IsUnread reports whether any email in the conversation is unread
func (c *Conversation) IsUnread() bool {
	for _, e := range c.emails {
		if e.IsUnread() {
			return true
		}
	}
	return false
}

// IsFlagged reports whether any email in the conversation is flagged
func (c *Conversation) IsFlagged() bool {
	for _, e := range c.emails {
		if e.IsFlagged() {
			return true
		}
	}
	return false
}

// oldestId returns the lowest email id, used as the deterministic merge
// tie-breaker. ok is false for an empty conversation.
func (c *Conversation) oldestId() (email.Id, bool) {
	var oldest email.Id
	found := false
	for id := range c.emails {
		if !found || id.Less(oldest) {
			oldest = id
			found = true
		}
	}
	return oldest, found
}
