// Package account defines the cross-folder contract the conversation
// monitor consumes: local lookups by Message-ID, special folder mapping and
// account-wide change notifications.
package account

import (
	"context"

	"github.com/hkdb/threadwatch/internal/email"
	"github.com/hkdb/threadwatch/internal/folder"
)

// SpecialKind names the well-known folder roles of an account
type SpecialKind int

const (
	KindInbox SpecialKind = iota
	KindSpam
	KindTrash
	KindDrafts
	KindOutbox
	KindSent
	KindArchive
	KindSearch
)

// String returns the kind name for logging
func (k SpecialKind) String() string {
	switch k {
	case KindInbox:
		return "inbox"
	case KindSpam:
		return "spam"
	case KindTrash:
		return "trash"
	case KindDrafts:
		return "drafts"
	case KindOutbox:
		return "outbox"
	case KindSent:
		return "sent"
	case KindArchive:
		return "archive"
	case KindSearch:
		return "search"
	default:
		return "unknown"
	}
}

// Listener receives account-wide notifications. Like folder listeners,
// implementations must only enqueue work.
type Listener interface {
	// AccountFlagsChanged fires when email flags change in any folder
	AccountFlagsChanged(folderPath email.FolderPath, flags map[email.Id]email.Flags)
	// AccountLocallyComplete fires when emails finish syncing into the
	// local store, in any folder
	AccountLocallyComplete(folderPath email.FolderPath, ids []email.Id)
}

// Account is the monitor's view of the owning account
type Account interface {
	// LocalFetch reads a single email's metadata from the local cache;
	// returns nil when the email is not cached
	LocalFetch(ctx context.Context, folderPath email.FolderPath, id email.Id, fields folder.FieldSet) (*email.Email, error)

	// LocalSearch returns all locally-cached emails carrying the given
	// Message-ID in any folder outside excludeFolders, skipping emails
	// with any flag in excludeFlags
	LocalSearch(ctx context.Context, mid email.MessageId, excludeFolders email.PathSet, excludeFlags email.Flags) ([]*email.Email, error)

	// SpecialFolder maps a well-known role to a folder path; ok is false
	// when the account has no such folder
	SpecialFolder(kind SpecialKind) (email.FolderPath, bool)

	// OpenFolder returns a Folder handle for an arbitrary path, used for
	// temporary listings in foreign folders
	OpenFolder(ctx context.Context, path email.FolderPath) (folder.Folder, error)

	// AddListener registers for account-wide notifications
	AddListener(l Listener)

	// RemoveListener unregisters a previously added listener
	RemoveListener(l Listener)
}
