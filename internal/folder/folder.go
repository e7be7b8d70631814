// Package folder defines the contract a backing email folder must satisfy
// for the conversation monitor: listing, fetching and watching a folder
// backed by a local mirror and, possibly, a remote server.
package folder

import (
	"context"

	"github.com/hkdb/threadwatch/internal/email"
)

// OpenState describes which halves of the folder are currently reachable
type OpenState int

const (
	StateClosed OpenState = iota
	StateOpening
	StateLocal
	StateRemote
	StateBoth
)

// String returns the state name for logging
func (s OpenState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateLocal:
		return "local"
	case StateRemote:
		return "remote"
	case StateBoth:
		return "both"
	default:
		return "unknown"
	}
}

// RemoteAvailable reports whether listings may hit the remote server
func (s OpenState) RemoteAvailable() bool {
	return s == StateRemote || s == StateBoth
}

// FieldSet selects which email fields a listing populates
type FieldSet uint8

const (
	FieldReferences FieldSet = 1 << iota
	FieldFlags
	FieldDate
	FieldEnvelope
)

// FieldsRequired is the minimum the monitor ever requests
const FieldsRequired = FieldReferences | FieldFlags | FieldDate

// Contains reports whether all fields in other are selected
func (f FieldSet) Contains(other FieldSet) bool {
	return f&other == other
}

// ListFlag modifies listing behavior
type ListFlag uint8

const (
	// ListLocalOnly restricts the listing to the local mirror
	ListLocalOnly ListFlag = 1 << iota
	// ListOldestToNewest reverses the default newest-first order
	ListOldestToNewest
	// ListIncludingId makes the start id inclusive
	ListIncludingId
)

// ListNone requests the default behavior
const ListNone ListFlag = 0

// Contains reports whether all flags in other are set
func (f ListFlag) Contains(other ListFlag) bool {
	return f&other == other
}

// OpenFlags modifies folder open behavior
type OpenFlags uint8

// OpenNone requests the default open behavior
const OpenNone OpenFlags = 0

// Listener receives folder change notifications. Implementations must be
// fast and side-effect-free beyond enqueuing work; adapters call them from
// their own goroutines, including while an operation is mid-flight.
type Listener interface {
	// FolderAppended fires when new emails arrive at the top of the folder
	FolderAppended(ids []email.Id)
	// FolderInserted fires when emails appear below the newest position
	FolderInserted(ids []email.Id)
	// FolderRemoved fires when emails disappear from the folder
	FolderRemoved(ids []email.Id)
	// FolderOpenStateChanged fires on connectivity transitions; count is
	// the folder's email total at that point
	FolderOpenStateChanged(state OpenState, count int)
}

// Folder is the monitor's view of one backing folder. All blocking methods
// take a context and abort when it is cancelled.
type Folder interface {
	// Path returns the folder's path within the account
	Path() email.FolderPath

	// Open makes the folder available; it returns once the local half is
	// usable and may continue connecting the remote half in the background.
	Open(ctx context.Context, flags OpenFlags) error

	// Close releases the folder
	Close(ctx context.Context) error

	// OpenState returns the current connectivity state
	OpenState() OpenState

	// EmailTotal returns the folder's total message count
	EmailTotal() int

	// ListById lists count emails ordered newest-first (oldest-first with
	// ListOldestToNewest) starting from start; a nil start means the
	// newest end. ListIncludingId makes start inclusive.
	ListById(ctx context.Context, start *email.Id, count int, fields FieldSet, flags ListFlag) ([]*email.Email, error)

	// ListBySparseId fetches a specific set of emails
	ListBySparseId(ctx context.Context, ids []email.Id, fields FieldSet, flags ListFlag) ([]*email.Email, error)

	// FindBoundaries returns the chronologically lowest and highest ids
	// present in the folder among the given ids; ok is false when none are
	FindBoundaries(ctx context.Context, ids []email.Id) (lowest, highest email.Id, ok bool, err error)

	// FetchLocalNewest returns the newest email in the local mirror and
	// its offset from the top of the folder
	FetchLocalNewest(ctx context.Context) (email.Id, int, error)

	// AddListener registers for change notifications
	AddListener(l Listener)

	// RemoveListener unregisters a previously added listener
	RemoveListener(l Listener)
}
