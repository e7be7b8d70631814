package localstore

import (
	"context"
	"sync"

	"github.com/hkdb/threadwatch/internal/email"
	"github.com/hkdb/threadwatch/internal/folder"
	"github.com/hkdb/threadwatch/internal/logging"
	"github.com/rs/zerolog"
)

// Folder is a purely local folder.Folder over the mirror. It never reaches
// a remote, so its open state tops out at local. Drivers that mutate the
// store call the Notify methods to fan events out to listeners.
type Folder struct {
	store *Store
	path  email.FolderPath
	log   zerolog.Logger

	mu        sync.Mutex
	state     folder.OpenState
	listeners []folder.Listener
}

// NewFolder creates a local folder handle for the given path
func NewFolder(store *Store, path email.FolderPath) *Folder {
	return &Folder{
		store: store,
		path:  path,
		log:   logging.WithComponent("local-folder").With().Str("folder", path.String()).Logger(),
		state: folder.StateClosed,
	}
}

// Path implements folder.Folder
func (f *Folder) Path() email.FolderPath {
	return f.path
}

// Open implements folder.Folder
func (f *Folder) Open(ctx context.Context, flags folder.OpenFlags) error {
	if err := f.store.EnsureFolder(ctx, f.path, ""); err != nil {
		return err
	}
	count, err := f.store.Count(ctx, f.path)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.state = folder.StateLocal
	f.mu.Unlock()

	f.notifyOpenState(folder.StateLocal, count)
	return nil
}

// Close implements folder.Folder
func (f *Folder) Close(ctx context.Context) error {
	f.mu.Lock()
	f.state = folder.StateClosed
	f.mu.Unlock()
	return nil
}

// OpenState implements folder.Folder
func (f *Folder) OpenState() folder.OpenState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// EmailTotal implements folder.Folder; for a local folder the mirror is
// authoritative
func (f *Folder) EmailTotal() int {
	count, err := f.store.Count(context.Background(), f.path)
	if err != nil {
		f.log.Warn().Err(err).Msg("Failed to count emails")
		return 0
	}
	return count
}

// ListById implements folder.Folder
func (f *Folder) ListById(ctx context.Context, start *email.Id, count int,
	fields folder.FieldSet, flags folder.ListFlag) ([]*email.Email, error) {
	return f.store.List(ctx, f.path, start, count,
		flags.Contains(folder.ListOldestToNewest), flags.Contains(folder.ListIncludingId))
}

// ListBySparseId implements folder.Folder
func (f *Folder) ListBySparseId(ctx context.Context, ids []email.Id,
	fields folder.FieldSet, flags folder.ListFlag) ([]*email.Email, error) {
	return f.store.ListSparse(ctx, f.path, ids)
}

// FindBoundaries implements folder.Folder
func (f *Folder) FindBoundaries(ctx context.Context, ids []email.Id) (email.Id, email.Id, bool, error) {
	return f.store.Boundaries(ctx, f.path, ids)
}

// FetchLocalNewest implements folder.Folder. The mirror holds everything a
// local folder has, so the newest mail sits at the top.
func (f *Folder) FetchLocalNewest(ctx context.Context) (email.Id, int, error) {
	id, ok, err := f.store.NewestId(ctx, f.path)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, nil
	}
	return id, 0, nil
}

// AddListener implements folder.Folder
func (f *Folder) AddListener(l folder.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

// RemoveListener implements folder.Folder
func (f *Folder) RemoveListener(l folder.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.listeners {
		if existing == l {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			return
		}
	}
}

func (f *Folder) snapshotListeners() []folder.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]folder.Listener(nil), f.listeners...)
}

// NotifyAppended fans an appended event out to listeners
func (f *Folder) NotifyAppended(ids []email.Id) {
	for _, l := range f.snapshotListeners() {
		l.FolderAppended(ids)
	}
}

// NotifyInserted fans an inserted event out to listeners
func (f *Folder) NotifyInserted(ids []email.Id) {
	for _, l := range f.snapshotListeners() {
		l.FolderInserted(ids)
	}
}

// NotifyRemoved fans a removed event out to listeners
func (f *Folder) NotifyRemoved(ids []email.Id) {
	for _, l := range f.snapshotListeners() {
		l.FolderRemoved(ids)
	}
}

func (f *Folder) notifyOpenState(state folder.OpenState, count int) {
	for _, l := range f.snapshotListeners() {
		l.FolderOpenStateChanged(state, count)
	}
}
