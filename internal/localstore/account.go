package localstore

import (
	"context"
	"sync"

	"github.com/hkdb/threadwatch/internal/account"
	"github.com/hkdb/threadwatch/internal/email"
	"github.com/hkdb/threadwatch/internal/folder"
	"github.com/hkdb/threadwatch/internal/logging"
	"github.com/rs/zerolog"
)

// Account implements account.Account over the local mirror. Adapters that
// write to the store push account-wide events through the Notify methods.
type Account struct {
	store *Store
	log   zerolog.Logger

	mu        sync.Mutex
	specials  map[account.SpecialKind]email.FolderPath
	listeners []account.Listener
}

// NewAccount creates an account view over the store
func NewAccount(store *Store) *Account {
	return &Account{
		store:    store,
		log:      logging.WithComponent("local-account"),
		specials: make(map[account.SpecialKind]email.FolderPath),
	}
}

// SetSpecialFolder registers a well-known folder role and ensures the
// folder exists in the store
func (a *Account) SetSpecialFolder(ctx context.Context, kind account.SpecialKind, path email.FolderPath) error {
	if err := a.store.EnsureFolder(ctx, path, kind.String()); err != nil {
		return err
	}
	a.mu.Lock()
	a.specials[kind] = path
	a.mu.Unlock()
	return nil
}

// LocalFetch implements account.Account
func (a *Account) LocalFetch(ctx context.Context, folderPath email.FolderPath, id email.Id, fields folder.FieldSet) (*email.Email, error) {
	return a.store.Fetch(ctx, folderPath, id)
}

// LocalSearch implements account.Account
func (a *Account) LocalSearch(ctx context.Context, mid email.MessageId, excludeFolders email.PathSet, excludeFlags email.Flags) ([]*email.Email, error) {
	return a.store.SearchByMessageId(ctx, mid, excludeFolders, excludeFlags)
}

// SpecialFolder implements account.Account
func (a *Account) SpecialFolder(kind account.SpecialKind) (email.FolderPath, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	path, ok := a.specials[kind]
	return path, ok
}

// OpenFolder implements account.Account, handing out a fresh local folder
// handle for temporary listings
func (a *Account) OpenFolder(ctx context.Context, path email.FolderPath) (folder.Folder, error) {
	return NewFolder(a.store, path), nil
}

// AddListener implements account.Account
func (a *Account) AddListener(l account.Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, l)
}

// RemoveListener implements account.Account
func (a *Account) RemoveListener(l account.Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.listeners {
		if existing == l {
			a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
			return
		}
	}
}

func (a *Account) snapshotListeners() []account.Listener {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]account.Listener(nil), a.listeners...)
}

// NotifyFlagsChanged persists the flag updates and fans the change out to
// listeners; only flags that actually changed are reported
func (a *Account) NotifyFlagsChanged(ctx context.Context, folderPath email.FolderPath, updates map[email.Id]email.Flags) error {
	changed, err := a.store.UpdateFlags(ctx, folderPath, updates)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}
	for _, l := range a.snapshotListeners() {
		l.AccountFlagsChanged(folderPath, changed)
	}
	return nil
}

// NotifyLocallyComplete fans a locally-complete event out to listeners
func (a *Account) NotifyLocallyComplete(folderPath email.FolderPath, ids []email.Id) {
	for _, l := range a.snapshotListeners() {
		l.AccountLocallyComplete(folderPath, ids)
	}
}
