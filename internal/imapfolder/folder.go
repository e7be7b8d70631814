package imapfolder

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/hkdb/threadwatch/internal/email"
	"github.com/hkdb/threadwatch/internal/folder"
	"github.com/hkdb/threadwatch/internal/localstore"
	"github.com/hkdb/threadwatch/internal/logging"
	"github.com/rs/zerolog"
)

// headerFetchBatchSize bounds how many headers one FETCH round-trip covers
const headerFetchBatchSize = 50

// Folder is a folder.Folder over an IMAP mailbox. Listings mirror message
// metadata into the local store first and then serve from it, so local-only
// and remote listings observe the same ids.
type Folder struct {
	cfg     Config
	store   *localstore.Store
	account *localstore.Account
	mailbox string
	path    email.FolderPath
	log     zerolog.Logger

	mu        sync.Mutex
	state     folder.OpenState
	total     int
	ord       int64
	client    *imapclient.Client
	listeners []folder.Listener
	watcher   *watcher
}

// NewFolder creates the adapter for one mailbox. The account is optional;
// when set, flag changes observed while mirroring are pushed through it.
func NewFolder(cfg Config, store *localstore.Store, account *localstore.Account, mailbox, delim string) *Folder {
	path := email.ParseFolderPath(mailbox, delim)
	return &Folder{
		cfg:     cfg,
		store:   store,
		account: account,
		mailbox: mailbox,
		path:    path,
		log:     logging.WithComponent("imap-folder").With().Str("folder", path.String()).Logger(),
		state:   folder.StateClosed,
	}
}

// Path implements folder.Folder
func (f *Folder) Path() email.FolderPath {
	return f.path
}

// Open implements folder.Folder: it prepares the local mirror, connects,
// selects the mailbox and starts the IDLE watcher.
func (f *Folder) Open(ctx context.Context, flags folder.OpenFlags) error {
	f.setState(folder.StateOpening, 0)

	if err := f.store.EnsureFolder(ctx, f.path, ""); err != nil {
		return err
	}
	ord, err := f.store.FolderOrd(ctx, f.path)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.ord = ord
	f.mu.Unlock()

	client, err := connect(f.cfg, nil)
	if err != nil {
		f.setState(folder.StateLocal, f.localCount(ctx))
		return err
	}

	selectData, err := client.Select(f.mailbox, nil).Wait()
	if err != nil {
		client.Close()
		f.setState(folder.StateLocal, f.localCount(ctx))
		return fmt.Errorf("failed to select mailbox %s: %w", f.mailbox, err)
	}

	total := 0
	if selectData.NumMessages > 0 {
		total = int(selectData.NumMessages)
	}

	f.mu.Lock()
	f.client = client
	f.total = total
	f.watcher = newWatcher(f)
	w := f.watcher
	f.mu.Unlock()

	w.start()
	f.setState(folder.StateBoth, total)

	f.log.Info().Int("total", total).Msg("Folder opened")
	return nil
}

// Close implements folder.Folder
func (f *Folder) Close(ctx context.Context) error {
	f.mu.Lock()
	client := f.client
	w := f.watcher
	f.client = nil
	f.watcher = nil
	f.state = folder.StateClosed
	f.mu.Unlock()

	if w != nil {
		w.stop()
	}
	if client != nil {
		if err := client.Logout().Wait(); err != nil {
			client.Close()
			return fmt.Errorf("logout failed: %w", err)
		}
	}
	return nil
}

// OpenState implements folder.Folder
func (f *Folder) OpenState() folder.OpenState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// EmailTotal implements folder.Folder; while the remote is reachable the
// server's count is authoritative, otherwise the mirror's
func (f *Folder) EmailTotal() int {
	f.mu.Lock()
	state := f.state
	total := f.total
	f.mu.Unlock()

	if state.RemoteAvailable() {
		return total
	}
	return f.localCount(context.Background())
}

func (f *Folder) localCount(ctx context.Context) int {
	count, err := f.store.Count(ctx, f.path)
	if err != nil {
		f.log.Warn().Err(err).Msg("Failed to count mirrored emails")
		return 0
	}
	return count
}

// ListById implements folder.Folder
func (f *Folder) ListById(ctx context.Context, start *email.Id, count int,
	fields folder.FieldSet, flags folder.ListFlag) ([]*email.Email, error) {

	oldestFirst := flags.Contains(folder.ListOldestToNewest)
	inclusive := flags.Contains(folder.ListIncludingId)

	if !flags.Contains(folder.ListLocalOnly) && f.remoteClient() != nil {
		if err := f.ensureMirrored(ctx, start, count, oldestFirst, inclusive); err != nil {
			return nil, err
		}
	}
	return f.store.List(ctx, f.path, start, count, oldestFirst, inclusive)
}

// ListBySparseId implements folder.Folder
func (f *Folder) ListBySparseId(ctx context.Context, ids []email.Id,
	fields folder.FieldSet, flags folder.ListFlag) ([]*email.Email, error) {

	if !flags.Contains(folder.ListLocalOnly) && f.remoteClient() != nil {
		mirrored, err := f.store.UIDs(ctx, f.path)
		if err != nil {
			return nil, err
		}
		var missing []uint32
		for _, id := range ids {
			uid := localstore.UIDOf(id)
			if _, ok := mirrored[uid]; !ok {
				missing = append(missing, uid)
			}
		}
		if len(missing) > 0 {
			if _, err := f.mirrorHeaders(ctx, missing); err != nil {
				return nil, err
			}
		}
	}
	return f.store.ListSparse(ctx, f.path, ids)
}

// FindBoundaries implements folder.Folder; held ids are always mirrored, so
// the store answers
func (f *Folder) FindBoundaries(ctx context.Context, ids []email.Id) (email.Id, email.Id, bool, error) {
	return f.store.Boundaries(ctx, f.path, ids)
}

// FetchLocalNewest implements folder.Folder. The offset approximates how
// many server messages sit above the mirror's newest: the difference
// between the server total and the mirror size, assuming the mirror is a
// contiguous window at the top.
func (f *Folder) FetchLocalNewest(ctx context.Context) (email.Id, int, error) {
	id, ok, err := f.store.NewestId(ctx, f.path)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, nil
	}

	count, err := f.store.Count(ctx, f.path)
	if err != nil {
		return 0, 0, err
	}
	offset := max(0, f.EmailTotal()-count)
	return id, offset, nil
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

func (f *Folder) remoteClient() *imapclient.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client
}

func (f *Folder) setState(state folder.OpenState, count int) {
	f.mu.Lock()
	changed := f.state != state
	f.state = state
	f.mu.Unlock()

	if changed {
		for _, l := range f.snapshotListeners() {
			l.FolderOpenStateChanged(state, count)
		}
	}
}

func (f *Folder) notifyAppended(ids []email.Id) {
	for _, l := range f.snapshotListeners() {
		l.FolderAppended(ids)
	}
}

func (f *Folder) notifyRemoved(ids []email.Id) {
	for _, l := range f.snapshotListeners() {
		l.FolderRemoved(ids)
	}
}

// ensureMirrored makes the mirror cover the span a listing is about to
// serve: it resolves the wanted uid window against the server's uid list
// and fetches headers for any uid the mirror lacks.
func (f *Folder) ensureMirrored(ctx context.Context, start *email.Id, count int,
	oldestFirst, inclusive bool) error {

	allUIDs, err := f.fetchAllUIDs(ctx)
	if err != nil {
		return err
	}
	sort.Slice(allUIDs, func(i, j int) bool { return allUIDs[i] < allUIDs[j] })

	f.mu.Lock()
	f.total = len(allUIDs)
	f.mu.Unlock()

	var want []uint32
	if start == nil {
		if count < len(allUIDs) {
			want = allUIDs[len(allUIDs)-count:]
		} else {
			want = allUIDs
		}
	} else {
		startUID := localstore.UIDOf(*start)
		for _, uid := range allUIDs {
			if oldestFirst {
				if uid > startUID || (inclusive && uid == startUID) {
					want = append(want, uid)
				}
			} else {
				if uid < startUID || (inclusive && uid == startUID) {
					want = append(want, uid)
				}
			}
		}
		if oldestFirst {
			if count < len(want) {
				want = want[:count]
			}
		} else {
			if count < len(want) {
				want = want[len(want)-count:]
			}
		}
	}

	mirrored, err := f.store.UIDs(ctx, f.path)
	if err != nil {
		return err
	}
	var missing []uint32
	for _, uid := range want {
		if _, ok := mirrored[uid]; !ok {
			missing = append(missing, uid)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	_, err = f.mirrorHeaders(ctx, missing)
	return err
}

// fetchAllUIDs lists every uid in the selected mailbox. Wait runs in a
// goroutine so the caller's context can interrupt it.
func (f *Folder) fetchAllUIDs(ctx context.Context) ([]uint32, error) {
	client := f.remoteClient()
	if client == nil {
		return nil, fmt.Errorf("remote not connected")
	}

	searchCmd := client.UIDSearch(&imap.SearchCriteria{}, nil)

	type searchResult struct {
		data *imap.SearchData
		err  error
	}
	resultCh := make(chan searchResult, 1)
	go func() {
		data, err := searchCmd.Wait()
		resultCh <- searchResult{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("UID search failed: %w", result.err)
		}
		var uids []uint32
		for _, uid := range result.data.AllUIDs() {
			uids = append(uids, uint32(uid))
		}
		return uids, nil
	}
}

// mirrorHeaders fetches envelope, flags and threading headers for the given
// uids and upserts them into the mirror, lowest uid first. Store ids are
// composed from the uid, so they follow receive order whatever the insert
// order. Returns the mirrored ids.
func (f *Folder) mirrorHeaders(ctx context.Context, uids []uint32) ([]email.Id, error) {
	client := f.remoteClient()
	if client == nil {
		return nil, fmt.Errorf("remote not connected")
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	var ids []email.Id
	for offset := 0; offset < len(uids); offset += headerFetchBatchSize {
		if ctx.Err() != nil {
			return ids, ctx.Err()
		}
		end := min(offset+headerFetchBatchSize, len(uids))
		batch, err := f.fetchHeaderBatch(ctx, client, uids[offset:end])
		if err != nil {
			return ids, err
		}

		for _, fe := range batch {
			id, err := f.store.Insert(ctx, f.path, fe.uid, fe.email)
			if err != nil {
				return ids, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type fetchedEmail struct {
	uid   uint32
	email *email.Email
}

// fetchHeaderBatch streams one FETCH command's responses, building the
// email records. Streaming instead of Collect allows cancellation between
// messages and partial results if the connection dies mid-batch.
func (f *Folder) fetchHeaderBatch(ctx context.Context, client *imapclient.Client, uids []uint32) ([]fetchedEmail, error) {
	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	fetchOptions := &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		Flags:        true,
		InternalDate: true,
		BodySection: []*imap.FetchItemBodySection{
			{
				Specifier: imap.PartSpecifierHeader,
				Peek:      true,
			},
		},
	}

	fetchCmd := client.Fetch(uidSet, fetchOptions)
	var out []fetchedEmail

	for {
		if ctx.Err() != nil {
			fetchCmd.Close()
			return out, ctx.Err()
		}

		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var (
			fetchedUID imap.UID
			envelope   *imap.Envelope
			flags      []imap.Flag
			internal   imapclient.FetchItemDataInternalDate
			headerRaw  []byte
		)
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				fetchedUID = data.UID
			case imapclient.FetchItemDataEnvelope:
				envelope = data.Envelope
			case imapclient.FetchItemDataFlags:
				flags = data.Flags
			case imapclient.FetchItemDataInternalDate:
				internal = data
			case imapclient.FetchItemDataBodySection:
				if data.Literal != nil {
					raw, err := io.ReadAll(data.Literal)
					if err != nil {
						f.log.Warn().Err(err).Uint32("uid", uint32(fetchedUID)).Msg("Failed to read header literal")
					} else {
						headerRaw = raw
					}
				}
			}
		}

		if fetchedUID == 0 {
			f.log.Warn().Msg("Received message without UID in header fetch")
			continue
		}

		e := &email.Email{
			Folder: f.path,
			Flags:  convertFlags(flags),
		}
		if envelope != nil {
			if mid, ok := email.ParseMessageId(envelope.MessageID); ok {
				e.MessageId = mid
			}
			e.Date = envelope.Date.UTC()
		}
		e.Received = internal.Time.UTC()
		if e.Received.IsZero() {
			e.Received = e.Date
		}
		if len(headerRaw) > 0 {
			e.References = email.ExtractReferences(headerRaw)
		} else if envelope != nil {
			for _, irt := range envelope.InReplyTo {
				if mid, ok := email.ParseMessageId(irt); ok {
					e.References = append(e.References, mid)
				}
			}
		}

		out = append(out, fetchedEmail{uid: uint32(fetchedUID), email: e})
	}

	if err := fetchCmd.Close(); err != nil {
		return out, fmt.Errorf("header fetch failed: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].uid < out[j].uid })
	return out, nil
}

// convertFlags maps IMAP flags onto the monitor's flag set. IMAP tracks
// seen rather than unread, so the polarity inverts.
func convertFlags(flags []imap.Flag) email.Flags {
	out := email.FlagUnread
	for _, fl := range flags {
		switch fl {
		case imap.FlagSeen:
			out = out.Without(email.FlagUnread)
		case imap.FlagFlagged:
			out = out.With(email.FlagFlagged)
		case imap.FlagDraft:
			out = out.With(email.FlagDraft)
		case imap.FlagAnswered:
			out = out.With(email.FlagAnswered)
		case imap.FlagDeleted:
			out = out.With(email.FlagDeleted)
		}
	}
	return out
}
