package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hkdb/threadwatch/internal/account"
	"github.com/hkdb/threadwatch/internal/conversation"
	"github.com/hkdb/threadwatch/internal/email"
	"github.com/hkdb/threadwatch/internal/folder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake adapters
// ============================================================================

type fakeFolder struct {
	path email.FolderPath

	mu        sync.Mutex
	state     folder.OpenState
	openState folder.OpenState // state after a successful Open
	openErr   error
	emails    map[email.Id]*email.Email
	order     []email.Id
	listeners []folder.Listener
}

func newFakeFolder(path email.FolderPath) *fakeFolder {
	return &fakeFolder{
		path:      path,
		state:     folder.StateClosed,
		openState: folder.StateLocal,
		emails:    make(map[email.Id]*email.Email),
	}
}

func (f *fakeFolder) add(e *email.Email) {
	e.Folder = f.path
	f.mu.Lock()
	if _, exists := f.emails[e.Id]; !exists {
		f.order = append(f.order, e.Id)
		sort.Slice(f.order, func(i, j int) bool { return f.order[i] < f.order[j] })
	}
	f.emails[e.Id] = e
	f.mu.Unlock()
}

func (f *fakeFolder) appendEmails(emails ...*email.Email) {
	var ids []email.Id
	for _, e := range emails {
		f.add(e)
		ids = append(ids, e.Id)
	}
	for _, l := range f.snapshotListeners() {
		l.FolderAppended(ids)
	}
}

func (f *fakeFolder) removeEmails(ids ...email.Id) {
	f.mu.Lock()
	for _, id := range ids {
		delete(f.emails, id)
		for i, existing := range f.order {
			if existing == id {
				f.order = append(f.order[:i], f.order[i+1:]...)
				break
			}
		}
	}
	f.mu.Unlock()
	for _, l := range f.snapshotListeners() {
		l.FolderRemoved(ids)
	}
}

func (f *fakeFolder) changeState(state folder.OpenState) {
	f.mu.Lock()
	f.state = state
	count := len(f.order)
	f.mu.Unlock()
	for _, l := range f.snapshotListeners() {
		l.FolderOpenStateChanged(state, count)
	}
}

func (f *fakeFolder) snapshotListeners() []folder.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]folder.Listener(nil), f.listeners...)
}

func (f *fakeFolder) Path() email.FolderPath { return f.path }

func (f *fakeFolder) Open(ctx context.Context, flags folder.OpenFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.state = f.openState
	return nil
}

func (f *fakeFolder) Close(ctx context.Context) error {
	f.mu.Lock()
	f.state = folder.StateClosed
	f.mu.Unlock()
	return nil
}

func (f *fakeFolder) OpenState() folder.OpenState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeFolder) EmailTotal() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *fakeFolder) ListById(ctx context.Context, start *email.Id, count int,
	fields folder.FieldSet, flags folder.ListFlag) ([]*email.Email, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	oldestFirst := flags.Contains(folder.ListOldestToNewest)
	inclusive := flags.Contains(folder.ListIncludingId)

	ordered := append([]email.Id(nil), f.order...)
	if !oldestFirst {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	var out []*email.Email
	for _, id := range ordered {
		if start != nil {
			if oldestFirst {
				if id < *start || (id == *start && !inclusive) {
					continue
				}
			} else {
				if id > *start || (id == *start && !inclusive) {
					continue
				}
			}
		}
		out = append(out, f.emails[id])
		if len(out) >= count {
			break
		}
	}
	return out, nil
}

func (f *fakeFolder) ListBySparseId(ctx context.Context, ids []email.Id,
	fields folder.FieldSet, flags folder.ListFlag) ([]*email.Email, error) {

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*email.Email
	for _, id := range ids {
		if e, ok := f.emails[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeFolder) FindBoundaries(ctx context.Context, ids []email.Id) (email.Id, email.Id, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var lowest, highest email.Id
	found := false
	for _, id := range ids {
		if _, ok := f.emails[id]; !ok {
			continue
		}
		if !found {
			lowest, highest = id, id
			found = true
			continue
		}
		if id < lowest {
			lowest = id
		}
		if id > highest {
			highest = id
		}
	}
	return lowest, highest, found, nil
}

func (f *fakeFolder) FetchLocalNewest(ctx context.Context) (email.Id, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		return 0, 0, nil
	}
	return f.order[len(f.order)-1], 0, nil
}

func (f *fakeFolder) AddListener(l folder.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

func (f *fakeFolder) RemoveListener(l folder.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.listeners {
		if existing == l {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			return
		}
	}
}

type fakeAccount struct {
	mu        sync.Mutex
	emails    []*email.Email
	specials  map[account.SpecialKind]email.FolderPath
	folders   map[string]*fakeFolder
	listeners []account.Listener
}

func newFakeAccount() *fakeAccount {
	return &fakeAccount{
		specials: make(map[account.SpecialKind]email.FolderPath),
		folders:  make(map[string]*fakeFolder),
	}
}

// addLocal registers an email in the account-wide local cache and in its
// folder's fake
func (a *fakeAccount) addLocal(folderPath email.FolderPath, e *email.Email) {
	e.Folder = folderPath
	a.mu.Lock()
	a.emails = append(a.emails, e)
	key := folderPath.String()
	f, ok := a.folders[key]
	if !ok {
		f = newFakeFolder(folderPath)
		a.folders[key] = f
	}
	a.mu.Unlock()
	f.add(e)
}

func (a *fakeAccount) LocalFetch(ctx context.Context, folderPath email.FolderPath, id email.Id, fields folder.FieldSet) (*email.Email, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.emails {
		if e.Id == id && e.Folder.Equal(folderPath) {
			return e, nil
		}
	}
	return nil, nil
}

func (a *fakeAccount) LocalSearch(ctx context.Context, mid email.MessageId, excludeFolders email.PathSet, excludeFlags email.Flags) ([]*email.Email, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*email.Email
	for _, e := range a.emails {
		if excludeFolders.Contains(e.Folder) || e.Flags.Intersects(excludeFlags) {
			continue
		}
		match := e.MessageId == mid
		if !match {
			for _, ref := range e.References {
				if ref == mid {
					match = true
					break
				}
			}
		}
		if match {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *fakeAccount) SpecialFolder(kind account.SpecialKind) (email.FolderPath, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	path, ok := a.specials[kind]
	return path, ok
}

func (a *fakeAccount) OpenFolder(ctx context.Context, path email.FolderPath) (folder.Folder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.folders[path.String()]; ok {
		return f, nil
	}
	f := newFakeFolder(path)
	a.folders[path.String()] = f
	return f, nil
}

func (a *fakeAccount) AddListener(l account.Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, l)
}

func (a *fakeAccount) RemoveListener(l account.Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.listeners {
		if existing == l {
			a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
			return
		}
	}
}

func (a *fakeAccount) snapshotListeners() []account.Listener {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]account.Listener(nil), a.listeners...)
}

func (a *fakeAccount) notifyFlagsChanged(folderPath email.FolderPath, flags map[email.Id]email.Flags) {
	for _, l := range a.snapshotListeners() {
		l.AccountFlagsChanged(folderPath, flags)
	}
}

func (a *fakeAccount) notifyLocallyComplete(folderPath email.FolderPath, ids []email.Id) {
	for _, l := range a.snapshotListeners() {
		l.AccountLocallyComplete(folderPath, ids)
	}
}

// ============================================================================
// Event recorder
// ============================================================================

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(format string, args ...interface{}) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		MonitoringStarted: func() { r.record("monitoring-started") },
		MonitoringStopped: func(retrying bool) { r.record("monitoring-stopped:%t", retrying) },
		ScanStarted:       func(localOnly bool) { r.record("scan-started") },
		ScanError:         func(err error) { r.record("scan-error") },
		ScanCompleted:     func(localOnly bool) { r.record("scan-completed") },
		SeedCompleted:     func() { r.record("seed-completed") },
		ConversationsAdded: func(convs []*conversation.Conversation) {
			r.record("added:%d", len(convs))
		},
		ConversationAppended: func(conv *conversation.Conversation, emails []*email.Email) {
			r.record("appended:%d", len(emails))
		},
		ConversationTrimmed: func(conv *conversation.Conversation, emails []*email.Email) {
			r.record("trimmed:%d", len(emails))
		},
		ConversationRemoved: func(conv *conversation.Conversation) {
			r.record("removed")
		},
		EmailFlagsChanged: func(conv *conversation.Conversation, e *email.Email) {
			r.record("flags-changed:%d", uint64(e.Id))
		},
	}
}

// ============================================================================
// Helpers
// ============================================================================

var inboxPath = email.NewFolderPath("INBOX")

func mkEmail(id email.Id, mid email.MessageId, refs []email.MessageId, day int) *email.Email {
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day)
	return &email.Email{
		Id:         id,
		MessageId:  mid,
		References: refs,
		Date:       date,
		Received:   date,
		Folder:     inboxPath,
	}
}

func waitIdle(t *testing.T, m *Monitor) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !m.IsProcessing() {
			// Settle: make sure no operation slipped in right after
			time.Sleep(10 * time.Millisecond)
			if !m.IsProcessing() {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("monitor did not go idle in time")
}

func startMonitor(t *testing.T, f *fakeFolder, a *fakeAccount, window int) (*Monitor, *recorder) {
	t.Helper()
	rec := &recorder{}
	m := New(f, a, Options{WindowCount: window})
	m.SetCallbacks(rec.callbacks())

	started, err := m.Start(context.Background())
	require.NoError(t, err)
	require.True(t, started)

	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	waitIdle(t, m)
	return m, rec
}

// ============================================================================
// Tests
// ============================================================================

func TestStartLoadsLocalThread(t *testing.T) {
	f := newFakeFolder(inboxPath)
	f.add(mkEmail(1, "A", nil, 10))
	f.add(mkEmail(2, "B", []email.MessageId{"A"}, 11))
	f.add(mkEmail(3, "C", []email.MessageId{"B", "A"}, 12))

	m, rec := startMonitor(t, f, newFakeAccount(), 50)

	assert.Equal(t, 1, m.ConversationCount())
	assert.Equal(t, 3, m.EmailCount())
	assert.True(t, m.AllMessagesLoaded())
	assert.Equal(t, 1, rec.count("added:1"))

	conv := m.ConversationFor(1)
	require.NotNil(t, conv)
	assert.Equal(t, []email.MessageId{"A", "B", "C"}, conv.MessageIds())
}

func TestAppendEventsBuildThread(t *testing.T) {
	f := newFakeFolder(inboxPath)
	m, rec := startMonitor(t, f, newFakeAccount(), 50)

	f.appendEmails(mkEmail(1, "A", nil, 10))
	waitIdle(t, m)
	f.appendEmails(mkEmail(2, "B", []email.MessageId{"A"}, 11))
	waitIdle(t, m)
	f.appendEmails(mkEmail(3, "C", []email.MessageId{"B", "A"}, 12))
	waitIdle(t, m)

	assert.Equal(t, 1, m.ConversationCount())
	assert.Equal(t, 1, rec.count("added:1"))
	assert.Equal(t, 2, rec.count("appended:1"))
}

func TestMergeViaBridge(t *testing.T) {
	f := newFakeFolder(inboxPath)
	m, rec := startMonitor(t, f, newFakeAccount(), 50)

	f.appendEmails(mkEmail(1, "A", nil, 10))
	waitIdle(t, m)
	f.appendEmails(mkEmail(2, "D", nil, 11))
	waitIdle(t, m)
	assert.Equal(t, 2, m.ConversationCount())

	f.appendEmails(mkEmail(3, "B", []email.MessageId{"A", "D"}, 12))
	waitIdle(t, m)

	assert.Equal(t, 1, m.ConversationCount())
	assert.Equal(t, 3, m.EmailCount())
	assert.Equal(t, 1, rec.count("removed"))

	// The merge removal precedes the surviving conversation's append
	events := rec.snapshot()
	removedAt, appendedAt := -1, -1
	for i, e := range events {
		if e == "removed" && removedAt == -1 {
			removedAt = i
		}
		if e == "appended:2" {
			appendedAt = i
		}
	}
	require.NotEqual(t, -1, removedAt)
	require.NotEqual(t, -1, appendedAt)
	assert.Less(t, removedAt, appendedAt)
}

func TestRemoveTrimsWithoutSplit(t *testing.T) {
	f := newFakeFolder(inboxPath)
	f.add(mkEmail(1, "A", nil, 10))
	f.add(mkEmail(2, "B", []email.MessageId{"A"}, 11))
	f.add(mkEmail(3, "C", []email.MessageId{"B", "A"}, 12))
	m, rec := startMonitor(t, f, newFakeAccount(), 50)

	f.removeEmails(2)
	waitIdle(t, m)

	assert.Equal(t, 1, m.ConversationCount())
	assert.Equal(t, 1, rec.count("trimmed:1"))

	conv := m.ConversationFor(1)
	require.NotNil(t, conv)
	assert.Equal(t, 2, conv.EmailCount())
	assert.Equal(t, []email.MessageId{"A", "C"}, conv.MessageIds())
}

func TestOutOfFolderExpansion(t *testing.T) {
	otherPath := email.NewFolderPath("Archive")
	f := newFakeFolder(inboxPath)
	a := newFakeAccount()

	e0 := mkEmail(100, "Z", nil, 5)
	a.addLocal(otherPath, e0)

	m, _ := startMonitor(t, f, a, 50)

	f.appendEmails(mkEmail(5, "E5", []email.MessageId{"Z"}, 10))
	waitIdle(t, m)

	conv := m.ConversationFor(5)
	require.NotNil(t, conv)
	assert.Equal(t, 2, conv.EmailCount(), "out-of-folder email joined via local search")
	assert.True(t, conv.HasEmail(100))
	assert.Equal(t, 1, m.ConversationCount())
}

func TestBlacklistExclusion(t *testing.T) {
	trashPath := email.NewFolderPath("Trash")
	f := newFakeFolder(inboxPath)
	a := newFakeAccount()
	a.specials[account.KindTrash] = trashPath

	e0 := mkEmail(100, "Z", nil, 5)
	a.addLocal(trashPath, e0)

	m, _ := startMonitor(t, f, a, 50)

	f.appendEmails(mkEmail(5, "E5", []email.MessageId{"Z"}, 10))
	waitIdle(t, m)

	conv := m.ConversationFor(5)
	require.NotNil(t, conv)
	assert.Equal(t, 1, conv.EmailCount(), "trash is excluded from expansion")
	assert.False(t, conv.HasEmail(100))
}

func TestDraftFlagExcludedFromExpansion(t *testing.T) {
	otherPath := email.NewFolderPath("Archive")
	f := newFakeFolder(inboxPath)
	a := newFakeAccount()

	draft := mkEmail(100, "Z", nil, 5)
	draft.Flags = email.FlagDraft
	a.addLocal(otherPath, draft)

	m, _ := startMonitor(t, f, a, 50)

	f.appendEmails(mkEmail(5, "E5", []email.MessageId{"Z"}, 10))
	waitIdle(t, m)

	conv := m.ConversationFor(5)
	require.NotNil(t, conv)
	assert.Equal(t, 1, conv.EmailCount())
}

func TestBoundedRecursiveExpansion(t *testing.T) {
	otherPath := email.NewFolderPath("Archive")
	f := newFakeFolder(inboxPath)
	a := newFakeAccount()

	// A chain: each found email references the next unknown one
	a.addLocal(otherPath, mkEmail(101, "Z1", []email.MessageId{"Z2"}, 4))
	a.addLocal(otherPath, mkEmail(102, "Z2", []email.MessageId{"Z3"}, 3))
	a.addLocal(otherPath, mkEmail(103, "Z3", nil, 2))

	m, _ := startMonitor(t, f, a, 50)

	f.appendEmails(mkEmail(5, "E5", []email.MessageId{"Z1"}, 10))
	waitIdle(t, m)

	conv := m.ConversationFor(5)
	require.NotNil(t, conv)
	assert.Equal(t, 4, conv.EmailCount(), "expansion cascades through the chain")
	assert.Equal(t, 1, m.ConversationCount())
}

func TestRemoveReexpandsFromLocalStore(t *testing.T) {
	otherPath := email.NewFolderPath("Archive")
	f := newFakeFolder(inboxPath)
	a := newFakeAccount()

	f.add(mkEmail(1, "A", nil, 10))
	f.add(mkEmail(2, "B", []email.MessageId{"A"}, 11))

	m, _ := startMonitor(t, f, a, 50)
	conv := m.ConversationFor(1)
	require.NotNil(t, conv)

	// An archived copy of the thread lands in the local store after the
	// initial load; the trim re-expansion should surface it
	archived := mkEmail(200, "B2", []email.MessageId{"A"}, 12)
	a.addLocal(otherPath, archived)

	f.removeEmails(2)
	waitIdle(t, m)

	// The trim triggered a re-expansion that found the archived email
	conv = m.ConversationFor(1)
	require.NotNil(t, conv)
	assert.True(t, conv.HasEmail(200), "archived email re-materialized the thread")
}

func TestExternalAppend(t *testing.T) {
	sentPath := email.NewFolderPath("Sent")
	f := newFakeFolder(inboxPath)
	a := newFakeAccount()

	f.add(mkEmail(1, "A", nil, 10))
	m, _ := startMonitor(t, f, a, 50)

	// A reply lands in Sent and finishes syncing locally
	reply := mkEmail(300, "R", []email.MessageId{"A"}, 11)
	a.addLocal(sentPath, reply)
	a.notifyLocallyComplete(sentPath, []email.Id{300})
	waitIdle(t, m)

	conv := m.ConversationFor(1)
	require.NotNil(t, conv)
	assert.Equal(t, 2, conv.EmailCount())
	assert.True(t, conv.HasEmail(300))
}

func TestExternalAppendBlacklisted(t *testing.T) {
	draftsPath := email.NewFolderPath("Drafts")
	f := newFakeFolder(inboxPath)
	a := newFakeAccount()
	a.specials[account.KindDrafts] = draftsPath

	f.add(mkEmail(1, "A", nil, 10))
	m, _ := startMonitor(t, f, a, 50)

	draft := mkEmail(300, "R", []email.MessageId{"A"}, 11)
	a.addLocal(draftsPath, draft)
	a.notifyLocallyComplete(draftsPath, []email.Id{300})
	waitIdle(t, m)

	conv := m.ConversationFor(1)
	require.NotNil(t, conv)
	assert.Equal(t, 1, conv.EmailCount(), "drafts folder never threads in")
}

func TestExternalAppendUnrelatedIgnored(t *testing.T) {
	sentPath := email.NewFolderPath("Sent")
	f := newFakeFolder(inboxPath)
	a := newFakeAccount()

	f.add(mkEmail(1, "A", nil, 10))
	m, _ := startMonitor(t, f, a, 50)

	unrelated := mkEmail(300, "X", []email.MessageId{"Y"}, 11)
	a.addLocal(sentPath, unrelated)
	a.notifyLocallyComplete(sentPath, []email.Id{300})
	waitIdle(t, m)

	assert.Equal(t, 1, m.ConversationCount())
	assert.Nil(t, m.ConversationFor(300))
}

func TestWindowFillAndIncrease(t *testing.T) {
	f := newFakeFolder(inboxPath)
	for i := 1; i <= 200; i++ {
		f.add(mkEmail(email.Id(i), email.MessageId(fmt.Sprintf("m%d@x", i)), nil, i))
	}

	m, _ := startMonitor(t, f, newFakeAccount(), 50)

	assert.GreaterOrEqual(t, m.ConversationCount(), 50)
	assert.False(t, m.AllMessagesLoaded())
	firstLow := lowestHeld(m)

	ok := m.IncreaseWindow(50)
	assert.True(t, ok)
	waitIdle(t, m)

	assert.GreaterOrEqual(t, m.ConversationCount(), 100)
	assert.Less(t, lowestHeld(m), firstLow, "fill expanded below the previous low")
	assert.False(t, m.AllMessagesLoaded())

	ok = m.IncreaseWindow(100)
	assert.True(t, ok)
	waitIdle(t, m)

	assert.Equal(t, 200, m.ConversationCount())
	assert.True(t, m.AllMessagesLoaded())

	// Everything is loaded: growing the window further is refused
	assert.False(t, m.IncreaseWindow(10))
}

func lowestHeld(m *Monitor) email.Id {
	lowest := email.Id(0)
	for _, conv := range m.Conversations() {
		for _, e := range conv.Emails(conversation.OldestFirst, conversation.InFolder, nil) {
			if lowest == 0 || e.Id < lowest {
				lowest = e.Id
			}
		}
	}
	return lowest
}

func TestIncreaseWindowRejectsNonPositive(t *testing.T) {
	f := newFakeFolder(inboxPath)
	m, _ := startMonitor(t, f, newFakeAccount(), 50)
	assert.False(t, m.IncreaseWindow(0))
	assert.False(t, m.IncreaseWindow(-5))
}

func TestSeedCompletedLatch(t *testing.T) {
	f := newFakeFolder(inboxPath)
	f.openState = folder.StateBoth
	f.add(mkEmail(1, "A", nil, 10))

	m, rec := startMonitor(t, f, newFakeAccount(), 50)
	assert.Equal(t, 0, rec.count("seed-completed"), "no reseed while folder reported closed at start")

	f.changeState(folder.StateBoth)
	waitIdle(t, m)
	assert.Equal(t, 1, rec.count("seed-completed"))

	// Further remote transitions reseed again but never re-latch
	f.changeState(folder.StateRemote)
	waitIdle(t, m)
	assert.Equal(t, 1, rec.count("seed-completed"))
}

func TestReseedOnAlreadyOpenFolder(t *testing.T) {
	f := newFakeFolder(inboxPath)
	f.openState = folder.StateBoth
	f.mu.Lock()
	f.state = folder.StateBoth
	f.mu.Unlock()
	f.add(mkEmail(1, "A", nil, 10))

	_, rec := startMonitor(t, f, newFakeAccount(), 50)
	assert.Equal(t, 1, rec.count("seed-completed"))
}

func TestFlagsChanged(t *testing.T) {
	f := newFakeFolder(inboxPath)
	e1 := mkEmail(1, "A", nil, 10)
	f.add(e1)

	m, rec := startMonitor(t, f, newFakeAccount(), 50)

	conv := m.ConversationFor(1)
	require.NotNil(t, conv)
	require.False(t, conv.IsFlagged())

	m.AccountFlagsChanged(inboxPath, map[email.Id]email.Flags{1: email.FlagUnread | email.FlagFlagged})

	assert.Equal(t, 1, rec.count("flags-changed:1"))
	assert.True(t, conv.IsFlagged())
	assert.True(t, conv.IsUnread())

	// Re-delivering identical flags is not an event
	m.AccountFlagsChanged(inboxPath, map[email.Id]email.Flags{1: email.FlagUnread | email.FlagFlagged})
	assert.Equal(t, 1, rec.count("flags-changed:1"))
}

func TestFlagsChangedOtherFolderIgnored(t *testing.T) {
	f := newFakeFolder(inboxPath)
	f.add(mkEmail(1, "A", nil, 10))
	m, rec := startMonitor(t, f, newFakeAccount(), 50)

	m.AccountFlagsChanged(email.NewFolderPath("Archive"), map[email.Id]email.Flags{1: email.FlagFlagged})
	assert.Equal(t, 0, rec.count("flags-changed:1"))
}

func TestStartReentrant(t *testing.T) {
	f := newFakeFolder(inboxPath)
	m, rec := startMonitor(t, f, newFakeAccount(), 50)

	started, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.False(t, started, "second start is refused")

	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, m.IsMonitoring())
	assert.Equal(t, 1, rec.count("monitoring-started"))
	assert.Equal(t, 1, rec.count("monitoring-stopped:false"))

	// A fresh start works after stop
	started, err = m.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
	waitIdle(t, m)
}

func TestStartOpenFailure(t *testing.T) {
	f := newFakeFolder(inboxPath)
	f.openErr = errors.New("server unavailable")

	rec := &recorder{}
	m := New(f, newFakeAccount(), Options{WindowCount: 50})
	m.SetCallbacks(rec.callbacks())

	started, err := m.Start(context.Background())
	require.Error(t, err)
	assert.False(t, started)
	assert.False(t, m.IsMonitoring())
	assert.Equal(t, 0, rec.count("monitoring-started"))

	// State reverted cleanly: a later start succeeds
	f.mu.Lock()
	f.openErr = nil
	f.mu.Unlock()
	started, err = m.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
}

func TestScanBracketing(t *testing.T) {
	f := newFakeFolder(inboxPath)
	f.add(mkEmail(1, "A", nil, 10))
	_, rec := startMonitor(t, f, newFakeAccount(), 50)

	events := rec.snapshot()
	started, completed := 0, 0
	for _, e := range events {
		switch e {
		case "scan-started":
			started++
		case "scan-completed":
			completed++
		}
	}
	assert.Equal(t, started, completed, "every scan start pairs with a completion")
	assert.Greater(t, started, 0)

	// The first structural event comes after a scan started
	firstScan, firstAdded := -1, -1
	for i, e := range events {
		if e == "scan-started" && firstScan == -1 {
			firstScan = i
		}
		if e == "added:1" && firstAdded == -1 {
			firstAdded = i
		}
	}
	require.NotEqual(t, -1, firstAdded)
	assert.Less(t, firstScan, firstAdded)
}

func TestProcessingIdempotentAcrossReseed(t *testing.T) {
	f := newFakeFolder(inboxPath)
	f.openState = folder.StateBoth
	f.add(mkEmail(1, "A", nil, 10))
	f.add(mkEmail(2, "B", []email.MessageId{"A"}, 11))

	m, _ := startMonitor(t, f, newFakeAccount(), 50)
	require.Equal(t, 1, m.ConversationCount())

	// A reseed re-lists everything already held; the set must not change
	f.changeState(folder.StateBoth)
	waitIdle(t, m)
	f.changeState(folder.StateRemote)
	waitIdle(t, m)

	assert.Equal(t, 1, m.ConversationCount())
	assert.Equal(t, 2, m.EmailCount())
}
