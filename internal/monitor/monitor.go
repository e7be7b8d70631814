// Package monitor maintains a live, windowed view of an email folder
// grouped into conversations. Folder and account events are serialized
// through an operation queue; each operation reads the folder adapter and
// mutates the conversation set, and change notifications are emitted after
// each operation completes.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hkdb/threadwatch/internal/account"
	"github.com/hkdb/threadwatch/internal/conversation"
	"github.com/hkdb/threadwatch/internal/email"
	"github.com/hkdb/threadwatch/internal/folder"
	"github.com/hkdb/threadwatch/internal/logging"
	"github.com/rs/zerolog"
)

const (
	// windowFillMessageCount is the minimum number of messages a
	// back-expanding fill loads per pass
	windowFillMessageCount = 5

	// retryConnectionDelay is how long to wait before reopening the
	// folder after a connection loss
	retryConnectionDelay = 15 * time.Second

	// defaultWindowCount is used when no initial window size is given
	defaultWindowCount = 50

	// closeTimeout bounds the folder close during stop
	closeTimeout = 30 * time.Second
)

// Callbacks holds the change notifications a consumer can subscribe to.
// Nil fields are skipped. Callbacks must not call back into the monitor's
// mutating API. Most run on the queue worker goroutine; MonitoringStarted
// and MonitoringStopped run on the goroutine calling Start or stopping, and
// EmailFlagsChanged on the goroutine delivering the account's flag event.
type Callbacks struct {
	MonitoringStarted    func()
	MonitoringStopped    func(retrying bool)
	ScanStarted          func(localOnly bool)
	ScanError            func(err error)
	ScanCompleted        func(localOnly bool)
	SeedCompleted        func()
	ConversationsAdded   func(convs []*conversation.Conversation)
	ConversationAppended func(conv *conversation.Conversation, emails []*email.Email)
	ConversationTrimmed  func(conv *conversation.Conversation, emails []*email.Email)
	ConversationRemoved  func(conv *conversation.Conversation)
	EmailFlagsChanged    func(conv *conversation.Conversation, e *email.Email)
}

// Options configures a Monitor
type Options struct {
	OpenFlags      folder.OpenFlags
	RequiredFields folder.FieldSet
	WindowCount    int

	// ReestablishConnections enables the automatic stop/sleep/start retry
	// cycle when the folder reports a connection loss
	ReestablishConnections bool
}

// Monitor owns the conversation set for one folder and keeps it current
// against folder and account events.
type Monitor struct {
	folder         folder.Folder
	account        account.Account
	openFlags      folder.OpenFlags
	requiredFields folder.FieldSet
	reestablish    bool
	queue          *queue
	callbacks      Callbacks
	log            zerolog.Logger

	mu            sync.Mutex
	set           *conversation.Set
	windowCount   int
	allLoaded     bool
	monitoring    bool
	seedNotified  bool
	retrying      bool
	parentCtx     context.Context
	sessionCancel context.CancelFunc
	workerDone    chan struct{}
}

// New creates a monitor for the given folder and account. The monitor does
// nothing until Start is called.
func New(f folder.Folder, a account.Account, opts Options) *Monitor {
	window := opts.WindowCount
	if window <= 0 {
		window = defaultWindowCount
	}
	log := logging.WithComponent("conversation-monitor").With().
		Str("folder", f.Path().String()).Logger()
	return &Monitor{
		folder:         f,
		account:        a,
		openFlags:      opts.OpenFlags,
		requiredFields: opts.RequiredFields | folder.FieldsRequired,
		reestablish:    opts.ReestablishConnections,
		queue:          newQueue(log),
		log:            log,
		set:            conversation.NewSet(f.Path()),
		windowCount:    window,
	}
}

// SetCallbacks registers the consumer's change notifications. Must be
// called before Start.
func (m *Monitor) SetCallbacks(cb Callbacks) {
	m.callbacks = cb
}

// Start begins monitoring: it seeds the queue with the initial load
// operations, subscribes to folder and account events and opens the folder.
// Returns false when already monitoring. An open failure reverts the state
// cleanly and is returned to the caller.
func (m *Monitor) Start(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.monitoring {
		m.mu.Unlock()
		return false, nil
	}
	// Guard against reentrant starts before the first await below
	m.monitoring = true
	m.seedNotified = false
	m.allLoaded = false
	m.parentCtx = ctx
	m.mu.Unlock()

	sessionCtx, cancel := context.WithCancel(ctx)

	m.queue.reset()
	m.queue.add(&operation{kind: opLocalLoad})
	if m.folder.OpenState().RemoteAvailable() {
		m.queue.add(&operation{kind: opReseed, reason: "already opened"})
	}
	m.queue.add(&operation{kind: opFillWindow})

	m.folder.AddListener(m)
	m.account.AddListener(m)

	if err := m.folder.Open(sessionCtx, m.openFlags); err != nil {
		m.folder.RemoveListener(m)
		m.account.RemoveListener(m)
		cancel()
		m.mu.Lock()
		m.monitoring = false
		m.mu.Unlock()
		return false, fmt.Errorf("failed to open folder %s: %w", m.folder.Path(), err)
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.sessionCancel = cancel
	m.workerDone = done
	m.mu.Unlock()

	m.log.Info().Int("window", m.WindowCount()).Msg("Monitoring started")
	if m.callbacks.MonitoringStarted != nil {
		m.callbacks.MonitoringStarted()
	}

	go m.runQueue(sessionCtx, done)
	return true, nil
}

// Stop ends monitoring: it cancels the session, waits for the current
// operation, drains the queue and closes the folder. Close failures are
// logged; the monitor is considered stopped regardless.
func (m *Monitor) Stop(ctx context.Context) error {
	return m.stop(ctx, false)
}

func (m *Monitor) stop(ctx context.Context, retrying bool) error {
	m.mu.Lock()
	if !m.monitoring {
		m.mu.Unlock()
		return nil
	}
	cancel := m.sessionCancel
	done := m.workerDone
	m.sessionCancel = nil
	m.workerDone = nil
	m.mu.Unlock()

	// Signal the cancellation token first, then await the queue
	if cancel != nil {
		cancel()
	}
	m.queue.close()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.queue.clear()

	m.mu.Lock()
	m.monitoring = false
	m.mu.Unlock()

	m.folder.RemoveListener(m)
	m.account.RemoveListener(m)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer closeCancel()
	if err := m.folder.Close(closeCtx); err != nil {
		m.log.Warn().Err(err).Msg("Folder close failed during stop")
	}

	m.log.Info().Bool("retrying", retrying).Msg("Monitoring stopped")
	if m.callbacks.MonitoringStopped != nil {
		m.callbacks.MonitoringStopped(retrying)
	}
	return nil
}

// runQueue is the single consumer: it pops one operation at a time and
// executes it. A failed operation reports scan_error and the queue
// proceeds; a cancelled one terminates silently.
func (m *Monitor) runQueue(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		op := m.queue.pop(ctx)
		if op == nil {
			return
		}

		err := m.execute(ctx, op)
		m.queue.finish()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn().Err(err).Str("operation", op.kind.String()).Msg("Operation failed")
			if m.callbacks.ScanError != nil {
				m.callbacks.ScanError(err)
			}
		}
	}
}

func (m *Monitor) execute(ctx context.Context, op *operation) error {
	m.log.Debug().Str("operation", op.kind.String()).Msg("Executing operation")
	switch op.kind {
	case opLocalLoad:
		return m.executeLocalLoad(ctx)
	case opReseed:
		return m.executeReseed(ctx, op.reason)
	case opFillWindow:
		return m.executeFillWindow(ctx, op.insert)
	case opAppend:
		return m.executeAppend(ctx, op.ids)
	case opRemove:
		return m.executeRemove(ctx, op.ids)
	case opExternalAppend:
		return m.executeExternalAppend(ctx, op.foreign, op.ids)
	default:
		return fmt.Errorf("unknown operation kind %d", op.kind)
	}
}

// IncreaseWindow grows the window by delta conversations and schedules a
// fill. Returns false when a fill is already pending or everything is
// loaded.
func (m *Monitor) IncreaseWindow(delta int) bool {
	if delta <= 0 {
		return false
	}
	m.mu.Lock()
	if m.allLoaded {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	if m.queue.has(opFillWindow) {
		return false
	}

	m.mu.Lock()
	m.windowCount += delta
	window := m.windowCount
	m.mu.Unlock()

	m.log.Debug().Int("window", window).Msg("Window increased")
	m.queue.add(&operation{kind: opFillWindow})
	return true
}

// Conversations returns a newest-first snapshot of the current set
func (m *Monitor) Conversations() []*conversation.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set.Conversations()
}

// ConversationFor returns the conversation holding the given email, or nil
func (m *Monitor) ConversationFor(id email.Id) *conversation.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set.ByEmailId(id)
}

// ConversationCount returns the number of conversations held
func (m *Monitor) ConversationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set.Size()
}

// EmailCount returns the total number of emails held
func (m *Monitor) EmailCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set.EmailCount()
}

// AllMessagesLoaded reports whether the whole folder is materialized
func (m *Monitor) AllMessagesLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allLoaded
}

// IsMonitoring reports whether a monitoring session is active
func (m *Monitor) IsMonitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitoring
}

// WindowCount returns the current window target
func (m *Monitor) WindowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windowCount
}

// IsProcessing reports whether any operation is queued or running
func (m *Monitor) IsProcessing() bool {
	return m.queue.isProcessing()
}

// ============================================================================
// Folder and account event callbacks. These only enqueue; they never touch
// the conversation set directly.
// ============================================================================

// FolderAppended implements folder.Listener
func (m *Monitor) FolderAppended(ids []email.Id) {
	if !m.IsMonitoring() || len(ids) == 0 {
		return
	}
	m.queue.add(&operation{kind: opAppend, ids: ids})
}

// FolderInserted implements folder.Listener. Emails landing below the top
// are appended like any other, and a fill pass re-checks the window since an
// insert can shift which messages the window should span.
func (m *Monitor) FolderInserted(ids []email.Id) {
	if !m.IsMonitoring() || len(ids) == 0 {
		return
	}
	m.queue.add(&operation{kind: opAppend, ids: ids})
	m.queue.add(&operation{kind: opFillWindow, insert: true})
}

// FolderRemoved implements folder.Listener
func (m *Monitor) FolderRemoved(ids []email.Id) {
	if !m.IsMonitoring() || len(ids) == 0 {
		return
	}
	m.queue.add(&operation{kind: opRemove, ids: ids})
}

// FolderOpenStateChanged implements folder.Listener
func (m *Monitor) FolderOpenStateChanged(state folder.OpenState, count int) {
	if !m.IsMonitoring() {
		return
	}
	m.log.Debug().Str("state", state.String()).Int("count", count).Msg("Folder open state changed")

	if state.RemoteAvailable() {
		m.queue.add(&operation{kind: opReseed, reason: state.String()})
		m.queue.add(&operation{kind: opFillWindow})
		return
	}

	if state == folder.StateClosed && m.reestablish {
		m.scheduleRetry()
	}
}

// scheduleRetry runs the stop/sleep/start cycle after a connection loss.
// The cycle repeats until the parent context is cancelled or a start
// succeeds.
func (m *Monitor) scheduleRetry() {
	m.mu.Lock()
	if m.retrying {
		m.mu.Unlock()
		return
	}
	m.retrying = true
	parent := m.parentCtx
	m.mu.Unlock()

	if parent == nil {
		parent = context.Background()
	}

	go func() {
		defer func() {
			m.mu.Lock()
			m.retrying = false
			m.mu.Unlock()
		}()

		m.log.Info().Dur("delay", retryConnectionDelay).Msg("Connection lost, scheduling retry")
		if err := m.stop(context.Background(), true); err != nil {
			m.log.Warn().Err(err).Msg("Stop failed during retry")
		}

		for {
			select {
			case <-time.After(retryConnectionDelay):
			case <-parent.Done():
				return
			}

			if _, err := m.Start(parent); err != nil {
				m.log.Warn().Err(err).Msg("Retry start failed, will retry again")
				continue
			}
			return
		}
	}()
}

// AccountFlagsChanged implements account.Listener. Flag refreshes mutate
// the affected emails in place; they never change conversation structure,
// so they bypass the queue.
func (m *Monitor) AccountFlagsChanged(folderPath email.FolderPath, flags map[email.Id]email.Flags) {
	if !m.IsMonitoring() || !folderPath.Equal(m.folder.Path()) {
		return
	}

	type change struct {
		conv *conversation.Conversation
		e    *email.Email
	}
	var changes []change

	m.mu.Lock()
	for id, newFlags := range flags {
		conv := m.set.ByEmailId(id)
		if conv == nil {
			continue
		}
		e := conv.Email(id)
		if e == nil || e.Flags.Equal(newFlags) {
			continue
		}
		e.Flags = newFlags
		changes = append(changes, change{conv: conv, e: e})
	}
	m.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].e.Id.Less(changes[j].e.Id) })
	if m.callbacks.EmailFlagsChanged != nil {
		for _, c := range changes {
			m.callbacks.EmailFlagsChanged(c.conv, c.e)
		}
	}
}

// AccountLocallyComplete implements account.Listener. Completions in a
// foreign folder may thread into a held conversation; completions in the
// monitored folder already arrive via FolderAppended.
func (m *Monitor) AccountLocallyComplete(folderPath email.FolderPath, ids []email.Id) {
	if !m.IsMonitoring() || len(ids) == 0 {
		return
	}
	if folderPath.Equal(m.folder.Path()) {
		return
	}
	m.queue.add(&operation{kind: opExternalAppend, foreign: folderPath, ids: ids})
}

// searchBlacklist returns the folders and flags excluded from thread
// expansion: spam, trash, drafts, the monitored folder itself, and draft
// emails anywhere.
func (m *Monitor) searchBlacklist() (email.PathSet, email.Flags) {
	set := email.NewPathSet()
	for _, kind := range []account.SpecialKind{account.KindSpam, account.KindTrash, account.KindDrafts} {
		if path, ok := m.account.SpecialFolder(kind); ok {
			set.Add(path)
		}
	}
	set.Add(m.folder.Path())
	return set, email.FlagDraft
}
