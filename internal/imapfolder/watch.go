package imapfolder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/hkdb/threadwatch/internal/email"
	"github.com/hkdb/threadwatch/internal/folder"
	"github.com/rs/zerolog"
)

// IDLE cycle parameters. RFC 2177 recommends re-issuing IDLE well under 29
// minutes; shorter cycles also surface dead connections sooner.
const (
	idleTimeout          = 10 * time.Minute
	reconnectBackoff     = 1 * time.Second
	maxReconnectBackoff  = 5 * time.Minute
	maxReconnectAttempts = 10
)

// watcher keeps a dedicated IDLE connection on the mailbox and translates
// unilateral server data into folder events. It runs on its own connection:
// IDLE parks the line, so sharing the listing connection would block
// fetches.
type watcher struct {
	folder *Folder
	log    zerolog.Logger

	mu      sync.Mutex
	running bool
	client  *imapclient.Client
	stopCh  chan struct{}
	doneCh  chan struct{}

	// pending event accumulation between IDLE cycles
	pendingMu      sync.Mutex
	pendingExists  bool
	pendingExpunge bool
}

func newWatcher(f *Folder) *watcher {
	return &watcher{
		folder: f,
		log:    f.log.With().Str("component", "imap-watch").Logger(),
	}
}

func (w *watcher) start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.run()
}

func (w *watcher) stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		w.log.Warn().Msg("Watcher shutdown timed out, forcing close")
		w.mu.Lock()
		if w.client != nil {
			w.client.Close()
			w.client = nil
		}
		w.mu.Unlock()
	}
}

func (w *watcher) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// run is the watch loop: connect, IDLE, reconcile, repeat. After the
// reconnect budget is exhausted the folder is reported closed so the
// monitor's retry cycle takes over.
func (w *watcher) run() {
	defer func() {
		w.mu.Lock()
		if w.client != nil {
			w.client.Close()
			w.client = nil
		}
		close(w.doneCh)
		w.mu.Unlock()
	}()

	backoff := reconnectBackoff
	attempts := 0

	for {
		if w.stopped() {
			return
		}

		if err := w.ensureConnected(); err != nil {
			attempts++
			if attempts >= maxReconnectAttempts {
				w.log.Error().Err(err).Int("attempts", attempts).
					Msg("Max reconnection attempts reached, reporting folder closed")
				w.folder.setState(folder.StateClosed, 0)
				return
			}

			w.log.Warn().Err(err).Dur("backoff", backoff).Int("attempt", attempts).
				Msg("Failed to connect for IDLE, retrying")

			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxReconnectBackoff)
				continue
			case <-w.stopCh:
				return
			}
		}

		backoff = reconnectBackoff
		attempts = 0

		if err := w.idleCycle(); err != nil {
			w.log.Warn().Err(err).Msg("IDLE cycle failed")
			w.mu.Lock()
			if w.client != nil {
				w.client.Close()
				w.client = nil
			}
			w.mu.Unlock()
			continue
		}

		// Whatever happened during the cycle, reconcile now that the
		// line is free again
		w.reconcile()
	}
}

// ensureConnected dials the watch connection with a unilateral data handler
// and selects the mailbox
func (w *watcher) ensureConnected() error {
	w.mu.Lock()
	if w.client != nil {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					w.log.Debug().Uint32("count", *data.NumMessages).Msg("Mailbox count changed (EXISTS)")
					w.pendingMu.Lock()
					w.pendingExists = true
					w.pendingMu.Unlock()
				}
			},
			Expunge: func(seqNum uint32) {
				w.log.Debug().Uint32("seqNum", seqNum).Msg("Message expunged")
				w.pendingMu.Lock()
				w.pendingExpunge = true
				w.pendingMu.Unlock()
			},
		},
	}

	client, err := connect(w.folder.cfg, options)
	if err != nil {
		return err
	}

	if !client.Caps().Has("IDLE") {
		client.Close()
		return fmt.Errorf("server does not support IDLE")
	}

	if _, err := client.Select(w.folder.mailbox, nil).Wait(); err != nil {
		client.Close()
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	w.mu.Lock()
	w.client = client
	w.mu.Unlock()

	w.log.Debug().Msg("Watch connection established")
	return nil
}

// idleCycle parks in IDLE until the timeout, a stop, or unilateral data has
// arrived
func (w *watcher) idleCycle() error {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil {
		return nil
	}

	// Verify the connection is alive before parking in IDLE
	if err := client.Noop().Wait(); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	idleCmd, err := client.Idle()
	if err != nil {
		return fmt.Errorf("failed to start IDLE: %w", err)
	}

	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	// Poll for pending unilateral data so reconciliation runs promptly
	// rather than at the end of the full IDLE window
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			idleCmd.Close()
			return nil
		case <-timer.C:
			return idleCmd.Close()
		case <-ticker.C:
			w.pendingMu.Lock()
			pending := w.pendingExists || w.pendingExpunge
			w.pendingMu.Unlock()
			if pending {
				return idleCmd.Close()
			}
		}
	}
}

// reconcile diffs the server's uid list against the mirror and fans out
// appended/removed events for the difference
func (w *watcher) reconcile() {
	w.pendingMu.Lock()
	hadExists := w.pendingExists
	hadExpunge := w.pendingExpunge
	w.pendingExists = false
	w.pendingExpunge = false
	w.pendingMu.Unlock()

	if !hadExists && !hadExpunge {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	serverUIDs, err := w.fetchAllUIDs(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("Reconcile uid listing failed")
		return
	}

	mirrored, err := w.folder.store.UIDs(ctx, w.folder.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("Reconcile mirror listing failed")
		return
	}

	w.folder.mu.Lock()
	w.folder.total = len(serverUIDs)
	w.folder.mu.Unlock()

	serverSet := make(map[uint32]struct{}, len(serverUIDs))
	var newUIDs []uint32
	for _, uid := range serverUIDs {
		serverSet[uid] = struct{}{}
		if _, ok := mirrored[uid]; !ok {
			newUIDs = append(newUIDs, uid)
		}
	}
	var goneUIDs []uint32
	for uid := range mirrored {
		if _, ok := serverSet[uid]; !ok {
			goneUIDs = append(goneUIDs, uid)
		}
	}

	if len(newUIDs) > 0 {
		ids, err := w.folder.mirrorHeaders(ctx, newUIDs)
		if err != nil {
			w.log.Warn().Err(err).Msg("Failed to mirror new messages")
		}
		if len(ids) > 0 {
			w.log.Info().Int("count", len(ids)).Msg("New messages arrived")
			w.folder.notifyAppended(ids)
		}
	}

	if len(goneUIDs) > 0 {
		ids, err := w.folder.store.DeleteByUID(ctx, w.folder.path, goneUIDs)
		if err != nil {
			w.log.Warn().Err(err).Msg("Failed to drop expunged messages")
		}
		if len(ids) > 0 {
			w.log.Info().Int("count", len(ids)).Msg("Messages expunged")
			w.folder.notifyRemoved(ids)
		}
	}

	w.syncFlags(ctx, mirrored, serverSet)
}

// syncFlags re-reads the flags of every mirrored message still on the
// server and pushes the differences through the account so flag change
// events reach the monitor
func (w *watcher) syncFlags(ctx context.Context, mirrored map[uint32]email.Id, serverSet map[uint32]struct{}) {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil || w.folder.account == nil {
		return
	}

	uidSet := imap.UIDSet{}
	count := 0
	for uid := range mirrored {
		if _, ok := serverSet[uid]; ok {
			uidSet.AddNum(imap.UID(uid))
			count++
		}
	}
	if count == 0 {
		return
	}

	fetchCmd := client.Fetch(uidSet, &imap.FetchOptions{UID: true, Flags: true})
	updates := make(map[email.Id]email.Flags)

	for {
		if ctx.Err() != nil {
			fetchCmd.Close()
			return
		}
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var fetchedUID imap.UID
		var flags []imap.Flag
		var gotFlags bool
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				fetchedUID = data.UID
			case imapclient.FetchItemDataFlags:
				flags = data.Flags
				gotFlags = true
			}
		}
		if fetchedUID == 0 || !gotFlags {
			continue
		}
		if id, ok := mirrored[uint32(fetchedUID)]; ok {
			updates[id] = convertFlags(flags)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		w.log.Debug().Err(err).Msg("Flag sweep fetch failed")
		return
	}

	if len(updates) == 0 {
		return
	}
	if err := w.folder.account.NotifyFlagsChanged(ctx, w.folder.path, updates); err != nil {
		w.log.Warn().Err(err).Msg("Failed to publish flag changes")
	}
}

// fetchAllUIDs lists the mailbox uids on the watch connection
func (w *watcher) fetchAllUIDs(ctx context.Context) ([]uint32, error) {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("watch connection not established")
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
