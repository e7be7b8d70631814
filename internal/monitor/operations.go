package monitor

import (
	"context"
	"fmt"
	"math"

	"github.com/hkdb/threadwatch/internal/email"
	"github.com/hkdb/threadwatch/internal/folder"
)

// reseedListMax asks for everything above the lowest held id
const reseedListMax = math.MaxInt32

// executeLocalLoad populates the set from the local mirror only. The count
// covers at least the window, extended to reach the newest locally-mirrored
// email so a stale mirror top doesn't truncate the view.
func (m *Monitor) executeLocalLoad(ctx context.Context) error {
	_, offset, err := m.folder.FetchLocalNewest(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch local newest: %w", err)
	}

	count := max(m.WindowCount(), offset+1)

	m.emitScanStarted(true)
	emails, err := m.folder.ListById(ctx, nil, count, m.requiredFields, folder.ListLocalOnly)
	if err != nil {
		return fmt.Errorf("local load listing failed: %w", err)
	}

	return m.processEmails(ctx, emails, true, true)
}

// executeReseed re-lists from the chronologically lowest held id upward,
// reconciling the set against the remote after it comes online. The
// seed-completed notification latches once per monitoring session.
func (m *Monitor) executeReseed(ctx context.Context, reason string) error {
	m.log.Debug().Str("reason", reason).Msg("Reseeding")

	m.mu.Lock()
	ids := m.set.InFolderIds()
	window := m.windowCount
	m.mu.Unlock()

	m.emitScanStarted(false)

	var emails []*email.Email
	listed := false
	if len(ids) > 0 {
		lowest, _, ok, err := m.folder.FindBoundaries(ctx, ids)
		if err != nil {
			return fmt.Errorf("reseed boundary lookup failed: %w", err)
		}
		if ok {
			start := lowest
			emails, err = m.folder.ListById(ctx, &start, reseedListMax, m.requiredFields,
				folder.ListOldestToNewest|folder.ListIncludingId)
			if err != nil {
				return fmt.Errorf("reseed listing failed: %w", err)
			}
			listed = true
		}
	}
	if !listed {
		var err error
		emails, err = m.folder.ListById(ctx, nil, window, m.requiredFields, folder.ListNone)
		if err != nil {
			return fmt.Errorf("reseed listing failed: %w", err)
		}
	}

	if err := m.processEmails(ctx, emails, false, true); err != nil {
		return err
	}

	m.mu.Lock()
	notify := !m.seedNotified
	m.seedNotified = true
	m.mu.Unlock()
	if notify && m.callbacks.SeedCompleted != nil {
		m.callbacks.SeedCompleted()
	}
	return nil
}

// executeFillWindow loads more conversations until the window target is
// met. When a lowest id is known the fill expands backwards from it;
// otherwise it loads from the top. The operation re-enqueues itself while
// it keeps making progress short of the target.
func (m *Monitor) executeFillWindow(ctx context.Context, insert bool) error {
	m.mu.Lock()
	size := m.set.Size()
	window := m.windowCount
	monitoring := m.monitoring
	prevInFolder := m.set.InFolderEmailCount()
	lowest, haveLowest := m.set.LowestInFolderId()
	m.mu.Unlock()

	if !monitoring || window <= size {
		return nil
	}

	state := m.folder.OpenState()
	flags := folder.ListNone
	localOnly := false
	if !state.RemoteAvailable() {
		flags = folder.ListLocalOnly
		localOnly = true
	}

	m.emitScanStarted(localOnly)

	var emails []*email.Email
	var err error
	if !insert && haveLowest {
		count := max(window-size, windowFillMessageCount)
		start := lowest
		emails, err = m.folder.ListById(ctx, &start, count, m.requiredFields, flags)
	} else {
		emails, err = m.folder.ListById(ctx, nil, window, m.requiredFields, flags)
	}
	if err != nil {
		return fmt.Errorf("window fill listing failed: %w", err)
	}

	if err := m.processEmails(ctx, emails, localOnly, true); err != nil {
		return err
	}

	total := m.folder.EmailTotal()
	m.mu.Lock()
	inFolder := m.set.InFolderEmailCount()
	m.allLoaded = inFolder >= total
	grown := inFolder > prevInFolder
	short := m.set.Size() < m.windowCount
	allLoaded := m.allLoaded
	m.mu.Unlock()

	if grown && short && !allLoaded {
		m.queue.add(&operation{kind: opFillWindow})
	}
	return nil
}

// executeAppend ingests emails the folder reported as newly arrived
func (m *Monitor) executeAppend(ctx context.Context, ids []email.Id) error {
	m.emitScanStarted(false)
	emails, err := m.folder.ListBySparseId(ctx, ids, m.requiredFields, folder.ListNone)
	if err != nil {
		return fmt.Errorf("append listing failed: %w", err)
	}
	return m.processEmails(ctx, emails, false, true)
}

// executeRemove drops emails from the set. Conversations that were merely
// trimmed get re-expanded from the local store so an out-of-folder message
// can keep representing the thread.
func (m *Monitor) executeRemove(ctx context.Context, ids []email.Id) error {
	m.mu.Lock()
	result := m.set.Remove(ids)
	m.mu.Unlock()

	for _, t := range result.Trimmed {
		if m.callbacks.ConversationTrimmed != nil {
			m.callbacks.ConversationTrimmed(t.Conversation, t.Emails)
		}
	}
	for _, c := range result.Removed {
		if m.callbacks.ConversationRemoved != nil {
			m.callbacks.ConversationRemoved(c)
		}
	}

	if len(result.Trimmed) == 0 {
		return nil
	}

	// Gather the trimmed conversations' closures and re-materialize any
	// locally-cached messages that still belong to those threads
	m.mu.Lock()
	seen := make(map[email.MessageId]struct{})
	var mids []email.MessageId
	for _, t := range result.Trimmed {
		for _, mid := range t.Conversation.MessageIds() {
			if _, dup := seen[mid]; !dup {
				seen[mid] = struct{}{}
				mids = append(mids, mid)
			}
		}
	}
	m.mu.Unlock()

	found := m.localSearchAll(ctx, mids)
	if len(found) == 0 {
		return nil
	}
	return m.processEmails(ctx, found, true, false)
}

// executeExternalAppend ingests emails that arrived in a different folder
// but may thread into a held conversation. Blacklisted folders and an empty
// set short-circuit; otherwise the foreign folder is opened temporarily and
// only emails whose ancestors intersect the set are pulled in.
func (m *Monitor) executeExternalAppend(ctx context.Context, foreign email.FolderPath, ids []email.Id) error {
	blacklist, _ := m.searchBlacklist()
	if blacklist.Contains(foreign) || len(foreign) == 0 {
		return nil
	}
	m.mu.Lock()
	empty := m.set.Size() == 0
	m.mu.Unlock()
	if empty {
		return nil
	}

	f, err := m.account.OpenFolder(ctx, foreign)
	if err != nil {
		return fmt.Errorf("failed to open foreign folder %s: %w", foreign, err)
	}
	if err := f.Open(ctx, folder.OpenNone); err != nil {
		return fmt.Errorf("failed to open foreign folder %s: %w", foreign, err)
	}
	defer func() {
		if closeErr := f.Close(context.Background()); closeErr != nil {
			m.log.Debug().Err(closeErr).Str("folder", foreign.String()).Msg("Foreign folder close failed")
		}
	}()

	probes, err := f.ListBySparseId(ctx, ids, folder.FieldReferences, folder.ListNone)
	if err != nil {
		return fmt.Errorf("foreign probe listing failed: %w", err)
	}

	var interesting []email.Id
	m.mu.Lock()
	for _, e := range probes {
		for _, mid := range e.Ancestors() {
			if m.set.HasMessageId(mid) {
				interesting = append(interesting, e.Id)
				break
			}
		}
	}
	m.mu.Unlock()
	if len(interesting) == 0 {
		return nil
	}

	full, err := f.ListBySparseId(ctx, interesting, m.requiredFields, folder.ListNone)
	if err != nil {
		return fmt.Errorf("foreign full listing failed: %w", err)
	}

	batch := make([]*email.Email, 0, len(full))
	for _, e := range full {
		fetched, fetchErr := m.account.LocalFetch(ctx, foreign, e.Id, m.requiredFields)
		if fetchErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Debug().Err(fetchErr).Str("id", e.Id.String()).Msg("Local fetch failed, using listed email")
		}
		if fetched != nil {
			batch = append(batch, fetched)
		} else {
			batch = append(batch, e)
		}
	}

	return m.processEmails(ctx, batch, false, false)
}

func (m *Monitor) emitScanStarted(localOnly bool) {
	if m.callbacks.ScanStarted != nil {
		m.callbacks.ScanStarted(localOnly)
	}
}
