package monitor

import (
	"context"
	"sort"
	"sync"

	"github.com/hkdb/threadwatch/internal/conversation"
	"github.com/hkdb/threadwatch/internal/email"
)

// localSearchWorkers bounds the parallel Message-ID lookups during thread
// expansion
const localSearchWorkers = 5

// processEmails is the ingestion pipeline every scan-bearing operation runs
// its results through. It expands the batch with locally-cached messages
// that share Message-IDs with the incoming ones, recursing until no new
// emails surface, then applies the whole accumulated batch to the set at
// once. Recursion terminates because each pass only adds strictly new
// email ids, bounded by the size of the local store.
func (m *Monitor) processEmails(ctx context.Context, batch []*email.Email, localOnly, insideScan bool) error {
	accumulated := make(map[email.Id]*email.Email)
	var order []email.Id
	searched := make(map[email.MessageId]struct{})

	frontier := batch
	for len(frontier) > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Collapse duplicates and skip emails with no folder (these are
		// stubs the local store cannot place)
		var fresh []*email.Email
		for _, e := range frontier {
			if e == nil || len(e.Folder) == 0 {
				continue
			}
			if _, dup := accumulated[e.Id]; dup {
				continue
			}
			accumulated[e.Id] = e
			order = append(order, e.Id)
			fresh = append(fresh, e)
		}
		if len(fresh) == 0 {
			break
		}

		// Ancestors not yet represented anywhere are worth a local search
		ownIds := make(map[email.MessageId]struct{}, len(accumulated))
		for _, e := range accumulated {
			if e.MessageId != "" {
				ownIds[e.MessageId] = struct{}{}
			}
		}

		var needed []email.MessageId
		m.mu.Lock()
		for _, e := range fresh {
			for _, mid := range e.Ancestors() {
				if _, done := searched[mid]; done {
					continue
				}
				if _, own := ownIds[mid]; own {
					continue
				}
				if m.set.HasMessageId(mid) {
					continue
				}
				searched[mid] = struct{}{}
				needed = append(needed, mid)
			}
		}
		m.mu.Unlock()

		if len(needed) == 0 {
			break
		}
		frontier = m.localSearchAll(ctx, needed)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if len(accumulated) > 0 {
		all := make([]*email.Email, 0, len(order))
		for _, id := range order {
			all = append(all, accumulated[id])
		}

		m.mu.Lock()
		result := m.set.AddAll(all)
		m.mu.Unlock()

		m.emitAddResult(result)
	}

	if insideScan {
		if m.callbacks.ScanCompleted != nil {
			m.callbacks.ScanCompleted(localOnly)
		}
	}
	return nil
}

// localSearchAll looks up each Message-ID in the local store with a bounded
// worker pool, scoped by the search blacklist. Per-id failures are logged
// and skipped; the next reseed reconciles anything missed.
func (m *Monitor) localSearchAll(ctx context.Context, mids []email.MessageId) []*email.Email {
	if len(mids) == 0 {
		return nil
	}

	excludeFolders, excludeFlags := m.searchBlacklist()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var found []*email.Email
	sem := make(chan struct{}, localSearchWorkers)

	for _, mid := range mids {
		wg.Add(1)
		go func(mid email.MessageId) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			emails, err := m.account.LocalSearch(ctx, mid, excludeFolders, excludeFlags)
			if err != nil {
				if ctx.Err() == nil {
					m.log.Debug().Err(err).Str("messageId", mid.String()).Msg("Local search failed")
				}
				return
			}
			if len(emails) == 0 {
				return
			}
			mu.Lock()
			found = append(found, emails...)
			mu.Unlock()
		}(mid)
	}
	wg.Wait()

	// Workers race, so fix the order for deterministic downstream batches
	sort.Slice(found, func(i, j int) bool { return found[i].Id.Less(found[j].Id) })
	return found
}

// emitAddResult fires the change notifications for one batch in the
// required order: merge removals, then additions, then appends.
func (m *Monitor) emitAddResult(result conversation.AddResult) {
	if m.callbacks.ConversationRemoved != nil {
		for _, c := range result.RemovedByMerge {
			m.callbacks.ConversationRemoved(c)
		}
	}
	if len(result.Added) > 0 && m.callbacks.ConversationsAdded != nil {
		m.callbacks.ConversationsAdded(result.Added)
	}
	if m.callbacks.ConversationAppended != nil {
		for _, ap := range result.Appended {
			m.callbacks.ConversationAppended(ap.Conversation, ap.Emails)
		}
	}
}
