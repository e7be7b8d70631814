package conversation

import (
	"fmt"
	"sort"

	"github.com/hkdb/threadwatch/internal/email"
)

// Appended pairs a surviving conversation with the emails that joined it
type Appended struct {
	Conversation *Conversation
	Emails       []*email.Email
}

// AddResult describes the effect of one AddAll batch. Slices are ordered the
// way change notifications must be emitted: merges first, then additions,
// then appends.
type AddResult struct {
	RemovedByMerge []*Conversation
	Added          []*Conversation
	Appended       []Appended
}

// Trimmed pairs a conversation with the emails removed from it
type Trimmed struct {
	Conversation *Conversation
	Emails       []*email.Email
}

// RemoveResult describes the effect of one Remove batch; trims are ordered
// before removals.
type RemoveResult struct {
	Trimmed []Trimmed
	Removed []*Conversation
}

// Set is the in-memory conversation index. It is not safe for concurrent
// use; the monitor serializes all mutations through its operation queue.
type Set struct {
	folder    email.FolderPath
	byEmail   map[email.Id]*Conversation
	byMessage map[email.MessageId]*Conversation
}

// NewSet creates an empty set scoped to the monitored folder
func NewSet(folder email.FolderPath) *Set {
	return &Set{
		folder:    folder,
		byEmail:   make(map[email.Id]*Conversation),
		byMessage: make(map[email.MessageId]*Conversation),
	}
}

// keysFor returns the Message-ID keys an email threads on. An email with no
// Message-ID and no references gets a synthesized singleton key so it forms
// its own conversation.
func keysFor(e *email.Email) []email.MessageId {
	if keys := e.Ancestors(); len(keys) > 0 {
		return keys
	}
	return []email.MessageId{synthesizedKey(e.Id)}
}

func synthesizedKey(id email.Id) email.MessageId {
	return email.MessageId(fmt.Sprintf("no-message-id.%d.synthesized", uint64(id)))
}

// AddAll ingests a batch of emails, threading each into an existing
// conversation, a new one, or merging several when an email bridges them.
// The batch is applied atomically: the returned result reflects the final
// state, with conversations created and absorbed within the same batch
// collapsed away.
func (s *Set) AddAll(emails []*email.Email) AddResult {
	var result AddResult

	// Conversations created by this batch, and the order they were created
	// and first appended to, so emission order is deterministic.
	created := make(map[*Conversation]struct{})
	var createdOrder []*Conversation
	appended := make(map[*Conversation][]*email.Email)
	var appendOrder []*Conversation

	seen := make(map[email.Id]struct{}, len(emails))

	for _, e := range emails {
		if _, dup := seen[e.Id]; dup {
			continue
		}
		seen[e.Id] = struct{}{}
		if _, exists := s.byEmail[e.Id]; exists {
			continue
		}

		keys := keysFor(e)
		matches := s.matchConversations(keys)

		var target *Conversation
		switch len(matches) {
		case 0:
			target = newConversation(s.folder)
			created[target] = struct{}{}
			createdOrder = append(createdOrder, target)
		case 1:
			target = matches[0]
		default:
			target = s.merge(matches, created, appended, &createdOrder, &appendOrder, &result)
		}

		target.add(e, keys)
		s.byEmail[e.Id] = target
		for _, k := range keys {
			s.byMessage[k] = target
		}
		if _, isNew := created[target]; !isNew {
			if _, present := appended[target]; !present {
				appendOrder = append(appendOrder, target)
			}
			appended[target] = append(appended[target], e)
		}
	}

	for _, c := range createdOrder {
		if _, alive := created[c]; alive {
			result.Added = append(result.Added, c)
		}
	}
	for _, c := range appendOrder {
		if emails, ok := appended[c]; ok && len(emails) > 0 {
			result.Appended = append(result.Appended, Appended{Conversation: c, Emails: emails})
		}
	}
	return result
}

// matchConversations collects the distinct conversations currently indexed
// under any of the given keys, in first-match order.
func (s *Set) matchConversations(keys []email.MessageId) []*Conversation {
	var matches []*Conversation
	dedup := make(map[*Conversation]struct{})
	for _, k := range keys {
		if c, ok := s.byMessage[k]; ok {
			if _, dup := dedup[c]; !dup {
				dedup[c] = struct{}{}
				matches = append(matches, c)
			}
		}
	}
	return matches
}

// merge folds all matched conversations into a single survivor: the one with
// the most emails, ties broken by the oldest email id. Absorbed
// conversations created earlier in the same batch simply disappear; absorbed
// pre-existing ones are reported as removed by merge, and their emails as
// appended to the survivor.
func (s *Set) merge(matches []*Conversation, created map[*Conversation]struct{},
	appended map[*Conversation][]*email.Email, createdOrder *[]*Conversation,
	appendOrder *[]*Conversation, result *AddResult) *Conversation {

	survivor := matches[0]
	for _, c := range matches[1:] {
		if c.EmailCount() > survivor.EmailCount() {
			survivor = c
			continue
		}
		if c.EmailCount() == survivor.EmailCount() {
			cOldest, cOk := c.oldestId()
			sOldest, sOk := survivor.oldestId()
			if cOk && sOk && cOldest.Less(sOldest) {
				survivor = c
			}
		}
	}

	// Absorb the losers in a deterministic order (oldest email id first)
	losers := make([]*Conversation, 0, len(matches)-1)
	for _, c := range matches {
		if c != survivor {
			losers = append(losers, c)
		}
	}
	sort.Slice(losers, func(i, j int) bool {
		a, _ := losers[i].oldestId()
		b, _ := losers[j].oldestId()
		return a.Less(b)
	})

	_, survivorIsNew := created[survivor]

	for _, loser := range losers {
		var moved []*email.Email
		for id, e := range loser.emails {
			survivor.emails[id] = e
			s.byEmail[id] = survivor
			moved = append(moved, e)
		}
		for mid := range loser.closure {
			survivor.closure[mid] = struct{}{}
			s.byMessage[mid] = survivor
		}
		sort.Slice(moved, func(i, j int) bool { return moved[i].Id.Less(moved[j].Id) })

		if _, loserIsNew := created[loser]; loserIsNew {
			// Created and absorbed within the same batch: drop silently
			delete(created, loser)
			for i, c := range *createdOrder {
				if c == loser {
					*createdOrder = append((*createdOrder)[:i], (*createdOrder)[i+1:]...)
					break
				}
			}
		} else {
			result.RemovedByMerge = append(result.RemovedByMerge, loser)
		}

		// Emails the loser accumulated this batch are already in moved;
		// just drop its pending append entry
		if _, ok := appended[loser]; ok {
			delete(appended, loser)
			for i, c := range *appendOrder {
				if c == loser {
					*appendOrder = append((*appendOrder)[:i], (*appendOrder)[i+1:]...)
					break
				}
			}
		}

		if !survivorIsNew {
			if _, present := appended[survivor]; !present {
				*appendOrder = append(*appendOrder, survivor)
			}
			appended[survivor] = append(appended[survivor], moved...)
		}
	}

	return survivor
}

// Remove drops the given emails from their conversations. A conversation
// left empty is removed entirely; otherwise its closure is recomputed from
// the remaining emails. Removing a bridging email never splits a
// conversation, even if the remaining reference graph is disconnected.
func (s *Set) Remove(ids []email.Id) RemoveResult {
	var result RemoveResult

	affected := make(map[*Conversation][]*email.Email)
	var order []*Conversation

	for _, id := range ids {
		c, ok := s.byEmail[id]
		if !ok {
			continue
		}
		e := c.remove(id)
		if e == nil {
			continue
		}
		delete(s.byEmail, id)
		if _, present := affected[c]; !present {
			order = append(order, c)
		}
		affected[c] = append(affected[c], e)
	}

	for _, c := range order {
		if c.EmailCount() == 0 {
			for mid := range c.closure {
				if s.byMessage[mid] == c {
					delete(s.byMessage, mid)
				}
			}
			result.Removed = append(result.Removed, c)
			continue
		}

		// Recompute the closure from what remains. A removed email's own
		// Message-ID leaves the closure even if a survivor still references
		// it; a later arrival carrying that id re-joins through the
		// survivor's other ids anyway.
		ownRemaining := make(map[email.MessageId]struct{})
		for _, e := range c.emails {
			if e.MessageId != "" {
				ownRemaining[e.MessageId] = struct{}{}
			}
		}
		newClosure := make(map[email.MessageId]struct{})
		for _, e := range c.emails {
			for _, k := range keysFor(e) {
				newClosure[k] = struct{}{}
			}
		}
		for _, e := range affected[c] {
			if e.MessageId == "" {
				continue
			}
			if _, stillOwned := ownRemaining[e.MessageId]; !stillOwned {
				delete(newClosure, e.MessageId)
			}
		}
		// Never orphan a survivor: an email whose every key was dropped
		// gets its keys back
		for _, e := range c.emails {
			keys := keysFor(e)
			linked := false
			for _, k := range keys {
				if _, ok := newClosure[k]; ok {
					linked = true
					break
				}
			}
			if !linked {
				for _, k := range keys {
					newClosure[k] = struct{}{}
				}
			}
		}
		for mid := range c.closure {
			if _, keep := newClosure[mid]; !keep {
				if s.byMessage[mid] == c {
					delete(s.byMessage, mid)
				}
			}
		}
		c.closure = newClosure
		for mid := range newClosure {
			s.byMessage[mid] = c
		}

		result.Trimmed = append(result.Trimmed, Trimmed{Conversation: c, Emails: affected[c]})
	}

	return result
}

// HasMessageId reports whether mid is indexed to any conversation
func (s *Set) HasMessageId(mid email.MessageId) bool {
	_, ok := s.byMessage[mid]
	return ok
}

// ByEmailId returns the conversation holding the given email, or nil
func (s *Set) ByEmailId(id email.Id) *Conversation {
	return s.byEmail[id]
}

// Size returns the number of conversations
func (s *Set) Size() int {
	count := make(map[*Conversation]struct{}, len(s.byEmail))
	for _, c := range s.byEmail {
		count[c] = struct{}{}
	}
	return len(count)
}

// EmailCount returns the total number of emails across all conversations
func (s *Set) EmailCount() int {
	return len(s.byEmail)
}

// InFolderEmailCount returns how many held emails live in the monitored
// folder; window accounting uses this rather than the total, since
// out-of-folder expansions never count against the folder's total.
func (s *Set) InFolderEmailCount() int {
	count := 0
	for id := range s.byEmail {
		c := s.byEmail[id]
		if e := c.Email(id); e != nil && e.Folder.Equal(s.folder) {
			count++
		}
	}
	return count
}

// InFolderIds returns the ids of all held emails living in the monitored
// folder, unordered.
func (s *Set) InFolderIds() []email.Id {
	var ids []email.Id
	for id, c := range s.byEmail {
		if e := c.Email(id); e != nil && e.Folder.Equal(s.folder) {
			ids = append(ids, id)
		}
	}
	return ids
}

// LowestInFolderId returns the chronologically lowest held in-folder id
func (s *Set) LowestInFolderId() (email.Id, bool) {
	var lowest email.Id
	found := false
	for _, id := range s.InFolderIds() {
		if !found || id.Less(lowest) {
			lowest = id
			found = true
		}
	}
	return lowest, found
}

// Conversations returns all conversations ordered newest-date first
func (s *Set) Conversations() []*Conversation {
	dedup := make(map[*Conversation]struct{}, len(s.byEmail))
	var out []*Conversation
	for _, c := range s.byEmail {
		if _, dup := dedup[c]; !dup {
			dedup[c] = struct{}{}
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.LatestDate().Equal(b.LatestDate()) {
			return a.LatestDate().After(b.LatestDate())
		}
		aOldest, _ := a.oldestId()
		bOldest, _ := b.oldestId()
		return aOldest.Less(bOldest)
	})
	return out
}
