// Package localstore persists email metadata in the local SQLite mirror and
// provides the local folder and account adapters built on top of it.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hkdb/threadwatch/internal/database"
	"github.com/hkdb/threadwatch/internal/email"
	"github.com/hkdb/threadwatch/internal/logging"
	"github.com/rs/zerolog"
)

// Store provides email metadata persistence. Email ids compose a per-store
// folder ordinal with the folder-native uid, so they are unique across
// folders and increase in receive order within each folder.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// ComposeId builds an email id from a folder ordinal and folder-native uid
func ComposeId(ord int64, uid uint32) email.Id {
	return email.Id(uint64(ord)<<32 | uint64(uid))
}

// UIDOf extracts the folder-native uid from an email id
func UIDOf(id email.Id) uint32 {
	return uint32(uint64(id) & 0xffffffff)
}

// NewStore creates a new store over an opened database
func NewStore(db *database.DB) *Store {
	return &Store{
		db:  db,
		log: logging.WithComponent("local-store"),
	}
}

// EnsureFolder creates the folder row if it does not exist yet, allocating
// its ordinal
func (s *Store) EnsureFolder(ctx context.Context, path email.FolderPath, kind string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, ord, path, kind)
		VALUES (?, (SELECT COALESCE(MAX(ord), 0) + 1 FROM folders), ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			kind = CASE WHEN excluded.kind != '' THEN excluded.kind ELSE folders.kind END
	`, uuid.NewString(), path.String(), kind)
	if err != nil {
		return fmt.Errorf("failed to ensure folder: %w", err)
	}
	return nil
}

// FolderOrd returns the ordinal allocated to a folder, creating the folder
// row on first use
func (s *Store) FolderOrd(ctx context.Context, path email.FolderPath) (int64, error) {
	var ord int64
	err := s.db.QueryRowContext(ctx,
		"SELECT ord FROM folders WHERE path = ?", path.String()).Scan(&ord)
	if err == sql.ErrNoRows {
		if err := s.EnsureFolder(ctx, path, ""); err != nil {
			return 0, err
		}
		err = s.db.QueryRowContext(ctx,
			"SELECT ord FROM folders WHERE path = ?", path.String()).Scan(&ord)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve folder ordinal: %w", err)
	}
	return ord, nil
}

// FolderByKind returns the path of the folder with the given kind
func (s *Store) FolderByKind(ctx context.Context, kind string) (email.FolderPath, bool, error) {
	var pathStr string
	err := s.db.QueryRowContext(ctx,
		"SELECT path FROM folders WHERE kind = ? LIMIT 1", kind).Scan(&pathStr)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up folder kind: %w", err)
	}
	return email.ParseFolderPath(pathStr, "/"), true, nil
}

// Insert stores a new email and returns its id, composed from the folder's
// ordinal and the folder-native uid. Inserting an already-mirrored uid
// updates the mutable fields.
func (s *Store) Insert(ctx context.Context, folderPath email.FolderPath, uid uint32, e *email.Email) (email.Id, error) {
	refs, err := json.Marshal(e.References)
	if err != nil {
		return 0, fmt.Errorf("failed to encode references: %w", err)
	}

	ord, err := s.FolderOrd(ctx, folderPath)
	if err != nil {
		return 0, err
	}
	id := ComposeId(ord, uid)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO emails (id, folder_path, uid, message_id, references_json, date, received_at, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_path, uid) DO UPDATE SET
			message_id = excluded.message_id,
			references_json = excluded.references_json,
			date = excluded.date,
			received_at = excluded.received_at,
			flags = excluded.flags
	`, int64(id), folderPath.String(), uid, e.MessageId.String(), string(refs),
		formatTime(e.Date), formatTime(e.Received), int(e.Flags))
	if err != nil {
		return 0, fmt.Errorf("failed to insert email: %w", err)
	}
	return id, nil
}

// Delete removes the given emails from a folder
func (s *Store) Delete(ctx context.Context, folderPath email.FolderPath, ids []email.Id) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		"DELETE FROM emails WHERE folder_path = ? AND id IN (%s)", placeholders(len(ids)))
	args := []interface{}{folderPath.String()}
	for _, id := range ids {
		args = append(args, int64(id))
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete emails: %w", err)
	}
	return nil
}

// DeleteByUID removes emails by their folder-native uid, returning the
// store ids that were dropped
func (s *Store) DeleteByUID(ctx context.Context, folderPath email.FolderPath, uids []uint32) ([]email.Id, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		"SELECT id FROM emails WHERE folder_path = ? AND uid IN (%s)", placeholders(len(uids)))
	args := []interface{}{folderPath.String()}
	for _, uid := range uids {
		args = append(args, uid)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve uids: %w", err)
	}
	defer rows.Close()

	var ids []email.Id
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, email.Id(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.Delete(ctx, folderPath, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// List returns up to count emails from a folder. The default order is
// newest-first starting below start (or from the top when start is nil);
// oldestToNewest reverses direction, and includingStart makes the boundary
// inclusive.
func (s *Store) List(ctx context.Context, folderPath email.FolderPath, start *email.Id,
	count int, oldestToNewest, includingStart bool) ([]*email.Email, error) {

	var sb strings.Builder
	sb.WriteString(`
		SELECT id, folder_path, uid, message_id, references_json, date, received_at, flags
		FROM emails WHERE folder_path = ?
	`)
	args := []interface{}{folderPath.String()}

	if start != nil {
		op := "<"
		if oldestToNewest {
			op = ">"
		}
		if includingStart {
			op += "="
		}
		sb.WriteString(fmt.Sprintf(" AND id %s ?", op))
		args = append(args, int64(*start))
	}

	if oldestToNewest {
		sb.WriteString(" ORDER BY id ASC")
	} else {
		sb.WriteString(" ORDER BY id DESC")
	}
	sb.WriteString(" LIMIT ?")
	args = append(args, count)

	return s.queryEmails(ctx, sb.String(), args...)
}

// ListSparse fetches a specific set of emails from a folder
func (s *Store) ListSparse(ctx context.Context, folderPath email.FolderPath, ids []email.Id) ([]*email.Email, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT id, folder_path, uid, message_id, references_json, date, received_at, flags
		FROM emails WHERE folder_path = ? AND id IN (%s)
		ORDER BY id DESC
	`, placeholders(len(ids)))
	args := []interface{}{folderPath.String()}
	for _, id := range ids {
		args = append(args, int64(id))
	}
	return s.queryEmails(ctx, query, args...)
}

// Boundaries returns the lowest and highest of the given ids still present
// in the folder
func (s *Store) Boundaries(ctx context.Context, folderPath email.FolderPath, ids []email.Id) (email.Id, email.Id, bool, error) {
	if len(ids) == 0 {
		return 0, 0, false, nil
	}
	query := fmt.Sprintf(
		"SELECT MIN(id), MAX(id) FROM emails WHERE folder_path = ? AND id IN (%s)",
		placeholders(len(ids)))
	args := []interface{}{folderPath.String()}
	for _, id := range ids {
		args = append(args, int64(id))
	}

	var lo, hi sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&lo, &hi); err != nil {
		return 0, 0, false, fmt.Errorf("failed to find boundaries: %w", err)
	}
	if !lo.Valid || !hi.Valid {
		return 0, 0, false, nil
	}
	return email.Id(lo.Int64), email.Id(hi.Int64), true, nil
}

// NewestId returns the highest email id in a folder; ok is false when the
// folder is empty
func (s *Store) NewestId(ctx context.Context, folderPath email.FolderPath) (email.Id, bool, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(id) FROM emails WHERE folder_path = ?", folderPath.String()).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to find newest id: %w", err)
	}
	if !id.Valid {
		return 0, false, nil
	}
	return email.Id(id.Int64), true, nil
}

// Count returns the number of emails mirrored for a folder
func (s *Store) Count(ctx context.Context, folderPath email.FolderPath) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM emails WHERE folder_path = ?", folderPath.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}
	return count, nil
}

// HighestUID returns the highest folder-native uid mirrored for a folder
func (s *Store) HighestUID(ctx context.Context, folderPath email.FolderPath) (uint32, error) {
	var uid sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(uid) FROM emails WHERE folder_path = ?", folderPath.String()).Scan(&uid)
	if err != nil {
		return 0, fmt.Errorf("failed to find highest uid: %w", err)
	}
	if !uid.Valid {
		return 0, nil
	}
	return uint32(uid.Int64), nil
}

// UIDs returns all folder-native uids mirrored for a folder
func (s *Store) UIDs(ctx context.Context, folderPath email.FolderPath) (map[uint32]email.Id, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT uid, id FROM emails WHERE folder_path = ?", folderPath.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list uids: %w", err)
	}
	defer rows.Close()

	out := make(map[uint32]email.Id)
	for rows.Next() {
		var uid uint32
		var id int64
		if err := rows.Scan(&uid, &id); err != nil {
			return nil, fmt.Errorf("failed to scan uid: %w", err)
		}
		out[uid] = email.Id(id)
	}
	return out, rows.Err()
}

// Fetch reads a single email by id; returns nil when not mirrored
func (s *Store) Fetch(ctx context.Context, folderPath email.FolderPath, id email.Id) (*email.Email, error) {
	emails, err := s.queryEmails(ctx, `
		SELECT id, folder_path, uid, message_id, references_json, date, received_at, flags
		FROM emails WHERE folder_path = ? AND id = ?
	`, folderPath.String(), int64(id))
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return nil, nil
	}
	return emails[0], nil
}

// SearchByMessageId returns every mirrored email that carries mid as its
// own Message-ID or among its references, excluding the given folders and
// any email with a flag in excludeFlags.
func (s *Store) SearchByMessageId(ctx context.Context, mid email.MessageId,
	excludeFolders email.PathSet, excludeFlags email.Flags) ([]*email.Email, error) {

	// References are stored as a JSON array of normalized ids, so a quoted
	// LIKE match finds reference hits without decoding every row
	pattern := "%" + `"` + mid.String() + `"` + "%"
	candidates, err := s.queryEmails(ctx, `
		SELECT id, folder_path, uid, message_id, references_json, date, received_at, flags
		FROM emails WHERE message_id = ? OR references_json LIKE ?
	`, mid.String(), pattern)
	if err != nil {
		return nil, err
	}

	var out []*email.Email
	for _, e := range candidates {
		if excludeFolders.Contains(e.Folder) {
			continue
		}
		if e.Flags.Intersects(excludeFlags) {
			continue
		}
		// The LIKE pattern can overmatch on substrings; confirm
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

// UpdateFlags overwrites the flags of the given emails, returning the ones
// whose flags actually changed
func (s *Store) UpdateFlags(ctx context.Context, folderPath email.FolderPath, updates map[email.Id]email.Flags) (map[email.Id]email.Flags, error) {
	changed := make(map[email.Id]email.Flags)
	for id, flags := range updates {
		res, err := s.db.ExecContext(ctx,
			"UPDATE emails SET flags = ? WHERE folder_path = ? AND id = ? AND flags != ?",
			int(flags), folderPath.String(), int64(id), int(flags))
		if err != nil {
			return nil, fmt.Errorf("failed to update flags: %w", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected > 0 {
			changed[id] = flags
		}
	}
	return changed, nil
}

func (s *Store) queryEmails(ctx context.Context, query string, args ...interface{}) ([]*email.Email, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	var out []*email.Email
	for rows.Next() {
		var (
			id         int64
			pathStr    string
			uid        uint32
			messageId  string
			refsJSON   string
			dateStr    sql.NullString
			receivedAt sql.NullString
			flags      int
		)
		if err := rows.Scan(&id, &pathStr, &uid, &messageId, &refsJSON, &dateStr, &receivedAt, &flags); err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}

		var refs []email.MessageId
		if refsJSON != "" {
			if err := json.Unmarshal([]byte(refsJSON), &refs); err != nil {
				s.log.Debug().Err(err).Int64("id", id).Msg("Malformed references, ignoring")
			}
		}

		e := &email.Email{
			Id:         email.Id(id),
			References: refs,
			Flags:      email.Flags(flags),
			Folder:     email.ParseFolderPath(pathStr, "/"),
		}
		if mid, ok := email.ParseMessageId(messageId); ok {
			e.MessageId = mid
		}
		if dateStr.Valid {
			e.Date = parseTime(dateStr.String)
		}
		if receivedAt.Valid {
			e.Received = parseTime(receivedAt.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func formatTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
