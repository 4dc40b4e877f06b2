package coral

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ============================================================================
// SQLite store
// ============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id      TEXT PRIMARY KEY,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS channels (
	cid         TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	sync_status INTEGER NOT NULL DEFAULT 1,
	payload     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id                 TEXT PRIMARY KEY,
	cid                TEXT NOT NULL,
	parent_id          TEXT NOT NULL DEFAULT '',
	sort_ts            INTEGER NOT NULL,
	created_locally_at INTEGER,
	updated_locally_at INTEGER,
	sync_status        INTEGER NOT NULL DEFAULT 0,
	payload            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_cid_ts ON messages(cid, sort_ts);
CREATE INDEX IF NOT EXISTS idx_messages_sync ON messages(sync_status);

CREATE TABLE IF NOT EXISTS reactions (
	message_id  TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	type        TEXT NOT NULL,
	sync_status INTEGER NOT NULL DEFAULT 0,
	payload     TEXT NOT NULL,
	PRIMARY KEY (message_id, user_id, type)
);
CREATE INDEX IF NOT EXISTS idx_reactions_sync ON reactions(sync_status);

CREATE TABLE IF NOT EXISTS channel_queries (
	signature TEXT PRIMARY KEY,
	cids      TEXT NOT NULL
);
`

// SQLiteStore implements Store on a local SQLite database. Entities are
// stored as JSON payloads alongside the handful of columns queries
// filter on; the fields JSON omits (sync status, local timestamps) live
// in their own columns and are rehydrated on read.
type SQLiteStore struct {
	db *sql.DB

	// cacheMu guards the message cache. DeleteChannelMessagesBefore
	// holds it across both the SQL delete and the eviction so a reader
	// can never observe a deleted message through the cache.
	cacheMu      sync.Mutex
	messageCache map[string]*Message
	cidIndex     map[string]map[string]struct{}
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// runs the schema migration. Use ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL"
	if path == ":memory:" {
		// A pooled in-memory database would be one database per
		// connection; share a single cache instead.
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{
		db:           db,
		messageCache: make(map[string]*Message),
		cidIndex:     make(map[string]map[string]struct{}),
	}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ── users ────────────────────────────────────────────────────────────

func (s *SQLiteStore) InsertUsers(ctx context.Context, users ...*User) error {
	if len(users) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO users (id, payload) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, u := range users {
		if u == nil || u.ID == "" {
			continue
		}
		payload, err := json.Marshal(u)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, u.ID, string(payload)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SelectUser(ctx context.Context, id string) (*User, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM users WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "user", ID: id}
	}
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) SelectUsers(ctx context.Context, ids []string) ([]*User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT payload FROM users WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*User
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var u User
		if err := json.Unmarshal([]byte(payload), &u); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// ── channels ─────────────────────────────────────────────────────────

func (s *SQLiteStore) InsertChannels(ctx context.Context, channels ...*Channel) error {
	if len(channels) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO channels (cid, type, sync_status, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cid) DO UPDATE SET sync_status = excluded.sync_status, payload = excluded.payload`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, ch := range channels {
		if ch == nil || ch.CID == "" {
			continue
		}
		// Messages are rows in their own table; the channel payload
		// holds metadata only.
		stored := *ch
		stored.Messages = nil
		payload, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, ch.CID, ch.Type, int(ch.SyncStatus), string(payload)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SelectChannels(ctx context.Context, cids []string) ([]*Channel, error) {
	if len(cids) == 0 {
		return nil, nil
	}
	query := `SELECT sync_status, payload FROM channels WHERE cid IN (` + placeholders(len(cids)) + `)`
	rows, err := s.db.QueryContext(ctx, query, stringArgs(cids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byCID := make(map[string]*Channel)
	for rows.Next() {
		var (
			syncStatus int
			payload    string
		)
		if err := rows.Scan(&syncStatus, &payload); err != nil {
			return nil, err
		}
		var ch Channel
		if err := json.Unmarshal([]byte(payload), &ch); err != nil {
			return nil, err
		}
		ch.SyncStatus = SyncStatus(syncStatus)
		byCID[ch.CID] = &ch
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Preserve the caller's order; queries persist cid lists in rank
	// order and expect it back.
	out := make([]*Channel, 0, len(byCID))
	for _, cid := range cids {
		if ch, ok := byCID[cid]; ok {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (s *SQLiteStore) DeleteChannel(ctx context.Context, cid string) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE cid = ?`, cid); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE cid = ?`, cid); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.evictChannelLocked(cid, time.Time{})
	return nil
}

// ── messages ─────────────────────────────────────────────────────────

func (s *SQLiteStore) InsertMessages(ctx context.Context, msgs ...*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (id, cid, parent_id, sort_ts, created_locally_at, updated_locally_at, sync_status, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			cid = excluded.cid,
			parent_id = excluded.parent_id,
			sort_ts = excluded.sort_ts,
			created_locally_at = excluded.created_locally_at,
			updated_locally_at = excluded.updated_locally_at,
			sync_status = excluded.sync_status,
			payload = excluded.payload`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, m := range msgs {
		if m == nil || m.ID == "" {
			continue
		}
		payload, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.CID, m.ParentID, m.sortTimestamp().UnixMilli(),
			nullMilli(m.CreatedLocallyAt), nullMilli(m.UpdatedLocallyAt),
			int(m.SyncStatus), string(payload),
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.cacheMu.Lock()
	for _, m := range msgs {
		if m == nil || m.ID == "" {
			continue
		}
		s.cacheMessageLocked(m)
	}
	s.cacheMu.Unlock()
	return nil
}

func (s *SQLiteStore) SelectMessage(ctx context.Context, id string) (*Message, error) {
	s.cacheMu.Lock()
	if m, ok := s.messageCache[id]; ok {
		s.cacheMu.Unlock()
		return m.Clone(), nil
	}
	s.cacheMu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT created_locally_at, updated_locally_at, sync_status, payload FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "message", ID: id}
	}
	if err != nil {
		return nil, err
	}
	s.cacheMu.Lock()
	s.cacheMessageLocked(m)
	s.cacheMu.Unlock()
	return m.Clone(), nil
}

func (s *SQLiteStore) SelectMessagesForChannel(ctx context.Context, cid string, p MessagePagination) ([]*Message, error) {
	var (
		conds = []string{"cid = ?", "(parent_id = '' OR json_extract(payload, '$.showInChannel'))"}
		args  = []any{cid}
	)
	if p.Before != nil {
		conds = append(conds, "sort_ts < ?")
		args = append(args, p.Before.UnixMilli())
	}
	if p.After != nil {
		conds = append(conds, "sort_ts > ?")
		args = append(args, p.After.UnixMilli())
	}
	query := `SELECT created_locally_at, updated_locally_at, sync_status, payload FROM messages WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY sort_ts DESC`
	if p.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, p.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows come back newest-first for the LIMIT; callers want ascending.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) SelectSyncNeededMessages(ctx context.Context, limit int) ([]*Message, error) {
	query := `SELECT created_locally_at, updated_locally_at, sync_status, payload FROM messages
		WHERE sync_status = ? ORDER BY COALESCE(created_locally_at, sort_ts) ASC`
	args := []any{int(SyncPending)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return err
	}
	if m, ok := s.messageCache[id]; ok {
		delete(s.messageCache, id)
		if ids, ok := s.cidIndex[m.CID]; ok {
			delete(ids, id)
		}
	}
	return nil
}

func (s *SQLiteStore) DeleteChannelMessagesBefore(ctx context.Context, cid string, before time.Time) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE cid = ? AND sort_ts < ?`, cid, before.UnixMilli()); err != nil {
		return err
	}
	s.evictChannelLocked(cid, before)
	return nil
}

func (s *SQLiteStore) cacheMessageLocked(m *Message) {
	s.messageCache[m.ID] = m.Clone()
	ids, ok := s.cidIndex[m.CID]
	if !ok {
		ids = make(map[string]struct{})
		s.cidIndex[m.CID] = ids
	}
	ids[m.ID] = struct{}{}
}

// evictChannelLocked drops cached messages of cid older than the
// cutoff; a zero cutoff drops them all.
func (s *SQLiteStore) evictChannelLocked(cid string, before time.Time) {
	ids, ok := s.cidIndex[cid]
	if !ok {
		return
	}
	for id := range ids {
		m := s.messageCache[id]
		if m == nil || before.IsZero() || m.sortTimestamp().Before(before) {
			delete(s.messageCache, id)
			delete(ids, id)
		}
	}
	if len(ids) == 0 {
		delete(s.cidIndex, cid)
	}
}

// ── reactions ────────────────────────────────────────────────────────

func (s *SQLiteStore) InsertReaction(ctx context.Context, r *Reaction) error {
	if r == nil || r.MessageID == "" {
		return nil
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reactions (message_id, user_id, type, sync_status, payload) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(message_id, user_id, type) DO UPDATE SET
			sync_status = excluded.sync_status, payload = excluded.payload`,
		r.MessageID, r.UserID, r.Type, int(r.SyncStatus), string(payload))
	return err
}

func (s *SQLiteStore) DeleteReaction(ctx context.Context, messageID, userID, reactionType string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND type = ?`,
		messageID, userID, reactionType)
	return err
}

func (s *SQLiteStore) SelectSyncNeededReactions(ctx context.Context, limit int) ([]*Reaction, error) {
	query := `SELECT sync_status, payload FROM reactions WHERE sync_status = ?`
	args := []any{int(SyncPending)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Reaction
	for rows.Next() {
		var (
			syncStatus int
			payload    string
		)
		if err := rows.Scan(&syncStatus, &payload); err != nil {
			return nil, err
		}
		var r Reaction
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, err
		}
		r.SyncStatus = SyncStatus(syncStatus)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ── channel queries ──────────────────────────────────────────────────

func (s *SQLiteStore) InsertQuery(ctx context.Context, signature string, cids []string) error {
	payload, err := json.Marshal(cids)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channel_queries (signature, cids) VALUES (?, ?)
		 ON CONFLICT(signature) DO UPDATE SET cids = excluded.cids`,
		signature, string(payload))
	return err
}

func (s *SQLiteStore) SelectQueryCIDs(ctx context.Context, signature string) ([]string, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT cids FROM channel_queries WHERE signature = ?`, signature).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cids []string
	if err := json.Unmarshal([]byte(payload), &cids); err != nil {
		return nil, err
	}
	return cids, nil
}

// ── scan helpers ─────────────────────────────────────────────────────

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var (
		createdLocally sql.NullInt64
		updatedLocally sql.NullInt64
		syncStatus     int
		payload        string
	)
	if err := scan(&createdLocally, &updatedLocally, &syncStatus, &payload); err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, err
	}
	m.CreatedLocallyAt = milliPtr(createdLocally)
	m.UpdatedLocallyAt = milliPtr(updatedLocally)
	m.SyncStatus = SyncStatus(syncStatus)
	return &m, nil
}

func nullMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func milliPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
