// Package store implements notepush's persistent state: the delivery
// ledger used for dedup and thread-subscriber discovery, and the device
// registration + per-device preference table backing the HTTP API.
//
// It is a thin wrapper around a single *sql.DB, serialized by one
// process-wide mutex threaded through every operation — each acquires the
// lock, runs one query, and releases it before returning.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a preferences read or update by
// (pubkey, device_token) finds no matching registration row.
var ErrNotFound = errors.New("store: not found")

// Preferences are the per-(pubkey, device_token) notification toggles.
type Preferences struct {
	Zap               bool `json:"zap"`
	Mention           bool `json:"mention"`
	Repost            bool `json:"repost"`
	Reaction          bool `json:"reaction"`
	DM                bool `json:"dm"`
	OnlyFromFollowing bool `json:"only_from_following"`
}

// DefaultPreferences returns the defaults a freshly-registered device gets.
func DefaultPreferences() Preferences {
	return Preferences{
		Zap:               true,
		Mention:           true,
		Repost:            true,
		Reaction:          true,
		DM:                true,
		OnlyFromFollowing: false,
	}
}

// Store is notepush's SQLite-backed persistent state.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) the SQLite database at path and runs
// the idempotent startup migration.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers; we also hold our own mutex.

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the notifications and user_info tables if absent, then
// adds any column that previous schema versions lacked. It is safe to run
// on every startup.
func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			event_id TEXT,
			pubkey TEXT,
			received_notification BOOLEAN
		)`,
		`CREATE INDEX IF NOT EXISTS notification_event_id_index ON notifications (event_id)`,
		`CREATE TABLE IF NOT EXISTS user_info (
			id TEXT PRIMARY KEY,
			pubkey TEXT,
			device_token TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS user_info_pubkey_index ON user_info (pubkey)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	columns := []struct {
		table, column, sqlType, defaultExpr string
	}{
		{"notifications", "sent_at", "INTEGER", ""},
		{"user_info", "added_at", "INTEGER", ""},
		{"user_info", "zap_notifications_enabled", "BOOLEAN", "true"},
		{"user_info", "mention_notifications_enabled", "BOOLEAN", "true"},
		{"user_info", "repost_notifications_enabled", "BOOLEAN", "true"},
		{"user_info", "reaction_notifications_enabled", "BOOLEAN", "true"},
		{"user_info", "dm_notifications_enabled", "BOOLEAN", "true"},
		{"user_info", "only_notifications_from_following_enabled", "BOOLEAN", "false"},
	}
	for _, c := range columns {
		if err := s.addColumnIfNotExists(c.table, c.column, c.sqlType, c.defaultExpr); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) addColumnIfNotExists(table, column, sqlType, defaultExpr string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	existing := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &primaryKey); err != nil {
			return err
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if existing[column] {
		return nil
	}

	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, sqlType)
	if defaultExpr != "" {
		alter += " DEFAULT " + defaultExpr
	}
	_, err = s.db.Exec(alter)
	if err != nil {
		return err
	}
	s.logger.Debug("added missing column", zap.String("table", table), zap.String("column", column))
	return nil
}

// UpsertRegistration records (or idempotently re-records) a device
// registration. On first insert, preference columns take their defaults;
// a repeat insert only refreshes added_at and leaves preferences as the
// caller previously set them.
func (s *Store) UpsertRegistration(ctx context.Context, pubkey, deviceToken string, addedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := pubkey + ":" + deviceToken
	defaults := DefaultPreferences()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_info (
			id, pubkey, device_token, added_at,
			zap_notifications_enabled, mention_notifications_enabled,
			repost_notifications_enabled, reaction_notifications_enabled,
			dm_notifications_enabled, only_notifications_from_following_enabled
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET added_at = excluded.added_at
	`, id, pubkey, deviceToken, addedAt,
		defaults.Zap, defaults.Mention, defaults.Repost, defaults.Reaction,
		defaults.DM, defaults.OnlyFromFollowing)
	return err
}

// DeleteRegistration removes a device registration. Deleting a
// non-existent row is not an error.
func (s *Store) DeleteRegistration(ctx context.Context, pubkey, deviceToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM user_info WHERE pubkey = ? AND device_token = ?`, pubkey, deviceToken)
	return err
}

// GetPreferences returns the stored preferences for (pubkey, device_token),
// or ErrNotFound if no registration exists.
func (s *Store) GetPreferences(ctx context.Context, pubkey, deviceToken string) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p Preferences
	row := s.db.QueryRowContext(ctx, `
		SELECT zap_notifications_enabled, mention_notifications_enabled,
			repost_notifications_enabled, reaction_notifications_enabled,
			dm_notifications_enabled, only_notifications_from_following_enabled
		FROM user_info WHERE pubkey = ? AND device_token = ?
	`, pubkey, deviceToken)
	if err := row.Scan(&p.Zap, &p.Mention, &p.Repost, &p.Reaction, &p.DM, &p.OnlyFromFollowing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Preferences{}, ErrNotFound
		}
		return Preferences{}, err
	}
	return p, nil
}

// SetPreferences overwrites the preferences for an existing registration.
// Returns ErrNotFound if no such registration exists.
func (s *Store) SetPreferences(ctx context.Context, pubkey, deviceToken string, p Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE user_info SET
			zap_notifications_enabled = ?,
			mention_notifications_enabled = ?,
			repost_notifications_enabled = ?,
			reaction_notifications_enabled = ?,
			dm_notifications_enabled = ?,
			only_notifications_from_following_enabled = ?
		WHERE pubkey = ? AND device_token = ?
	`, p.Zap, p.Mention, p.Repost, p.Reaction, p.DM, p.OnlyFromFollowing, pubkey, deviceToken)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDeviceTokens returns every device token registered for a pubkey.
func (s *Store) ListDeviceTokens(ctx context.Context, pubkey string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT device_token FROM user_info WHERE pubkey = ?`, pubkey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// ListPubkeysForEvent returns every pubkey that has a delivery record for
// event_id. Because a delivery row is written for every pubkey that reaches
// the dispatch step, whatever the APNs outcome (received_notification is
// always true when the row exists), this set serves both as "already
// notified" (for dedup) and as
// "subscribed to this thread" (for the e-tag fan-out rule).
func (s *Store) ListPubkeysForEvent(ctx context.Context, eventID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT pubkey FROM notifications WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pubkeys []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		pubkeys = append(pubkeys, pk)
	}
	return pubkeys, rows.Err()
}

// InsertDeliveryRecord records that a notification for (eventID, pubkey)
// was dispatched, replacing any existing row for that pair.
func (s *Store) InsertDeliveryRecord(ctx context.Context, eventID, pubkey string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := eventID + ":" + pubkey
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO notifications (id, event_id, pubkey, received_notification, sent_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, eventID, pubkey, true, sentAt.Unix())
	return err
}
