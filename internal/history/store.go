// Package history persists per-user address state: the recent-visit list,
// the pinned list, and the first-contact flag. One row per user, with the
// address lists stored as JSON columns.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"poweron/internal/logging"
	"poweron/internal/poweron"
)

const (
	// MaxHistory caps the recent-visit list per user.
	MaxHistory = 3
	// MaxPins caps the pinned list per user.
	MaxPins = 3
)

// ErrPinLimit reports that the user already holds MaxPins pinned addresses.
var ErrPinLimit = errors.New("history: pin limit reached")

// Store keeps per-user state in SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open initializes the database at path, creating the directory and schema
// as needed.
func Open(path string) (*Store, error) {
	logging.Store("opening user state database at %s", path)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS user_state (
			chat_id      INTEGER PRIMARY KEY,
			seen         INTEGER NOT NULL DEFAULT 0,
			history_json TEXT    NOT NULL DEFAULT '[]',
			pinned_json  TEXT    NOT NULL DEFAULT '[]',
			updated_at   TEXT    NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return fmt.Errorf("history: create schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type userRow struct {
	seen    bool
	history []poweron.Address
	pinned  []poweron.Address
}

func (s *Store) load(userID int64) (userRow, error) {
	var (
		seen                 int
		historyJSON, pinJSON string
	)
	err := s.db.QueryRow(
		"SELECT seen, history_json, pinned_json FROM user_state WHERE chat_id = ?",
		userID,
	).Scan(&seen, &historyJSON, &pinJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return userRow{}, nil
	}
	if err != nil {
		return userRow{}, fmt.Errorf("history: load user %d: %w", userID, err)
	}

	row := userRow{seen: seen != 0}
	if err := json.Unmarshal([]byte(historyJSON), &row.history); err != nil {
		logging.StoreError("corrupt history for user %d, resetting: %v", userID, err)
		row.history = nil
	}
	if err := json.Unmarshal([]byte(pinJSON), &row.pinned); err != nil {
		logging.StoreError("corrupt pins for user %d, resetting: %v", userID, err)
		row.pinned = nil
	}
	return row, nil
}

func (s *Store) save(userID int64, row userRow) error {
	historyJSON, err := json.Marshal(orEmpty(row.history))
	if err != nil {
		return fmt.Errorf("history: encode history: %w", err)
	}
	pinJSON, err := json.Marshal(orEmpty(row.pinned))
	if err != nil {
		return fmt.Errorf("history: encode pins: %w", err)
	}

	seen := 0
	if row.seen {
		seen = 1
	}
	_, err = s.db.Exec(`
		INSERT INTO user_state (chat_id, seen, history_json, pinned_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			seen = excluded.seen,
			history_json = excluded.history_json,
			pinned_json = excluded.pinned_json,
			updated_at = excluded.updated_at`,
		userID, seen, string(historyJSON), string(pinJSON),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("history: save user %d: %w", userID, err)
	}
	return nil
}

func orEmpty(addrs []poweron.Address) []poweron.Address {
	if addrs == nil {
		return []poweron.Address{}
	}
	return addrs
}

// Seen reports whether the user has interacted before, marking them seen
// on first call.
func (s *Store) Seen(userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.load(userID)
	if err != nil {
		return false, err
	}
	if row.seen {
		return true, nil
	}
	row.seen = true
	if err := s.save(userID, row); err != nil {
		return false, err
	}
	return false, nil
}

// RecordVisit puts addr at the front of the user's history, deduplicating
// by address identity and trimming to MaxHistory.
func (s *Store) RecordVisit(userID int64, addr poweron.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.load(userID)
	if err != nil {
		return err
	}
	row.history = frontInsert(row.history, addr, MaxHistory)
	logging.StoreDebug("user %d history now has %d entries", userID, len(row.history))
	return s.save(userID, row)
}

// ListHistory returns the user's recent addresses, most recent first.
func (s *Store) ListHistory(userID int64) ([]poweron.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.load(userID)
	if err != nil {
		return nil, err
	}
	return row.history, nil
}

// AddPin pins addr for the user. Pinning an already pinned address is a
// no-op. A full pin list yields ErrPinLimit.
func (s *Store) AddPin(userID int64, addr poweron.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.load(userID)
	if err != nil {
		return err
	}
	key := addr.Key()
	for _, p := range row.pinned {
		if p.Key() == key {
			return nil
		}
	}
	if len(row.pinned) >= MaxPins {
		return ErrPinLimit
	}
	row.pinned = append(row.pinned, addr)
	logging.Store("user %d pinned %s", userID, addr.Caption())
	return s.save(userID, row)
}

// RemovePin unpins the address with the given key. Unknown keys are a
// no-op.
func (s *Store) RemovePin(userID int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.load(userID)
	if err != nil {
		return err
	}
	kept := row.pinned[:0]
	for _, p := range row.pinned {
		if p.Key() != key {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(row.pinned) {
		return nil
	}
	row.pinned = kept
	return s.save(userID, row)
}

// ListPins returns the user's pinned addresses in pin order.
func (s *Store) ListPins(userID int64) ([]poweron.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.load(userID)
	if err != nil {
		return nil, err
	}
	return row.pinned, nil
}

// frontInsert places addr first, removes any earlier occurrence, and trims
// to max entries.
func frontInsert(addrs []poweron.Address, addr poweron.Address, max int) []poweron.Address {
	key := addr.Key()
	out := make([]poweron.Address, 0, len(addrs)+1)
	out = append(out, addr)
	for _, a := range addrs {
		if a.Key() == key {
			continue
		}
		out = append(out, a)
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}
