// Package persistence implements the embedded local datastore (spec §6
// "Persisted state"): the executor credential, the last-known strategy
// set, and an append-only command-outcome journal capped at 10,000
// entries. Grounded on aristath-portfolioManager's internal/database/db.go
// (modernc.org/sqlite via database/sql, profile-tuned PRAGMA connection
// string, WAL mode) and the teacher's internal/data/store.go (cache +
// metadata shape), reimplemented over sqlite rather than JSON files since
// the journal must survive a crash mid-write.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// journalCap bounds the command-outcome journal (spec §6: "capped at
// 10,000 entries").
const journalCap = 10000

// Credential is the executor's control-plane identity as persisted
// locally, mirroring control.Credential without importing that package.
type Credential struct {
	ExecutorID string
	APIKey     string
	SecretKey  string
}

// Store is the embedded sqlite-backed persisted-state store.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the sqlite database at path, applying the
// ledger-grade PRAGMA profile: WAL journaling, FULL synchronous mode, no
// auto-vacuum, since this is an append-only audit trail rather than
// ephemeral cache.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	connStr := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=auto_vacuum(NONE)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open persisted state db at %s (dir %s): %w", path, dir, err)
	}
	db.SetMaxOpenConns(1) // sqlite + WAL: one writer, avoids SQLITE_BUSY under our own load

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate persisted state db: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credential (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			executor_id TEXT NOT NULL,
			api_key TEXT NOT NULL,
			secret_key TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS strategies (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			definition TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS command_journal (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			command_id TEXT NOT NULL,
			status TEXT NOT NULL,
			ticket TEXT,
			error TEXT,
			completed_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS killswitch_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			active INTEGER NOT NULL,
			reason TEXT,
			since DATETIME
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCredential persists the executor's control-plane identity,
// replacing any previously stored credential.
func (s *Store) SaveCredential(c Credential) error {
	_, err := s.db.Exec(
		`INSERT INTO credential (id, executor_id, api_key, secret_key) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET executor_id = excluded.executor_id,
			api_key = excluded.api_key, secret_key = excluded.secret_key`,
		c.ExecutorID, c.APIKey, c.SecretKey)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// LoadCredential returns the persisted credential, or ok=false if none
// has been registered yet.
func (s *Store) LoadCredential() (cred Credential, ok bool, err error) {
	row := s.db.QueryRow(`SELECT executor_id, api_key, secret_key FROM credential WHERE id = 1`)
	err = row.Scan(&cred.ExecutorID, &cred.APIKey, &cred.SecretKey)
	if err == sql.ErrNoRows {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("load credential: %w", err)
	}
	return cred, true, nil
}

// SaveStrategy upserts a strategy definition into the locally-cached
// strategy set (spec §4.5 hot reload survives a restart via this cache).
func (s *Store) SaveStrategy(strat types.Strategy) error {
	def, err := json.Marshal(strat)
	if err != nil {
		return fmt.Errorf("marshal strategy %s: %w", strat.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO strategies (id, version, definition, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version,
			definition = excluded.definition, updated_at = excluded.updated_at`,
		strat.ID, strat.Version, string(def), time.Now())
	if err != nil {
		return fmt.Errorf("save strategy %s: %w", strat.ID, err)
	}
	return nil
}

// DeleteStrategy removes a strategy from the locally-cached set (e.g.
// once Archived).
func (s *Store) DeleteStrategy(id string) error {
	_, err := s.db.Exec(`DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete strategy %s: %w", id, err)
	}
	return nil
}

// LoadStrategies returns every locally-cached strategy, for the period
// between process start and the first successful /strategies/download.
func (s *Store) LoadStrategies() ([]types.Strategy, error) {
	rows, err := s.db.Query(`SELECT definition FROM strategies`)
	if err != nil {
		return nil, fmt.Errorf("load strategies: %w", err)
	}
	defer rows.Close()

	var out []types.Strategy
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, fmt.Errorf("scan strategy row: %w", err)
		}
		var strat types.Strategy
		if err := json.Unmarshal([]byte(def), &strat); err != nil {
			return nil, fmt.Errorf("unmarshal strategy: %w", err)
		}
		out = append(out, strat)
	}
	return out, rows.Err()
}

// AppendJournalEntry records a command's terminal outcome and trims the
// journal back to journalCap if it has grown past it (spec §6: "an
// append-only command-outcome journal capped at 10,000 entries").
func (s *Store) AppendJournalEntry(result types.Result) error {
	_, err := s.db.Exec(
		`INSERT INTO command_journal (command_id, status, ticket, error, completed_at) VALUES (?, ?, ?, ?, ?)`,
		result.CommandID, string(result.Status), result.Ticket, result.Error, result.CompletedAt)
	if err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}

	_, err = s.db.Exec(
		`DELETE FROM command_journal WHERE seq NOT IN (
			SELECT seq FROM command_journal ORDER BY seq DESC LIMIT ?
		)`, journalCap)
	if err != nil {
		return fmt.Errorf("trim journal: %w", err)
	}
	return nil
}

// RecentJournal returns up to limit of the most recent journal entries,
// newest first.
func (s *Store) RecentJournal(limit int) ([]types.Result, error) {
	rows, err := s.db.Query(
		`SELECT command_id, status, ticket, error, completed_at FROM command_journal
		 ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []types.Result
	for rows.Next() {
		var r types.Result
		var ticket, errMsg sql.NullString
		var status string
		if err := rows.Scan(&r.CommandID, &status, &ticket, &errMsg, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		r.Status = types.CommandStatus(status)
		r.Ticket = ticket.String
		r.Error = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveKillSwitchState persists the kill-switch flag for the disaster-
// recovery snapshot (spec.md §9 open-question decision, SPEC_FULL.md §D:
// "disaster-recovery snapshot = command journal + kill-switch flag only,
// strategies/positions re-fetched rather than restored").
func (s *Store) SaveKillSwitchState(active bool, reason string) error {
	var since any
	if active {
		since = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO killswitch_state (id, active, reason, since) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET active = excluded.active,
			reason = excluded.reason, since = excluded.since`,
		active, reason, since)
	if err != nil {
		return fmt.Errorf("save kill-switch state: %w", err)
	}
	return nil
}

// LoadKillSwitchState returns the last-persisted kill-switch flag, for
// the executor to re-arm the switch after an unclean restart rather than
// silently resuming trading.
func (s *Store) LoadKillSwitchState() (active bool, reason string, err error) {
	row := s.db.QueryRow(`SELECT active, reason FROM killswitch_state WHERE id = 1`)
	var reasonNull sql.NullString
	err = row.Scan(&active, &reasonNull)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("load kill-switch state: %w", err)
	}
	return active, reasonNull.String, nil
}

// Checkpoint forces a WAL checkpoint, used as the periodic disaster-
// recovery snapshot point (spec §6): everything committed so far becomes
// durable in the main database file rather than the WAL segment.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}
