package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/kpnc/server/internal/apperr"
)

// migration is one step of the versioned sequence. SQL is hashed and
// the hash is stored alongside the applied version; a previously
// applied migration whose stored checksum no longer matches its SQL
// trips the checksum guard (spec.md §7: Fatal, process terminates).
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the full ordered sequence. Table layout mirrors
// spec.md §6 "Persisted state": migrations, accounts, post_descriptors,
// posts, post_watches, post_replies, threads, invites, logs.
var migrations = []migration{
	{
		Version: 1,
		Name:    "initial_schema",
		SQL: `
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id TEXT NOT NULL UNIQUE,
	invite_id TEXT,
	tokens TEXT NOT NULL DEFAULT '{}',
	valid_until DATETIME
);

CREATE TABLE IF NOT EXISTS post_descriptors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	site TEXT NOT NULL,
	board TEXT NOT NULL,
	thread_no INTEGER NOT NULL,
	post_no INTEGER NOT NULL,
	post_sub_no INTEGER NOT NULL,
	UNIQUE (site, board, thread_no, post_no, post_sub_no)
);

CREATE TABLE IF NOT EXISTS posts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_post_descriptor_id INTEGER NOT NULL UNIQUE REFERENCES post_descriptors(id),
	is_dead INTEGER NOT NULL DEFAULT 0,
	deleted_on DATETIME
);

CREATE TABLE IF NOT EXISTS post_watches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_post_id INTEGER NOT NULL REFERENCES posts(id),
	owner_account_id INTEGER NOT NULL REFERENCES accounts(id),
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (owner_post_id, owner_account_id)
);

CREATE TABLE IF NOT EXISTS post_replies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_post_descriptor_id INTEGER NOT NULL REFERENCES post_descriptors(id),
	owner_account_id INTEGER NOT NULL REFERENCES accounts(id),
	state TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	notified_at DATETIME,
	UNIQUE (owner_post_descriptor_id, owner_account_id)
);

CREATE TABLE IF NOT EXISTS threads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	site TEXT NOT NULL,
	board TEXT NOT NULL,
	thread_no INTEGER NOT NULL,
	last_processed_post_no INTEGER NOT NULL DEFAULT 0,
	last_processed_post_sub_no INTEGER NOT NULL DEFAULT 0,
	last_modified_local DATETIME,
	UNIQUE (site, board, thread_no)
);

CREATE TABLE IF NOT EXISTS invites (
	id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at DATETIME NOT NULL,
	accepted_at DATETIME
);

CREATE TABLE IF NOT EXISTS logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	logged_at DATETIME NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	attrs TEXT NOT NULL DEFAULT '{}'
);
`,
	},
}

// RunMigrations applies every migration not yet recorded in the
// migrations table, in version order, and verifies the checksum of
// every migration that was already applied.
//
// A mismatch is a KindFatal *apperr.Error: the caller is expected to
// terminate the process rather than run against a schema that no
// longer matches the code that produced it.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := map[int]string{}
	rows, err := db.QueryContext(ctx, "SELECT version, checksum FROM migrations")
	if err != nil {
		return fmt.Errorf("read migrations table: %w", err)
	}
	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			rows.Close()
			return fmt.Errorf("scan migrations row: %w", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate migrations table: %w", err)
	}
	rows.Close()

	for _, m := range migrations {
		checksum := checksumOf(m.SQL)

		if existing, ok := applied[m.Version]; ok {
			if existing != checksum {
				return apperr.Fatal(nil,
					"migration %d (%s) checksum mismatch: schema has drifted from code",
					m.Version, m.Name)
			}
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: begin tx: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): apply: %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO migrations (version, name, checksum) VALUES (?, ?, ?)",
			m.Version, m.Name, checksum,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): record: %w", m.Version, m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d (%s): commit: %w", m.Version, m.Name, err)
		}
	}

	return nil
}

func checksumOf(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}
