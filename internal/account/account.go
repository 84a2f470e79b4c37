// Package account implements the account record store (spec.md §4.C):
// a write-through cache in front of the accounts table, keyed by the
// hashed account_id produced by HashUserID.
package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/kpnc/server/internal/apperr"
)

// Account is the in-memory/decoded form of an accounts row.
type Account struct {
	AccountID  string
	InviteID   *string
	Tokens     map[string]string // application_type -> FCM token
	ValidUntil *time.Time        // nil means never expires
}

// Valid reports whether the account can currently acquire new watches
// (spec.md §3: "An account is valid iff valid_until is in the future").
func (a *Account) Valid(now time.Time) bool {
	return a.ValidUntil == nil || a.ValidUntil.After(now)
}

// Store is the write-through account cache plus its backing table.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]*Account
}

// New constructs an empty Store. Cache entries are populated lazily on
// first Get/Create, per spec.md §4.C ("get checks cache then database,
// on miss promotes to cache").
func New(db *sql.DB) *Store {
	return &Store{db: db, cache: make(map[string]*Account)}
}

func cloneAccount(a *Account) *Account {
	tokens := make(map[string]string, len(a.Tokens))
	for k, v := range a.Tokens {
		tokens[k] = v
	}
	clone := &Account{AccountID: a.AccountID, Tokens: tokens}
	if a.InviteID != nil {
		id := *a.InviteID
		clone.InviteID = &id
	}
	if a.ValidUntil != nil {
		t := *a.ValidUntil
		clone.ValidUntil = &t
	}
	return clone
}

// Get returns the account for accountID, checking the cache first.
// Returns a KindNotFound *apperr.Error if the account is unknown.
func (s *Store) Get(ctx context.Context, accountID string) (*Account, error) {
	s.mu.RLock()
	cached, ok := s.cache[accountID]
	s.mu.RUnlock()
	if ok {
		return cloneAccount(cached), nil
	}

	acc, err := s.loadFromDB(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[accountID] = acc
	s.mu.Unlock()
	return cloneAccount(acc), nil
}

func (s *Store) loadFromDB(ctx context.Context, q querier, accountID string) (*Account, error) {
	var inviteID sql.NullString
	var tokensJSON string
	var validUntil sql.NullTime

	err := q.QueryRowContext(ctx, `
		SELECT invite_id, tokens, valid_until FROM accounts WHERE account_id = ?
	`, accountID).Scan(&inviteID, &tokensJSON, &validUntil)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("account does not exist")
	}
	if err != nil {
		return nil, apperr.Transient(err, "load account")
	}

	acc := &Account{AccountID: accountID, Tokens: map[string]string{}}
	if inviteID.Valid {
		id := inviteID.String
		acc.InviteID = &id
	}
	if validUntil.Valid {
		t := validUntil.Time
		acc.ValidUntil = &t
	}
	if tokensJSON != "" {
		if err := json.Unmarshal([]byte(tokensJSON), &acc.Tokens); err != nil {
			return nil, apperr.Transient(err, "decode account tokens")
		}
	}
	return acc, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Create inserts a new account. Fails with KindConflict if the cache
// or the database already has this account_id.
func (s *Store) Create(ctx context.Context, accountID string, inviteID *string, validFor time.Duration) (*Account, error) {
	s.mu.RLock()
	_, cached := s.cache[accountID]
	s.mu.RUnlock()
	if cached {
		return nil, apperr.Conflict("account already exists")
	}

	validUntil := time.Now().Add(validFor)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Transient(err, "begin create account")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (account_id, invite_id, tokens, valid_until)
		VALUES (?, ?, '{}', ?)
		ON CONFLICT(account_id) DO NOTHING
	`, accountID, nullableString(inviteID), validUntil)
	if err != nil {
		return nil, apperr.Transient(err, "insert account")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apperr.Transient(err, "insert account: rows affected")
	}
	if affected == 0 {
		return nil, apperr.Conflict("account already exists")
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Transient(err, "commit create account")
	}

	acc := &Account{AccountID: accountID, InviteID: inviteID, Tokens: map[string]string{}, ValidUntil: &validUntil}
	s.mu.Lock()
	s.cache[accountID] = acc
	s.mu.Unlock()
	return cloneAccount(acc), nil
}

// UpdateToken sets the FCM token for applicationType. Fails with
// KindNotFound if the account is unknown.
func (s *Store) UpdateToken(ctx context.Context, accountID, applicationType, token string) error {
	return s.mutate(ctx, accountID, func(acc *Account) error {
		acc.Tokens[applicationType] = token
		tokensJSON, err := json.Marshal(acc.Tokens)
		if err != nil {
			return apperr.Transient(err, "encode tokens")
		}
		_, err = s.db.ExecContext(ctx, `UPDATE accounts SET tokens = ? WHERE account_id = ?`, string(tokensJSON), accountID)
		if err != nil {
			return apperr.Transient(err, "update token")
		}
		return nil
	})
}

// UpdateExpiry sets a new valid_until. Fails with KindNotFound if the
// account is unknown.
func (s *Store) UpdateExpiry(ctx context.Context, accountID string, validUntil time.Time) error {
	return s.mutate(ctx, accountID, func(acc *Account) error {
		_, err := s.db.ExecContext(ctx, `UPDATE accounts SET valid_until = ? WHERE account_id = ?`, validUntil, accountID)
		if err != nil {
			return apperr.Transient(err, "update expiry")
		}
		acc.ValidUntil = &validUntil
		return nil
	})
}

// mutate loads (cache-or-db), applies fn against a live copy, writes
// to the database first, then the cache — matching spec.md §4.C
// ("Cache and database are written in that order inside a
// transaction; cache writes are conditional on transaction success").
// The simple single-statement UPDATEs here don't need an explicit
// transaction; fn performs the write against acc, which is a copy, so
// the cache only sees the change after fn has succeeded.
func (s *Store) mutate(ctx context.Context, accountID string, fn func(*Account) error) error {
	acc, err := s.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if err := fn(acc); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[accountID] = acc
	s.mu.Unlock()
	return nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
