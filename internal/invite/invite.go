// Package invite implements the invite lifecycle (spec.md §4.J):
// minting opaque bearer invites, accepting one into a fresh account,
// and a periodic cleanup of lapsed invites
// (original_source/src/service/invites_cleanup.rs).
package invite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"log/slog"
	"time"

	"github.com/kpnc/server/internal/account"
	"github.com/kpnc/server/internal/apperr"
)

const (
	idLength          = 256
	userIDLength      = 128
	inviteTTL         = 24 * time.Hour
	acceptedAccountTTL = 7 * 24 * time.Hour
	alphanumeric      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Store mints and accepts invites against the invites table.
type Store struct {
	db       *sql.DB
	accounts *account.Store
}

// New constructs a Store.
func New(db *sql.DB, accounts *account.Store) *Store {
	return &Store{db: db, accounts: accounts}
}

// Generate mints n opaque invites, each a 256-character alphanumeric
// id with a 1-day TTL. Collisions (astronomically unlikely at this
// length) are re-rolled rather than surfaced as an error, per spec.md
// §4.J.
func (s *Store) Generate(ctx context.Context, n int) ([]string, error) {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.insertWithRetry(ctx)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) insertWithRetry(ctx context.Context) (string, error) {
	for {
		id, err := randomAlphanumeric(idLength)
		if err != nil {
			return "", apperr.Transient(err, "generate invite id")
		}

		res, err := s.db.ExecContext(ctx, `
			INSERT INTO invites (id, expires_at) VALUES (?, ?)
			ON CONFLICT(id) DO NOTHING
		`, id, time.Now().Add(inviteTTL))
		if err != nil {
			return "", apperr.Transient(err, "insert invite")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return "", apperr.Transient(err, "insert invite: rows affected")
		}
		if affected == 1 {
			return id, nil
		}
		// Collision: re-roll.
	}
}

// Accept marks inviteID accepted and derives a fresh account from it.
// Returns apperr.KindNotFound if the invite is absent or expired, and
// apperr.KindConflict if it was already accepted; in every one of these
// cases no account is created.
func (s *Store) Accept(ctx context.Context, inviteID string) (userID string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", apperr.Transient(err, "begin accept invite")
	}
	defer tx.Rollback()

	var expiresAt time.Time
	var acceptedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT expires_at, accepted_at FROM invites WHERE id = ?
	`, inviteID).Scan(&expiresAt, &acceptedAt)
	if err == sql.ErrNoRows {
		return "", apperr.NotFound("invite not found")
	}
	if err != nil {
		return "", apperr.Transient(err, "load invite")
	}
	if acceptedAt.Valid {
		return "", apperr.Conflict("invite already accepted")
	}
	if !time.Now().Before(expiresAt) {
		return "", apperr.NotFound("invite expired")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE invites SET accepted_at = ? WHERE id = ?
	`, time.Now(), inviteID); err != nil {
		return "", apperr.Transient(err, "mark invite accepted")
	}
	if err := tx.Commit(); err != nil {
		return "", apperr.Transient(err, "commit accept invite")
	}

	userID, accountID, err := s.freshUncollidingAccount(ctx)
	if err != nil {
		return "", err
	}

	id := inviteID
	if _, err := s.accounts.Create(ctx, accountID, &id, acceptedAccountTTL); err != nil {
		return "", err
	}
	return userID, nil
}

// freshUncollidingAccount draws a fresh random user_id and hashes it,
// re-drawing an entirely new user_id on the vanishingly rare chance its
// hash collides with an existing account, per spec.md §4.J "derives a
// fresh 128-character user_id, hashes it into an account_id that does
// not collide with any existing account (loop+check)". Re-rolling the
// user_id itself (rather than perturbing it) keeps the returned
// user_id and the persisted account_id consistent with each other.
func (s *Store) freshUncollidingAccount(ctx context.Context) (userID, accountID string, err error) {
	for {
		userID, err = randomAlphanumeric(userIDLength)
		if err != nil {
			return "", "", apperr.Transient(err, "generate user id")
		}
		accountID = account.HashUserID(userID)

		var exists bool
		err = s.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM accounts WHERE account_id = ?)
		`, accountID).Scan(&exists)
		if err != nil {
			return "", "", apperr.Transient(err, "check account id collision")
		}
		if !exists {
			return userID, accountID, nil
		}
	}
}

// Cleanup deletes every invite whose TTL has lapsed and was never
// accepted, every interval, until ctx is cancelled. Supplements
// spec.md, which names the 30-minute cadence in its concurrency table
// but never the behavior
// (original_source/src/service/invites_cleanup.rs exists precisely to
// bound the invites table's size).
func Cleanup(ctx context.Context, db *sql.DB, logger *slog.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := db.ExecContext(ctx, `
				DELETE FROM invites WHERE accepted_at IS NULL AND expires_at < ?
			`, time.Now())
			if err != nil {
				logger.Error("invite cleanup failed", "error", err)
				continue
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				logger.Info("invite cleanup removed lapsed invites", "count", n)
			}
		}
	}
}

func randomAlphanumeric(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return string(out), nil
}
