package invite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpnc/server/internal/account"
	"github.com/kpnc/server/internal/apperr"
	"github.com/kpnc/server/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixtures struct {
	db       *store.Store
	accounts *account.Store
	invites  *Store
}

func newFixtures(t *testing.T) *fixtures {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "kpnc.db")
	s, err := store.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	accounts := account.New(s.DB())
	invites := New(s.DB(), accounts)
	return &fixtures{db: s, accounts: accounts, invites: invites}
}

func TestGenerateProducesDistinctAlphanumericIDs(t *testing.T) {
	fx := newFixtures(t)
	ctx := context.Background()

	ids, err := fx.invites.Generate(ctx, 5)
	require.NoError(t, err)
	require.Len(t, ids, 5)

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		assert.Len(t, id, idLength)
		for _, r := range id {
			assert.Contains(t, alphanumeric, string(r))
		}
		_, dup := seen[id]
		assert.False(t, dup, "Generate must not repeat an id within one batch")
		seen[id] = struct{}{}
	}

	var expiresAt time.Time
	require.NoError(t, fx.db.DB().QueryRowContext(ctx,
		`SELECT expires_at FROM invites WHERE id = ?`, ids[0]).Scan(&expiresAt))
	assert.WithinDuration(t, time.Now().Add(inviteTTL), expiresAt, time.Minute)
}

func TestAcceptCreatesAccountAndConsumesInvite(t *testing.T) {
	fx := newFixtures(t)
	ctx := context.Background()

	ids, err := fx.invites.Generate(ctx, 1)
	require.NoError(t, err)
	inviteID := ids[0]

	userID, err := fx.invites.Accept(ctx, inviteID)
	require.NoError(t, err)
	assert.Len(t, userID, userIDLength)

	accountID := account.HashUserID(userID)
	acc, err := fx.accounts.Get(ctx, accountID)
	require.NoError(t, err)
	require.NotNil(t, acc.InviteID)
	assert.Equal(t, inviteID, *acc.InviteID)
	require.NotNil(t, acc.ValidUntil)
	assert.WithinDuration(t, time.Now().Add(acceptedAccountTTL), *acc.ValidUntil, time.Minute)
}

func TestAcceptRejectsUnknownInvite(t *testing.T) {
	fx := newFixtures(t)
	_, err := fx.invites.Accept(context.Background(), "does-not-exist")
	require.Error(t, err)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindNotFound, kind)
}

func TestAcceptRejectsAlreadyAcceptedInvite(t *testing.T) {
	fx := newFixtures(t)
	ctx := context.Background()

	ids, err := fx.invites.Generate(ctx, 1)
	require.NoError(t, err)
	inviteID := ids[0]

	_, err = fx.invites.Accept(ctx, inviteID)
	require.NoError(t, err)

	_, err = fx.invites.Accept(ctx, inviteID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestAcceptRejectsExpiredInvite(t *testing.T) {
	fx := newFixtures(t)
	ctx := context.Background()

	ids, err := fx.invites.Generate(ctx, 1)
	require.NoError(t, err)
	inviteID := ids[0]

	_, err = fx.db.DB().ExecContext(ctx,
		`UPDATE invites SET expires_at = ? WHERE id = ?`, time.Now().Add(-time.Minute), inviteID)
	require.NoError(t, err)

	_, err = fx.invites.Accept(ctx, inviteID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCleanupRemovesOnlyExpiredUnacceptedInvites(t *testing.T) {
	fx := newFixtures(t)
	ctx := context.Background()

	expiredID := "expired-invite"
	liveID := "live-invite"
	acceptedID := "accepted-invite"

	_, err := fx.db.DB().ExecContext(ctx,
		`INSERT INTO invites (id, expires_at) VALUES (?, ?)`, expiredID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = fx.db.DB().ExecContext(ctx,
		`INSERT INTO invites (id, expires_at) VALUES (?, ?)`, liveID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = fx.db.DB().ExecContext(ctx,
		`INSERT INTO invites (id, expires_at, accepted_at) VALUES (?, ?, ?)`,
		acceptedID, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	cleanupCtx, cancel := context.WithCancel(ctx)
	go Cleanup(cleanupCtx, fx.db.DB(), discardLogger(), 10*time.Millisecond)

	require.Eventually(t, func() bool {
		var count int
		require.NoError(t, fx.db.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM invites WHERE id = ?`, expiredID).Scan(&count))
		return count == 0
	}, time.Second, 5*time.Millisecond, "expired unaccepted invite must eventually be removed")
	cancel()

	for _, id := range []string{liveID, acceptedID} {
		var count int
		require.NoError(t, fx.db.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM invites WHERE id = ?`, id).Scan(&count))
		assert.Equal(t, 1, count, "%s must survive cleanup", id)
	}
}
