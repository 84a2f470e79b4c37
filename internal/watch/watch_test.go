package watch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpnc/server/internal/account"
	"github.com/kpnc/server/internal/apperr"
	"github.com/kpnc/server/internal/descriptor"
	"github.com/kpnc/server/internal/identitycache"
	"github.com/kpnc/server/internal/store"
)

func newTestStore(t *testing.T) (*Store, *account.Store, *identitycache.Cache) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "kpnc.db")
	s, err := store.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	accounts := account.New(s.DB())
	identity := identitycache.New()
	return New(s.DB(), identity, accounts), accounts, identity
}

func pd(site, board string, thread, post, sub uint64) descriptor.PostDescriptor {
	td := descriptor.NewThreadDescriptor(descriptor.NewCatalogDescriptor(descriptor.NewSiteDescriptor(site), board), thread)
	return descriptor.NewPostDescriptor(td, post, sub)
}

func TestStartWatchingIsIdempotent(t *testing.T) {
	w, accounts, _ := newTestStore(t)
	ctx := context.Background()

	_, err := accounts.Create(ctx, "acc-1", nil, time.Hour)
	require.NoError(t, err)

	target := pd("4chan", "a", 1, 1, 0)

	created, err := w.StartWatching(ctx, "acc-1", target)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = w.StartWatching(ctx, "acc-1", target)
	require.NoError(t, err)
	assert.False(t, created, "watching the same post twice must be idempotent")

	threads, err := w.AllWatchedThreads(ctx)
	require.NoError(t, err)
	assert.Len(t, threads, 1)
}

func TestStartWatchingUnknownAccountNotFound(t *testing.T) {
	w, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := w.StartWatching(ctx, "ghost", pd("4chan", "a", 1, 1, 0))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestStartWatchingExpiredAccountRejected(t *testing.T) {
	w, accounts, _ := newTestStore(t)
	ctx := context.Background()

	_, err := accounts.Create(ctx, "acc-1", nil, time.Hour)
	require.NoError(t, err)
	require.NoError(t, accounts.UpdateExpiry(ctx, "acc-1", time.Now().Add(-time.Minute)))

	_, err = w.StartWatching(ctx, "acc-1", pd("4chan", "a", 1, 1, 0))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindClientValidation))
}

func TestStopWatchingRemovesFromAllWatchedThreads(t *testing.T) {
	w, accounts, _ := newTestStore(t)
	ctx := context.Background()

	_, err := accounts.Create(ctx, "acc-1", nil, time.Hour)
	require.NoError(t, err)

	target := pd("4chan", "a", 1, 1, 0)
	_, err = w.StartWatching(ctx, "acc-1", target)
	require.NoError(t, err)

	require.NoError(t, w.StopWatching(ctx, "acc-1", target))

	threads, err := w.AllWatchedThreads(ctx)
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestAllWatchedThreadsDedupesMultiplePostsInOneThread(t *testing.T) {
	w, accounts, _ := newTestStore(t)
	ctx := context.Background()

	_, err := accounts.Create(ctx, "acc-1", nil, time.Hour)
	require.NoError(t, err)

	_, err = w.StartWatching(ctx, "acc-1", pd("4chan", "a", 1, 1, 0))
	require.NoError(t, err)
	_, err = w.StartWatching(ctx, "acc-1", pd("4chan", "a", 1, 2, 0))
	require.NoError(t, err)

	threads, err := w.AllWatchedThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
}

func TestMarkThreadDeadExcludesItsPostsFromAllWatchedThreads(t *testing.T) {
	w, accounts, _ := newTestStore(t)
	ctx := context.Background()

	_, err := accounts.Create(ctx, "acc-1", nil, time.Hour)
	require.NoError(t, err)

	target := pd("4chan", "a", 1, 1, 0)
	_, err = w.StartWatching(ctx, "acc-1", target)
	require.NoError(t, err)

	require.NoError(t, w.MarkThreadDead(ctx, target.Thread))

	threads, err := w.AllWatchedThreads(ctx)
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestMarkThreadDeadWithNoKnownPostsIsNoop(t *testing.T) {
	w, _, _ := newTestStore(t)
	ctx := context.Background()

	unknown := descriptor.NewThreadDescriptor(
		descriptor.NewCatalogDescriptor(descriptor.NewSiteDescriptor("4chan"), "a"), 404)
	require.NoError(t, w.MarkThreadDead(ctx, unknown))
}
