package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpnc/server/internal/account"
	"github.com/kpnc/server/internal/descriptor"
	"github.com/kpnc/server/internal/identitycache"
	"github.com/kpnc/server/internal/imageboard"
	"github.com/kpnc/server/internal/imageboard/chan4"
	"github.com/kpnc/server/internal/reply"
	"github.com/kpnc/server/internal/store"
	"github.com/kpnc/server/internal/watch"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func pd(site, board string, thread, post, sub uint64) descriptor.PostDescriptor {
	td := descriptor.NewThreadDescriptor(descriptor.NewCatalogDescriptor(descriptor.NewSiteDescriptor(site), board), thread)
	return descriptor.NewPostDescriptor(td, post, sub)
}

type fixtures struct {
	db       *store.Store
	identity *identitycache.Cache
	accounts *account.Store
	watches  *watch.Store
	replies  *reply.Store
	registry *imageboard.Registry
}

func newFixtures(t *testing.T) *fixtures {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "kpnc.db")
	s, err := store.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	identity := identitycache.New()
	accounts := account.New(s.DB())
	watches := watch.New(s.DB(), identity, accounts)
	replies := reply.New(s.DB())
	registry := imageboard.NewRegistry()

	return &fixtures{db: s, identity: identity, accounts: accounts, watches: watches, replies: replies, registry: registry}
}

func TestClampRespectsBounds(t *testing.T) {
	assert.Equal(t, 8, clamp(1, 8, 128))
	assert.Equal(t, 128, clamp(10000, 8, 128))
	assert.Equal(t, 32, clamp(32, 8, 128))
}

func TestChunkSliceSplitsEvenlyAndRemainder(t *testing.T) {
	threads := make([]descriptor.ThreadDescriptor, 5)
	for i := range threads {
		threads[i] = descriptor.NewThreadDescriptor(descriptor.NewCatalogDescriptor(descriptor.NewSiteDescriptor("4chan"), "a"), uint64(i))
	}
	chunks := chunkSlice(threads, 2)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 2)
	assert.Len(t, chunks[1], 2)
	assert.Len(t, chunks[2], 1)
}

// TestProcessThreadMarksDeadOnPermanent404 exercises the
// LoadHeadBadStatus/404 terminal branch: the thread has no adapter-level
// tail endpoint retry left, so a 404 from the HEAD probe of the full
// endpoint must mark the thread dead rather than retry forever.
func TestProcessThreadMarksDeadOnPermanent404(t *testing.T) {
	fx := newFixtures(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	adapter := chan4.New([]string{"a"}, chan4.WithAPIBase(srv.URL))
	fx.registry.Register(adapter)

	_, err := fx.accounts.Create(ctx, "acc-1", nil, time.Hour)
	require.NoError(t, err)
	target := pd("4chan", "a", 1, 1, 0)
	created, err := fx.watches.StartWatching(ctx, "acc-1", target)
	require.NoError(t, err)
	require.True(t, created)

	td := target.Thread
	w := New(fx.db.DB(), fx.identity, fx.watches, fx.replies, fx.registry, discardLogger())
	w.processThread(ctx, discardLogger(), td)

	threads, err := fx.watches.AllWatchedThreads(ctx)
	require.NoError(t, err)
	assert.Empty(t, threads, "a 404 on the full endpoint must mark the thread dead")
}

// TestProcessThreadSuccessStoresMatchedReply exercises the full
// success path: a quote-reply to a watched post must surface in the
// reply store, and the thread's progress cursor must advance.
func TestProcessThreadSuccessStoresMatchedReply(t *testing.T) {
	fx := newFixtures(t)
	ctx := context.Background()

	body := `{"posts":[
		{"no":1,"resto":0,"com":"OP"},
		{"no":2,"resto":1,"com":"reply quoting <a href=\"#p1\" class=\"quotelink\">&gt;&gt;1</a>"}
	]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	adapter := chan4.New([]string{"a"}, chan4.WithAPIBase(srv.URL))
	fx.registry.Register(adapter)

	_, err := fx.accounts.Create(ctx, "acc-1", nil, time.Hour)
	require.NoError(t, err)
	target := pd("4chan", "a", 1, 1, 0)
	created, err := fx.watches.StartWatching(ctx, "acc-1", target)
	require.NoError(t, err)
	require.True(t, created)

	td := target.Thread
	w := New(fx.db.DB(), fx.identity, fx.watches, fx.replies, fx.registry, discardLogger())
	w.processThread(ctx, discardLogger(), td)

	grouped, err := fx.replies.UnsentByToken(ctx, "ios")
	require.NoError(t, err)
	assert.Empty(t, grouped, "account has no registered token yet, so nothing should be deliverable")

	var replyCount int
	require.NoError(t, fx.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM post_replies`).Scan(&replyCount))
	assert.Equal(t, 1, replyCount, "the quote of the watched post must be stored as one pending reply")

	row, err := loadThreadRow(ctx, fx.db.DB(), td)
	require.NoError(t, err)
	require.NotNil(t, row.LastProcessedPost)
	assert.Equal(t, uint64(2), row.LastProcessedPost.PostNo)
}

// TestProcessThreadNoMatchesLeavesWatchesIntact exercises the case
// where replies quote an unwatched post: nothing should be queued, but
// the thread stays alive and its cursor still advances.
func TestProcessThreadNoMatchesLeavesWatchesIntact(t *testing.T) {
	fx := newFixtures(t)
	ctx := context.Background()

	body := `{"posts":[
		{"no":1,"resto":0,"com":"OP"},
		{"no":2,"resto":1,"com":"unrelated reply"}
	]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusOK)
			return
		}
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	adapter := chan4.New([]string{"a"}, chan4.WithAPIBase(srv.URL))
	fx.registry.Register(adapter)

	_, err := fx.accounts.Create(ctx, "acc-1", nil, time.Hour)
	require.NoError(t, err)
	target := pd("4chan", "a", 1, 1, 0)
	_, err = fx.watches.StartWatching(ctx, "acc-1", target)
	require.NoError(t, err)

	td := target.Thread
	w := New(fx.db.DB(), fx.identity, fx.watches, fx.replies, fx.registry, discardLogger())
	w.processThread(ctx, discardLogger(), td)

	threads, err := fx.watches.AllWatchedThreads(ctx)
	require.NoError(t, err)
	assert.Len(t, threads, 1, "no 404/parse failure occurred, so the thread must remain watched")
}
