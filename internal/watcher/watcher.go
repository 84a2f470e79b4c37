// Package watcher implements the thread watcher (spec.md §4.G): a
// long-running scheduling loop that re-polls every watched thread,
// extracts quote-replies, and queues them for the FCM dispatcher.
package watcher

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kpnc/server/internal/descriptor"
	"github.com/kpnc/server/internal/identitycache"
	"github.com/kpnc/server/internal/imageboard"
	"github.com/kpnc/server/internal/reply"
	"github.com/kpnc/server/internal/watch"
)

const (
	defaultChunkMin       = 8
	defaultChunkMax       = 128
	defaultPollInterval   = 60 * time.Second
)

// Watcher runs the scheduling loop described in spec.md §4.G.
type Watcher struct {
	db       *sql.DB
	identity *identitycache.Cache
	watches  *watch.Store
	replies  *reply.Store
	registry *imageboard.Registry
	logger   *slog.Logger
	client   *http.Client

	chunkMin, chunkMax int
	pollInterval       time.Duration
}

// Option configures a Watcher (the same functional-options shape the
// teacher's internal/engine.New takes EngineOptions with).
type Option func(*Watcher)

// WithChunkBounds overrides the clamp(num_cpus*4, min, max) bounds
// spec.md §4.G names (default 8/128).
func WithChunkBounds(min, max int) Option {
	return func(w *Watcher) { w.chunkMin, w.chunkMax = min, max }
}

// WithPollInterval overrides the sleep between scheduling cycles
// (default 60s, normally sourced from THREAD_WATCHER_TIMEOUT_SECONDS).
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) { w.pollInterval = d }
}

// WithHTTPClient overrides the client used for adapter HTTP calls.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Watcher) { w.client = c }
}

// New constructs a Watcher.
func New(db *sql.DB, identity *identitycache.Cache, watches *watch.Store, replies *reply.Store, registry *imageboard.Registry, logger *slog.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		db:           db,
		identity:     identity,
		watches:      watches,
		replies:      replies,
		registry:     registry,
		logger:       logger,
		client:       http.DefaultClient,
		chunkMin:     defaultChunkMin,
		chunkMax:     defaultChunkMax,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes the scheduling loop until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		w.runCycle(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

func (w *Watcher) runCycle(ctx context.Context) {
	cycleID := uuid.Must(uuid.NewV7()).String()
	logger := w.logger.With("cycle_id", cycleID)

	threads, err := w.watches.AllWatchedThreads(ctx)
	if err != nil {
		logger.Error("list watched threads failed", "error", err)
		return
	}
	if len(threads) == 0 {
		return
	}

	chunkSize := clamp(runtime.NumCPU()*4, w.chunkMin, w.chunkMax)
	logger.Info("thread watcher cycle starting", "thread_count", len(threads), "chunk_size", chunkSize)

	for _, chunk := range chunkSlice(threads, chunkSize) {
		var wg sync.WaitGroup
		for _, td := range chunk {
			wg.Add(1)
			go func(td descriptor.ThreadDescriptor) {
				defer wg.Done()
				w.processThread(ctx, logger, td)
			}(td)
		}
		wg.Wait()
	}
}

// processThread implements the per-thread worker (spec.md §4.G).
// Errors are logged, never returned: a failure in one thread must not
// abort the cycle or the loop.
func (w *Watcher) processThread(ctx context.Context, logger *slog.Logger, td descriptor.ThreadDescriptor) {
	logger = logger.With("site", td.Site().SiteName(), "board", td.Board(), "thread_no", td.ThreadNo)

	adapter, ok := w.registry.ForSite(td.Site())
	if !ok {
		logger.Warn("no adapter for site; marking thread dead")
		w.markDeadLogged(ctx, logger, td)
		return
	}

	row, err := loadThreadRow(ctx, w.db, td)
	if err != nil {
		logger.Error("load thread row failed", "error", err)
		return
	}

	result, err := adapter.LoadThread(ctx, w.client, td, row.LastProcessedPost, row.LastModifiedLocal)
	if err != nil {
		logger.Warn("thread load request failed; retrying next cycle", "error", err)
		return
	}

	switch result.Outcome {
	case imageboard.LoadNotModifiedSinceLastCheck:
		return
	case imageboard.LoadSiteNotSupported:
		logger.Warn("site not supported; marking thread dead")
		w.markDeadLogged(ctx, logger, td)
		return
	case imageboard.LoadFailedToReadChanThread:
		logger.Error("unparseable thread body; marking thread dead", "preview", result.BodyPreview)
		w.markDeadLogged(ctx, logger, td)
		return
	case imageboard.LoadHeadBadStatus, imageboard.LoadGetBadStatus:
		if result.StatusCode == http.StatusNotFound {
			// A 404 surfacing here means the full (non-tail) endpoint
			// is gone for good, per spec.md §4.G "A permanent 404 on
			// the full endpoint marks the thread dead" — any
			// tail-specific 404 was already retried as a full load
			// inside LoadThread and never reaches this switch.
			logger.Warn("full endpoint returned 404; marking thread dead")
			w.markDeadLogged(ctx, logger, td)
			return
		}
		logger.Warn("thread load got a bad status; retrying next cycle", "status", result.StatusCode)
		return
	case imageboard.LoadSuccess:
		// fall through below
	default:
		logger.Error("unknown load outcome", "outcome", result.Outcome.String())
		return
	}

	if result.Thread.Closed || result.Thread.Archived {
		logger.Info("thread closed or archived; marking dead")
		w.markDeadLogged(ctx, logger, td)
		return
	}
	if len(result.Thread.Posts) == 0 {
		return
	}

	if err := w.processQuotes(ctx, adapter, td, result.Thread, row.LastProcessedPost); err != nil {
		logger.Error("process quotes failed", "error", err)
		return
	}

	maxProcessed := maxPostDescriptor(td, result.Thread.Posts, row.LastProcessedPost)
	if err := saveThreadRow(ctx, w.db, td, maxProcessed, result.LastModified); err != nil {
		logger.Error("save thread row failed", "error", err)
	}
}

func (w *Watcher) markDeadLogged(ctx context.Context, logger *slog.Logger, td descriptor.ThreadDescriptor) {
	if err := w.watches.MarkThreadDead(ctx, td); err != nil {
		logger.Error("mark thread dead failed", "error", err)
	}
}

// processQuotes extracts quote-replies, intersects them with active
// watches, and queues the matches, all inside one transaction
// (spec.md §4.G steps b-e).
func (w *Watcher) processQuotes(ctx context.Context, adapter imageboard.Adapter, td descriptor.ThreadDescriptor, thread *imageboard.ParsedThread, lastProcessed *descriptor.PostDescriptor) error {
	founds := extractQuotes(adapter, td, thread, lastProcessed)
	if len(founds) == 0 {
		return nil
	}

	repliesTo := uniqueRepliesTo(founds)

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	resolvedRepliesTo, err := w.identity.BatchResolveOrInsert(ctx, tx, repliesTo)
	if err != nil {
		return err
	}

	watchedAccountsByID, err := watchedAccountsFor(ctx, tx, resolvedRepliesTo)
	if err != nil {
		return err
	}
	if len(watchedAccountsByID) == 0 {
		return tx.Commit()
	}

	matchedOrigins := uniqueMatchedOrigins(founds, resolvedRepliesTo, watchedAccountsByID)
	resolvedOrigins, err := w.identity.BatchResolveOrInsert(ctx, tx, matchedOrigins)
	if err != nil {
		return err
	}

	for _, f := range founds {
		repliesToID, ok := resolvedRepliesTo[f.RepliesTo]
		if !ok {
			continue
		}
		accounts, watched := watchedAccountsByID[repliesToID]
		if !watched {
			continue
		}
		originID, ok := resolvedOrigins[f.Origin]
		if !ok {
			continue
		}
		for _, accountID := range accounts {
			if err := w.replies.StoreReplies(ctx, tx, originID, accountID); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	w.identity.PromoteBatchAfterCommit(resolvedRepliesTo)
	w.identity.PromoteBatchAfterCommit(resolvedOrigins)
	return nil
}

func extractQuotes(adapter imageboard.Adapter, td descriptor.ThreadDescriptor, thread *imageboard.ParsedThread, _ *descriptor.PostDescriptor) []imageboard.FoundPostReply {
	type pair struct{ origin, repliesTo descriptor.PostDescriptor }
	seen := make(map[pair]struct{})
	var founds []imageboard.FoundPostReply

	re := adapter.QuoteRegex()
	for _, post := range thread.Posts {
		origin := descriptor.NewPostDescriptor(td, post.PostNo, post.PostSubNo)
		for _, m := range re.FindAllStringSubmatch(post.HTML, -1) {
			quoteNo, err := strconv.ParseUint(m[1], 10, 64)
			if err != nil {
				continue
			}
			repliesTo := descriptor.NewPostDescriptor(td, quoteNo, 0)
			key := pair{origin, repliesTo}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			founds = append(founds, imageboard.FoundPostReply{Origin: origin, RepliesTo: repliesTo})
		}
	}
	return founds
}

func uniqueRepliesTo(founds []imageboard.FoundPostReply) []descriptor.PostDescriptor {
	seen := make(map[descriptor.PostDescriptor]struct{}, len(founds))
	var out []descriptor.PostDescriptor
	for _, f := range founds {
		if _, ok := seen[f.RepliesTo]; ok {
			continue
		}
		seen[f.RepliesTo] = struct{}{}
		out = append(out, f.RepliesTo)
	}
	return out
}

func uniqueMatchedOrigins(founds []imageboard.FoundPostReply, resolvedRepliesTo map[descriptor.PostDescriptor]int64, watchedAccountsByID map[int64][]string) []descriptor.PostDescriptor {
	seen := make(map[descriptor.PostDescriptor]struct{})
	var out []descriptor.PostDescriptor
	for _, f := range founds {
		id, ok := resolvedRepliesTo[f.RepliesTo]
		if !ok {
			continue
		}
		if _, watched := watchedAccountsByID[id]; !watched {
			continue
		}
		if _, ok := seen[f.Origin]; ok {
			continue
		}
		seen[f.Origin] = struct{}{}
		out = append(out, f.Origin)
	}
	return out
}

// watchedAccountsFor returns, for each resolved "replies_to" db id that
// has at least one active watch, the account_ids watching it (spec.md
// §4.G step d: "query post_watches joined to accounts for the
// matches").
func watchedAccountsFor(ctx context.Context, tx *sql.Tx, resolved map[descriptor.PostDescriptor]int64) (map[int64][]string, error) {
	if len(resolved) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(resolved))
	for _, id := range resolved {
		ids = append(ids, id)
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := `
		SELECT p.owner_post_descriptor_id, a.account_id
		FROM post_watches pw
		JOIN posts p ON p.id = pw.owner_post_id
		JOIN accounts a ON a.id = pw.owner_account_id
		WHERE p.owner_post_descriptor_id IN (` + joinPlaceholders(placeholders) + `)
		AND p.is_dead = 0
	`
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]string)
	for rows.Next() {
		var descriptorID int64
		var accountID string
		if err := rows.Scan(&descriptorID, &accountID); err != nil {
			return nil, err
		}
		out[descriptorID] = append(out[descriptorID], accountID)
	}
	return out, rows.Err()
}

func joinPlaceholders(placeholders []string) string {
	out := ""
	for i, p := range placeholders {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// maxPostDescriptor folds descriptor.Max over every post in the batch,
// seeded with the existing cursor if any (spec.md §4.G step f).
func maxPostDescriptor(td descriptor.ThreadDescriptor, posts []imageboard.Post, existing *descriptor.PostDescriptor) descriptor.PostDescriptor {
	max := descriptor.NewPostDescriptor(td, posts[0].PostNo, posts[0].PostSubNo)
	if existing != nil {
		max = descriptor.Max(max, *existing)
	}
	for _, p := range posts[1:] {
		max = descriptor.Max(max, descriptor.NewPostDescriptor(td, p.PostNo, p.PostSubNo))
	}
	return max
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func chunkSlice(threads []descriptor.ThreadDescriptor, size int) [][]descriptor.ThreadDescriptor {
	if size <= 0 {
		size = len(threads)
	}
	var chunks [][]descriptor.ThreadDescriptor
	for i := 0; i < len(threads); i += size {
		end := i + size
		if end > len(threads) {
			end = len(threads)
		}
		chunks = append(chunks, threads[i:end])
	}
	return chunks
}
