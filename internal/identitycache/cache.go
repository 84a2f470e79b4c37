// Package identitycache implements the process-wide, read-heavy
// bidirectional mapping between a PostDescriptor and its database id
// (spec.md §4.B). It is the single place new descriptors are ever
// inserted, so that every other package can treat "does this post
// have an id yet" as a cache lookup instead of a query.
package identitycache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/kpnc/server/internal/descriptor"
)

// Cache holds the three maps described in spec.md §4.B. It has no
// package-level global: callers construct one at startup and the test
// harness constructs a fresh one per test, the way the teacher's
// engine/store tests construct fresh instances rather than relying on
// init()-populated globals.
type Cache struct {
	// pdToID and idToPD are guarded together by muByID: inserts take
	// both write locks in this fixed order (pd->id, id->pd, thread->set)
	// to avoid deadlock, per spec.md §4.B Concurrency.
	muByID sync.RWMutex
	pdToID map[descriptor.PostDescriptor]int64
	idToPD map[int64]descriptor.PostDescriptor

	muByThread sync.RWMutex
	byThread   map[descriptor.ThreadDescriptor]map[descriptor.PostDescriptor]struct{}
}

// New constructs an empty Cache. Call WarmUp to populate it from the
// database before serving traffic.
func New() *Cache {
	return &Cache{
		pdToID:   make(map[descriptor.PostDescriptor]int64),
		idToPD:   make(map[int64]descriptor.PostDescriptor),
		byThread: make(map[descriptor.ThreadDescriptor]map[descriptor.PostDescriptor]struct{}),
	}
}

// WarmUp populates the cache with a single full scan of the
// post_descriptors table (spec.md §4.B "Warm-up").
func (c *Cache) WarmUp(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT id, site, board, thread_no, post_no, post_sub_no FROM post_descriptors
	`)
	if err != nil {
		return fmt.Errorf("warm up identity cache: %w", err)
	}
	defer rows.Close()

	c.muByID.Lock()
	c.muByThread.Lock()
	defer c.muByID.Unlock()
	defer c.muByThread.Unlock()

	for rows.Next() {
		var id int64
		var site, board string
		var threadNo, postNo, postSubNo uint64
		if err := rows.Scan(&id, &site, &board, &threadNo, &postNo, &postSubNo); err != nil {
			return fmt.Errorf("warm up identity cache: scan: %w", err)
		}
		pd := buildDescriptor(site, board, threadNo, postNo, postSubNo)
		c.insertLocked(pd, id)
	}
	return rows.Err()
}

func buildDescriptor(site, board string, threadNo, postNo, postSubNo uint64) descriptor.PostDescriptor {
	td := descriptor.NewThreadDescriptor(
		descriptor.NewCatalogDescriptor(descriptor.NewSiteDescriptor(site), board),
		threadNo,
	)
	return descriptor.NewPostDescriptor(td, postNo, postSubNo)
}

// insertLocked assumes both write locks are already held.
func (c *Cache) insertLocked(pd descriptor.PostDescriptor, id int64) {
	c.pdToID[pd] = id
	c.idToPD[id] = pd
	set, ok := c.byThread[pd.Thread]
	if !ok {
		set = make(map[descriptor.PostDescriptor]struct{})
		c.byThread[pd.Thread] = set
	}
	set[pd] = struct{}{}
}

// lookup takes the muByID read lock itself; callers must not hold it.
func (c *Cache) lookup(pd descriptor.PostDescriptor) (int64, bool) {
	c.muByID.RLock()
	defer c.muByID.RUnlock()
	id, ok := c.pdToID[pd]
	return id, ok
}

// ResolveOrInsert returns the database id for pd, inserting a new
// post_descriptors row within tx if it is not already known.
//
// If pd is already cached, the database is not touched at all. If it
// is not, the insert uses ON CONFLICT DO NOTHING RETURNING so that a
// race with another resolver inserting the same descriptor is
// tolerated: either this call's insert wins and returns the new id, or
// it loses and a follow-up SELECT fetches the id the other call
// produced. In both cases the new entry is not promoted into the
// in-memory maps here — the caller calls PromoteAfterCommit once tx
// has committed (spec.md §4.B Contract; §9 "Transactional writes").
func (c *Cache) ResolveOrInsert(ctx context.Context, tx *sql.Tx, pd descriptor.PostDescriptor) (int64, error) {
	if id, ok := c.lookup(pd); ok {
		return id, nil
	}

	id, err := insertDescriptor(ctx, tx, pd)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// PromoteAfterCommit makes pd/id visible to readers of the cache. Call
// this only after the transaction that produced id has committed
// successfully; on rollback simply don't call it.
func (c *Cache) PromoteAfterCommit(pd descriptor.PostDescriptor, id int64) {
	c.muByID.Lock()
	c.muByThread.Lock()
	defer c.muByID.Unlock()
	defer c.muByThread.Unlock()
	c.insertLocked(pd, id)
}

// insertDescriptor follows spec.md §4.B's prescribed strategy:
// ON CONFLICT DO NOTHING RETURNING, and only fall back to a SELECT
// when the RETURNING clause comes back empty (a concurrent resolver
// won the race) — the same "don't rely on DO UPDATE SET x = x"
// guidance spec.md §9 gives for the posts table upsert.
func insertDescriptor(ctx context.Context, tx *sql.Tx, pd descriptor.PostDescriptor) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO post_descriptors (site, board, thread_no, post_no, post_sub_no)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (site, board, thread_no, post_no, post_sub_no) DO NOTHING
		RETURNING id
	`, pd.Site().SiteName(), pd.Board(), pd.ThreadNo(), pd.PostNo, pd.PostSubNo).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("insert post descriptor %s: %w", pd, err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT id FROM post_descriptors
		WHERE site = ? AND board = ? AND thread_no = ? AND post_no = ? AND post_sub_no = ?
	`, pd.Site().SiteName(), pd.Board(), pd.ThreadNo(), pd.PostNo, pd.PostSubNo).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("select post descriptor %s after no-op insert: %w", pd, err)
	}
	return id, nil
}

// BatchResolveOrInsert resolves or inserts every descriptor in pds in
// a single round trip for the ones that are new (spec.md §4.B: "must
// not issue one round-trip per descriptor when many are new").
// Descriptors already cached are resolved for free.
func (c *Cache) BatchResolveOrInsert(ctx context.Context, tx *sql.Tx, pds []descriptor.PostDescriptor) (map[descriptor.PostDescriptor]int64, error) {
	result := make(map[descriptor.PostDescriptor]int64, len(pds))
	var missing []descriptor.PostDescriptor

	for _, pd := range pds {
		if id, ok := c.lookup(pd); ok {
			result[pd] = id
		} else if _, seen := result[pd]; !seen {
			missing = append(missing, pd)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	ids, err := batchInsertDescriptors(ctx, tx, missing)
	if err != nil {
		return nil, err
	}
	for pd, id := range ids {
		result[pd] = id
	}
	return result, nil
}

// batchInsertDescriptors batches the new descriptors into a single
// multi-row INSERT ... ON CONFLICT DO NOTHING RETURNING so that a
// thread with hundreds of never-seen posts costs one round trip, not
// one per post (spec.md §4.B Contract). Rows that lost a concurrent
// insert race are not returned by RETURNING; those are resolved with
// a small follow-up SELECT per missing descriptor.
func batchInsertDescriptors(ctx context.Context, tx *sql.Tx, pds []descriptor.PostDescriptor) (map[descriptor.PostDescriptor]int64, error) {
	placeholders := make([]string, 0, len(pds))
	args := make([]any, 0, len(pds)*5)
	for _, pd := range pds {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?)")
		args = append(args, pd.Site().SiteName(), pd.Board(), pd.ThreadNo(), pd.PostNo, pd.PostSubNo)
	}

	query := fmt.Sprintf(`
		INSERT INTO post_descriptors (site, board, thread_no, post_no, post_sub_no)
		VALUES %s
		ON CONFLICT (site, board, thread_no, post_no, post_sub_no) DO NOTHING
		RETURNING id, site, board, thread_no, post_no, post_sub_no
	`, strings.Join(placeholders, ", "))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch insert post descriptors: %w", err)
	}

	result := make(map[descriptor.PostDescriptor]int64, len(pds))
	for rows.Next() {
		var id int64
		var site, board string
		var threadNo, postNo, postSubNo uint64
		if err := rows.Scan(&id, &site, &board, &threadNo, &postNo, &postSubNo); err != nil {
			rows.Close()
			return nil, fmt.Errorf("batch insert post descriptors: scan: %w", err)
		}
		result[buildDescriptor(site, board, threadNo, postNo, postSubNo)] = id
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, pd := range pds {
		if _, ok := result[pd]; ok {
			continue
		}
		id, err := insertDescriptor(ctx, tx, pd)
		if err != nil {
			return nil, fmt.Errorf("resolve raced descriptor %s: %w", pd, err)
		}
		result[pd] = id
	}
	return result, nil
}

// PromoteBatchAfterCommit promotes every resolved descriptor/id pair.
// Call only after the owning transaction has committed.
func (c *Cache) PromoteBatchAfterCommit(resolved map[descriptor.PostDescriptor]int64) {
	c.muByID.Lock()
	c.muByThread.Lock()
	defer c.muByID.Unlock()
	defer c.muByThread.Unlock()
	for pd, id := range resolved {
		c.insertLocked(pd, id)
	}
}

// ByDBIDs is a read-only lookup from db id to descriptor.
func (c *Cache) ByDBIDs(ids []int64) map[int64]descriptor.PostDescriptor {
	c.muByID.RLock()
	defer c.muByID.RUnlock()
	result := make(map[int64]descriptor.PostDescriptor, len(ids))
	for _, id := range ids {
		if pd, ok := c.idToPD[id]; ok {
			result[id] = pd
		}
	}
	return result
}

// DescriptorsOfThread is a read-only lookup of every known descriptor
// belonging to td.
func (c *Cache) DescriptorsOfThread(td descriptor.ThreadDescriptor) []descriptor.PostDescriptor {
	c.muByThread.RLock()
	defer c.muByThread.RUnlock()
	set, ok := c.byThread[td]
	if !ok {
		return nil
	}
	out := make([]descriptor.PostDescriptor, 0, len(set))
	for pd := range set {
		out = append(out, pd)
	}
	return out
}

// DBIDsOfThread is DescriptorsOfThread translated to db ids.
func (c *Cache) DBIDsOfThread(td descriptor.ThreadDescriptor) []int64 {
	pds := c.DescriptorsOfThread(td)
	c.muByID.RLock()
	defer c.muByID.RUnlock()
	out := make([]int64, 0, len(pds))
	for _, pd := range pds {
		if id, ok := c.pdToID[pd]; ok {
			out = append(out, id)
		}
	}
	return out
}
