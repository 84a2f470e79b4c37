// Package watch implements the post-watch store (spec.md §4.D): the
// identity-backed path that creates a unique (account, post) watch
// inside one transaction with descriptor-id assignment, per spec.md
// §9's resolution of the "two divergent start_watching_post
// implementations" open question — this is the authoritative path.
package watch

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kpnc/server/internal/account"
	"github.com/kpnc/server/internal/apperr"
	"github.com/kpnc/server/internal/descriptor"
	"github.com/kpnc/server/internal/identitycache"
)

// Store creates/removes watches and lists watched threads.
type Store struct {
	db       *sql.DB
	identity *identitycache.Cache
	accounts *account.Store
}

// New constructs a Store.
func New(db *sql.DB, identity *identitycache.Cache, accounts *account.Store) *Store {
	return &Store{db: db, identity: identity, accounts: accounts}
}

// StartWatching creates a watch for accountID on pd, per spec.md §4.D's
// five-step transaction. Returns created=false (with a nil error) when
// the watch already existed — creating the same watch twice is
// idempotent success from the caller's perspective, not a failure.
func (s *Store) StartWatching(ctx context.Context, accountID string, pd descriptor.PostDescriptor) (created bool, err error) {
	acc, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return false, err
	}
	if !acc.Valid(time.Now()) {
		return false, apperr.ClientValidation("account is not valid")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, apperr.Transient(err, "begin start watching")
	}
	defer tx.Rollback()

	postDescriptorID, err := s.identity.ResolveOrInsert(ctx, tx, pd)
	if err != nil {
		return false, apperr.Transient(err, "resolve post descriptor")
	}

	postID, err := upsertPost(ctx, tx, postDescriptorID)
	if err != nil {
		return false, apperr.Transient(err, "upsert post")
	}

	accountDBID, err := accountDBID(ctx, tx, accountID)
	if err != nil {
		return false, apperr.Transient(err, "resolve account id")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO post_watches (owner_post_id, owner_account_id)
		VALUES (?, ?)
		ON CONFLICT (owner_post_id, owner_account_id) DO NOTHING
	`, postID, accountDBID)
	if err != nil {
		return false, apperr.Transient(err, "insert post watch")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Transient(err, "insert post watch: rows affected")
	}
	if affected == 0 {
		// Already watching: rollback per spec.md §4.D step 5. Nothing
		// new was created above (the descriptor/post rows necessarily
		// already existed, or this insert would not have conflicted),
		// so there is nothing to lose by not committing.
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, apperr.Transient(err, "commit start watching")
	}
	s.identity.PromoteAfterCommit(pd, postDescriptorID)
	return true, nil
}

// StopWatching removes accountID's watch on pd, if any.
func (s *Store) StopWatching(ctx context.Context, accountID string, pd descriptor.PostDescriptor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Transient(err, "begin stop watching")
	}
	defer tx.Rollback()

	postDescriptorID, err := s.identity.ResolveOrInsert(ctx, tx, pd)
	if err != nil {
		return apperr.Transient(err, "resolve post descriptor")
	}
	accountDBID, err := accountDBID(ctx, tx, accountID)
	if err != nil {
		return apperr.Transient(err, "resolve account id")
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM post_watches
		WHERE owner_account_id = ?
		  AND owner_post_id = (SELECT id FROM posts WHERE owner_post_descriptor_id = ?)
	`, accountDBID, postDescriptorID)
	if err != nil {
		return apperr.Transient(err, "delete post watch")
	}
	if err := tx.Commit(); err != nil {
		return apperr.Transient(err, "commit stop watching")
	}
	s.identity.PromoteAfterCommit(pd, postDescriptorID)
	return nil
}

// AllWatchedThreads returns the deduplicated set of thread descriptors
// whose posts are not dead/deleted (spec.md §4.D) and still have at
// least one watch.
func (s *Store) AllWatchedThreads(ctx context.Context) ([]descriptor.ThreadDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT owner_post_descriptor_id FROM posts
		WHERE is_dead = 0 AND deleted_on IS NULL
		  AND EXISTS (SELECT 1 FROM post_watches pw WHERE pw.owner_post_id = posts.id)
	`)
	if err != nil {
		return nil, apperr.Transient(err, "list watched posts")
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, apperr.Transient(err, "scan watched post id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, apperr.Transient(err, "iterate watched posts")
	}
	rows.Close()

	byID := s.identity.ByDBIDs(ids)
	seen := make(map[descriptor.ThreadDescriptor]struct{}, len(byID))
	var threads []descriptor.ThreadDescriptor
	for _, pd := range byID {
		if _, ok := seen[pd.Thread]; ok {
			continue
		}
		seen[pd.Thread] = struct{}{}
		threads = append(threads, pd.Thread)
	}
	return threads, nil
}

// MarkThreadDead marks every known post of td dead (spec.md §4.G
// "Mark all posts dead"). Subsequent AllWatchedThreads calls exclude it.
func (s *Store) MarkThreadDead(ctx context.Context, td descriptor.ThreadDescriptor) error {
	ids := s.identity.DBIDsOfThread(td)
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(
		"UPDATE posts SET is_dead = 1 WHERE owner_post_descriptor_id IN (%s)",
		strings.Join(placeholders, ", "),
	)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return apperr.Transient(err, "mark thread dead")
	}
	return nil
}

// upsertPost upserts the posts row keyed by owner_post_descriptor_id
// (spec.md §9: prefer a follow-up SELECT over relying on
// "DO UPDATE SET x = x" to detect a no-op upsert).
func upsertPost(ctx context.Context, tx *sql.Tx, postDescriptorID int64) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO posts (owner_post_descriptor_id, is_dead)
		VALUES (?, 0)
		ON CONFLICT (owner_post_descriptor_id) DO NOTHING
		RETURNING id
	`, postDescriptorID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("upsert post: %w", err)
	}
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM posts WHERE owner_post_descriptor_id = ?
	`, postDescriptorID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("select post after no-op upsert: %w", err)
	}
	return id, nil
}

func accountDBID(ctx context.Context, tx *sql.Tx, accountID string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM accounts WHERE account_id = ?`, accountID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolve account db id: %w", err)
	}
	return id, nil
}
