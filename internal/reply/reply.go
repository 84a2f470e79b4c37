// Package reply implements the reply store (spec.md §4.E): pending
// quote-reply notifications discovered by the thread watcher, queued
// here until the FCM dispatcher sends and closes them.
package reply

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kpnc/server/internal/apperr"
	"github.com/kpnc/server/internal/descriptor"
)

// State is the lifecycle stage of a post_replies row.
type State string

const (
	StatePending State = "pending"
	StateNotified State = "notified"
)

// Reply is the decoded form of a post_replies row, joined back out to
// the descriptor and account it concerns.
type Reply struct {
	ID         int64
	Descriptor descriptor.PostDescriptor
	AccountID  string
	State      State
	CreatedAt  time.Time
	NotifiedAt *time.Time
}

// Store persists discovered replies and tracks their delivery state.
type Store struct {
	db *sql.DB
}

// New constructs a Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// BeginTx starts a transaction against the reply store's database, so
// callers (the FCM dispatcher) can wrap MarkAsNotified alongside other
// post-dispatch bookkeeping in one commit.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// StoreReplies records that pd (a quoting post) is a reply-of-interest
// to accountID, inside tx so the caller can batch many replies from one
// watcher cycle atomically alongside the owning thread's progress
// update (spec.md §4.G). postDescriptorID is the identity-cache id of
// pd, already resolved by the caller within the same tx.
//
// Duplicate (post, account) pairs are silently ignored — spec.md §4.E:
// "the same quote must not be queued twice even if the watcher
// re-scans the post that produced it."
func (s *Store) StoreReplies(ctx context.Context, tx *sql.Tx, postDescriptorID int64, accountID string) error {
	var accountDBID int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM accounts WHERE account_id = ?`, accountID).Scan(&accountDBID)
	if err != nil {
		return fmt.Errorf("resolve account db id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO post_replies (owner_post_descriptor_id, owner_account_id, state)
		VALUES (?, ?, 'pending')
		ON CONFLICT (owner_post_descriptor_id, owner_account_id) DO NOTHING
	`, postDescriptorID, accountDBID)
	if err != nil {
		return fmt.Errorf("insert post reply: %w", err)
	}
	return nil
}

// UnsentByToken returns every pending reply, grouped by the FCM token
// registered for its account's application type, for the dispatcher's
// group-by-token fan-out (spec.md §4.H). Replies whose account has no
// token for applicationType are skipped — there is nothing to deliver
// to.
func (s *Store) UnsentByToken(ctx context.Context, applicationType string) (map[string][]Reply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pr.id, pd.site, pd.board, pd.thread_no, pd.post_no, pd.post_sub_no,
		       a.account_id, pr.state, pr.created_at, a.tokens
		FROM post_replies pr
		JOIN post_descriptors pd ON pd.id = pr.owner_post_descriptor_id
		JOIN accounts a ON a.id = pr.owner_account_id
		WHERE pr.state = 'pending'
	`)
	if err != nil {
		return nil, apperr.Transient(err, "list unsent replies")
	}
	defer rows.Close()

	grouped := make(map[string][]Reply)
	for rows.Next() {
		var r Reply
		var site, board string
		var threadNo, postNo, postSubNo uint64
		var tokensJSON string
		if err := rows.Scan(&r.ID, &site, &board, &threadNo, &postNo, &postSubNo,
			&r.AccountID, &r.State, &r.CreatedAt, &tokensJSON); err != nil {
			return nil, apperr.Transient(err, "scan unsent reply")
		}
		td := descriptor.NewThreadDescriptor(descriptor.NewCatalogDescriptor(descriptor.NewSiteDescriptor(site), board), threadNo)
		r.Descriptor = descriptor.NewPostDescriptor(td, postNo, postSubNo)

		token, ok := tokenForApplication(tokensJSON, applicationType)
		if !ok {
			continue
		}
		grouped[token] = append(grouped[token], r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient(err, "iterate unsent replies")
	}
	return grouped, nil
}

// MarkAsNotified closes out the given reply ids inside tx. The FCM
// dispatcher passes only the ids whose send succeeded, so failed sends
// stay pending for the next cycle.
func (s *Store) MarkAsNotified(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now())
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`
		UPDATE post_replies SET state = 'notified', notified_at = ?
		WHERE id IN (%s)
	`, strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark replies notified: %w", err)
	}
	return nil
}

// MarkAsNotifiedForAccount closes out the given reply ids, but only
// the ones owned by accountID (spec.md §8 Scenario 7: "marks only the
// rows that belong to A ... other accounts' rows are untouched"). Ids
// that belong to a different account, or don't exist, are silently
// skipped rather than erroring, so one caller can never probe for the
// existence of another account's reply ids.
func (s *Store) MarkAsNotifiedForAccount(ctx context.Context, tx *sql.Tx, accountID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, time.Now())
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, accountID)
	query := fmt.Sprintf(`
		UPDATE post_replies SET state = 'notified', notified_at = ?
		WHERE id IN (%s)
		AND owner_account_id = (SELECT id FROM accounts WHERE account_id = ?)
	`, strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark replies notified for account: %w", err)
	}
	return nil
}

// DeleteByAccount removes every reply belonging to accountID. This is
// not named by the distilled spec but is implied by account deletion
// semantics in original_source/: an account's pending-reply backlog
// must not outlive the account (otherwise UnsentByToken's JOIN against
// accounts would simply never match it, leaking rows forever).
func (s *Store) DeleteByAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM post_replies
		WHERE owner_account_id = (SELECT id FROM accounts WHERE account_id = ?)
	`, accountID)
	if err != nil {
		return apperr.Transient(err, "delete replies by account")
	}
	return nil
}

func tokenForApplication(tokensJSON, applicationType string) (string, bool) {
	if tokensJSON == "" {
		return "", false
	}
	var tokens map[string]string
	if err := json.Unmarshal([]byte(tokensJSON), &tokens); err != nil {
		return "", false
	}
	token, ok := tokens[applicationType]
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
