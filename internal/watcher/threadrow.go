package watcher

import (
	"context"
	"database/sql"
	"time"

	"github.com/kpnc/server/internal/descriptor"
)

// threadRow is the decoded progress cursor for one watched thread
// (spec.md §4.G "Look up last_processed_post via the thread-row
// store").
type threadRow struct {
	LastProcessedPost *descriptor.PostDescriptor
	LastModifiedLocal *time.Time
}

func loadThreadRow(ctx context.Context, db *sql.DB, td descriptor.ThreadDescriptor) (threadRow, error) {
	var postNo, postSubNo sql.NullInt64
	var lastModified sql.NullTime

	err := db.QueryRowContext(ctx, `
		SELECT last_processed_post_no, last_processed_post_sub_no, last_modified_local
		FROM threads WHERE site = ? AND board = ? AND thread_no = ?
	`, td.Site().SiteName(), td.Board(), td.ThreadNo).Scan(&postNo, &postSubNo, &lastModified)
	if err == sql.ErrNoRows {
		return threadRow{}, nil
	}
	if err != nil {
		return threadRow{}, err
	}

	row := threadRow{}
	if lastModified.Valid {
		t := lastModified.Time
		row.LastModifiedLocal = &t
	}
	if postNo.Valid && postNo.Int64 > 0 {
		pd := descriptor.NewPostDescriptor(td, uint64(postNo.Int64), uint64(postSubNo.Int64))
		row.LastProcessedPost = &pd
	}
	return row, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// saveThreadRow upserts the thread's progress cursor. This is a
// genuine value update, not a no-op-insert check, so DO UPDATE SET is
// the correct idiom here (unlike the post_descriptors/posts upserts
// elsewhere, which exist only to learn a newly-assigned id).
func saveThreadRow(ctx context.Context, exec execer, td descriptor.ThreadDescriptor, lastProcessed descriptor.PostDescriptor, lastModified *time.Time) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO threads (site, board, thread_no, last_processed_post_no, last_processed_post_sub_no, last_modified_local)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (site, board, thread_no) DO UPDATE SET
			last_processed_post_no = excluded.last_processed_post_no,
			last_processed_post_sub_no = excluded.last_processed_post_sub_no,
			last_modified_local = excluded.last_modified_local
	`, td.Site().SiteName(), td.Board(), td.ThreadNo, lastProcessed.PostNo, lastProcessed.PostSubNo, lastModified)
	return err
}
