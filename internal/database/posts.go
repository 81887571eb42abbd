package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/TobiSchelling/trendsync/internal/content"
)

const upsertPostSQL = `INSERT INTO posts (
    platform_id, external_id, author, caption, hashtags,
    likes, comments, shares, views,
    posted_at, fetched_at, language, media_url, score, score_trend
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (platform_id, external_id) DO UPDATE SET
    author = excluded.author,
    caption = excluded.caption,
    hashtags = excluded.hashtags,
    likes = excluded.likes,
    comments = excluded.comments,
    shares = excluded.shares,
    views = excluded.views,
    posted_at = excluded.posted_at,
    fetched_at = excluded.fetched_at,
    language = excluded.language,
    media_url = excluded.media_url,
    score = excluded.score,
    score_trend = excluded.score_trend`

const postColumns = `p.id, p.platform_id, pl.name, p.external_id, p.author, p.caption, p.hashtags,
    p.likes, p.comments, p.shares, p.views, p.posted_at, p.fetched_at,
    p.language, p.media_url, p.score, p.score_trend`

// UpsertPosts inserts or updates records keyed by (platform_id, external_id)
// in one transaction. Each record runs inside its own savepoint: a failing
// record is rolled back, logged and skipped without affecting the rest.
//
// FetchedAt is stamped with the store clock on every record in place, and
// a zero PostedAt defaults to that same time, so callers indexing the
// records afterwards see exactly what was stored.
func (db *DB) UpsertPosts(ctx context.Context, records []content.Record) (UpsertResult, error) {
	var res UpsertResult
	if len(records) == 0 {
		return res, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, db.rebind(upsertPostSQL))
	if err != nil {
		return res, fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	now := db.now().UTC()
	for i := range records {
		r := &records[i]
		r.FetchedAt = now
		if r.PostedAt.IsZero() {
			r.PostedAt = now
		}

		if err := db.upsertOne(ctx, tx, stmt, r); err != nil {
			slog.Warn("Skipping post", "platform_id", r.PlatformID, "external_id", r.ExternalID, "error", err)
			res.Failures = append(res.Failures, UpsertFailure{Key: r.Key(), Err: err})
			continue
		}
		res.Written++
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{Failures: res.Failures}, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

func (db *DB) upsertOne(ctx context.Context, tx *sql.Tx, stmt *sql.Stmt, r *content.Record) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT upsert_post"); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}

	tags, err := json.Marshal(hashtagList(r.Hashtags))
	if err == nil {
		m := r.Metrics.Clamped()
		_, err = stmt.ExecContext(ctx,
			r.PlatformID, r.ExternalID, r.Author, r.Caption, string(tags),
			m.Likes, m.Comments, m.Shares, m.Views,
			formatTime(r.PostedAt), formatTime(r.FetchedAt), r.Language, r.MediaURL,
			r.Score, r.ScoreTrend,
		)
	}
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT upsert_post"); rbErr != nil {
			return fmt.Errorf("%w (rollback to savepoint: %v)", err, rbErr)
		}
		tx.ExecContext(ctx, "RELEASE SAVEPOINT upsert_post")
		return err
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT upsert_post"); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func hashtagList(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// GetPost returns the stored record, or nil if it does not exist.
func (db *DB) GetPost(ctx context.Context, platformID int64, externalID string) (*StoredPost, error) {
	row := db.queryRow(ctx,
		`SELECT `+postColumns+` FROM posts p JOIN platforms pl ON pl.id = p.platform_id
		WHERE p.platform_id = ? AND p.external_id = ?`,
		platformID, externalID,
	)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPosts returns up to limit posts with id > afterID in id order, for
// paging through the whole table.
func (db *DB) ListPosts(ctx context.Context, afterID int64, limit int) ([]StoredPost, error) {
	rows, err := db.query(ctx,
		`SELECT `+postColumns+` FROM posts p JOIN platforms pl ON pl.id = p.platform_id
		WHERE p.id > ? ORDER BY p.id LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing posts: %w", err)
	}
	defer rows.Close()

	var posts []StoredPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

// CountPosts returns the number of stored posts.
func (db *DB) CountPosts(ctx context.Context) (int, error) {
	var n int
	if err := db.queryRow(ctx, "SELECT COUNT(*) FROM posts").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// DeletePost removes a post. It reports whether a row was deleted.
func (db *DB) DeletePost(ctx context.Context, platformID int64, externalID string) (bool, error) {
	res, err := db.exec(ctx, "DELETE FROM posts WHERE platform_id = ? AND external_id = ?", platformID, externalID)
	if err != nil {
		return false, fmt.Errorf("deleting post: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*StoredPost, error) {
	var p StoredPost
	var tags, posted, fetched string
	if err := row.Scan(&p.ID, &p.PlatformID, &p.PlatformName, &p.ExternalID, &p.Author, &p.Caption, &tags,
		&p.Metrics.Likes, &p.Metrics.Comments, &p.Metrics.Shares, &p.Metrics.Views,
		&posted, &fetched, &p.Language, &p.MediaURL, &p.Score, &p.ScoreTrend); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &p.Hashtags); err != nil {
		return nil, fmt.Errorf("decoding hashtags of post %d: %w", p.ID, err)
	}
	if len(p.Hashtags) == 0 {
		p.Hashtags = nil
	}
	p.PostedAt = parseTime(posted)
	p.FetchedAt = parseTime(fetched)
	return &p, nil
}
