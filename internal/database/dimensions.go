package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnsurePlatform returns the platform row for name, creating it if needed.
// Creation is insert-on-conflict-do-nothing followed by a read, so a
// concurrent creator is not an error.
func (db *DB) EnsurePlatform(ctx context.Context, name, credentialRef string) (*Platform, error) {
	_, err := db.exec(ctx,
		`INSERT INTO platforms (name, credential_ref, created_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO NOTHING`,
		name, credentialRef, formatTime(db.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating platform %s: %w", name, err)
	}

	if credentialRef != "" {
		if _, err := db.exec(ctx,
			"UPDATE platforms SET credential_ref = ? WHERE name = ? AND credential_ref <> ?",
			credentialRef, name, credentialRef,
		); err != nil {
			return nil, fmt.Errorf("updating platform %s: %w", name, err)
		}
	}

	p, err := db.GetPlatform(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("platform %s missing after insert", name)
	}
	return p, nil
}

// GetPlatform returns the platform named name, or nil if it does not exist.
func (db *DB) GetPlatform(ctx context.Context, name string) (*Platform, error) {
	var p Platform
	var created string
	err := db.queryRow(ctx,
		"SELECT id, name, credential_ref, created_at FROM platforms WHERE name = ?", name,
	).Scan(&p.ID, &p.Name, &p.CredentialRef, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading platform %s: %w", name, err)
	}
	p.CreatedAt = parseTime(created)
	return &p, nil
}

// EnsureHashtag returns the hashtag row for (name, platformID), creating it
// if needed.
func (db *DB) EnsureHashtag(ctx context.Context, name string, platformID int64) (*Hashtag, error) {
	_, err := db.exec(ctx,
		`INSERT INTO hashtags (name, platform_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (name, platform_id) DO NOTHING`,
		name, platformID, formatTime(db.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating hashtag %s: %w", name, err)
	}

	var h Hashtag
	var lastScraped sql.NullString
	var created string
	err = db.queryRow(ctx,
		"SELECT id, name, platform_id, last_scraped, created_at FROM hashtags WHERE name = ? AND platform_id = ?",
		name, platformID,
	).Scan(&h.ID, &h.Name, &h.PlatformID, &lastScraped, &created)
	if err != nil {
		return nil, fmt.Errorf("reading hashtag %s: %w", name, err)
	}
	h.LastScraped = nullTime(lastScraped)
	h.CreatedAt = parseTime(created)
	return &h, nil
}

// TouchHashtag sets the hashtag's last_scraped watermark.
func (db *DB) TouchHashtag(ctx context.Context, hashtagID int64, at time.Time) error {
	res, err := db.exec(ctx, "UPDATE hashtags SET last_scraped = ? WHERE id = ?", formatTime(at), hashtagID)
	if err != nil {
		return fmt.Errorf("updating watermark: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("hashtag %d not found", hashtagID)
	}
	return nil
}

// ListHashtags returns all hashtags, never-scraped and stalest first.
// An empty platform lists every platform.
func (db *DB) ListHashtags(ctx context.Context, platform string) ([]HashtagStatus, error) {
	query := `SELECT h.id, h.name, h.platform_id, h.last_scraped, h.created_at, p.name,
		(SELECT COUNT(*) FROM posts WHERE posts.platform_id = h.platform_id
			AND posts.hashtags LIKE '%"' || h.name || '"%')
		FROM hashtags h JOIN platforms p ON p.id = h.platform_id`
	var args []any
	if platform != "" {
		query += " WHERE p.name = ?"
		args = append(args, platform)
	}
	query += " ORDER BY h.last_scraped IS NOT NULL, h.last_scraped, p.name, h.name"

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing hashtags: %w", err)
	}
	defer rows.Close()

	var out []HashtagStatus
	for rows.Next() {
		var hs HashtagStatus
		var lastScraped sql.NullString
		var created string
		if err := rows.Scan(&hs.ID, &hs.Name, &hs.PlatformID, &lastScraped, &created, &hs.Platform, &hs.PostCount); err != nil {
			return nil, err
		}
		hs.LastScraped = nullTime(lastScraped)
		hs.CreatedAt = parseTime(created)
		out = append(out, hs)
	}
	return out, rows.Err()
}
