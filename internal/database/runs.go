package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertRun records the start of a sync run.
func (db *DB) InsertRun(ctx context.Context, id, platform string, trending bool, startedAt time.Time) error {
	_, err := db.exec(ctx,
		`INSERT INTO sync_runs (id, platform, trending, state, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, platform, boolInt(trending), RunRunning, formatTime(startedAt),
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", id, err)
	}
	return nil
}

// InsertSyncResult records the outcome of one hashtag in a run.
func (db *DB) InsertSyncResult(ctx context.Context, runID string, r SyncResult) error {
	_, err := db.exec(ctx,
		`INSERT INTO sync_results (run_id, hashtag, state, failed_at, fetched, normalized, skipped,
			written, indexed, error, index_error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.Hashtag, r.State, r.FailedAt, r.Fetched, r.Normalized, r.Skipped,
		r.Written, r.Indexed, r.Error, r.IndexError, formatTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("recording result for #%s: %w", r.Hashtag, err)
	}
	return nil
}

// FinishRun stores the final state and counters of a run.
func (db *DB) FinishRun(ctx context.Context, run *SyncRun) error {
	finished := db.now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	_, err := db.exec(ctx,
		`UPDATE sync_runs SET state = ?, finished_at = ?, hashtags_total = ?, hashtags_failed = ?,
			items_written = ?, error = ? WHERE id = ?`,
		run.State, formatTime(finished), run.HashtagsTotal, run.HashtagsFailed,
		run.ItemsWritten, run.Error, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns a run with its per-hashtag results, or nil if unknown.
func (db *DB) GetRun(ctx context.Context, id string) (*SyncRun, error) {
	run, err := scanRun(db.queryRow(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.query(ctx,
		`SELECT hashtag, state, failed_at, fetched, normalized, skipped, written, indexed,
			error, index_error, finished_at
		FROM sync_results WHERE run_id = ? ORDER BY id`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("reading results of run %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var r SyncResult
		var finished string
		if err := rows.Scan(&r.Hashtag, &r.State, &r.FailedAt, &r.Fetched, &r.Normalized, &r.Skipped,
			&r.Written, &r.Indexed, &r.Error, &r.IndexError, &finished); err != nil {
			return nil, err
		}
		r.FinishedAt = parseTime(finished)
		run.Results = append(run.Results, r)
	}
	return run, rows.Err()
}

// RecentRuns returns the latest runs, newest first, without results.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	rows, err := db.query(ctx,
		`SELECT `+runColumns+` FROM sync_runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

const runColumns = `id, platform, trending, state, started_at, finished_at,
	hashtags_total, hashtags_failed, items_written, error`

func scanRun(row rowScanner) (*SyncRun, error) {
	var r SyncRun
	var trending int
	var started string
	var finished sql.NullString
	if err := row.Scan(&r.ID, &r.Platform, &trending, &r.State, &started, &finished,
		&r.HashtagsTotal, &r.HashtagsFailed, &r.ItemsWritten, &r.Error); err != nil {
		return nil, err
	}
	r.Trending = trending != 0
	r.StartedAt = parseTime(started)
	r.FinishedAt = nullTime(finished)
	return &r, nil
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{}

	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM platforms", &s.Platforms},
		{"SELECT COUNT(*) FROM hashtags", &s.Hashtags},
		{"SELECT COUNT(*) FROM hashtags WHERE last_scraped IS NULL", &s.NeverScraped},
		{"SELECT COUNT(*) FROM posts", &s.Posts},
		{"SELECT COUNT(*) FROM sync_runs", &s.Runs},
		{"SELECT COUNT(*) FROM sync_results WHERE state = 'FAILED'", &s.FailedHashtags},
	}

	for _, q := range queries {
		if err := db.queryRow(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
