package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/TobiSchelling/trendsync/internal/content"
	"github.com/TobiSchelling/trendsync/internal/database"
)

// ReindexResult summarizes a rebuild of the search index.
type ReindexResult struct {
	Posts   int
	Indexed int
	Batches int
}

// Reindex pushes every stored post to the index in batches. It is the
// recovery path when the index has drifted from the store. Per-batch
// failures are logged and the rebuild continues; the first one is
// returned at the end.
func Reindex(ctx context.Context, db *database.DB, index Indexer, batch int) (*ReindexResult, error) {
	if index == nil {
		return nil, errors.New("search index is not configured")
	}
	if batch <= 0 {
		batch = 500
	}
	if err := index.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("applying search schema: %w", err)
	}

	res := &ReindexResult{}
	var firstErr error
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		posts, err := db.ListPosts(ctx, afterID, batch)
		if err != nil {
			return res, fmt.Errorf("reading posts after %d: %w", afterID, err)
		}
		if len(posts) == 0 {
			break
		}

		records := make([]content.Record, len(posts))
		for i, p := range posts {
			records[i] = p.Record
		}
		afterID = posts[len(posts)-1].ID

		n, err := index.BatchIndex(ctx, records)
		res.Posts += len(records)
		res.Indexed += n
		res.Batches++
		if err != nil {
			slog.Error("Reindex batch failed", "after_id", afterID, "count", len(records), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	slog.Info("Reindex finished", "posts", res.Posts, "indexed", res.Indexed, "batches", res.Batches)
	return res, firstErr
}
