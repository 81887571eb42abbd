package main

import (
	"context"
	"log/slog"

	"github.com/TobiSchelling/trendsync/internal/collect"
	"github.com/TobiSchelling/trendsync/internal/config"
	"github.com/TobiSchelling/trendsync/internal/database"
	"github.com/TobiSchelling/trendsync/internal/pipeline"
	"github.com/TobiSchelling/trendsync/internal/search"
)

func openDB() (*database.DB, error) {
	return database.Open(cfg.DatabaseDSN())
}

// newIndexer returns nil when search is disabled.
func newIndexer() (*search.Indexer, error) {
	if !cfg.Search.Enabled {
		return nil, nil
	}
	schema := search.DefaultSchema()
	schema.Typo.OneTypoMinLength = cfg.Search.OneTypoMinLength
	schema.Typo.TwoTypoMinLength = cfg.Search.TwoTyposMinLength

	return search.NewIndexer(search.Options{
		Addresses:          cfg.Search.Addresses,
		Index:              cfg.Search.Index,
		Username:           config.Secret(cfg.Search.UsernameEnv),
		Password:           config.Secret(cfg.Search.PasswordEnv),
		InsecureSkipVerify: cfg.Search.InsecureSkipVerify,
	}, schema)
}

// newSearcher puts the result cache in front of ix when it is enabled and
// reachable. The returned func releases the cache connection.
func newSearcher(ctx context.Context, ix *search.Indexer) (search.Searcher, func()) {
	c := cfg.Search.Cache
	if !c.Enabled {
		return ix, func() {}
	}
	cache, err := search.NewValkeyCache(ctx, c.Address, config.Secret(c.PasswordEnv))
	if err != nil {
		slog.Warn("Search cache unavailable, continuing without it", "error", err)
		return ix, func() {}
	}
	return search.NewCachedSearcher(ix, cache, c.TTL), cache.Close
}

func runSync(ctx context.Context, db *database.DB, ix *search.Indexer, platformName string, req pipeline.Request) (*pipeline.RunResult, error) {
	platform, err := cfg.Platform(platformName)
	if err != nil {
		return nil, err
	}
	src, err := collect.NewSource(*platform, cfg.Sync)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		DB:       db,
		Pages:    src.Pages,
		Trending: src.Trending,
		Platform: *platform,
		Sync:     cfg.Sync,
	}
	if ix != nil {
		deps.Index = ix
	}
	p, err := pipeline.New(deps)
	if err != nil {
		return nil, err
	}
	return p.RunSync(ctx, req), nil
}
