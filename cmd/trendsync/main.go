package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/trendsync/internal/config"
	"github.com/TobiSchelling/trendsync/internal/content"
	"github.com/TobiSchelling/trendsync/internal/logging"
	"github.com/TobiSchelling/trendsync/internal/pipeline"
	"github.com/TobiSchelling/trendsync/internal/report"
	"github.com/TobiSchelling/trendsync/internal/search"
	"github.com/TobiSchelling/trendsync/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "trendsync",
	Short:   "Hashtag content ingestion",
	Long:    "trendsync pulls hashtag media from social platforms, scores it, stores it and keeps a search index in step.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			logging.Init(os.Stderr, logging.Options{Verbose: verbose})
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logging.Init(os.Stderr, logging.Options{
			Level:   cfg.Logging.Level,
			Format:  cfg.Logging.Format,
			Verbose: verbose,
		})
		return cfg.LoadEnv()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(postsCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("trendsync", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/trendsync/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure platforms, credentials (as env var names) and the search cluster.")
		return nil
	},
}

var statusPlatform string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show hashtag freshness and recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		r, err := report.Build(cmd.Context(), db, strings.ToLower(statusPlatform), time.Now(), 0)
		if err != nil {
			return err
		}
		fmt.Println(r.Markdown())

		ix, err := newIndexer()
		if err != nil {
			return err
		}
		if ix == nil {
			fmt.Println("Search index: disabled")
			return nil
		}
		state := "unreachable"
		if ix.Healthy(cmd.Context()) {
			state = "ok"
		}
		fmt.Printf("Search index: %s (%s)\n", ix.Index(), state)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusPlatform, "platform", "p", "", "Only show hashtags of this platform")
}

// --- sync command ---

var (
	syncTrending bool
	syncPlatform string
)

var syncCmd = &cobra.Command{
	Use:   "sync [hashtags...]",
	Short: "Fetch, score, store and index hashtag media",
	Long: "Sync the given hashtags one after another. Without arguments the hashtags " +
		"listed under sync.hashtags in the config are used; with --trending the list " +
		"comes from the platform's trending endpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		hashtags := args
		if len(hashtags) == 0 && !syncTrending {
			hashtags = cfg.Sync.Hashtags
		}
		if len(hashtags) == 0 && !syncTrending {
			return errors.New("no hashtags given and none configured under sync.hashtags")
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ix, err := newIndexer()
		if err != nil {
			return err
		}

		run, err := runSync(cmd.Context(), db, ix, syncPlatform, pipeline.Request{Hashtags: hashtags, Trending: syncTrending})
		if err != nil {
			return err
		}

		fmt.Printf("\nRun %s on %s\n", run.RunID, run.Platform)
		for _, h := range run.Hashtags {
			if h.Failed() {
				fmt.Printf("  #%-20s FAILED at %s: %v\n", h.Hashtag, h.FailedAt, h.Err)
				continue
			}
			line := fmt.Sprintf("  #%-20s fetched %d, written %d, indexed %d, skipped %d",
				h.Hashtag, h.Fetched, h.Written, h.Indexed, h.Skipped)
			if h.IndexErr != nil {
				line += fmt.Sprintf(" (index error: %v)", h.IndexErr)
			}
			fmt.Println(line)
		}

		if run.Err != nil {
			return run.Err
		}
		if n := run.Failed(); n > 0 {
			return fmt.Errorf("%d of %d hashtags failed", n, len(run.Hashtags))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncTrending, "trending", false, "Discover hashtags from the trending endpoint")
	syncCmd.Flags().StringVarP(&syncPlatform, "platform", "p", "", "Platform to sync (default from sync.default_platform)")
}

// --- reindex command ---

var reindexBatch int

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search index from the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ix, err := newIndexer()
		if err != nil {
			return err
		}
		if ix == nil {
			return errors.New("search is disabled in the config")
		}

		res, err := pipeline.Reindex(cmd.Context(), db, ix, reindexBatch)
		if res != nil {
			fmt.Printf("Reindexed %d of %d posts in %d batches\n", res.Indexed, res.Posts, res.Batches)
		}
		return err
	},
}

func init() {
	reindexCmd.Flags().IntVar(&reindexBatch, "batch", 500, "Posts per bulk request")
}

// --- search command ---

var (
	searchPlatform string
	searchLimit    int
	searchSort     string
	searchMinScore float64
)

var searchCmd = &cobra.Command{
	Use:   "search [query...]",
	Short: "Search indexed posts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ix, err := newIndexer()
		if err != nil {
			return err
		}
		if ix == nil {
			return errors.New("search is disabled in the config")
		}
		searcher, closeCache := newSearcher(cmd.Context(), ix)
		defer closeCache()

		q := search.Query{
			Text:     strings.Join(args, " "),
			Platform: searchPlatform,
			Limit:    searchLimit,
		}
		if searchSort != "" {
			q.Sort = strings.Split(searchSort, ",")
		}
		if cmd.Flags().Changed("min-score") {
			q.MinScore = &searchMinScore
		}

		res, err := searcher.Search(cmd.Context(), q)
		if err != nil {
			return err
		}

		fmt.Printf("%d matching posts\n\n", res.Total)
		for _, h := range res.Hits {
			d := h.Document
			caption := d.Caption
			if len(caption) > 80 {
				caption = caption[:80] + "..."
			}
			fmt.Printf("  [%s] @%s  score %.2f  trend %.2f\n", d.ID, d.Author, d.Score, d.ScoreTrend)
			if caption != "" {
				fmt.Printf("        %s\n", caption)
			}
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVarP(&searchPlatform, "platform", "p", "", "Only posts from this platform")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "Number of results")
	searchCmd.Flags().StringVar(&searchSort, "sort", "", "Comma-separated field:asc|desc list (posted_at, score, score_trend)")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0, "Minimum engagement rate")
}

// --- posts command ---

var postsCmd = &cobra.Command{
	Use:   "posts",
	Short: "Manage stored posts",
}

var postsRemoveCmd = &cobra.Command{
	Use:   "rm [platform] [external_id]",
	Short: "Remove a post from the database and the search index",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		platform, err := db.GetPlatform(cmd.Context(), strings.ToLower(args[0]))
		if err != nil {
			return err
		}
		if platform == nil {
			return fmt.Errorf("platform %s not found", args[0])
		}

		removed, err := db.DeletePost(cmd.Context(), platform.ID, args[1])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("post %s/%s not found", platform.Name, args[1])
		}

		ix, err := newIndexer()
		if err != nil {
			return err
		}
		if ix != nil {
			if err := ix.Delete(cmd.Context(), content.DocumentID(platform.ID, args[1])); err != nil {
				return fmt.Errorf("post removed from database but not from index: %w", err)
			}
		}
		fmt.Printf("Removed post %s/%s\n", platform.Name, args[1])
		return nil
	},
}

func init() {
	postsCmd.AddCommand(postsRemoveCmd)
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin and search API",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ix, err := newIndexer()
		if err != nil {
			return err
		}

		opts := server.Options{
			DB:              db,
			DefaultPlatform: cfg.Sync.DefaultPlatform,
			AdminToken:      config.Secret(cfg.Server.AdminTokenEnv),
			Sync: func(ctx context.Context, platform string, req pipeline.Request) (*pipeline.RunResult, error) {
				return runSync(ctx, db, ix, platform, req)
			},
		}
		for _, p := range cfg.Platforms {
			opts.Platforms = append(opts.Platforms, p.Name)
		}
		if ix != nil {
			searcher, closeCache := newSearcher(cmd.Context(), ix)
			defer closeCache()
			opts.Search = searcher
		}

		port := servePort
		if !cmd.Flags().Changed("port") {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(cmd.Context(), opts, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}
