package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/trendsync/internal/collect"
	"github.com/TobiSchelling/trendsync/internal/config"
	"github.com/TobiSchelling/trendsync/internal/content"
	"github.com/TobiSchelling/trendsync/internal/database"
	"github.com/TobiSchelling/trendsync/internal/score"
)

// State is a step of the per-hashtag state machine.
type State string

const (
	StateResolve    State = "RESOLVE_DIMENSIONS"
	StateFetching   State = "FETCHING"
	StateScoring    State = "SCORING"
	StatePersisting State = "PERSISTING"
	StateIndexing   State = "INDEXING"
	StateWatermark  State = "WATERMARK_UPDATE"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// ErrNoTrending is returned when trending discovery is requested for a
// platform without a trending endpoint.
var ErrNoTrending = errors.New("platform has no trending endpoint")

// Indexer is the search index the pipeline writes to after the store.
type Indexer interface {
	EnsureSchema(ctx context.Context) error
	BatchIndex(ctx context.Context, records []content.Record) (int, error)
}

// Deps are the collaborators of a Pipeline. Index and Trending may be nil.
type Deps struct {
	DB       *database.DB
	Index    Indexer
	Pages    collect.PageSource
	Trending collect.TrendingSource
	Platform config.Platform
	Sync     config.Sync

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pipeline syncs hashtags of one platform into the store and the index.
type Pipeline struct {
	db       *database.DB
	index    Indexer
	fetcher  *collect.Fetcher
	trending collect.TrendingSource
	platform config.Platform
	mapping  content.Mapping
	settings config.Sync
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a pipeline.
func New(d Deps) (*Pipeline, error) {
	if d.DB == nil || d.Pages == nil {
		return nil, errors.New("pipeline needs a database and a page source")
	}
	mapping, err := d.Platform.ResolveMapping()
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		db:       d.DB,
		index:    d.Index,
		fetcher:  collect.NewFetcher(d.Pages, d.Sync.PageSize),
		trending: d.Trending,
		platform: d.Platform,
		mapping:  mapping,
		settings: d.Sync,
		now:      d.Now,
		sleep:    d.Sleep,
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.settings.ItemBudget <= 0 {
		p.settings.ItemBudget = 50
	}
	return p, nil
}

// Request describes one sync invocation. With Trending set, Hashtags is
// ignored and the list comes from the platform's trending endpoint.
type Request struct {
	Hashtags []string
	Trending bool
	RunID    string // generated when empty
}

// HashtagResult is the outcome of one hashtag. FailedAt names the state
// that failed when State is FAILED.
type HashtagResult struct {
	Hashtag    string
	State      State
	FailedAt   State
	Fetched    int
	Normalized int
	Skipped    int
	Written    int
	Indexed    int
	Err        error
	IndexErr   error
	FinishedAt time.Time
}

// Failed reports whether the hashtag ended in FAILED.
func (h HashtagResult) Failed() bool { return h.State == StateFailed }

// RunResult is the outcome of a sync run. Err is set when the run as a
// whole could not proceed (trending discovery failed, or it was canceled).
type RunResult struct {
	RunID      string
	Platform   string
	Trending   bool
	StartedAt  time.Time
	FinishedAt time.Time
	Hashtags   []HashtagResult
	Err        error
}

// Failed counts hashtags that ended in FAILED.
func (r *RunResult) Failed() int {
	n := 0
	for _, h := range r.Hashtags {
		if h.Failed() {
			n++
		}
	}
	return n
}

// Succeeded counts hashtags that reached DONE.
func (r *RunResult) Succeeded() int {
	return len(r.Hashtags) - r.Failed()
}

// Written sums the posts written across hashtags.
func (r *RunResult) Written() int {
	n := 0
	for _, h := range r.Hashtags {
		n += h.Written
	}
	return n
}

// RunSync processes the requested hashtags one after another. A failing
// hashtag never stops the ones after it. Cancellation is checked before
// each hashtag; work already committed for a hashtag is kept.
func (p *Pipeline) RunSync(ctx context.Context, req Request) *RunResult {
	run := &RunResult{
		RunID:     req.RunID,
		Platform:  p.platform.Name,
		Trending:  req.Trending,
		StartedAt: p.now(),
	}
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	log := slog.With("run_id", run.RunID, "platform", p.platform.Name)

	recorded := true
	if err := p.db.InsertRun(ctx, run.RunID, p.platform.Name, req.Trending, run.StartedAt); err != nil {
		log.Warn("Run will not be recorded", "error", err)
		recorded = false
	}

	hashtags := req.Hashtags
	if req.Trending {
		discovered, err := p.discover(ctx)
		if err != nil {
			log.Error("Trending discovery failed", "error", err)
			run.Err = fmt.Errorf("trending discovery: %w", err)
			p.finish(ctx, run, recorded, 0)
			return run
		}
		log.Info("Discovered trending hashtags", "count", len(discovered))
		hashtags = discovered
	}
	hashtags = cleanHashtags(hashtags)

	if p.index != nil && len(hashtags) > 0 {
		if err := p.index.EnsureSchema(ctx); err != nil {
			log.Error("Search schema not applied", "error", err)
		}
	}

	for i, tag := range hashtags {
		if err := ctx.Err(); err != nil {
			run.Err = err
			break
		}
		if i > 0 && p.settings.HashtagDelay > 0 {
			if err := p.sleep(ctx, p.settings.HashtagDelay); err != nil {
				run.Err = err
				break
			}
		}

		res := p.syncHashtag(ctx, tag)
		run.Hashtags = append(run.Hashtags, res)
		if recorded {
			if err := p.db.InsertSyncResult(context.WithoutCancel(ctx), run.RunID, res.record()); err != nil {
				log.Warn("Failed to record hashtag result", "hashtag", tag, "error", err)
			}
		}
	}

	p.finish(ctx, run, recorded, len(hashtags))
	log.Info("Sync finished",
		"hashtags", len(run.Hashtags),
		"failed", run.Failed(),
		"written", run.Written(),
	)
	return run
}

func (p *Pipeline) finish(ctx context.Context, run *RunResult, recorded bool, total int) {
	run.FinishedAt = p.now()
	if !recorded {
		return
	}
	state := database.RunDone
	var errText string
	if run.Err != nil {
		state = database.RunFailed
		errText = run.Err.Error()
	}
	finished := run.FinishedAt
	rec := &database.SyncRun{
		ID:             run.RunID,
		State:          state,
		FinishedAt:     &finished,
		HashtagsTotal:  total,
		HashtagsFailed: run.Failed(),
		ItemsWritten:   run.Written(),
		Error:          errText,
	}
	if err := p.db.FinishRun(context.WithoutCancel(ctx), rec); err != nil {
		slog.Warn("Failed to record run completion", "run_id", run.RunID, "error", err)
	}
}

func (p *Pipeline) discover(ctx context.Context) ([]string, error) {
	if p.trending == nil {
		return nil, ErrNoTrending
	}
	limit := p.settings.TrendingLimit
	if limit <= 0 {
		limit = 10
	}
	var tags []string
	err := p.retry(ctx, "trending", func() error {
		var err error
		tags, err = p.trending.Trending(ctx, limit)
		return err
	})
	return tags, err
}

// syncHashtag drives one hashtag through the state machine.
func (p *Pipeline) syncHashtag(ctx context.Context, tag string) HashtagResult {
	res := HashtagResult{Hashtag: tag, State: StateResolve}
	log := slog.With("platform", p.platform.Name, "hashtag", tag)

	fail := func(err error) HashtagResult {
		res.FailedAt = res.State
		res.State = StateFailed
		res.Err = err
		res.FinishedAt = p.now()
		log.Error("Hashtag failed", "state", res.FailedAt, "error", err)
		return res
	}

	platform, err := p.db.EnsurePlatform(ctx, p.platform.Name, p.platform.CredentialRef())
	if err != nil {
		return fail(err)
	}
	hashtag, err := p.db.EnsureHashtag(ctx, tag, platform.ID)
	if err != nil {
		return fail(err)
	}

	res.State = StateFetching
	raws, err := p.fetch(ctx, tag)
	if err != nil {
		return fail(err)
	}
	res.Fetched = len(raws)

	res.State = StateScoring
	now := p.now()
	records := make([]content.Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := content.Normalize(raw, p.mapping, now)
		if err != nil {
			res.Skipped++
			log.Warn("Skipping item", "error", err)
			continue
		}
		rec.PlatformID = platform.ID
		rec.PlatformName = platform.Name
		if rec.PostedAt.IsZero() {
			rec.PostedAt = now
		}
		score.Apply(&rec, now)
		records = append(records, rec)
	}
	res.Normalized = len(records)

	res.State = StatePersisting
	up, err := p.db.UpsertPosts(ctx, records)
	if err != nil {
		return fail(err)
	}
	res.Written = up.Written
	res.Skipped += len(up.Failures)

	res.State = StateIndexing
	if p.index != nil {
		persisted := withoutFailures(records, up.Failures)
		if len(persisted) > 0 {
			n, err := p.index.BatchIndex(ctx, persisted)
			res.Indexed = n
			if err != nil {
				res.IndexErr = err
				log.Error("Indexing failed", "count", len(persisted), "error", err)
			}
		}
	}

	res.State = StateWatermark
	if err := p.db.TouchHashtag(ctx, hashtag.ID, p.now()); err != nil {
		return fail(err)
	}

	res.State = StateDone
	res.FinishedAt = p.now()
	log.Info("Hashtag synced",
		"fetched", res.Fetched,
		"written", res.Written,
		"indexed", res.Indexed,
		"skipped", res.Skipped,
	)
	return res
}

// fetch collects up to the item budget, retrying retryable failures as
// configured. Items of a failed attempt are discarded.
func (p *Pipeline) fetch(ctx context.Context, tag string) ([]json.RawMessage, error) {
	var items []json.RawMessage
	err := p.retry(ctx, tag, func() error {
		var err error
		items, err = p.fetcher.Collect(ctx, tag, p.settings.ItemBudget)
		return err
	})
	return items, err
}

func (p *Pipeline) retry(ctx context.Context, what string, fn func() error) error {
	backoff := p.settings.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || attempt >= p.settings.FetchRetries || !collect.IsRetryable(err) {
			return err
		}
		slog.Warn("Fetch failed, retrying", "target", what, "attempt", attempt+1, "backoff", backoff, "error", err)
		if err := p.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if p.settings.RetryBackoffMax > 0 {
			backoff = min(backoff, p.settings.RetryBackoffMax)
		}
	}
}

func withoutFailures(records []content.Record, failures []database.UpsertFailure) []content.Record {
	if len(failures) == 0 {
		return records
	}
	failed := make(map[content.Key]struct{}, len(failures))
	for _, f := range failures {
		failed[f.Key] = struct{}{}
	}
	out := make([]content.Record, 0, len(records))
	for _, r := range records {
		if _, ok := failed[r.Key()]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// cleanHashtags normalizes names and drops empties and repeats, keeping
// the input order.
func cleanHashtags(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, n := range names {
		n = content.CleanHashtag(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func (h HashtagResult) record() database.SyncResult {
	r := database.SyncResult{
		Hashtag:    h.Hashtag,
		State:      string(h.State),
		FailedAt:   string(h.FailedAt),
		Fetched:    h.Fetched,
		Normalized: h.Normalized,
		Skipped:    h.Skipped,
		Written:    h.Written,
		Indexed:    h.Indexed,
		FinishedAt: h.FinishedAt,
	}
	if h.Err != nil {
		r.Error = h.Err.Error()
	}
	if h.IndexErr != nil {
		r.IndexError = h.IndexErr.Error()
	}
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
