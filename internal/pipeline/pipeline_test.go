package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TobiSchelling/trendsync/internal/collect"
	"github.com/TobiSchelling/trendsync/internal/config"
	"github.com/TobiSchelling/trendsync/internal/content"
	"github.com/TobiSchelling/trendsync/internal/database"
	"github.com/TobiSchelling/trendsync/internal/logging"
	"github.com/TobiSchelling/trendsync/internal/score"
)

func TestMain(m *testing.M) {
	slog.SetDefault(logging.Discard())
	os.Exit(m.Run())
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// hashtagSource serves a fixed set of items per hashtag in one page.
type hashtagSource struct {
	mu       sync.Mutex
	items    map[string][]json.RawMessage
	errs     map[string][]error // consumed one per request
	requests map[string]int
}

func newHashtagSource() *hashtagSource {
	return &hashtagSource{
		items:    map[string][]json.RawMessage{},
		errs:     map[string][]error{},
		requests: map[string]int{},
	}
}

func (s *hashtagSource) FetchPage(_ context.Context, req collect.PageRequest) (collect.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.Hashtag]++
	if errs := s.errs[req.Hashtag]; len(errs) > 0 {
		s.errs[req.Hashtag] = errs[1:]
		if errs[0] != nil {
			return collect.Page{}, errs[0]
		}
	}
	return collect.Page{Items: s.items[req.Hashtag]}, nil
}

func (s *hashtagSource) add(hashtag string, n int) {
	for i := range n {
		s.items[hashtag] = append(s.items[hashtag], json.RawMessage(fmt.Sprintf(
			`{"id":"%s-%d","username":"user%d","video_description":"clip #%s","like_count":%d,"comment_count":1,"share_count":0,"view_count":100,"create_time":%d}`,
			hashtag, i, i, hashtag, 10+i, testNow.Add(-time.Hour).Unix(),
		)))
	}
}

type fakeIndexer struct {
	mu      sync.Mutex
	ensured int
	docs    map[string]content.Record
	err     error
}

func (f *fakeIndexer) EnsureSchema(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	return nil
}

func (f *fakeIndexer) BatchIndex(_ context.Context, records []content.Record) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if f.docs == nil {
		f.docs = map[string]content.Record{}
	}
	for _, r := range records {
		f.docs[r.DocumentID()] = r
	}
	return len(records), nil
}

type trendingStub struct {
	tags []string
	err  error
}

func (s trendingStub) Trending(context.Context, int) ([]string, error) { return s.tags, s.err }

type recordedSleeps struct {
	mu     sync.Mutex
	sleeps []time.Duration
	hook   func()
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ctx.Err()
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	db.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { db.Close() })
	return db
}

func testSync() config.Sync {
	return config.Sync{
		ItemBudget:      50,
		PageSize:        20,
		HashtagDelay:    2 * time.Second,
		RetryBackoff:    time.Second,
		RetryBackoffMax: 4 * time.Second,
		TrendingLimit:   10,
	}
}

func newTestPipeline(t *testing.T, db *database.DB, src collect.PageSource, ix Indexer, sleeps *recordedSleeps, modify func(*Deps)) *Pipeline {
	t.Helper()
	d := Deps{
		DB:       db,
		Index:    ix,
		Pages:    src,
		Platform: config.Platform{Name: "tiktok", Kind: config.KindContentAPI, TokenEnv: "TIKTOK_TOKEN"},
		Sync:     testSync(),
		Now:      func() time.Time { return testNow },
		Sleep:    sleeps.sleep,
	}
	if modify != nil {
		modify(&d)
	}
	p, err := New(d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func scraped(t *testing.T, db *database.DB) map[string]bool {
	t.Helper()
	tags, err := db.ListHashtags(context.Background(), "tiktok")
	if err != nil {
		t.Fatalf("ListHashtags: %v", err)
	}
	out := map[string]bool{}
	for _, h := range tags {
		out[h.Name] = h.LastScraped != nil
	}
	return out
}

func TestRunSyncHashtagIsolation(t *testing.T) {
	db := openTestDB(t)
	src := newHashtagSource()
	src.add("travel", 3)
	src.add("beach", 2)
	src.errs["food"] = []error{&collect.FetchError{StatusCode: 500, Retryable: true, Err: errors.New("boom")}}
	ix := &fakeIndexer{}
	p := newTestPipeline(t, db, src, ix, &recordedSleeps{}, nil)

	run := p.RunSync(context.Background(), Request{Hashtags: []string{"travel", "food", "beach"}})

	if run.Err != nil {
		t.Fatalf("unexpected run error: %v", run.Err)
	}
	if run.Failed() != 1 || run.Succeeded() != 2 {
		t.Fatalf("expected 1 failed and 2 succeeded, got %d and %d", run.Failed(), run.Succeeded())
	}
	food := run.Hashtags[1]
	if food.State != StateFailed || food.FailedAt != StateFetching {
		t.Errorf("expected food to fail while fetching, got %s at %s", food.State, food.FailedAt)
	}
	if food.Fetched != 0 || food.Written != 0 {
		t.Errorf("failed hashtag should report zero processed, got %+v", food)
	}

	marks := scraped(t, db)
	if !marks["travel"] || !marks["beach"] {
		t.Errorf("successful hashtags should be watermarked: %v", marks)
	}
	if marks["food"] {
		t.Error("failed hashtag should not be watermarked")
	}

	if n, _ := db.CountPosts(context.Background()); n != 5 {
		t.Errorf("expected 5 posts, got %d", n)
	}
	if len(ix.docs) != 5 || ix.ensured != 1 {
		t.Errorf("expected 5 indexed docs and one schema call, got %d and %d", len(ix.docs), ix.ensured)
	}

	stored, err := db.GetRun(context.Background(), run.RunID)
	if err != nil || stored == nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.State != database.RunDone || stored.HashtagsFailed != 1 || stored.ItemsWritten != 5 {
		t.Errorf("unexpected stored run %+v", stored)
	}
	if len(stored.Results) != 3 || stored.Results[1].Error == "" || stored.Results[1].FailedAt != string(StateFetching) {
		t.Errorf("unexpected stored results %+v", stored.Results)
	}
}

func TestRunSyncZeroItemsStillWatermarks(t *testing.T) {
	db := openTestDB(t)
	p := newTestPipeline(t, db, newHashtagSource(), nil, &recordedSleeps{}, nil)

	run := p.RunSync(context.Background(), Request{Hashtags: []string{"quiet"}})

	if run.Failed() != 0 {
		t.Fatalf("empty hashtag should not fail: %+v", run.Hashtags)
	}
	if run.Hashtags[0].State != StateDone || run.Hashtags[0].Fetched != 0 {
		t.Errorf("unexpected result %+v", run.Hashtags[0])
	}
	if !scraped(t, db)["quiet"] {
		t.Error("hashtag with no items should still be watermarked")
	}
}

func TestRunSyncScoresAndStoresRecords(t *testing.T) {
	db := openTestDB(t)
	src := newHashtagSource()
	src.add("sunset", 1)
	p := newTestPipeline(t, db, src, nil, &recordedSleeps{}, nil)

	run := p.RunSync(context.Background(), Request{Hashtags: []string{"#Sunset"}})
	if run.Failed() != 0 {
		t.Fatalf("unexpected failure %+v", run.Hashtags)
	}

	platform, err := db.GetPlatform(context.Background(), "tiktok")
	if err != nil || platform == nil {
		t.Fatalf("GetPlatform: %v", err)
	}
	if platform.CredentialRef != "env:TIKTOK_TOKEN" {
		t.Errorf("expected credential ref, got %q", platform.CredentialRef)
	}

	post, err := db.GetPost(context.Background(), platform.ID, "sunset-0")
	if err != nil || post == nil {
		t.Fatalf("GetPost: %v", err)
	}
	if post.Score != 11 {
		t.Errorf("expected engagement rate 11, got %v", post.Score)
	}
	if post.ScoreTrend <= 0 {
		t.Errorf("expected positive trend score, got %v", post.ScoreTrend)
	}
	if len(post.Hashtags) != 1 || post.Hashtags[0] != "sunset" {
		t.Errorf("expected hashtag from caption, got %v", post.Hashtags)
	}
}

func TestRunSyncMissingPostedAtScoresAsFresh(t *testing.T) {
	db := openTestDB(t)
	src := newHashtagSource()
	src.items["dawn"] = []json.RawMessage{json.RawMessage(`{"id":"undated","username":"u","video_description":"#dawn","like_count":10,"comment_count":1}`)}
	p := newTestPipeline(t, db, src, nil, &recordedSleeps{}, nil)

	if run := p.RunSync(context.Background(), Request{Hashtags: []string{"dawn"}}); run.Failed() != 0 {
		t.Fatalf("unexpected failure %+v", run.Hashtags)
	}

	platform, err := db.GetPlatform(context.Background(), "tiktok")
	if err != nil || platform == nil {
		t.Fatalf("GetPlatform: %v", err)
	}
	post, err := db.GetPost(context.Background(), platform.ID, "undated")
	if err != nil || post == nil {
		t.Fatalf("GetPost: %v", err)
	}
	if !post.PostedAt.Equal(testNow) {
		t.Errorf("expected posted_at to default to the fetch time, got %v", post.PostedAt)
	}
	want := score.DecayedEngagement(10, 1, testNow, testNow)
	if post.ScoreTrend != want || post.Score != want {
		t.Errorf("expected both scores %v for a fresh post without views, got %v and %v", want, post.Score, post.ScoreTrend)
	}
}

func TestRunSyncSkipsMalformedItems(t *testing.T) {
	db := openTestDB(t)
	src := newHashtagSource()
	src.add("travel", 2)
	src.items["travel"] = append(src.items["travel"], json.RawMessage(`{"username":"noid"}`), json.RawMessage(`not json`))
	p := newTestPipeline(t, db, src, nil, &recordedSleeps{}, nil)

	res := p.RunSync(context.Background(), Request{Hashtags: []string{"travel"}}).Hashtags[0]

	if res.State != StateDone {
		t.Fatalf("malformed items should not fail the hashtag: %+v", res)
	}
	if res.Fetched != 4 || res.Normalized != 2 || res.Skipped != 2 || res.Written != 2 {
		t.Errorf("unexpected counters %+v", res)
	}
}

func TestRunSyncIndexFailureIsRecorded(t *testing.T) {
	db := openTestDB(t)
	src := newHashtagSource()
	src.add("travel", 2)
	src.add("food", 1)
	ix := &fakeIndexer{err: errors.New("cluster unavailable")}
	p := newTestPipeline(t, db, src, ix, &recordedSleeps{}, nil)

	run := p.RunSync(context.Background(), Request{Hashtags: []string{"travel", "food"}})

	for _, h := range run.Hashtags {
		if h.State != StateDone {
			t.Errorf("index failure should not fail %s: %+v", h.Hashtag, h)
		}
		if h.IndexErr == nil {
			t.Errorf("expected index error on %s", h.Hashtag)
		}
	}
	if n, _ := db.CountPosts(context.Background()); n != 3 {
		t.Errorf("relational writes should survive index failure, got %d posts", n)
	}
	marks := scraped(t, db)
	if !marks["travel"] || !marks["food"] {
		t.Errorf("expected both hashtags watermarked: %v", marks)
	}
}

func TestRunSyncRetriesRetryableFetch(t *testing.T) {
	db := openTestDB(t)
	src := newHashtagSource()
	src.add("travel", 1)
	unavailable := &collect.FetchError{StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}
	src.errs["travel"] = []error{unavailable, unavailable}
	sleeps := &recordedSleeps{}
	p := newTestPipeline(t, db, src, nil, sleeps, func(d *Deps) { d.Sync.FetchRetries = 2 })

	res := p.RunSync(context.Background(), Request{Hashtags: []string{"travel"}}).Hashtags[0]

	if res.State != StateDone || res.Written != 1 {
		t.Fatalf("expected success after retries, got %+v", res)
	}
	if src.requests["travel"] != 3 {
		t.Errorf("expected 3 requests, got %d", src.requests["travel"])
	}
	if len(sleeps.sleeps) != 2 || sleeps.sleeps[0] != time.Second || sleeps.sleeps[1] != 2*time.Second {
		t.Errorf("expected exponential backoff, got %v", sleeps.sleeps)
	}
}

func TestRunSyncNeverRetriesAuth(t *testing.T) {
	db := openTestDB(t)
	src := newHashtagSource()
	src.errs["travel"] = []error{fmt.Errorf("tiktok: %w", collect.ErrAuthUnavailable)}
	p := newTestPipeline(t, db, src, nil, &recordedSleeps{}, func(d *Deps) { d.Sync.FetchRetries = 3 })

	res := p.RunSync(context.Background(), Request{Hashtags: []string{"travel"}}).Hashtags[0]

	if !errors.Is(res.Err, collect.ErrAuthUnavailable) {
		t.Fatalf("expected auth error, got %v", res.Err)
	}
	if src.requests["travel"] != 1 {
		t.Errorf("auth failure must not be retried, got %d requests", src.requests["travel"])
	}
}

func TestRunSyncDefaultNoRetry(t *testing.T) {
	db := openTestDB(t)
	src := newHashtagSource()
	src.errs["travel"] = []error{&collect.FetchError{StatusCode: 429, Retryable: true, Err: errors.New("slow down")}}
	p := newTestPipeline(t, db, src, nil, &recordedSleeps{}, nil)

	res := p.RunSync(context.Background(), Request{Hashtags: []string{"travel"}}).Hashtags[0]

	if res.State != StateFailed || src.requests["travel"] != 1 {
		t.Errorf("expected a single failed attempt, got %s after %d requests", res.State, src.requests["travel"])
	}
}

func TestRunSyncDelaysBetweenHashtags(t *testing.T) {
	db := openTestDB(t)
	sleeps := &recordedSleeps{}
	p := newTestPipeline(t, db, newHashtagSource(), nil, sleeps, nil)

	run := p.RunSync(context.Background(), Request{Hashtags: []string{"a", "b", "c", "#A", " "}})

	if len(run.Hashtags) != 3 {
		t.Fatalf("expected 3 distinct hashtags, got %d", len(run.Hashtags))
	}
	if len(sleeps.sleeps) != 2 {
		t.Errorf("expected a delay between each pair of hashtags, got %v", sleeps.sleeps)
	}
	for _, d := range sleeps.sleeps {
		if d != 2*time.Second {
			t.Errorf("unexpected delay %v", d)
		}
	}
}

func TestRunSyncCancelBetweenHashtags(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeps := &recordedSleeps{hook: cancel}
	p := newTestPipeline(t, db, newHashtagSource(), nil, sleeps, nil)

	run := p.RunSync(ctx, Request{Hashtags: []string{"a", "b", "c"}})

	if !errors.Is(run.Err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", run.Err)
	}
	if len(run.Hashtags) != 1 {
		t.Errorf("expected only the first hashtag processed, got %d", len(run.Hashtags))
	}

	stored, err := db.GetRun(context.Background(), run.RunID)
	if err != nil || stored == nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.State != database.RunFailed || stored.HashtagsTotal != 3 {
		t.Errorf("unexpected stored run %+v", stored)
	}
}

func TestRunSyncTrending(t *testing.T) {
	db := openTestDB(t)
	src := newHashtagSource()
	src.add("travel", 1)
	p := newTestPipeline(t, db, src, nil, &recordedSleeps{}, func(d *Deps) {
		d.Trending = trendingStub{tags: []string{"#Travel", "food"}}
	})

	run := p.RunSync(context.Background(), Request{Trending: true, Hashtags: []string{"ignored"}})

	if run.Err != nil {
		t.Fatalf("unexpected error: %v", run.Err)
	}
	if len(run.Hashtags) != 2 || run.Hashtags[0].Hashtag != "travel" || run.Hashtags[1].Hashtag != "food" {
		t.Errorf("unexpected hashtags %+v", run.Hashtags)
	}
	if src.requests["ignored"] != 0 {
		t.Error("explicit hashtags should be ignored in trending mode")
	}
}

func TestRunSyncTrendingUnavailable(t *testing.T) {
	db := openTestDB(t)
	p := newTestPipeline(t, db, newHashtagSource(), nil, &recordedSleeps{}, nil)

	run := p.RunSync(context.Background(), Request{Trending: true})

	if !errors.Is(run.Err, ErrNoTrending) {
		t.Fatalf("expected ErrNoTrending, got %v", run.Err)
	}
	stored, _ := db.GetRun(context.Background(), run.RunID)
	if stored == nil || stored.State != database.RunFailed || stored.Error == "" {
		t.Errorf("failed discovery should be recorded, got %+v", stored)
	}
}

func TestRunSyncUsesGivenRunID(t *testing.T) {
	db := openTestDB(t)
	p := newTestPipeline(t, db, newHashtagSource(), nil, &recordedSleeps{}, nil)

	run := p.RunSync(context.Background(), Request{Hashtags: []string{"a"}, RunID: "run-1"})
	if run.RunID != "run-1" {
		t.Errorf("expected run-1, got %q", run.RunID)
	}
	other := p.RunSync(context.Background(), Request{Hashtags: []string{"a"}})
	if other.RunID == "" || other.RunID == "run-1" {
		t.Errorf("expected a generated run id, got %q", other.RunID)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("expected error without database and source")
	}
}

func TestCleanHashtags(t *testing.T) {
	got := cleanHashtags([]string{"#Travel", "travel", "", "  #FOOD ", "#"})
	if len(got) != 2 || got[0] != "travel" || got[1] != "food" {
		t.Errorf("unexpected %v", got)
	}
}

func TestReindex(t *testing.T) {
	db := openTestDB(t)
	src := newHashtagSource()
	src.add("travel", 3)
	src.add("food", 2)
	p := newTestPipeline(t, db, src, nil, &recordedSleeps{}, nil)
	p.RunSync(context.Background(), Request{Hashtags: []string{"travel", "food"}})

	ix := &fakeIndexer{}
	res, err := Reindex(context.Background(), db, ix, 2)
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if res.Posts != 5 || res.Indexed != 5 || res.Batches != 3 {
		t.Errorf("unexpected result %+v", res)
	}
	if doc, ok := ix.docs["1_travel-0"]; !ok || doc.PlatformName != "tiktok" {
		t.Errorf("expected stored post with platform name, got %+v", doc)
	}
}

func TestReindexContinuesPastFailures(t *testing.T) {
	db := openTestDB(t)
	src := newHashtagSource()
	src.add("travel", 2)
	p := newTestPipeline(t, db, src, nil, &recordedSleeps{}, nil)
	p.RunSync(context.Background(), Request{Hashtags: []string{"travel"}})

	ix := &fakeIndexer{err: errors.New("down")}
	res, err := Reindex(context.Background(), db, ix, 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Batches != 2 {
		t.Errorf("expected every batch attempted, got %d", res.Batches)
	}
}
