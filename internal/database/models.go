package database

import (
	"time"

	"github.com/TobiSchelling/trendsync/internal/content"
)

// Platform is a content provider dimension row. CredentialRef names where
// the credential lives (e.g. "env:TIKTOK_TOKEN"); it never holds the secret.
type Platform struct {
	ID            int64
	Name          string
	CredentialRef string
	CreatedAt     time.Time
}

// Hashtag is a tracked hashtag scoped to one platform. LastScraped is the
// sync watermark and is nil until the first completed attempt.
type Hashtag struct {
	ID          int64
	Name        string
	PlatformID  int64
	LastScraped *time.Time
	CreatedAt   time.Time
}

// HashtagStatus is a hashtag with its platform name and stored post count.
type HashtagStatus struct {
	Hashtag
	Platform  string
	PostCount int
}

// StoredPost is a persisted record with its row id.
type StoredPost struct {
	ID int64
	content.Record
}

// UpsertFailure identifies a record that could not be written.
type UpsertFailure struct {
	Key content.Key
	Err error
}

// UpsertResult reports the outcome of UpsertPosts.
type UpsertResult struct {
	Written  int
	Failures []UpsertFailure
}

// Sync run and per-hashtag states.
const (
	RunRunning = "running"
	RunDone    = "done"
	RunFailed  = "failed"
)

// SyncRun is one invocation of the sync pipeline.
type SyncRun struct {
	ID             string
	Platform       string
	Trending       bool
	State          string
	StartedAt      time.Time
	FinishedAt     *time.Time
	HashtagsTotal  int
	HashtagsFailed int
	ItemsWritten   int
	Error          string
	Results        []SyncResult
}

// SyncResult is the outcome of one hashtag within a run.
type SyncResult struct {
	Hashtag    string
	State      string
	FailedAt   string
	Fetched    int
	Normalized int
	Skipped    int
	Written    int
	Indexed    int
	Error      string
	IndexError string
	FinishedAt time.Time
}

// Stats holds aggregate database statistics.
type Stats struct {
	Platforms      int
	Hashtags       int
	NeverScraped   int
	Posts          int
	Runs           int
	FailedHashtags int
}
