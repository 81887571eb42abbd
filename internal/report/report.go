// Package report summarizes sync freshness for operators.
package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/TobiSchelling/trendsync/internal/database"
)

// DefaultStaleAfter is how old a watermark may get before a hashtag is
// reported as stale.
const DefaultStaleAfter = 24 * time.Hour

const recentRuns = 10

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// Report is a point-in-time view of hashtag watermarks and recent runs.
type Report struct {
	GeneratedAt time.Time
	StaleAfter  time.Duration
	Platform    string
	Stats       *database.Stats
	Hashtags    []database.HashtagStatus
	Runs        []database.SyncRun
}

// Build reads the current state from db. An empty platform covers all
// platforms.
func Build(ctx context.Context, db *database.DB, platform string, now time.Time, staleAfter time.Duration) (*Report, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	stats, err := db.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}
	hashtags, err := db.ListHashtags(ctx, platform)
	if err != nil {
		return nil, err
	}
	runs, err := db.RecentRuns(ctx, recentRuns)
	if err != nil {
		return nil, err
	}
	return &Report{
		GeneratedAt: now.UTC(),
		StaleAfter:  staleAfter,
		Platform:    platform,
		Stats:       stats,
		Hashtags:    hashtags,
		Runs:        runs,
	}, nil
}

// IsStale reports whether h was never scraped or not within StaleAfter.
func (r *Report) IsStale(h database.HashtagStatus) bool {
	return h.LastScraped == nil || r.GeneratedAt.Sub(*h.LastScraped) > r.StaleAfter
}

// Stale returns the hashtags that need a sync.
func (r *Report) Stale() []database.HashtagStatus {
	var out []database.HashtagStatus
	for _, h := range r.Hashtags {
		if r.IsStale(h) {
			out = append(out, h)
		}
	}
	return out
}

// Markdown renders the report.
func (r *Report) Markdown() string {
	var b strings.Builder

	b.WriteString("# Sync status\n\n")
	fmt.Fprintf(&b, "Generated %s", r.GeneratedAt.Format("2006-01-02 15:04 UTC"))
	if r.Platform != "" {
		fmt.Fprintf(&b, " for **%s**", r.Platform)
	}
	b.WriteString("\n\n")

	if s := r.Stats; s != nil {
		fmt.Fprintf(&b, "- **Platforms:** %d\n", s.Platforms)
		fmt.Fprintf(&b, "- **Hashtags:** %d (%d never scraped, %d stale)\n", s.Hashtags, s.NeverScraped, len(r.Stale()))
		fmt.Fprintf(&b, "- **Posts:** %d\n", s.Posts)
		fmt.Fprintf(&b, "- **Runs:** %d (%d failed hashtag syncs)\n\n", s.Runs, s.FailedHashtags)
	}

	b.WriteString("## Hashtags\n\n")
	if len(r.Hashtags) == 0 {
		b.WriteString("No hashtags synced yet.\n\n")
	} else {
		b.WriteString("| Hashtag | Platform | Last scraped | Age | Posts | |\n")
		b.WriteString("|---|---|---|---|---:|---|\n")
		for _, h := range r.Hashtags {
			last, age := "never", "-"
			if h.LastScraped != nil {
				last = h.LastScraped.Format("2006-01-02 15:04")
				age = formatAge(r.GeneratedAt.Sub(*h.LastScraped))
			}
			flag := ""
			if r.IsStale(h) {
				flag = "stale"
			}
			fmt.Fprintf(&b, "| #%s | %s | %s | %s | %d | %s |\n", h.Name, h.Platform, last, age, h.PostCount, flag)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Recent runs\n\n")
	if len(r.Runs) == 0 {
		b.WriteString("No runs recorded.\n")
		return b.String()
	}
	b.WriteString("| Run | Platform | Mode | State | Started | Hashtags | Failed | Written |\n")
	b.WriteString("|---|---|---|---|---|---:|---:|---:|\n")
	for _, run := range r.Runs {
		mode := "explicit"
		if run.Trending {
			mode = "trending"
		}
		fmt.Fprintf(&b, "| `%s` | %s | %s | %s | %s | %d | %d | %d |\n",
			shortID(run.ID), run.Platform, mode, run.State,
			run.StartedAt.Format("2006-01-02 15:04"),
			run.HashtagsTotal, run.HashtagsFailed, run.ItemsWritten)
	}
	return b.String()
}

// HTML renders the report's markdown with goldmark.
func (r *Report) HTML() (template.HTML, error) {
	return RenderMarkdown(r.Markdown())
}

// RenderMarkdown converts markdown to HTML.
func RenderMarkdown(text string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}

func formatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "0m"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
