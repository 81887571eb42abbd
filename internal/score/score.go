// Package score computes trend scores from engagement counters.
//
// Two formulas are kept side by side: an engagement rate normalized by reach
// and a decayed engagement score that favours recent content. The pipeline
// stores the first as Record.Score and the second as Record.ScoreTrend.
package score

import (
	"math"
	"time"

	"github.com/TobiSchelling/trendsync/internal/content"
)

const (
	likeWeight    = 0.5
	commentWeight = 0.6
	recencyWeight = 0.2
	recencyScale  = 10.0
	decayHours    = 24.0
)

// DecayedEngagement rewards absolute engagement with a recency boost that
// fades to near zero after about three days. Future posted_at values count
// as zero elapsed hours.
func DecayedEngagement(likes, comments int64, postedAt, now time.Time) float64 {
	hours := now.Sub(postedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	decay := math.Exp(-hours/decayHours) * recencyScale
	return likeWeight*math.Sqrt(float64(max(likes, 0))) +
		commentWeight*math.Sqrt(float64(max(comments, 0))) +
		recencyWeight*decay
}

// EngagementRate is (likes+comments+shares)/views as a percentage, or 0
// when views is not positive.
func EngagementRate(likes, comments, shares, views int64) float64 {
	if views <= 0 {
		return 0
	}
	total := max(likes, 0) + max(comments, 0) + max(shares, 0)
	return float64(total) / float64(views) * 100
}

// Apply sets both scores on r. When only one formula has the inputs it
// needs, its value is written to both fields.
func Apply(r *content.Record, now time.Time) {
	m := r.Metrics.Clamped()

	rateOK := m.Views > 0
	trendOK := !r.PostedAt.IsZero()

	var rate, trend float64
	if rateOK {
		rate = EngagementRate(m.Likes, m.Comments, m.Shares, m.Views)
	}
	if trendOK {
		trend = DecayedEngagement(m.Likes, m.Comments, r.PostedAt, now)
	}

	switch {
	case rateOK && trendOK:
		r.Score, r.ScoreTrend = rate, trend
	case rateOK:
		r.Score, r.ScoreTrend = rate, rate
	case trendOK:
		r.Score, r.ScoreTrend = trend, trend
	default:
		r.Score, r.ScoreTrend = 0, 0
	}
}
