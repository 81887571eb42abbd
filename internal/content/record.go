// Package content defines the canonical content record and the rules for
// turning provider payloads into one.
package content

import (
	"fmt"
	"strconv"
	"time"
)

// Metrics holds engagement counters reported by a provider.
type Metrics struct {
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
	Views    int64 `json:"views"`
}

// Clamped returns a copy with negative counters set to zero.
func (m Metrics) Clamped() Metrics {
	return Metrics{
		Likes:    max(m.Likes, 0),
		Comments: max(m.Comments, 0),
		Shares:   max(m.Shares, 0),
		Views:    max(m.Views, 0),
	}
}

// Key is the composite natural identity of a record.
type Key struct {
	PlatformID int64
	ExternalID string
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.PlatformID, k.ExternalID)
}

// Record is one normalized, platform-agnostic piece of content.
type Record struct {
	PlatformID   int64
	PlatformName string
	ExternalID   string // assigned by the source platform, stored verbatim
	Author       string
	Caption      string
	Hashtags     []string
	Metrics      Metrics
	PostedAt     time.Time
	FetchedAt    time.Time
	Language     string
	MediaURL     string
	Score        float64 // engagement rate
	ScoreTrend   float64 // recency-weighted engagement
}

// Key returns the record's composite identity.
func (r Record) Key() Key {
	return Key{PlatformID: r.PlatformID, ExternalID: r.ExternalID}
}

// DocumentID returns the identifier used for the record in the search index.
func (r Record) DocumentID() string {
	return DocumentID(r.PlatformID, r.ExternalID)
}

// DocumentID builds a search document identifier from a composite identity.
func DocumentID(platformID int64, externalID string) string {
	return strconv.FormatInt(platformID, 10) + "_" + externalID
}
