package content

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// NormalizeError reports a payload item that could not become a Record.
// The item is dropped; the rest of the page is still processed.
type NormalizeError struct {
	ExternalID string
	Reason     string
}

func (e *NormalizeError) Error() string {
	if e.ExternalID == "" {
		return "normalize: " + e.Reason
	}
	return fmt.Sprintf("normalize %s: %s", e.ExternalID, e.Reason)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05Z0700",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05",
}

// Normalize converts one raw provider payload into a Record using m.
// Platform fields are left for the caller; PostedAt stays zero when the
// payload carries no usable timestamp.
func Normalize(raw []byte, m Mapping, fetchedAt time.Time) (Record, error) {
	if !gjson.ValidBytes(raw) {
		return Record{}, &NormalizeError{Reason: "payload is not valid JSON"}
	}
	doc := gjson.ParseBytes(raw)

	id := firstString(doc, m.ID)
	if id == "" {
		return Record{}, &NormalizeError{Reason: "missing external id"}
	}

	caption := firstString(doc, m.Caption)
	var providerTags []string
	if r, ok := first(doc, m.Hashtags); ok {
		for _, t := range r.Array() {
			providerTags = append(providerTags, t.String())
		}
	}

	rec := Record{
		ExternalID: id,
		Author:     firstString(doc, m.Author),
		Caption:    caption,
		Hashtags:   MergeHashtags(ExtractHashtags(caption), providerTags),
		Metrics: Metrics{
			Likes:    firstInt(doc, m.Likes),
			Comments: firstInt(doc, m.Comments),
			Shares:   firstInt(doc, m.Shares),
			Views:    firstInt(doc, m.Views),
		}.Clamped(),
		FetchedAt: fetchedAt,
		Language:  strings.ToLower(firstString(doc, m.Language)),
		MediaURL:  firstString(doc, m.MediaURL),
	}
	if r, ok := first(doc, m.PostedAt); ok {
		if t, ok := parseTime(r); ok {
			rec.PostedAt = t
		}
	}
	return rec, nil
}

func first(doc gjson.Result, paths []string) (gjson.Result, bool) {
	for _, p := range paths {
		r := doc.Get(p)
		if r.Exists() && r.Type != gjson.Null {
			return r, true
		}
	}
	return gjson.Result{}, false
}

// firstString skips paths that resolve to empty strings so that e.g. an
// empty title falls through to the description.
func firstString(doc gjson.Result, paths []string) string {
	for _, p := range paths {
		r := doc.Get(p)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if s := strings.TrimSpace(r.String()); s != "" {
			return s
		}
	}
	return ""
}

func firstInt(doc gjson.Result, paths []string) int64 {
	r, ok := first(doc, paths)
	if !ok {
		return 0
	}
	if r.Type == gjson.String {
		n, err := strconv.ParseInt(strings.TrimSpace(r.Str), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return r.Int()
}

func parseTime(r gjson.Result) (time.Time, bool) {
	switch r.Type {
	case gjson.Number:
		return fromUnix(r.Int())
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromUnix(n)
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// fromUnix accepts seconds or milliseconds since the epoch.
func fromUnix(n int64) (time.Time, bool) {
	if n <= 0 {
		return time.Time{}, false
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC(), true
	}
	return time.Unix(n, 0).UTC(), true
}
